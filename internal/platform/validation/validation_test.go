package validation

import (
	"errors"
	"net/http"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type signup struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
	Role  string `json:"role" validate:"oneof=patient doctor"`
}

func TestValidate_OK(t *testing.T) {
	v := New()
	assert.NoError(t, v.Validate(&signup{Name: "Asha", Email: "asha@example.com", Role: "patient"}))
}

func TestValidate_ReportsJSONFieldName(t *testing.T) {
	v := New()
	err := v.Validate(&signup{Email: "asha@example.com", Role: "patient"})
	require.Error(t, err)

	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	assert.Equal(t, http.StatusBadRequest, he.Code)
	assert.Contains(t, he.Message, "name")
	assert.Contains(t, he.Message, "required")
}

func TestValidate_FirstErrorOnly(t *testing.T) {
	v := New()
	err := v.Validate(&signup{Name: "Asha", Email: "not-an-email", Role: "nurse"})
	require.Error(t, err)

	var he *echo.HTTPError
	require.True(t, errors.As(err, &he))
	msg, ok := he.Message.(string)
	require.True(t, ok)
	assert.Contains(t, msg, "email")
	assert.NotContains(t, msg, "role")
}

func TestMessage_PassesThroughOtherErrors(t *testing.T) {
	assert.Equal(t, "boom", New().Message(errors.New("boom")))
}

func TestValidate_AsEchoValidator(t *testing.T) {
	e := echo.New()
	e.Validator = New()
	c := e.NewContext(nil, nil)
	assert.Error(t, c.Validate(&signup{}))
}
