// Package validation adapts go-playground/validator to echo's Validator
// interface so handlers can call c.Validate on bound request bodies.
package validation

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-playground/locales/en"
	ut "github.com/go-playground/universal-translator"
	"github.com/go-playground/validator/v10"
	en_translations "github.com/go-playground/validator/v10/translations/en"
	"github.com/labstack/echo/v4"
)

type Validator struct {
	validate *validator.Validate
	trans    ut.Translator
}

// New returns a validator that reports fields by their json names with
// English messages.
func New() *Validator {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	english := en.New()
	trans, _ := ut.New(english, english).GetTranslator("en")
	if err := en_translations.RegisterDefaultTranslations(v, trans); err != nil {
		panic("validation: register translations: " + err.Error())
	}

	return &Validator{validate: v, trans: trans}
}

// Validate returns a 400 HTTPError naming the first failing field.
func (v *Validator) Validate(i interface{}) error {
	err := v.validate.Struct(i)
	if err == nil {
		return nil
	}
	return echo.NewHTTPError(http.StatusBadRequest, v.Message(err)).SetInternal(err)
}

// Message renders err as a single human readable line. Errors that are not
// field errors pass through unchanged.
func (v *Validator) Message(err error) string {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return err.Error()
	}
	return fieldErrs[0].Translate(v.trans)
}
