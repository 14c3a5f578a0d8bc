package therapy

import (
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestClassify(t *testing.T) {
	assert.NoError(t, classify(nil, "op"))
	assert.ErrorIs(t, classify(pgx.ErrNoRows, "get cycle"), ErrNotFound)

	dup := &pgconn.PgError{Code: "23505", ConstraintName: activeCycleIndex}
	assert.ErrorIs(t, classify(dup, "insert cycle"), ErrActiveCycleExists)

	otherDup := &pgconn.PgError{Code: "23505", ConstraintName: "app_user_email_key"}
	err := classify(otherDup, "insert cycle")
	assert.NotErrorIs(t, err, ErrActiveCycleExists)
	assert.ErrorIs(t, err, otherDup)

	fk := &pgconn.PgError{Code: "23503", Detail: `Key (doctor_id)=(99) is not present in table "app_user".`}
	err = classify(fk, "insert cycle")
	assert.ErrorIs(t, err, ErrInvalidReference)
	assert.Contains(t, err.Error(), "doctor_id")

	boom := errors.New("connection reset")
	err = classify(boom, "count stages")
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "count stages: connection reset", err.Error())
}
