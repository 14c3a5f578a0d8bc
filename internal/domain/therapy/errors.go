package therapy

import "errors"

var (
	ErrValidation        = errors.New("invalid request")
	ErrNotFound          = errors.New("not found")
	ErrActiveCycleExists = errors.New("patient already has an active therapy cycle")
	ErrInvalidReference  = errors.New("referenced user does not exist")
	ErrForbidden         = errors.New("not permitted for this patient")
)
