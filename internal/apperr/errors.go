package apperr

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrExists            = errors.New("already exists")
	ErrInvalid           = errors.New("invalid")
	ErrSchemaConflict    = errors.New("schema conflict")
	ErrLayoutMismatch    = errors.New("layout mismatch")
	ErrChangelogDisabled = errors.New("changelog disabled")
)
