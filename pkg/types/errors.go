package types

import "errors"

// Domain errors
var (
	ErrInvalidSource = errors.New("invalid source")
	ErrEmptyQuery    = errors.New("query cannot be empty")
	ErrClosed        = errors.New("memory index is closed")
)
