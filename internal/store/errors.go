package store

import "errors"

var (
	ErrNotFound      = errors.New("record not found")
	ErrNoOperation   = errors.New("operation not found")
	ErrInvalidRecord = errors.New("invalid record")
)
