package store

import "errors"

var (
	ErrUnknownIndexType = errors.New("unknown index type")
	ErrInvalidDocument  = errors.New("invalid document")
	ErrCorruptSnapshot  = errors.New("corrupt store snapshot")
)
