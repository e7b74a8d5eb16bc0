package dberrors

import "errors"

// Errors shared across the commit pipeline. Packages wrap these with context.
var (
	ErrNotFound        = errors.New("vdb: not found")
	ErrClosed          = errors.New("vdb: closed")
	ErrInvalidArgument = errors.New("vdb: invalid argument")
	ErrNotLeader       = errors.New("vdb: not leader")
	ErrNotInitialized  = errors.New("vdb: consensus not initialized")
	ErrTimeout         = errors.New("vdb: request timed out")
	ErrJournal         = errors.New("vdb: journal write failed")
)
