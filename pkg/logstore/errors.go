package logstore

import "errors"

var (
	ErrCompacted     = errors.New("logstore: index is compacted")
	ErrUnavailable   = errors.New("logstore: index is unavailable")
	ErrGap           = errors.New("logstore: write would leave a gap")
	ErrMalformedPack = errors.New("logstore: malformed pack")
)
