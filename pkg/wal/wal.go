package wal

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"vdb/pkg/compression"
)

const fieldSep = "|"

var (
	ErrClosed        = errors.New("wal: closed")
	ErrCorrupt       = errors.New("wal: corrupt record")
	ErrInvalidRecord = errors.New("wal: invalid record")
)

// Record is one journal line. LogID is assigned by the caller and is
// strictly increasing within a journal.
type Record struct {
	LogID   uint64
	Version string
	OpType  string
	Payload []byte
}

type Option func(*Journal)

func WithLogger(l *slog.Logger) Option {
	return func(j *Journal) {
		j.log = l
	}
}

// Journal is an append-only file of compressed, base64 encoded lines.
// Writes are flushed and synced before Append returns. The replay
// cursor reads through its own file handle.
type Journal struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
	path   string
	codec  compression.Codec

	rmu    sync.Mutex
	rfile  *os.File
	reader *bufio.Reader

	log *slog.Logger
}

// Open creates the parent directory and the journal file when missing.
func Open(path string, codec compression.Codec, opts ...Option) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("empty journal path")
	}
	if codec == nil {
		codec = compression.Snappy{}
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal file: %w", err)
	}

	j := &Journal{
		file:   file,
		writer: bufio.NewWriter(file),
		path:   path,
		codec:  codec,
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(j)
	}
	j.log = j.log.With("component", "wal", "path", path, "codec", codec.Name())
	return j, nil
}

func (j *Journal) Path() string {
	return j.path
}

func (j *Journal) Append(rec Record) error {
	line, err := j.encode(rec)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer == nil {
		return ErrClosed
	}
	if _, err := j.writer.Write(line); err != nil {
		return fmt.Errorf("failed to write journal record %d: %w", rec.LogID, err)
	}
	if err := j.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush journal: %w", err)
	}
	if err := j.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync journal: %w", err)
	}
	return nil
}

// Next returns the record after the replay cursor, or io.EOF at the end.
// A torn last line left by a crash is reported as io.EOF.
func (j *Journal) Next() (Record, error) {
	j.rmu.Lock()
	defer j.rmu.Unlock()

	if j.reader == nil {
		f, err := os.Open(j.path)
		if err != nil {
			return Record{}, fmt.Errorf("failed to open journal for reading: %w", err)
		}
		j.rfile = f
		j.reader = bufio.NewReader(f)
	}

	for {
		line, err := j.reader.ReadBytes('\n')
		if err != nil {
			if errors.Is(err, io.EOF) {
				if len(line) > 0 {
					j.log.Warn("ignoring torn journal tail", "bytes", len(line))
				}
				return Record{}, io.EOF
			}
			return Record{}, fmt.Errorf("failed to read journal: %w", err)
		}

		line = bytes.TrimRight(line, "\r\n")
		if len(line) == 0 {
			continue
		}
		return j.decode(line)
	}
}

// Rewind moves the replay cursor back to the start of the file.
func (j *Journal) Rewind() error {
	j.rmu.Lock()
	defer j.rmu.Unlock()
	return j.closeReader()
}

func (j *Journal) Close() error {
	j.rmu.Lock()
	rerr := j.closeReader()
	j.rmu.Unlock()

	j.mu.Lock()
	defer j.mu.Unlock()

	if j.writer != nil {
		if err := j.writer.Flush(); err != nil {
			return fmt.Errorf("failed to flush journal on close: %w", err)
		}
		j.writer = nil
	}
	if j.file != nil {
		if err := j.file.Close(); err != nil {
			return fmt.Errorf("failed to close journal file: %w", err)
		}
		j.file = nil
	}
	return rerr
}

// closeReader must be called with rmu held.
func (j *Journal) closeReader() error {
	j.reader = nil
	if j.rfile == nil {
		return nil
	}
	err := j.rfile.Close()
	j.rfile = nil
	if err != nil {
		return fmt.Errorf("failed to close journal reader: %w", err)
	}
	return nil
}

func (j *Journal) encode(rec Record) ([]byte, error) {
	if strings.Contains(rec.Version, fieldSep) || strings.Contains(rec.OpType, fieldSep) {
		return nil, fmt.Errorf("version %q / op %q contain %q: %w", rec.Version, rec.OpType, fieldSep, ErrInvalidRecord)
	}

	var raw bytes.Buffer
	raw.WriteString(strconv.FormatUint(rec.LogID, 10))
	raw.WriteString(fieldSep)
	raw.WriteString(rec.Version)
	raw.WriteString(fieldSep)
	raw.WriteString(rec.OpType)
	raw.WriteString(fieldSep)
	raw.Write(rec.Payload)

	packed, err := j.codec.Compress(raw.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to compress record %d: %w", rec.LogID, err)
	}

	line := make([]byte, base64.StdEncoding.EncodedLen(len(packed))+1)
	base64.StdEncoding.Encode(line, packed)
	line[len(line)-1] = '\n'
	return line, nil
}

func (j *Journal) decode(line []byte) (Record, error) {
	packed := make([]byte, base64.StdEncoding.DecodedLen(len(line)))
	n, err := base64.StdEncoding.Decode(packed, line)
	if err != nil {
		return Record{}, fmt.Errorf("base64: %v: %w", err, ErrCorrupt)
	}
	raw, err := j.codec.Decompress(packed[:n])
	if err != nil {
		return Record{}, fmt.Errorf("%v: %w", err, ErrCorrupt)
	}

	parts := bytes.SplitN(raw, []byte(fieldSep), 4)
	if len(parts) != 4 {
		return Record{}, fmt.Errorf("expected 4 fields, got %d: %w", len(parts), ErrCorrupt)
	}
	id, err := strconv.ParseUint(string(parts[0]), 10, 64)
	if err != nil {
		return Record{}, fmt.Errorf("log id %q: %w", parts[0], ErrCorrupt)
	}
	return Record{
		LogID:   id,
		Version: string(parts[1]),
		OpType:  string(parts[2]),
		Payload: parts[3],
	}, nil
}
