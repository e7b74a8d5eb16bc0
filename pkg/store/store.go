package store

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/zhangyunhao116/skipmap"

	"vdb/pkg/clock"
)

const maxSnapshotLine = 64 << 20

type iClock interface {
	Val() uint64
	Next() uint64
	Observe(t uint64)
}

type Option func(*Store)

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Store is the in-memory document store commits are applied to.
// Upsert is last write wins by id.
type Store struct {
	docs *skipmap.FuncMap[uint64, *record]
	seqN iClock
	log  *slog.Logger
}

func New(opts ...Option) *Store {
	s := &Store{
		docs: skipmap.NewFunc[uint64, *record](func(a, b uint64) bool {
			return a < b
		}),
		seqN: clock.NewAtomic(0),
		log:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "store")
	return s
}

// Upsert stores doc under id in the given index, replacing any previous
// version.
func (s *Store) Upsert(id uint64, doc []byte, indexType IndexType) error {
	if indexType == "" {
		indexType = IndexFlat
	}
	if indexType != IndexFlat && indexType != IndexHNSW {
		return fmt.Errorf("%q: %w", indexType, ErrUnknownIndexType)
	}
	if !json.Valid(doc) {
		return fmt.Errorf("document %d: %w", id, ErrInvalidDocument)
	}

	s.docs.Store(id, &record{
		Doc:       bytes.Clone(doc),
		IndexType: indexType,
		Seq:       s.seqN.Next(),
	})
	return nil
}

// Query returns a copy of the stored document.
func (s *Store) Query(id uint64) ([]byte, bool) {
	r, ok := s.docs.Load(id)
	if !ok {
		return nil, false
	}
	return bytes.Clone(r.Doc), true
}

// IndexOf reports which index holds id.
func (s *Store) IndexOf(id uint64) (IndexType, bool) {
	r, ok := s.docs.Load(id)
	if !ok {
		return "", false
	}
	return r.IndexType, true
}

func (s *Store) Len() int {
	return s.docs.Len()
}

// Save writes every document as one JSON line, ordered by id.
func (s *Store) Save(w io.Writer) error {
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	var err error
	s.docs.Range(func(id uint64, r *record) bool {
		err = enc.Encode(snapshotLine{ID: id, record: *r})
		return err == nil
	})
	if err != nil {
		return fmt.Errorf("failed to encode store snapshot: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return fmt.Errorf("failed to flush store snapshot: %w", err)
	}
	return nil
}

// Load replaces the store contents with a dump produced by Save.
func (s *Store) Load(r io.Reader) error {
	var loaded []snapshotLine

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxSnapshotLine)

	var maxSeq uint64
	lines := 0
	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(bytes.TrimSpace(raw)) == 0 {
			continue
		}
		var line snapshotLine
		if err := json.Unmarshal(raw, &line); err != nil {
			return fmt.Errorf("line %d: %v: %w", lines+1, err, ErrCorruptSnapshot)
		}
		lines++

		loaded = append(loaded, line)
		if line.Seq > maxSeq {
			maxSeq = line.Seq
		}
	}
	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return fmt.Errorf("line %d too long: %w", lines+1, ErrCorruptSnapshot)
		}
		return fmt.Errorf("failed to read store snapshot: %w", err)
	}

	var stale []uint64
	s.docs.Range(func(id uint64, _ *record) bool {
		stale = append(stale, id)
		return true
	})
	for _, id := range stale {
		s.docs.Delete(id)
	}
	for i := range loaded {
		rec := loaded[i].record
		s.docs.Store(loaded[i].ID, &rec)
	}
	s.seqN.Observe(maxSeq)
	s.log.Info("store loaded", "documents", lines)
	return nil
}
