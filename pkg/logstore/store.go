package logstore

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zhangyunhao116/skipmap"
)

type entryMap = skipmap.FuncMap[uint64, *LogEntry]

// AppendNotifier is called with the durable index after emulated writes complete.
type AppendNotifier func(durable uint64)

type Option func(*Store)

// WithStartIndex sets the first index of an empty store (recovered from a data store).
func WithStartIndex(idx uint64) Option {
	return func(s *Store) {
		if idx == 0 {
			idx = 1
		}
		s.startIndex = idx
		s.lastIndex = idx - 1
	}
}

// WithDiskDelay turns on async durability emulation.
func WithDiskDelay(d time.Duration) Option {
	return func(s *Store) {
		s.delay = d
	}
}

func WithAppendNotifier(fn AppendNotifier) Option {
	return func(s *Store) {
		s.notify = fn
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		s.log = l
	}
}

// Store keeps raw replicated log entries ordered by index.
// All state sits behind mu; notifications fire outside of it.
type Store struct {
	mu           sync.Mutex
	entries      *entryMap
	startIndex   uint64
	lastIndex    uint64
	boundaryTerm uint64

	delay   time.Duration
	durable uint64
	pending []pendingWrite
	emul    *diskEmulator

	notify AppendNotifier
	log    *slog.Logger
}

func New(opts ...Option) *Store {
	s := &Store{
		entries: skipmap.NewFunc[uint64, *LogEntry](func(a, b uint64) bool {
			return a < b
		}),
		startIndex: 1,
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "logstore")
	s.durable = s.lastIndex

	if s.delay > 0 {
		s.emul = newDiskEmulator(s)
		s.emul.start()
	}
	return s
}

// SetAppendNotifier binds the completion callback after construction.
func (s *Store) SetAppendNotifier(fn AppendNotifier) {
	s.mu.Lock()
	s.notify = fn
	s.mu.Unlock()
}

func (s *Store) NextSlot() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastIndex + 1
}

func (s *Store) StartIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startIndex
}

// BoundaryTerm is the term of the entry just below StartIndex.
func (s *Store) BoundaryTerm() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.boundaryTerm
}

// LastEntry returns the newest entry. An empty store answers with the
// boundary entry at StartIndex-1.
func (s *Store) LastEntry() LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e, ok := s.entries.Load(s.lastIndex); ok {
		return e.Clone()
	}
	return LogEntry{Index: s.startIndex - 1, Term: s.boundaryTerm, Type: NoOp}
}

func (s *Store) Append(entry LogEntry) uint64 {
	clone := entry.Clone()

	s.mu.Lock()
	idx := s.lastIndex + 1
	clone.Index = idx
	s.entries.Store(idx, &clone)
	s.lastIndex = idx
	s.schedule(idx)
	s.mu.Unlock()

	s.log.Debug("appended entry", "index", idx, "term", clone.Term, "type", clone.Type.String())
	s.kick()
	return idx
}

// WriteAt drops every entry at or after index and stores entry there.
func (s *Store) WriteAt(index uint64, entry LogEntry) error {
	clone := entry.Clone()
	clone.Index = index

	s.mu.Lock()
	if index < s.startIndex {
		s.mu.Unlock()
		return fmt.Errorf("write at %d below start %d: %w", index, s.startIndex, ErrCompacted)
	}
	if index > s.lastIndex+1 {
		s.mu.Unlock()
		return fmt.Errorf("write at %d past next slot %d: %w", index, s.lastIndex+1, ErrGap)
	}

	dropped := s.deleteFrom(index)
	s.entries.Store(index, &clone)
	s.lastIndex = index

	if s.emul != nil {
		kept := s.pending[:0]
		for _, p := range s.pending {
			if p.index < index {
				kept = append(kept, p)
			}
		}
		s.pending = kept
		if s.durable >= index {
			s.durable = index - 1
		}
	}
	s.schedule(index)
	s.mu.Unlock()

	if dropped > 0 {
		s.log.Info("truncated conflicting entries", "from", index, "dropped", dropped)
	}
	s.kick()
	return nil
}

// Entries returns clones of [start, end).
func (s *Store) Entries(start, end uint64) ([]LogEntry, error) {
	return s.collect(start, end, 0)
}

// EntriesExt is Entries limited by an accumulated payload size hint.
// A zero hint is unbounded and a negative one yields nothing.
func (s *Store) EntriesExt(start, end uint64, hint int64) ([]LogEntry, error) {
	if hint < 0 {
		return []LogEntry{}, nil
	}
	return s.collect(start, end, hint)
}

func (s *Store) collect(start, end uint64, hint int64) ([]LogEntry, error) {
	if end <= start {
		return []LogEntry{}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]LogEntry, 0, end-start)
	var accum int64
	for i := start; i < end; i++ {
		e, err := s.lookup(i)
		if err != nil {
			return nil, err
		}
		out = append(out, e.Clone())
		accum += int64(e.Size())
		if hint != 0 && accum >= hint {
			break
		}
	}
	return out, nil
}

func (s *Store) EntryAt(index uint64) (LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(index)
	if err != nil {
		return LogEntry{}, err
	}
	return e.Clone(), nil
}

func (s *Store) TermAt(index uint64) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, err := s.lookup(index)
	if err != nil {
		return 0, err
	}
	return e.Term, nil
}

// Compact removes [StartIndex, upto] and moves StartIndex to upto+1 even
// when some of those indices never existed.
func (s *Store) Compact(upto uint64) bool {
	s.mu.Lock()
	if s.startIndex > upto {
		s.mu.Unlock()
		return true
	}

	if e, ok := s.entries.Load(upto); ok {
		s.boundaryTerm = e.Term
	}

	var doomed []uint64
	s.entries.Range(func(idx uint64, _ *LogEntry) bool {
		if idx > upto {
			return false
		}
		doomed = append(doomed, idx)
		return true
	})
	for _, idx := range doomed {
		s.entries.Delete(idx)
	}

	s.startIndex = upto + 1
	if s.lastIndex < upto {
		s.lastIndex = upto
	}

	if s.emul != nil {
		kept := s.pending[:0]
		for _, p := range s.pending {
			if p.index > upto {
				kept = append(kept, p)
			}
		}
		s.pending = kept
		if s.durable < upto {
			s.durable = upto
		}
	}
	start := s.startIndex
	s.mu.Unlock()

	s.log.Debug("compacted log", "upto", upto, "removed", len(doomed), "start", start)
	return true
}

// ApplySnapshot discards the whole log and restarts it after index.
func (s *Store) ApplySnapshot(index, term uint64) {
	s.mu.Lock()
	s.deleteFrom(0)
	s.startIndex = index + 1
	s.lastIndex = index
	s.boundaryTerm = term
	s.durable = index
	s.pending = nil
	s.mu.Unlock()

	s.log.Info("log reset to snapshot", "index", index, "term", term)
}

// Flush marks everything written so far as durable.
func (s *Store) Flush() bool {
	s.mu.Lock()
	s.durable = s.lastIndex
	s.pending = nil
	durable := s.durable
	notify := s.notify
	emulated := s.emul != nil
	s.mu.Unlock()

	if emulated && notify != nil {
		notify(durable)
	}
	return true
}

func (s *Store) LastDurableIndex() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.emul == nil {
		return s.lastIndex
	}
	return s.durable
}

// Len is the number of entries physically held.
func (s *Store) Len() int {
	return s.entries.Len()
}

func (s *Store) Close() {
	if s.emul != nil {
		s.emul.stop()
	}
}

// lookup must be called with mu held.
func (s *Store) lookup(index uint64) (*LogEntry, error) {
	if e, ok := s.entries.Load(index); ok {
		return e, nil
	}
	if index < s.startIndex {
		return nil, fmt.Errorf("index %d (start %d): %w", index, s.startIndex, ErrCompacted)
	}
	return nil, fmt.Errorf("index %d (last %d): %w", index, s.lastIndex, ErrUnavailable)
}

// deleteFrom must be called with mu held.
func (s *Store) deleteFrom(index uint64) int {
	var doomed []uint64
	s.entries.Range(func(idx uint64, _ *LogEntry) bool {
		if idx >= index {
			doomed = append(doomed, idx)
		}
		return true
	})
	for _, idx := range doomed {
		s.entries.Delete(idx)
	}
	return len(doomed)
}
