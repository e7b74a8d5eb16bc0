// Package statemachine applies committed log entries to the data store
// exactly once and in index order.
package statemachine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"vdb/pkg/dberrors"
	"vdb/pkg/envelope"
	"vdb/pkg/metrics"
	"vdb/pkg/store"
)

const OpUpsert = "upsert"

var ErrUnknownOp = errors.New("statemachine: unknown operation")

type DataStore interface {
	Upsert(id uint64, doc []byte, indexType store.IndexType) error
	Save(w io.Writer) error
	Load(r io.Reader) error
}

// Journal records applied writes for crash recovery.
type Journal interface {
	WriteWalLog(op string, payload []byte, version string) (uint64, error)
	TakeSnapshot() (uint64, error)
}

// Result is delivered to the proposer of a committed entry. Err carries a
// data error (bad envelope, rejected upsert); the commit itself succeeded.
type Result struct {
	Index       uint64
	Value       []byte
	DocID       uint64
	ProposalID  string
	Redelivered bool
	Err         error
}

// AppliedIndex decodes Value.
func (r *Result) AppliedIndex() uint64 {
	if len(r.Value) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(r.Value)
}

type Option func(*StateMachine)

// WithStartIndex sets the initial commit cursor.
func WithStartIndex(idx uint64) Option {
	return func(sm *StateMachine) {
		sm.cursor = idx
	}
}

func WithVersion(v string) Option {
	return func(sm *StateMachine) {
		sm.version = v
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(sm *StateMachine) {
		sm.log = l
	}
}

func WithMetrics(m metrics.Collector) Option {
	return func(sm *StateMachine) {
		sm.metrics = m
	}
}

// StateMachine owns the commit cursor. A nil journal disables WAL writes.
type StateMachine struct {
	mu      sync.Mutex
	ds      DataStore
	journal Journal
	cursor  uint64
	version string

	metrics metrics.Collector
	log     *slog.Logger
}

func New(ds DataStore, journal Journal, opts ...Option) *StateMachine {
	sm := &StateMachine{
		ds:      ds,
		journal: journal,
		metrics: metrics.Nop{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(sm)
	}
	sm.log = sm.log.With("component", "statemachine")
	return sm
}

// PreCommit is called when an entry is appended but not yet committed.
func (sm *StateMachine) PreCommit(index uint64, data []byte) []byte {
	sm.log.Debug("pre-commit", "index", index, "bytes", len(data))
	return nil
}

// Commit applies the entry at index. Redelivered indices are answered
// without touching the data store. A journal failure is returned as an
// error and leaves the cursor in place so the entry can be retried.
func (sm *StateMachine) Commit(index uint64, data []byte) (*Result, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if index <= sm.cursor {
		sm.log.Debug("commit redelivered", "index", index, "cursor", sm.cursor)
		sm.count("redelivered")
		return &Result{
			Index:       index,
			Value:       encodeIndex(index),
			ProposalID:  envelope.ProposalID(data),
			Redelivered: true,
		}, nil
	}
	if index > sm.cursor+1 {
		sm.log.Warn("commit index skips ahead", "index", index, "cursor", sm.cursor)
	}

	res := &Result{Index: index, Value: encodeIndex(index)}

	req, err := envelope.Decode(data)
	if err != nil {
		sm.log.Warn("rejecting malformed entry", "index", index, "error", err)
		res.ProposalID = envelope.ProposalID(data)
		res.Err = err
		sm.advance(index)
		sm.count("rejected")
		return res, nil
	}
	res.DocID = req.ID
	res.ProposalID = req.ProposalID

	if sm.journal != nil {
		if _, err := sm.journal.WriteWalLog(OpUpsert, req.Doc, sm.version); err != nil {
			sm.count("journal_error")
			return nil, fmt.Errorf("commit %d: %w: %w", index, dberrors.ErrJournal, err)
		}
	}

	if err := sm.ds.Upsert(req.ID, req.Doc, req.IndexType); err != nil {
		sm.log.Warn("upsert rejected", "index", index, "id", req.ID, "error", err)
		res.Err = err
		sm.advance(index)
		sm.count("rejected")
		return res, nil
	}

	sm.advance(index)
	sm.count("applied")
	sm.log.Debug("committed", "index", index, "id", req.ID, "index_type", req.IndexType)
	return res, nil
}

// CommitConfig moves the cursor over an entry that carries no data for
// the store, such as a membership change.
func (sm *StateMachine) CommitConfig(index uint64) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if index <= sm.cursor {
		return
	}
	sm.advance(index)
	sm.log.Debug("committed config", "index", index)
}

// Rollback is called for a pre-committed entry that was overwritten.
func (sm *StateMachine) Rollback(index uint64, data []byte) {
	sm.log.Info("rollback", "index", index, "bytes", len(data))
}

func (sm *StateMachine) LastCommitIndex() uint64 {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.cursor
}

// CreateSnapshot dumps the data store for a follower that fell behind the
// compacted log.
func (sm *StateMachine) CreateSnapshot() ([]byte, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	var buf bytes.Buffer
	if err := sm.ds.Save(&buf); err != nil {
		return nil, fmt.Errorf("dump data store: %w", err)
	}
	return buf.Bytes(), nil
}

// ApplySnapshot replaces the data store with a dump taken at index.
func (sm *StateMachine) ApplySnapshot(index uint64, data []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	if err := sm.ds.Load(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("load snapshot at %d: %w", index, err)
	}
	if index > sm.cursor {
		sm.advance(index)
	}
	sm.log.Info("applied snapshot", "index", index, "bytes", len(data))
	return nil
}

// TakeSnapshot runs a persistence snapshot between commits so the dump and
// the WAL mark agree.
func (sm *StateMachine) TakeSnapshot() (uint64, error) {
	if sm.journal == nil {
		return 0, fmt.Errorf("snapshot without journal: %w", dberrors.ErrInvalidArgument)
	}

	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.journal.TakeSnapshot()
}

// Replay applies a journaled record during recovery. It does not touch
// the cursor or the journal.
func (sm *StateMachine) Replay(op string, payload []byte) error {
	if op != OpUpsert {
		return fmt.Errorf("%q: %w", op, ErrUnknownOp)
	}
	req, err := envelope.DecodeBody(payload)
	if err != nil {
		return err
	}
	return sm.ds.Upsert(req.ID, req.Doc, req.IndexType)
}

// advance must be called with mu held.
func (sm *StateMachine) advance(index uint64) {
	sm.cursor = index
	sm.metrics.SetGauge(metrics.LastCommitIndex, nil, float64(index))
}

func (sm *StateMachine) count(result string) {
	sm.metrics.IncCounter(metrics.CommitsTotal, map[string]string{"result": result}, 1)
}

func encodeIndex(index uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, index)
	return out
}
