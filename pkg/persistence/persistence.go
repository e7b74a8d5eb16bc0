// Package persistence gives the state machine crash recovery: every applied
// write is journaled to the WAL, snapshots dump the data store and record
// the WAL high-water mark so replay can skip what the dump already holds.
package persistence

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"vdb/pkg/clock"
	"vdb/pkg/compression"
	"vdb/pkg/config"
	"vdb/pkg/metrics"
	"vdb/pkg/wal"
)

const (
	// InitialLogID is the counter value before the first record; the first
	// record written gets InitialLogID+1.
	InitialLogID uint64 = 10

	MarkerFile   = "MaxLogID"
	SnapshotFile = "store.snap"
)

var ErrNotInitialized = errors.New("persistence: not initialized")

// DataStore is the state dumped by snapshots.
type DataStore interface {
	Save(w io.Writer) error
	Load(r io.Reader) error
}

type Option func(*Persistence)

func WithLogger(l *slog.Logger) Option {
	return func(p *Persistence) {
		p.log = l
	}
}

func WithMetrics(m metrics.Collector) Option {
	return func(p *Persistence) {
		p.metrics = m
	}
}

// Persistence owns the WAL journal, the snapshot directory and the log id
// counter. TakeSnapshot must not race with a write that has been journaled
// but not yet applied; the state machine serializes the two.
type Persistence struct {
	ds      DataStore
	journal *wal.Journal
	codec   compression.Codec

	snapDir string
	version string

	ids            *clock.AtomicClock
	mu             sync.Mutex // guards lastSnapshotID and snapshot files
	lastSnapshotID uint64

	metrics metrics.Collector
	log     *slog.Logger
}

func New(ds DataStore, opts ...Option) *Persistence {
	p := &Persistence{
		ds:      ds,
		ids:     clock.NewAtomic(InitialLogID),
		metrics: metrics.Nop{},
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.log = p.log.With("component", "persistence")
	return p
}

// Init opens the journal and the snapshot directory and loads the last
// snapshot marker. A journal that cannot be opened is fatal to startup.
func (p *Persistence) Init(cfg config.PersistenceConfig) error {
	codec, err := compression.ByName(cfg.Compression)
	if err != nil {
		return err
	}

	journal, err := wal.Open(cfg.WALPath, codec, wal.WithLogger(p.log))
	if err != nil {
		return fmt.Errorf("open WAL: %w", err)
	}

	snapDir := filepath.Clean(cfg.SnapPath)
	if err := os.MkdirAll(snapDir, 0750); err != nil {
		journal.Close()
		return fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	p.journal = journal
	p.codec = codec
	p.snapDir = snapDir
	p.version = cfg.Version

	if err := p.loadLastSnapshotID(); err != nil {
		journal.Close()
		return err
	}
	p.ids.Observe(p.lastSnapshotID)

	p.log.Info("persistence initialized",
		"wal", cfg.WALPath,
		"snap_dir", snapDir,
		"codec", codec.Name(),
		"last_snapshot_id", p.lastSnapshotID)
	return nil
}

// WriteWalLog journals one operation under the next log id. An empty
// version means the configured one.
func (p *Persistence) WriteWalLog(op string, payload []byte, version string) (uint64, error) {
	if p.journal == nil {
		return 0, ErrNotInitialized
	}
	id := p.ids.Next()
	if err := p.writeRecord(id, op, payload, version); err != nil {
		return 0, err
	}
	return id, nil
}

// WriteWalRawLog journals a record under a caller chosen id, for records
// replicated with their original id.
func (p *Persistence) WriteWalRawLog(id uint64, op string, payload []byte, version string) error {
	if p.journal == nil {
		return ErrNotInitialized
	}
	if err := p.writeRecord(id, op, payload, version); err != nil {
		return err
	}
	p.ids.Observe(id)
	return nil
}

func (p *Persistence) writeRecord(id uint64, op string, payload []byte, version string) error {
	if version == "" {
		version = p.version
	}
	rec := wal.Record{LogID: id, Version: version, OpType: op, Payload: payload}
	if err := p.journal.Append(rec); err != nil {
		p.log.Error("failed to write WAL record", "log_id", id, "op", op, "error", err)
		return fmt.Errorf("write WAL record %d: %w", id, err)
	}
	p.metrics.IncCounter(metrics.WALRecordsTotal, map[string]string{"op": op}, 1)
	p.log.Debug("wrote WAL record", "log_id", id, "version", version, "op", op, "bytes", len(payload))
	return nil
}

// ReadNextWalLog returns the next record newer than the last snapshot,
// or io.EOF once the journal is exhausted. The id counter is raised to
// every id seen, including skipped ones.
func (p *Persistence) ReadNextWalLog() (string, []byte, error) {
	if p.journal == nil {
		return "", nil, ErrNotInitialized
	}
	for {
		rec, err := p.journal.Next()
		if err != nil {
			return "", nil, err
		}
		p.ids.Observe(rec.LogID)

		if rec.LogID > p.LastSnapshotID() {
			p.log.Debug("read WAL record", "log_id", rec.LogID, "op", rec.OpType)
			return rec.OpType, rec.Payload, nil
		}
		p.log.Debug("skip WAL record covered by snapshot", "log_id", rec.LogID, "op", rec.OpType)
	}
}

// TakeSnapshot marks every record written so far as covered and dumps the
// data store. It returns the new high-water mark.
func (p *Persistence) TakeSnapshot() (uint64, error) {
	if p.journal == nil {
		return 0, ErrNotInitialized
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	mark := p.ids.Val()
	written, err := p.saveStore()
	if err != nil {
		return 0, err
	}
	if err := p.saveLastSnapshotID(mark); err != nil {
		return 0, err
	}
	p.lastSnapshotID = mark

	p.metrics.IncCounter(metrics.SnapshotsTotal, map[string]string{"kind": "persistence"}, 1)
	p.log.Info("snapshot taken", "last_snapshot_id", mark, "bytes", written)
	return mark, nil
}

// LoadSnapshot loads the data store dump if one exists.
func (p *Persistence) LoadSnapshot() error {
	if p.journal == nil {
		return ErrNotInitialized
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.Open(filepath.Join(p.snapDir, SnapshotFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.log.Info("no snapshot to load", "dir", p.snapDir)
			return nil
		}
		return fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close()

	if err := p.ds.Load(compression.NewStreamReader(f)); err != nil {
		return fmt.Errorf("load snapshot: %w", err)
	}
	p.log.Info("snapshot loaded", "last_snapshot_id", p.lastSnapshotID)
	return nil
}

// Recover loads the snapshot, then replays every newer WAL record through
// apply. It returns how many records were applied.
func (p *Persistence) Recover(apply func(op string, payload []byte) error) (int, error) {
	if err := p.LoadSnapshot(); err != nil {
		return 0, err
	}
	if err := p.journal.Rewind(); err != nil {
		return 0, err
	}

	applied := 0
	for {
		op, payload, err := p.ReadNextWalLog()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return applied, fmt.Errorf("replay WAL: %w", err)
		}
		if err := apply(op, payload); err != nil {
			return applied, fmt.Errorf("replay %s: %w", op, err)
		}
		applied++
	}

	p.log.Info("recovery finished", "applied", applied, "current_id", p.CurrentID())
	return applied, nil
}

func (p *Persistence) LastSnapshotID() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastSnapshotID
}

// CurrentID is the id of the newest record written or seen.
func (p *Persistence) CurrentID() uint64 {
	return p.ids.Val()
}

func (p *Persistence) Close() error {
	if p.journal == nil {
		return nil
	}
	err := p.journal.Close()
	if z, ok := p.codec.(*compression.Zstd); ok {
		z.Close()
	}
	return err
}

func (p *Persistence) saveStore() (int64, error) {
	var written int64
	err := writeAtomic(filepath.Join(p.snapDir, SnapshotFile), func(f *os.File) error {
		sw := compression.NewStreamWriter(f)
		if err := p.ds.Save(sw); err != nil {
			return fmt.Errorf("dump store: %w", err)
		}
		if err := sw.Close(); err != nil {
			return fmt.Errorf("flush snapshot stream: %w", err)
		}
		written = sw.Written()
		return nil
	})
	return written, err
}

func (p *Persistence) saveLastSnapshotID(id uint64) error {
	return writeAtomic(filepath.Join(p.snapDir, MarkerFile), func(f *os.File) error {
		_, err := f.WriteString(strconv.FormatUint(id, 10))
		return err
	})
}

func (p *Persistence) loadLastSnapshotID() error {
	data, err := os.ReadFile(filepath.Join(p.snapDir, MarkerFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			p.log.Warn("snapshot marker not found, replaying the whole WAL", "dir", p.snapDir)
			p.lastSnapshotID = 0
			return nil
		}
		return fmt.Errorf("read snapshot marker: %w", err)
	}

	id, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return fmt.Errorf("parse snapshot marker %q: %w", data, err)
	}
	p.lastSnapshotID = id
	return nil
}

// writeAtomic writes through a synced temp file renamed over path.
func writeAtomic(path string, fill func(f *os.File) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if err := fill(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename to %s: %w", path, err)
	}
	return nil
}
