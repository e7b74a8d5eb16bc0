package listener

import (
	"context"
	"log/slog"
	"time"
)

type Snapshotter interface {
	TakeSnapshot() (uint64, error)
}

// SnapshotJob takes a persistence snapshot on every tick of interval.
type SnapshotJob struct {
	target   Snapshotter
	interval time.Duration
	ticker   *time.Ticker
	l        *Listener[time.Time]
	log      *slog.Logger
}

var _ Job = (*SnapshotJob)(nil)

func NewSnapshotJob(target Snapshotter, interval time.Duration, log *slog.Logger) *SnapshotJob {
	if log == nil {
		log = slog.Default()
	}
	return &SnapshotJob{
		target:   target,
		interval: interval,
		log:      log.With("component", "snapshot-job"),
	}
}

// Start is a no-op for a non-positive interval.
func (j *SnapshotJob) Start(ctx context.Context) {
	if j.interval <= 0 {
		j.log.Info("periodic snapshots disabled")
		return
	}

	j.ticker = time.NewTicker(j.interval)
	j.l = New(j.ticker.C, j.snapshot,
		WithStopHandler[time.Time](j.ticker.Stop),
		WithErrorHandler[time.Time](func(err error) {
			j.log.Error("periodic snapshot failed", "error", err)
		}),
	)
	j.l.Start(ctx)
	j.log.Info("periodic snapshots enabled", "interval", j.interval)
}

func (j *SnapshotJob) Stop() {
	if j.l != nil {
		j.l.Stop()
	}
}

func (j *SnapshotJob) snapshot(time.Time) error {
	start := time.Now()
	id, err := j.target.TakeSnapshot()
	if err != nil {
		return err
	}
	j.log.Info("snapshot taken", "last_log_id", id, "took", time.Since(start))
	return nil
}
