package metrics

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

const (
	CommitsTotal     = "vdb_commits_total"
	WALRecordsTotal  = "vdb_wal_records_total"
	ProposalsTotal   = "vdb_proposals_total"
	SnapshotsTotal   = "vdb_snapshots_total"
	LastCommitIndex  = "vdb_last_commit_index"
	LastDurableIndex = "vdb_last_durable_index"
	LogStartIndex    = "vdb_log_start_index"
	ProposeSeconds   = "vdb_propose_seconds"
)

// Nop discards everything.
type Nop struct{}

func (Nop) IncCounter(string, map[string]string, float64)       {}
func (Nop) SetGauge(string, map[string]string, float64)         {}
func (Nop) ObserveHistogram(string, map[string]string, float64) {}
