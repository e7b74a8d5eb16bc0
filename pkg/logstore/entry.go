package logstore

import "bytes"

// ValueType classifies what a log entry carries.
type ValueType uint8

const (
	AppData ValueType = iota + 1
	Config
	NoOp
	ConfigV2 // joint consensus membership change
)

func (t ValueType) String() string {
	switch t {
	case AppData:
		return "app_data"
	case Config:
		return "config"
	case NoOp:
		return "noop"
	case ConfigV2:
		return "config_v2"
	default:
		return "unknown"
	}
}

// LogEntry is the unit of replication stored by Store.
type LogEntry struct {
	Index     uint64
	Term      uint64
	Payload   []byte
	Type      ValueType
	Timestamp uint64
}

// Clone returns a deep copy of the entry.
func (e LogEntry) Clone() LogEntry {
	c := e
	if e.Payload != nil {
		c.Payload = bytes.Clone(e.Payload)
	}
	return c
}

// Size is the payload size used for batching hints.
func (e LogEntry) Size() int {
	return len(e.Payload)
}
