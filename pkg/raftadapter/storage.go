package raftadapter

import (
	"errors"
	"sync"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"vdb/pkg/logstore"
)

// MembershipStore keeps the raft state that does not live in the log:
// the hard state, the applied configuration and the latest snapshot.
type MembershipStore struct {
	mu    sync.RWMutex
	hard  raftpb.HardState
	conf  raftpb.ConfState
	snap  raftpb.Snapshot
	peers map[uint64]string
}

func NewMembershipStore() *MembershipStore {
	return &MembershipStore{peers: make(map[uint64]string)}
}

func (m *MembershipStore) HardState() raftpb.HardState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hard
}

func (m *MembershipStore) SetHardState(hs raftpb.HardState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hard = hs
}

func (m *MembershipStore) ConfState() raftpb.ConfState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneConfState(m.conf)
}

func (m *MembershipStore) SetConfState(cs raftpb.ConfState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conf = cloneConfState(cs)
}

func (m *MembershipStore) Snapshot() raftpb.Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

func (m *MembershipStore) SetSnapshot(s raftpb.Snapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = s
}

// IsVoter reports whether id is a voter of the applied configuration.
func (m *MembershipStore) IsVoter(id uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.conf.Voters {
		if v == id {
			return true
		}
	}
	return false
}

func (m *MembershipStore) Endpoint(id uint64) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ep, ok := m.peers[id]
	return ep, ok
}

func (m *MembershipStore) SetEndpoint(id uint64, endpoint string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.peers[id] = endpoint
}

func (m *MembershipStore) RemoveEndpoint(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.peers, id)
}

// Endpoints returns a copy of the known id -> endpoint map.
func (m *MembershipStore) Endpoints() map[uint64]string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[uint64]string, len(m.peers))
	for id, ep := range m.peers {
		out[id] = ep
	}
	return out
}

func cloneConfState(cs raftpb.ConfState) raftpb.ConfState {
	return raftpb.ConfState{
		Voters:         append([]uint64(nil), cs.Voters...),
		Learners:       append([]uint64(nil), cs.Learners...),
		VotersOutgoing: append([]uint64(nil), cs.VotersOutgoing...),
		LearnersNext:   append([]uint64(nil), cs.LearnersNext...),
		AutoLeave:      cs.AutoLeave,
	}
}

// raftStorage serves raft.Storage from the log store and membership store.
type raftStorage struct {
	log *logstore.Store
	ms  *MembershipStore
}

var _ raft.Storage = (*raftStorage)(nil)

func newRaftStorage(log *logstore.Store, ms *MembershipStore) *raftStorage {
	return &raftStorage{log: log, ms: ms}
}

func (s *raftStorage) InitialState() (raftpb.HardState, raftpb.ConfState, error) {
	return s.ms.HardState(), s.ms.ConfState(), nil
}

func (s *raftStorage) Entries(lo, hi, maxSize uint64) ([]raftpb.Entry, error) {
	first := s.log.StartIndex()
	if lo < first {
		return nil, raft.ErrCompacted
	}
	if hi > s.log.NextSlot() {
		return nil, raft.ErrUnavailable
	}

	entries, err := s.log.Entries(lo, hi)
	if err != nil {
		return nil, mapLogErr(err)
	}
	return limitSize(toRaftEntries(entries), maxSize), nil
}

// Term answers for the boundary index just below the first entry too.
func (s *raftStorage) Term(i uint64) (uint64, error) {
	first := s.log.StartIndex()
	if i+1 == first {
		return s.log.BoundaryTerm(), nil
	}
	if i < first {
		return 0, raft.ErrCompacted
	}
	t, err := s.log.TermAt(i)
	if err != nil {
		return 0, mapLogErr(err)
	}
	return t, nil
}

func (s *raftStorage) LastIndex() (uint64, error) {
	return s.log.NextSlot() - 1, nil
}

func (s *raftStorage) FirstIndex() (uint64, error) {
	return s.log.StartIndex(), nil
}

func (s *raftStorage) Snapshot() (raftpb.Snapshot, error) {
	return s.ms.Snapshot(), nil
}

func mapLogErr(err error) error {
	switch {
	case errors.Is(err, logstore.ErrCompacted):
		return raft.ErrCompacted
	case errors.Is(err, logstore.ErrUnavailable):
		return raft.ErrUnavailable
	default:
		return err
	}
}

// limitSize keeps the first entry and then as many as fit in maxSize.
func limitSize(ents []raftpb.Entry, maxSize uint64) []raftpb.Entry {
	if len(ents) == 0 {
		return ents
	}
	size := uint64(ents[0].Size())
	n := 1
	for ; n < len(ents); n++ {
		size += uint64(ents[n].Size())
		if size > maxSize {
			break
		}
	}
	return ents[:n]
}

func toRaftEntries(in []logstore.LogEntry) []raftpb.Entry {
	out := make([]raftpb.Entry, len(in))
	for i, e := range in {
		out[i] = toRaftEntry(e)
	}
	return out
}

func toRaftEntry(e logstore.LogEntry) raftpb.Entry {
	re := raftpb.Entry{Index: e.Index, Term: e.Term, Type: raftpb.EntryNormal}
	switch e.Type {
	case logstore.Config:
		re.Type = raftpb.EntryConfChange
		re.Data = e.Payload
	case logstore.ConfigV2:
		re.Type = raftpb.EntryConfChangeV2
		re.Data = e.Payload
	case logstore.AppData:
		re.Data = e.Payload
	}
	return re
}

func fromRaftEntry(re raftpb.Entry, ts uint64) logstore.LogEntry {
	e := logstore.LogEntry{
		Index:     re.Index,
		Term:      re.Term,
		Payload:   re.Data,
		Timestamp: ts,
	}
	switch {
	case re.Type == raftpb.EntryConfChange:
		e.Type = logstore.Config
	case re.Type == raftpb.EntryConfChangeV2:
		e.Type = logstore.ConfigV2
	case len(re.Data) == 0:
		e.Type = logstore.NoOp
		e.Payload = nil
	default:
		e.Type = logstore.AppData
	}
	return e
}
