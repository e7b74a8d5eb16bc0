package raftadapter

import (
	"errors"
	"testing"

	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"vdb/pkg/logstore"
)

func newTestStorage(t *testing.T, terms ...uint64) (*raftStorage, *logstore.Store) {
	t.Helper()
	logs := logstore.New()
	t.Cleanup(logs.Close)
	for i, term := range terms {
		logs.Append(fromRaftEntry(raftpb.Entry{Index: uint64(i + 1), Term: term, Data: []byte("x")}, 0))
	}
	return newRaftStorage(logs, NewMembershipStore()), logs
}

func TestStorage_Bounds(t *testing.T) {
	s, logs := newTestStorage(t, 1, 1, 2, 2, 3)

	if first, _ := s.FirstIndex(); first != 1 {
		t.Fatalf("expected first index 1, got %d", first)
	}
	if last, _ := s.LastIndex(); last != 5 {
		t.Fatalf("expected last index 5, got %d", last)
	}

	logs.Compact(2)
	if first, _ := s.FirstIndex(); first != 3 {
		t.Fatalf("expected first index 3 after compaction, got %d", first)
	}
	if term, err := s.Term(2); err != nil || term != 1 {
		t.Fatalf("boundary term: expected 1, got %d (%v)", term, err)
	}
	if _, err := s.Term(1); !errors.Is(err, raft.ErrCompacted) {
		t.Fatalf("expected ErrCompacted, got %v", err)
	}
	if _, err := s.Term(9); !errors.Is(err, raft.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if term, _ := s.Term(5); term != 3 {
		t.Fatalf("expected term 3 at 5, got %d", term)
	}
}

func TestStorage_Entries(t *testing.T) {
	s, logs := newTestStorage(t, 1, 1, 1, 1)

	ents, err := s.Entries(1, 5, 1<<20)
	if err != nil || len(ents) != 4 {
		t.Fatalf("expected 4 entries, got %d (%v)", len(ents), err)
	}
	if ents[0].Index != 1 || ents[3].Index != 4 {
		t.Fatalf("unexpected indices: %d..%d", ents[0].Index, ents[3].Index)
	}

	one, err := s.Entries(1, 5, 0)
	if err != nil || len(one) != 1 {
		t.Fatalf("zero size limit must still return one entry, got %d (%v)", len(one), err)
	}

	if _, err := s.Entries(1, 9, 1<<20); !errors.Is(err, raft.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	logs.Compact(2)
	if _, err := s.Entries(1, 4, 1<<20); !errors.Is(err, raft.ErrCompacted) {
		t.Fatalf("expected ErrCompacted, got %v", err)
	}
}

func TestStorage_EntryTypes(t *testing.T) {
	cc := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: []byte("n2")}
	data, err := cc.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	in := []raftpb.Entry{
		{Index: 1, Term: 1, Type: raftpb.EntryConfChange, Data: data},
		{Index: 2, Term: 1, Type: raftpb.EntryNormal},
		{Index: 3, Term: 1, Type: raftpb.EntryNormal, Data: []byte("doc")},
		{Index: 4, Term: 1, Type: raftpb.EntryConfChangeV2, Data: []byte{}},
	}
	wantTypes := []logstore.ValueType{logstore.Config, logstore.NoOp, logstore.AppData, logstore.ConfigV2}
	for i, re := range in {
		e := fromRaftEntry(re, 7)
		if e.Type != wantTypes[i] {
			t.Fatalf("entry %d: expected %s, got %s", re.Index, wantTypes[i], e.Type)
		}
		back := toRaftEntry(e)
		if back.Type != re.Type || back.Index != re.Index || string(back.Data) != string(re.Data) {
			t.Fatalf("entry %d did not survive conversion: %+v", re.Index, back)
		}
	}
}

func TestStorage_InitialStateFromMembership(t *testing.T) {
	s, _ := newTestStorage(t)
	s.ms.SetHardState(raftpb.HardState{Term: 4, Vote: 2, Commit: 0})
	s.ms.SetConfState(raftpb.ConfState{Voters: []uint64{1, 2, 3}})

	hs, cs, err := s.InitialState()
	if err != nil {
		t.Fatalf("InitialState: %v", err)
	}
	if hs.Term != 4 || hs.Vote != 2 {
		t.Fatalf("unexpected hard state: %+v", hs)
	}
	if len(cs.Voters) != 3 {
		t.Fatalf("unexpected conf state: %+v", cs)
	}

	cs.Voters[0] = 99
	if s.ms.IsVoter(99) {
		t.Fatal("conf state was aliased")
	}
	if !s.ms.IsVoter(3) || s.ms.IsVoter(4) {
		t.Fatal("IsVoter mismatch")
	}
}
