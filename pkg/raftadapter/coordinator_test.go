package raftadapter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"

	"vdb/pkg/config"
	"vdb/pkg/dberrors"
	"vdb/pkg/envelope"
	"vdb/pkg/store"
)

type mockTransport struct {
	mu      sync.Mutex
	added   map[uint64]string
	removed map[uint64]bool
	updated map[uint64]string
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		added:   make(map[uint64]string),
		removed: make(map[uint64]bool),
		updated: make(map[uint64]string),
	}
}

func (m *mockTransport) Send(raftpb.Message) error { return nil }

func (m *mockTransport) AddPeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added[id] = addr
}

func (m *mockTransport) RemovePeer(id uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removed[id] = true
}

func (m *mockTransport) UpdatePeer(id uint64, addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updated[id] = addr
}

func TestCoordinator_UpdateTransport(t *testing.T) {
	mt := newMockTransport()
	c, err := NewCoordinator(config.NodeConfig{ID: 1, Endpoint: "n1"}, testRaftConfig(), store.New(), nil, WithTransport(mt))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Stop()

	c.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 2, Context: []byte("n2:8080")})
	if mt.added[2] != "n2:8080" {
		t.Fatalf("peer 2 not added to transport: %v", mt.added)
	}
	if ep, _ := c.ms.Endpoint(2); ep != "n2:8080" {
		t.Fatalf("endpoint not recorded: %q", ep)
	}

	c.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeUpdateNode, NodeID: 2, Context: []byte("n2:9090")})
	if mt.updated[2] != "n2:9090" {
		t.Fatalf("peer 2 not updated: %v", mt.updated)
	}

	c.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: 2})
	if !mt.removed[2] {
		t.Fatal("peer 2 not removed")
	}
	if _, ok := c.ms.Endpoint(2); ok {
		t.Fatal("removed endpoint still known")
	}

	// self never goes to the transport
	c.updateTransport(raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: 1, Context: []byte("n1")})
	if _, ok := mt.added[1]; ok {
		t.Fatal("self added to transport")
	}
}

func TestCoordinator_NewRejectsBadConfig(t *testing.T) {
	if _, err := NewCoordinator(config.NodeConfig{}, testRaftConfig(), store.New(), nil); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for zero id, got %v", err)
	}
	nc := config.NodeConfig{ID: 1, Endpoint: "n1", Peers: []config.PeerConfig{{ID: 2, Address: "a"}, {ID: 2, Address: "b"}}}
	if _, err := NewCoordinator(nc, testRaftConfig(), store.New(), nil); err == nil {
		t.Fatal("expected duplicate peer error")
	}
}

func TestCoordinator_NotInitialized(t *testing.T) {
	c, err := NewCoordinator(config.NodeConfig{ID: 1, Endpoint: "n1"}, testRaftConfig(), store.New(), nil, WithTransport(newMockTransport()))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Stop()

	if _, err := c.Propose(context.Background(), upsertBody(1)); !errors.Is(err, dberrors.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := c.AddServer(context.Background(), 2, "n2"); !errors.Is(err, dberrors.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := c.Handle(context.Background(), raftpb.Message{From: 2, To: 1}); !errors.Is(err, dberrors.ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if peers := c.ListPeers(); peers != nil {
		t.Fatalf("expected no peers before start, got %+v", peers)
	}
}

func TestCoordinator_SingleNodePropose(t *testing.T) {
	tr := newInprocTransport()
	n := newTestNode(t, tr, config.NodeConfig{ID: 1, Endpoint: "n1"}, testRaftConfig())
	startAll(t, n)
	waitForLeader(t, []testNode{n}, 5*time.Second)

	res, err := n.c.Propose(context.Background(), upsertBody(7))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if res.Err != nil || res.Redelivered {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.AppliedIndex() != res.Index {
		t.Fatalf("value %d does not match index %d", res.AppliedIndex(), res.Index)
	}
	if n.c.StateMachine().LastCommitIndex() < res.Index {
		t.Fatalf("commit cursor %d behind %d", n.c.StateMachine().LastCommitIndex(), res.Index)
	}

	doc, ok := n.store.Query(7)
	if !ok {
		t.Fatal("document 7 not stored")
	}
	req, err := envelope.DecodeBody(doc)
	if err != nil {
		t.Fatalf("stored document is not an upsert: %v", err)
	}
	if req.ProposalID != "" {
		t.Fatalf("proposal id leaked into the stored document: %q", req.ProposalID)
	}

	self := n.c.CurrentPeer()
	if self.State != "leader" || self.LastLogIndex < res.Index {
		t.Fatalf("unexpected current peer: %+v", self)
	}
	if n.c.LeaderEndpoint() != "n1" {
		t.Fatalf("unexpected leader endpoint %q", n.c.LeaderEndpoint())
	}
}

func TestCoordinator_DataErrorStillCommits(t *testing.T) {
	tr := newInprocTransport()
	n := newTestNode(t, tr, config.NodeConfig{ID: 1, Endpoint: "n1"}, testRaftConfig())
	startAll(t, n)
	waitForLeader(t, []testNode{n}, 5*time.Second)

	res, err := n.c.Propose(context.Background(), []byte(`{"id":5}`))
	if err != nil {
		t.Fatalf("Propose: %v", err)
	}
	if !errors.Is(res.Err, envelope.ErrMissingVectors) {
		t.Fatalf("expected ErrMissingVectors, got %v", res.Err)
	}
	if n.c.StateMachine().LastCommitIndex() < res.Index {
		t.Fatal("cursor did not advance past the rejected entry")
	}
	if n.store.Len() != 0 {
		t.Fatalf("rejected document stored")
	}

	if _, err := n.c.Propose(context.Background(), []byte("not json")); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument for malformed body, got %v", err)
	}
}

func TestCoordinator_NoQuorumRejects(t *testing.T) {
	tr := newInprocTransport()
	rc := testRaftConfig()
	rc.ClientTimeout = 300 * time.Millisecond

	// two voters, one of which never starts: nothing can commit
	n := newTestNode(t, tr, config.NodeConfig{ID: 1, Endpoint: "n1", Peers: peerList(1, 2)}, rc)
	startAll(t, n)
	if err := n.c.Campaign(context.Background()); err != nil {
		t.Fatalf("Campaign: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if n.c.IsLeader() {
		t.Fatal("node 1 cannot win without node 2")
	}

	if _, err := n.c.Propose(context.Background(), upsertBody(1)); !errors.Is(err, dberrors.ErrNotLeader) {
		t.Fatalf("expected ErrNotLeader, got %v", err)
	}
}

func TestCoordinator_SetElectionTimeoutBounds(t *testing.T) {
	c, err := NewCoordinator(config.NodeConfig{ID: 1, Endpoint: "n1"}, testRaftConfig(), store.New(), nil, WithTransport(newMockTransport()))
	if err != nil {
		t.Fatalf("NewCoordinator: %v", err)
	}
	defer c.Stop()

	if err := c.SetElectionTimeoutBounds(0, time.Second); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := c.SetElectionTimeoutBounds(2*time.Second, time.Second); !errors.Is(err, dberrors.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := c.SetElectionTimeoutBounds(time.Second, 2*time.Second); err != nil {
		t.Fatalf("SetElectionTimeoutBounds: %v", err)
	}

	tick := time.Duration(c.cfg.ElectionTick)
	for i := 0; i < 20; i++ {
		p := c.tickPeriod()
		if p < time.Second/tick || p > 2*time.Second/tick {
			t.Fatalf("tick period %v outside bounds", p)
		}
	}
}

func TestCoordinator_StopFailsPendingProposals(t *testing.T) {
	tr := newInprocTransport()
	rc := testRaftConfig()
	rc.ClientTimeout = 5 * time.Second
	rc.CheckQuorum = false

	n1 := newTestNode(t, tr, config.NodeConfig{ID: 1, Endpoint: "n1", Peers: peerList(1, 2)}, rc)
	n2 := newTestNode(t, tr, config.NodeConfig{ID: 2, Endpoint: "n2", Peers: peerList(1, 2)}, rc)
	startAll(t, n1, n2)
	leader := waitForLeader(t, []testNode{n1, n2}, 5*time.Second)
	follower := n1
	if leader.c == n1.c {
		follower = n2
	}

	// without its follower the leader cannot commit
	_ = follower.c.Stop()

	errc := make(chan error, 1)
	go func() {
		_, err := leader.c.Propose(context.Background(), upsertBody(9))
		errc <- err
	}()
	time.Sleep(100 * time.Millisecond)
	_ = leader.c.Stop()

	select {
	case err := <-errc:
		if !errors.Is(err, ErrStopped) {
			t.Fatalf("expected ErrStopped, got %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("pending proposal not released by Stop")
	}
}

func TestStartNode(t *testing.T) {
	ds := store.New()
	c, err := StartNode(context.Background(), 1, "127.0.0.1", 18080, ds, WithTransport(newMockTransport()))
	if err != nil {
		t.Fatalf("StartNode: %v", err)
	}
	defer c.Stop()

	if c.Endpoint() != "127.0.0.1:18080" {
		t.Fatalf("unexpected endpoint %q", c.Endpoint())
	}
	eventually(t, 5*time.Second, c.IsLeader, "single node becomes leader")
}
