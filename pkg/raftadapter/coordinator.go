package raftadapter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"vdb/pkg/config"
	"vdb/pkg/dberrors"
	"vdb/pkg/envelope"
	"vdb/pkg/logstore"
	"vdb/pkg/metrics"
	"vdb/pkg/statemachine"
)

var (
	ErrMembershipTimeout = errors.New("raftadapter: membership change not applied in time")
	ErrStopped           = errors.New("raftadapter: stopped")
)

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// PeerInfo describes one cluster member as seen from this node.
type PeerInfo struct {
	ID           uint64 `json:"nodeId"`
	Endpoint     string `json:"endpoint"`
	State        string `json:"state"`
	LastLogIndex uint64 `json:"last_log_idx"`
	LastSuccResp int64  `json:"last_succ_resp_us"`
}

type Option func(*Coordinator)

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		c.log = l
	}
}

func WithMetrics(m metrics.Collector) Option {
	return func(c *Coordinator) {
		c.metrics = m
	}
}

// WithTransport replaces the HTTP transport.
func WithTransport(t iTransport) Option {
	return func(c *Coordinator) {
		c.transport = t
	}
}

type proposeResult struct {
	Res *statemachine.Result
	Err error
}

// Coordinator drives one etcd raft node: it owns the Ready loop, feeds the
// log store and the state machine, and correlates proposals with their
// commit results.
type Coordinator struct {
	id        uint64
	endpoint  string
	join      bool
	cfg       config.RaftConfig
	bootPeers map[uint64]string

	node      raft.Node
	logs      *logstore.Store
	ms        *MembershipStore
	storage   *raftStorage
	sm        *statemachine.StateMachine
	transport iTransport
	persisted bool

	durableCh chan struct{}

	boundsMu      sync.Mutex
	boundsCh      chan struct{}
	electionLower time.Duration
	electionUpper time.Duration
	rnd           *rand.Rand

	started     atomic.Bool
	initialized atomic.Bool
	leader      atomic.Bool
	leaderID    atomic.Uint64
	applied     atomic.Uint64
	snapIndex   uint64 // owned by the Ready loop
	confDirty   bool   // owned by the Ready loop

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult

	respMu   sync.Mutex
	lastResp map[uint64]int64

	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	haltOnce sync.Once
	runErr   atomic.Pointer[error]

	metrics metrics.Collector
	log     *slog.Logger
}

// NewCoordinator wires the log store, membership store and state machine
// for node. journal may be nil, which disables WAL writes.
func NewCoordinator(
	node config.NodeConfig,
	rc config.RaftConfig,
	ds statemachine.DataStore,
	journal statemachine.Journal,
	opts ...Option,
) (*Coordinator, error) {
	if node.ID == 0 {
		return nil, fmt.Errorf("node id must be set: %w", dberrors.ErrInvalidArgument)
	}

	peers := make(map[uint64]string, len(node.Peers)+1)
	for _, p := range node.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
	}
	if _, ok := peers[node.ID]; !ok || node.Endpoint != "" {
		peers[node.ID] = node.Endpoint
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		id:            node.ID,
		endpoint:      peers[node.ID],
		join:          node.Join,
		cfg:           rc,
		bootPeers:     peers,
		durableCh:     make(chan struct{}, 1),
		boundsCh:      make(chan struct{}, 1),
		electionLower: rc.ElectionTimeoutLower,
		electionUpper: rc.ElectionTimeoutUpper,
		rnd:           rand.New(rand.NewSource(time.Now().UnixNano() + int64(node.ID))),
		proposals:     make(map[uuid.UUID]chan proposeResult),
		lastResp:      make(map[uint64]int64),
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		metrics:       metrics.Nop{},
		log:           slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("node_id", c.id)

	c.logs = logstore.New(
		logstore.WithDiskDelay(rc.DiskEmulDelay),
		logstore.WithAppendNotifier(c.onDurable),
		logstore.WithLogger(c.log),
	)
	c.ms = NewMembershipStore()
	for id, ep := range peers {
		c.ms.SetEndpoint(id, ep)
	}
	c.storage = newRaftStorage(c.logs, c.ms)
	c.sm = statemachine.New(ds, journal,
		statemachine.WithLogger(c.log),
		statemachine.WithMetrics(c.metrics),
	)
	c.persisted = journal != nil

	if c.transport == nil {
		remote := make(map[uint64]string, len(peers))
		for id, ep := range peers {
			if id != c.id {
				remote[id] = ep
			}
		}
		c.transport = NewTransport(remote, c.log)
	}
	return c, nil
}

// StartNode builds a coordinator with default raft settings and starts it.
func StartNode(ctx context.Context, nodeID uint64, endpoint string, port int, ds statemachine.DataStore, opts ...Option) (*Coordinator, error) {
	if port > 0 {
		if _, _, err := net.SplitHostPort(strings.TrimPrefix(endpoint, "http://")); err != nil {
			endpoint = net.JoinHostPort(endpoint, strconv.Itoa(port))
		}
	}
	c, err := NewCoordinator(config.NodeConfig{ID: nodeID, Endpoint: endpoint}, config.Default().Raft, ds, nil, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Start(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

// Start launches the raft node and its Ready loop, then waits until the
// loop is running. Exhausting the retries returns ErrNotInitialized.
func (c *Coordinator) Start(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return fmt.Errorf("coordinator already started: %w", dberrors.ErrInvalidArgument)
	}

	rc := toRaftConfig(c.id, &c.cfg, c.storage, c.log)
	if c.join {
		c.node = raft.RestartNode(rc)
	} else {
		ids := make([]uint64, 0, len(c.bootPeers))
		for id := range c.bootPeers {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

		raftPeers := make([]raft.Peer, 0, len(ids))
		for _, id := range ids {
			raftPeers = append(raftPeers, raft.Peer{ID: id, Context: []byte(c.bootPeers[id])})
		}
		c.node = raft.StartNode(rc, raftPeers)
	}

	go c.run()

	for attempt := 0; attempt < c.cfg.InitRetries; attempt++ {
		if c.initialized.Load() {
			c.log.Info("raft node started", "endpoint", c.endpoint, "join", c.join, "attempts", attempt)
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for raft init: %w", ctx.Err())
		case <-c.done:
			return fmt.Errorf("ready loop exited: %w", c.Err())
		case <-time.After(c.cfg.InitBackoff):
		}
	}
	if c.initialized.Load() {
		return nil
	}
	return fmt.Errorf("node %d after %d attempts: %w", c.id, c.cfg.InitRetries, dberrors.ErrNotInitialized)
}

func (c *Coordinator) run() {
	defer close(c.done)

	timer := time.NewTimer(c.tickPeriod())
	defer timer.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.boundsCh:
			resetTimer(timer, c.tickPeriod())
		case <-timer.C:
			c.node.Tick()
			c.initialized.Store(true)
			timer.Reset(c.tickPeriod())
		case rd := <-c.node.Ready():
			if err := c.handleReady(rd); err != nil {
				c.log.Error("critical: ready loop failed", "error", err)
				c.halt(err)
				return
			}
			c.initialized.Store(true)
		}
	}
}

func (c *Coordinator) handleReady(rd raft.Ready) error {
	if rd.SoftState != nil {
		c.observeSoftState(*rd.SoftState)
	}
	if !raft.IsEmptyHardState(rd.HardState) {
		c.ms.SetHardState(rd.HardState)
	}
	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := c.installSnapshot(rd.Snapshot); err != nil {
			return fmt.Errorf("install snapshot: %w", err)
		}
	}
	if err := c.writeEntries(rd.Entries); err != nil {
		return fmt.Errorf("write entries: %w", err)
	}
	if n := len(rd.Entries); n > 0 {
		c.waitDurable(rd.Entries[n-1].Index)
	}

	c.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := c.applyEntry(entry); err != nil {
			return fmt.Errorf("apply entry %d: %w", entry.Index, err)
		}
	}
	if err := c.maybeSnapshot(); err != nil {
		return err
	}

	c.metrics.SetGauge(metrics.LastDurableIndex, nil, float64(c.logs.LastDurableIndex()))
	c.metrics.SetGauge(metrics.LogStartIndex, nil, float64(c.logs.StartIndex()))

	c.node.Advance()
	return nil
}

func (c *Coordinator) observeSoftState(ss raft.SoftState) {
	wasLeader := c.leader.Load()
	isLeader := ss.RaftState == raft.StateLeader
	c.leader.Store(isLeader)
	if prev := c.leaderID.Swap(ss.Lead); prev != ss.Lead {
		c.log.Info("leader changed", "leader", ss.Lead, "state", stateName(ss.RaftState))
	}
	if wasLeader != isLeader {
		// tick period depends on the role
		c.signalBounds()
	}
}

// writeEntries appends new entries and overwrites a conflicting suffix.
func (c *Coordinator) writeEntries(ents []raftpb.Entry) error {
	if len(ents) == 0 {
		return nil
	}
	ts := uint64(time.Now().UnixMicro())
	first := ents[0].Index
	next := c.logs.NextSlot()

	i := 0
	switch {
	case first < next:
		c.rollback(first, next)
		if err := c.logs.WriteAt(first, fromRaftEntry(ents[0], ts)); err != nil {
			return err
		}
		i = 1
	case first > next:
		return fmt.Errorf("entries start at %d, log expects %d: %w", first, next, logstore.ErrGap)
	}

	for ; i < len(ents); i++ {
		if idx := c.logs.Append(fromRaftEntry(ents[i], ts)); idx != ents[i].Index {
			return fmt.Errorf("entry %d stored at %d: %w", ents[i].Index, idx, logstore.ErrGap)
		}
	}

	for _, e := range ents {
		if e.Type == raftpb.EntryNormal && len(e.Data) > 0 {
			c.sm.PreCommit(e.Index, e.Data)
		}
	}
	return nil
}

func (c *Coordinator) rollback(from, to uint64) {
	for idx := from; idx < to; idx++ {
		e, err := c.logs.EntryAt(idx)
		if err != nil {
			continue
		}
		if e.Type == logstore.AppData {
			c.sm.Rollback(idx, e.Payload)
		}
	}
}

// waitDurable blocks until the emulated disk has caught up with index.
func (c *Coordinator) waitDurable(index uint64) {
	if c.cfg.DiskEmulDelay <= 0 {
		return
	}
	for c.logs.LastDurableIndex() < index {
		select {
		case <-c.durableCh:
		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Coordinator) onDurable(uint64) {
	select {
	case c.durableCh <- struct{}{}:
	default:
	}
}

func (c *Coordinator) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == c.id {
			continue
		}

		go func(m raftpb.Message) {
			if err := c.transport.Send(m); err != nil {
				c.log.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type.String(),
					"error", err)
				c.node.ReportUnreachable(m.To)
				if m.Type == raftpb.MsgSnap {
					c.node.ReportSnapshot(m.To, raft.SnapshotFailure)
				}
				return
			}
			c.recordResponse(m.To)
			if m.Type == raftpb.MsgSnap {
				c.node.ReportSnapshot(m.To, raft.SnapshotFinish)
			}
		}(msg)
	}
}

func (c *Coordinator) applyEntry(entry raftpb.Entry) error {
	switch entry.Type {
	case raftpb.EntryNormal:
		if len(entry.Data) == 0 {
			// empty entry appended by a new leader
			c.sm.CommitConfig(entry.Index)
			break
		}
		res, err := c.commitWithRetry(entry)
		if err != nil {
			return err
		}
		c.deliver(res)

	case raftpb.EntryConfChange:
		var cc raftpb.ConfChange
		if err := cc.Unmarshal(entry.Data); err != nil {
			return fmt.Errorf("unmarshal conf change: %w", err)
		}
		cs := c.node.ApplyConfChange(cc)
		c.ms.SetConfState(*cs)
		c.updateTransport(cc)
		c.sm.CommitConfig(entry.Index)
		c.confDirty = true

	case raftpb.EntryConfChangeV2:
		var cc raftpb.ConfChangeV2
		if err := cc.Unmarshal(entry.Data); err != nil {
			return fmt.Errorf("unmarshal conf change v2: %w", err)
		}
		cs := c.node.ApplyConfChange(cc)
		c.ms.SetConfState(*cs)
		for _, ch := range cc.Changes {
			c.updateTransport(raftpb.ConfChange{Type: ch.Type, NodeID: ch.NodeID, Context: cc.Context})
		}
		c.sm.CommitConfig(entry.Index)
		c.confDirty = true
	}

	c.applied.Store(entry.Index)
	return nil
}

// commitWithRetry retries journal failures; any other error is fatal.
func (c *Coordinator) commitWithRetry(entry raftpb.Entry) (*statemachine.Result, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.ApplyRetries; attempt++ {
		res, err := c.sm.Commit(entry.Index, entry.Data)
		if err == nil {
			return res, nil
		}
		if !errors.Is(err, dberrors.ErrJournal) {
			return nil, err
		}
		lastErr = err
		c.log.Warn("commit failed, retrying", "index", entry.Index, "attempt", attempt+1, "error", err)

		select {
		case <-c.ctx.Done():
			return nil, ErrStopped
		case <-time.After(c.cfg.ApplyBackoff):
		}
	}
	return nil, fmt.Errorf("commit %d after %d attempts: %w", entry.Index, c.cfg.ApplyRetries, lastErr)
}

func (c *Coordinator) deliver(res *statemachine.Result) {
	if res.ProposalID == "" {
		return
	}
	pid, err := uuid.Parse(res.ProposalID)
	if err != nil {
		c.log.Debug("ignoring foreign proposal id", "proposal_id", res.ProposalID)
		return
	}
	c.notifyProposalResult(pid, proposeResult{Res: res})
}

func (c *Coordinator) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode, raftpb.ConfChangeAddLearnerNode:
		peerAddr := string(cc.Context)
		if peerAddr == "" {
			peerAddr, _ = c.ms.Endpoint(cc.NodeID)
		}
		c.ms.SetEndpoint(cc.NodeID, peerAddr)
		if cc.NodeID != c.id && peerAddr != "" {
			c.transport.AddPeer(cc.NodeID, peerAddr)
		}
		c.log.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		c.ms.RemoveEndpoint(cc.NodeID)
		if cc.NodeID != c.id {
			c.transport.RemovePeer(cc.NodeID)
		} else {
			c.log.Warn("this node was removed from the cluster")
		}
		c.log.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		c.ms.SetEndpoint(cc.NodeID, peerAddr)
		if cc.NodeID != c.id {
			c.transport.UpdatePeer(cc.NodeID, peerAddr)
		}
		c.log.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

// snapshotPayload is the Data of raft snapshots made by this package.
type snapshotPayload struct {
	Peers map[uint64]string `json:"peers"`
	Store []byte            `json:"store"`
}

// maybeSnapshot creates a raft snapshot every SnapshotDistance applied
// entries and compacts the log behind it. Once the log is compacted, a
// membership change refreshes the snapshot at once: raft refuses to
// restore a snapshot whose configuration lacks the receiving node.
func (c *Coordinator) maybeSnapshot() error {
	applied := c.applied.Load()
	force := c.confDirty && c.logs.StartIndex() > 1
	c.confDirty = false

	if applied <= c.snapIndex {
		return nil
	}
	due := c.cfg.SnapshotDistance > 0 && applied-c.snapIndex >= c.cfg.SnapshotDistance
	if !due && !force {
		return nil
	}

	dump, err := c.sm.CreateSnapshot()
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	data, err := json.Marshal(snapshotPayload{Peers: c.ms.Endpoints(), Store: dump})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	term, err := c.storage.Term(applied)
	if err != nil {
		return fmt.Errorf("snapshot term at %d: %w", applied, err)
	}

	c.ms.SetSnapshot(raftpb.Snapshot{
		Data: data,
		Metadata: raftpb.SnapshotMetadata{
			Index:     applied,
			Term:      term,
			ConfState: c.ms.ConfState(),
		},
	})
	c.snapIndex = applied

	compacted := uint64(0)
	if applied > c.cfg.ReservedLogItems {
		compacted = applied - c.cfg.ReservedLogItems
		c.logs.Compact(compacted)
	}

	c.metrics.IncCounter(metrics.SnapshotsTotal, map[string]string{"kind": "raft"}, 1)
	c.log.Info("raft snapshot created", "index", applied, "term", term, "compacted_to", compacted, "bytes", len(data))
	return nil
}

func (c *Coordinator) installSnapshot(snap raftpb.Snapshot) error {
	var payload snapshotPayload
	if err := json.Unmarshal(snap.Data, &payload); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	meta := snap.Metadata
	c.logs.ApplySnapshot(meta.Index, meta.Term)
	c.ms.SetSnapshot(snap)
	c.ms.SetConfState(meta.ConfState)
	for id, ep := range payload.Peers {
		c.ms.SetEndpoint(id, ep)
		if id != c.id && ep != "" {
			c.transport.AddPeer(id, ep)
		}
	}

	if err := c.sm.ApplySnapshot(meta.Index, payload.Store); err != nil {
		return err
	}
	c.applied.Store(meta.Index)
	c.snapIndex = meta.Index

	if c.persisted {
		// the journal never saw these writes
		if _, err := c.sm.TakeSnapshot(); err != nil {
			c.log.Error("failed to persist installed snapshot", "index", meta.Index, "error", err)
		}
	}
	c.log.Info("installed raft snapshot", "index", meta.Index, "term", meta.Term)
	return nil
}

// Propose replicates doc and blocks until it is committed and applied.
// Non-leaders reject immediately without side effects.
func (c *Coordinator) Propose(ctx context.Context, doc []byte) (*statemachine.Result, error) {
	if !c.initialized.Load() {
		c.countProposal("not_initialized")
		return nil, dberrors.ErrNotInitialized
	}
	if !c.IsLeader() {
		c.countProposal("not_leader")
		return nil, fmt.Errorf("node %d (leader %d): %w", c.id, c.LeaderID(), dberrors.ErrNotLeader)
	}

	pid := uuid.New()
	tagged, err := envelopeTag(doc, pid)
	if err != nil {
		c.countProposal("invalid")
		return nil, fmt.Errorf("%w: %w", dberrors.ErrInvalidArgument, err)
	}

	resultChan := make(chan proposeResult, 1)
	c.proposalsMu.Lock()
	c.proposals[pid] = resultChan
	c.proposalsMu.Unlock()

	defer func() {
		c.proposalsMu.Lock()
		delete(c.proposals, pid)
		c.proposalsMu.Unlock()
	}()

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ClientTimeout)
	defer cancel()

	start := time.Now()
	if err := c.node.Propose(ctx, tagged); err != nil {
		if errors.Is(err, raft.ErrProposalDropped) {
			c.countProposal("not_leader")
			return nil, fmt.Errorf("proposal dropped: %w", dberrors.ErrNotLeader)
		}
		c.countProposal("error")
		return nil, fmt.Errorf("propose: %w", err)
	}

	select {
	case result, ok := <-resultChan:
		if !ok {
			return nil, ErrStopped
		}
		if result.Err != nil {
			c.countProposal("error")
			return nil, result.Err
		}
		outcome := "ok"
		if result.Res.Err != nil {
			outcome = "rejected"
		}
		c.countProposal(outcome)
		c.metrics.ObserveHistogram(metrics.ProposeSeconds, map[string]string{"result": outcome}, time.Since(start).Seconds())
		return result.Res, nil
	case <-ctx.Done():
		c.countProposal("timeout")
		return nil, fmt.Errorf("proposal %s: %w: %w", pid, dberrors.ErrTimeout, ctx.Err())
	case <-c.done:
		return nil, ErrStopped
	}
}

func (c *Coordinator) notifyProposalResult(pid uuid.UUID, result proposeResult) {
	c.proposalsMu.RLock()
	resultChan, ok := c.proposals[pid]
	c.proposalsMu.RUnlock()

	if !ok {
		// applied on a follower, or the proposer already gave up
		c.log.Debug("proposal result channel not found (ignored)", "proposal_id", pid, "is_leader", c.IsLeader())
		return
	}

	select {
	case resultChan <- result:
	default:
		c.log.Debug("proposal result channel is full (ignored)", "proposal_id", pid)
	}
}

func (c *Coordinator) countProposal(result string) {
	c.metrics.IncCounter(metrics.ProposalsTotal, map[string]string{"result": result}, 1)
}

// AddServer adds id as a voter and waits until the change is applied.
// ErrMembershipTimeout does not cancel the change; it may still land.
func (c *Coordinator) AddServer(ctx context.Context, id uint64, endpoint string) error {
	if err := c.checkLeader(); err != nil {
		return err
	}
	if id == 0 || endpoint == "" {
		return fmt.Errorf("server id and endpoint are required: %w", dberrors.ErrInvalidArgument)
	}
	if c.ms.IsVoter(id) {
		return nil
	}

	cc := raftpb.ConfChange{Type: raftpb.ConfChangeAddNode, NodeID: id, Context: []byte(endpoint)}
	if err := c.node.ProposeConfChange(ctx, cc); err != nil {
		return fmt.Errorf("propose add server %d: %w", id, err)
	}
	c.log.Info("proposed add server", "id", id, "endpoint", endpoint)
	return c.waitMembership(ctx, id, func() bool { return c.ms.IsVoter(id) })
}

// RemoveServer removes id from the configuration and waits for it to apply.
func (c *Coordinator) RemoveServer(ctx context.Context, id uint64) error {
	if err := c.checkLeader(); err != nil {
		return err
	}
	if !c.ms.IsVoter(id) {
		return nil
	}

	cc := raftpb.ConfChange{Type: raftpb.ConfChangeRemoveNode, NodeID: id}
	if err := c.node.ProposeConfChange(ctx, cc); err != nil {
		return fmt.Errorf("propose remove server %d: %w", id, err)
	}
	c.log.Info("proposed remove server", "id", id)
	return c.waitMembership(ctx, id, func() bool { return !c.ms.IsVoter(id) })
}

func (c *Coordinator) waitMembership(ctx context.Context, id uint64, applied func() bool) error {
	for attempt := 0; attempt < c.cfg.AddServerRetries; attempt++ {
		if applied() {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("membership change for %d: %w", id, ctx.Err())
		case <-c.done:
			return ErrStopped
		case <-time.After(c.cfg.AddServerBackoff):
		}
	}
	if applied() {
		return nil
	}
	return fmt.Errorf("server %d after %d attempts: %w", id, c.cfg.AddServerRetries, ErrMembershipTimeout)
}

func (c *Coordinator) checkLeader() error {
	if !c.initialized.Load() {
		return dberrors.ErrNotInitialized
	}
	if !c.IsLeader() {
		return fmt.Errorf("node %d (leader %d): %w", c.id, c.LeaderID(), dberrors.ErrNotLeader)
	}
	return nil
}

// SetElectionTimeoutBounds changes how fast a non-leader's election clock
// runs. Very large bounds keep this node from starting elections.
func (c *Coordinator) SetElectionTimeoutBounds(lower, upper time.Duration) error {
	if lower <= 0 || upper < lower {
		return fmt.Errorf("election bounds [%v, %v]: %w", lower, upper, dberrors.ErrInvalidArgument)
	}
	c.boundsMu.Lock()
	c.electionLower, c.electionUpper = lower, upper
	c.boundsMu.Unlock()

	c.signalBounds()
	c.log.Info("election timeout bounds changed", "lower", lower, "upper", upper)
	return nil
}

func (c *Coordinator) signalBounds() {
	select {
	case c.boundsCh <- struct{}{}:
	default:
	}
}

// tickPeriod is the heartbeat tick for leaders and a randomized share of
// the election timeout for everyone else.
func (c *Coordinator) tickPeriod() time.Duration {
	if c.leader.Load() {
		p := c.cfg.HeartbeatInterval / time.Duration(max(c.cfg.HeartbeatTick, 1))
		return max(p, time.Millisecond)
	}

	c.boundsMu.Lock()
	lower, upper := c.electionLower, c.electionUpper
	d := lower
	if span := upper - lower; span > 0 {
		d += time.Duration(c.rnd.Int63n(int64(span) + 1))
	}
	c.boundsMu.Unlock()

	return max(d/time.Duration(max(c.cfg.ElectionTick, 1)), time.Millisecond)
}

// Campaign makes this node start an election.
func (c *Coordinator) Campaign(ctx context.Context) error {
	if !c.started.Load() {
		return dberrors.ErrNotInitialized
	}
	return c.node.Campaign(ctx)
}

// Handle steps a raft message received from a peer.
func (c *Coordinator) Handle(ctx context.Context, msg raftpb.Message) error {
	if !c.started.Load() {
		return dberrors.ErrNotInitialized
	}
	c.recordResponse(msg.From)
	return c.node.Step(ctx, msg)
}

func (c *Coordinator) recordResponse(id uint64) {
	c.respMu.Lock()
	c.lastResp[id] = time.Now().UnixMicro()
	c.respMu.Unlock()
}

func (c *Coordinator) lastResponse(id uint64) int64 {
	c.respMu.Lock()
	defer c.respMu.Unlock()
	return c.lastResp[id]
}

func (c *Coordinator) IsLeader() bool {
	return c.leader.Load()
}

func (c *Coordinator) LeaderID() uint64 {
	return c.leaderID.Load()
}

// LeaderEndpoint is empty while no leader is known.
func (c *Coordinator) LeaderEndpoint() string {
	ep, _ := c.ms.Endpoint(c.LeaderID())
	return ep
}

// CurrentPeer describes this node.
func (c *Coordinator) CurrentPeer() PeerInfo {
	state := "follower"
	if c.started.Load() {
		state = stateName(c.node.Status().RaftState)
	}
	return PeerInfo{
		ID:           c.id,
		Endpoint:     c.endpoint,
		State:        state,
		LastLogIndex: c.logs.NextSlot() - 1,
		LastSuccResp: time.Now().UnixMicro(),
	}
}

// ListPeers describes every member of the applied configuration.
// Replication progress is only known on the leader.
func (c *Coordinator) ListPeers() []PeerInfo {
	if !c.started.Load() {
		return nil
	}
	st := c.node.Status()
	cs := c.ms.ConfState()

	learners := make(map[uint64]bool, len(cs.Learners))
	ids := append([]uint64(nil), cs.Voters...)
	for _, id := range cs.Learners {
		learners[id] = true
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	out := make([]PeerInfo, 0, len(ids))
	for _, id := range ids {
		if id == c.id {
			out = append(out, c.CurrentPeer())
			continue
		}
		ep, _ := c.ms.Endpoint(id)
		info := PeerInfo{
			ID:           id,
			Endpoint:     ep,
			State:        "follower",
			LastSuccResp: c.lastResponse(id),
		}
		switch {
		case id == st.Lead:
			info.State = "leader"
		case learners[id]:
			info.State = "learner"
		}
		if pr, ok := st.Progress[id]; ok {
			info.LastLogIndex = pr.Match
		}
		out = append(out, info)
	}
	return out
}

func (c *Coordinator) ID() uint64                                { return c.id }
func (c *Coordinator) Endpoint() string                          { return c.endpoint }
func (c *Coordinator) AppliedIndex() uint64                      { return c.applied.Load() }
func (c *Coordinator) StateMachine() *statemachine.StateMachine { return c.sm }
func (c *Coordinator) LogStore() *logstore.Store                 { return c.logs }

// Done is closed when the Ready loop exits.
func (c *Coordinator) Done() <-chan struct{} {
	return c.done
}

// Err is the error that stopped the Ready loop, if any.
func (c *Coordinator) Err() error {
	if p := c.runErr.Load(); p != nil {
		return *p
	}
	return nil
}

func (c *Coordinator) Stop() error {
	c.log.Info("stopping raft node")

	if !c.started.Load() {
		c.halt(ErrStopped)
		c.logs.Close()
		return nil
	}

	c.halt(ErrStopped)
	<-c.done
	c.logs.Close()

	c.log.Info("raft node stopped")
	return nil
}

// halt stops raft and fails every pending proposal with err.
func (c *Coordinator) halt(err error) {
	c.haltOnce.Do(func() {
		if !errors.Is(err, ErrStopped) {
			c.runErr.Store(&err)
		}
		c.cancel()
		if c.node != nil {
			c.node.Stop()
		}

		c.proposalsMu.Lock()
		for pid, resultChan := range c.proposals {
			select {
			case resultChan <- proposeResult{Err: fmt.Errorf("proposal %s: %w", pid, ErrStopped)}:
			default:
			}
		}
		c.proposalsMu.Unlock()
	})
}

// envelopeTag stamps body with the proposal id and frames it for the log.
func envelopeTag(body []byte, pid uuid.UUID) ([]byte, error) {
	tagged, err := envelope.Tag(body, pid.String())
	if err != nil {
		return nil, err
	}
	return envelope.Encode(tagged)
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func stateName(s raft.StateType) string {
	switch s {
	case raft.StateLeader:
		return "leader"
	case raft.StateCandidate:
		return "candidate"
	case raft.StatePreCandidate:
		return "pre-candidate"
	default:
		return "follower"
	}
}
