package http

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"vdb/pkg/dberrors"
	"vdb/pkg/envelope"
	"vdb/pkg/raftadapter"
	"vdb/pkg/statemachine"
	"vdb/pkg/store"
)

const (
	contentTypeJSON        = "application/json"
	defaultHTTPPort        = "8080"
	defaultShutdownTimeout = time.Second * 5
	maxBodyBytes           = 16 << 20
	maxPackCount           = 10000
)

type iStoreAPI interface {
	Query(id uint64) ([]byte, bool)
	IndexOf(id uint64) (store.IndexType, bool)
}

type iRaftNode interface {
	IsLeader() bool
	LeaderEndpoint() string
	Propose(ctx context.Context, doc []byte) (*statemachine.Result, error)
	Handle(ctx context.Context, message raftpb.Message) error
	AddServer(ctx context.Context, id uint64, endpoint string) error
	SetElectionTimeoutBounds(lower, upper time.Duration) error
	Campaign(ctx context.Context) error
	ListPeers() []raftadapter.PeerInfo
	CurrentPeer() raftadapter.PeerInfo
}

type iSnapshotter interface {
	TakeSnapshot() (uint64, error)
}

type iLogPacker interface {
	Pack(index uint64, count int32) ([]byte, error)
}

type Option func(*Server)

func WithSnapshotter(s iSnapshotter) Option {
	return func(srv *Server) {
		srv.snapshotter = s
	}
}

func WithLogPacker(p iLogPacker) Option {
	return func(srv *Server) {
		srv.packer = p
	}
}

func WithMetricsHandler(h http.Handler) Option {
	return func(srv *Server) {
		srv.metrics = h
	}
}

// WithElectionBounds sets the bounds applied by /admin/set-leader when the
// request does not carry its own.
func WithElectionBounds(lower, upper time.Duration) Option {
	return func(srv *Server) {
		srv.electionLower, srv.electionUpper = lower, upper
	}
}

func WithReadHeaderTimeout(d time.Duration) Option {
	return func(srv *Server) {
		srv.readHeaderTimeout = d
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(srv *Server) {
		srv.log = l
	}
}

// Server represents the HTTP server of one replica
type Server struct {
	node        iRaftNode
	store       iStoreAPI
	snapshotter iSnapshotter
	packer      iLogPacker
	metrics     http.Handler

	electionLower     time.Duration
	electionUpper     time.Duration
	readHeaderTimeout time.Duration

	httpServer *http.Server
	URL        string
	addr       string
	log        *slog.Logger
}

// NewServer creates a new server instance
func NewServer(node iRaftNode, store iStoreAPI, port string, opts ...Option) *Server {
	if port == "" {
		port = defaultHTTPPort
	}
	s := &Server{
		node:              node,
		store:             store,
		electionLower:     200 * time.Millisecond,
		electionUpper:     400 * time.Millisecond,
		readHeaderTimeout: time.Second,
		URL:               "http://localhost:" + port,
		addr:              ":" + port,
		log:               slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With("component", "http")
	return s
}

// Start starts the server
func (s *Server) Start() error {
	if err := s.startHTTPServer(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	return nil
}

// Stop stops the server
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown HTTP server: %w", err)
		}
	}
	return nil
}

// Handler builds the chi router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/upsert", s.handleUpsert)
		r.Get("/query/{id}", s.handleQuery)
	})

	r.Route("/admin", func(r chi.Router) {
		r.Post("/snapshot", s.handleSnapshot)
		r.Post("/set-leader", s.handleSetLeader)
		r.Post("/add-follower", s.handleAddFollower)
		r.Get("/nodes", s.handleListNodes)
		r.Get("/node", s.handleGetNode)
		r.Get("/log/pack", s.handleLogPack)
	})

	r.Post(raftadapter.RaftEndpoint, s.handleRaft)

	return r
}

func (s *Server) startHTTPServer() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP server error", "error", err)
		}
	}()

	s.log.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, dberrors.ErrInvalidArgument):
		status = http.StatusBadRequest
	case errors.Is(err, dberrors.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, dberrors.ErrNotLeader), errors.Is(err, dberrors.ErrNotInitialized):
		status = http.StatusServiceUnavailable
	case errors.Is(err, dberrors.ErrTimeout), errors.Is(err, raftadapter.ErrMembershipTimeout):
		status = http.StatusGatewayTimeout
	}
	resp := NewErrorResponse(err.Error())
	resp.Leader = s.node.LeaderEndpoint()
	s.writeJSON(w, status, resp)
}

// redirectLeader sends writes that reached a follower to the leader.
func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node.IsLeader() {
		return false, nil
	}

	leaderAddr := s.node.LeaderEndpoint()
	if leaderAddr == "" {
		// leader unknown yet, let Propose reject it
		return false, nil
	}
	if !strings.Contains(leaderAddr, "://") {
		leaderAddr = "http://" + leaderAddr
	}
	if leaderAddr == s.URL {
		return false, nil
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse("Failed to get leader URL"))
		return false, fmt.Errorf("failed to join leader path: %w", err)
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleUpsert(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Failed to read body"))
		return
	}

	// reject garbage before it reaches the log
	req, err := envelope.DecodeBody(body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			s.log.Error("Failed to redirect to leader", "error", err)
		}
		return
	}

	res, err := s.node.Propose(r.Context(), body)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if res.Err != nil {
		resp := NewErrorResponse(res.Err.Error())
		resp.Index = res.Index
		s.writeJSON(w, http.StatusBadRequest, resp)
		return
	}

	resp := NewSuccessResponse()
	resp.Index = res.AppliedIndex()
	resp.ID = req.ID
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid id"))
		return
	}

	doc, ok := s.store.Query(id)
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Document not found"))
		return
	}
	indexType, _ := s.store.IndexOf(id)

	resp := NewSuccessResponse()
	resp.ID = id
	resp.IndexType = string(indexType)
	resp.Doc = doc
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if s.snapshotter == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("Persistence not enabled"))
		return
	}

	id, err := s.snapshotter.TakeSnapshot()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewValueResponse(strconv.FormatUint(id, 10)))
}

type setLeaderRequest struct {
	LowerMS int64 `json:"lower_ms"`
	UpperMS int64 `json:"upper_ms"`
}

// handleSetLeader restores normal election bounds on this node and starts
// an election.
func (s *Server) handleSetLeader(w http.ResponseWriter, r *http.Request) {
	var req setLeaderRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}

	lower, upper := s.electionLower, s.electionUpper
	if req.LowerMS > 0 || req.UpperMS > 0 {
		lower = time.Duration(req.LowerMS) * time.Millisecond
		upper = time.Duration(req.UpperMS) * time.Millisecond
	}
	if err := s.node.SetElectionTimeoutBounds(lower, upper); err != nil {
		s.writeError(w, err)
		return
	}
	if !s.node.IsLeader() {
		if err := s.node.Campaign(r.Context()); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

type addFollowerRequest struct {
	NodeID   uint64 `json:"nodeId"`
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleAddFollower(w http.ResponseWriter, r *http.Request) {
	var req addFollowerRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid JSON request"))
		return
	}
	if req.NodeID == 0 || req.Endpoint == "" {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("nodeId and endpoint are required"))
		return
	}

	if err := s.node.AddServer(r.Context(), req.NodeID, req.Endpoint); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	resp := NewSuccessResponse()
	resp.Nodes = s.node.ListPeers()
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetNode(w http.ResponseWriter, r *http.Request) {
	resp := NewSuccessResponse()
	resp.Node = s.node.CurrentPeer()
	s.writeJSON(w, http.StatusOK, resp)
}

// handleLogPack returns Pack(index, count) base64 encoded in value.
func (s *Server) handleLogPack(w http.ResponseWriter, r *http.Request) {
	if s.packer == nil {
		s.writeJSON(w, http.StatusServiceUnavailable, NewErrorResponse("Log store not available"))
		return
	}

	q := r.URL.Query()
	index, err := strconv.ParseUint(q.Get("index"), 10, 64)
	if err != nil || index == 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid index"))
		return
	}
	count, err := strconv.ParseInt(q.Get("count"), 10, 32)
	if err != nil || count < 0 || count > maxPackCount {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid count"))
		return
	}

	pack, err := s.packer.Pack(index, int32(count))
	if err != nil {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse(err.Error()))
		return
	}
	resp := NewValueResponse(base64.StdEncoding.EncodeToString(pack))
	resp.Index = index
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	msg, err := raftadapter.DecodeMessage(body)
	if err != nil {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(err.Error()))
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(r *http.Request, v any) error {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("invalid JSON request: %w", err)
	}
	return nil
}
