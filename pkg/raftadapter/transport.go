package raftadapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	RaftEndpoint    = "/api/internal/raft"
	RaftContentType = "application/x-protobuf"

	defaultSendTimeout  = 3 * time.Second
	defaultSendAttempts = 3
	defaultSendBackoff  = 100 * time.Millisecond

	maxErrorBody = 512
)

type TransportOption func(*Transport)

// WithHTTPClient replaces the client used for every peer request.
func WithHTTPClient(c *http.Client) TransportOption {
	return func(t *Transport) {
		t.client = c
	}
}

// WithSendRetry sets the attempts per message and the linear backoff step.
func WithSendRetry(attempts int, backoff time.Duration) TransportOption {
	return func(t *Transport) {
		if attempts > 0 {
			t.attempts = attempts
		}
		t.backoff = backoff
	}
}

// Transport carries protobuf encoded raft messages to peers as HTTP POSTs.
// The peer table follows membership changes applied by the coordinator.
type Transport struct {
	mu    sync.RWMutex
	addrs map[uint64]string

	client   *http.Client
	attempts int
	backoff  time.Duration
	log      *slog.Logger
}

func NewTransport(peers map[uint64]string, log *slog.Logger, opts ...TransportOption) *Transport {
	if log == nil {
		log = slog.Default()
	}
	t := &Transport{
		addrs:    make(map[uint64]string, len(peers)),
		client:   &http.Client{Timeout: defaultSendTimeout},
		attempts: defaultSendAttempts,
		backoff:  defaultSendBackoff,
		log:      log.With("component", "transport"),
	}
	for id, addr := range peers {
		t.addrs[id] = addr
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Transport) AddPeer(id uint64, addr string) {
	t.mu.Lock()
	t.addrs[id] = addr
	t.mu.Unlock()
}

func (t *Transport) UpdatePeer(id uint64, addr string) {
	t.AddPeer(id, addr)
}

func (t *Transport) RemovePeer(id uint64) {
	t.mu.Lock()
	delete(t.addrs, id)
	t.mu.Unlock()
}

func (t *Transport) peerURL(id uint64) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	addr, ok := t.addrs[id]
	if !ok {
		return "", false
	}
	return baseURL(addr) + RaftEndpoint, true
}

// Send blocks until the peer accepted msg or every attempt failed.
func (t *Transport) Send(msg raftpb.Message) error {
	url, ok := t.peerURL(msg.To)
	if !ok {
		return fmt.Errorf("unknown peer node: %d", msg.To)
	}
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	var lastErr error
	for attempt := 1; attempt <= t.attempts; attempt++ {
		if lastErr = t.post(url, body); lastErr == nil {
			return nil
		}
		if attempt == t.attempts {
			break
		}
		t.log.Debug("raft message not delivered, retrying",
			"to", msg.To, "type", msg.Type.String(), "attempt", attempt, "error", lastErr)
		time.Sleep(t.backoff * time.Duration(attempt))
	}
	return fmt.Errorf("send %s to %d after %d attempts: %w", msg.Type, msg.To, t.attempts, lastErr)
}

func (t *Transport) post(url string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSendTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", RaftContentType)

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		reason, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("peer answered %d: %s", resp.StatusCode, strings.TrimSpace(string(reason)))
	}
	return nil
}

// DecodeMessage parses a raft message received by the HTTP ingress.
func DecodeMessage(body []byte) (raftpb.Message, error) {
	var msg raftpb.Message
	if err := msg.Unmarshal(body); err != nil {
		return raftpb.Message{}, fmt.Errorf("unmarshal raft message: %w", err)
	}
	return msg, nil
}

func baseURL(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return addr
	}
	return "http://" + addr
}
