package raftadapter

import (
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.etcd.io/etcd/raft/v3/raftpb"
)

func TestTransport_SendDeliversProtobuf(t *testing.T) {
	got := make(chan raftpb.Message, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != RaftEndpoint {
			http.NotFound(w, r)
			return
		}
		if ct := r.Header.Get("Content-Type"); ct != RaftContentType {
			http.Error(w, "bad content type "+ct, http.StatusUnsupportedMediaType)
			return
		}
		body, _ := io.ReadAll(r.Body)
		msg, err := DecodeMessage(body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		got <- msg
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL}, nil)
	msg := raftpb.Message{Type: raftpb.MsgHeartbeat, From: 1, To: 2, Term: 3, Commit: 11}
	if err := tr.Send(msg); err != nil {
		t.Fatalf("Send: %v", err)
	}

	recv := <-got
	if recv.Type != msg.Type || recv.From != 1 || recv.Term != 3 || recv.Commit != 11 {
		t.Fatalf("unexpected message: %+v", recv)
	}
}

func TestTransport_RetriesThenFails(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	tr := NewTransport(map[uint64]string{2: srv.URL}, nil, WithSendRetry(4, time.Millisecond))
	if err := tr.Send(raftpb.Message{From: 1, To: 2}); err == nil {
		t.Fatal("expected an error")
	}
	if calls.Load() != 4 {
		t.Fatalf("expected 4 attempts, got %d", calls.Load())
	}
}

func TestTransport_PeerUpdates(t *testing.T) {
	tr := NewTransport(nil, nil)
	if err := tr.Send(raftpb.Message{To: 5}); err == nil {
		t.Fatal("expected unknown peer error")
	}

	tr.AddPeer(5, "a:1")
	tr.UpdatePeer(5, "b:2")
	if url, _ := tr.peerURL(5); url != "http://b:2"+RaftEndpoint {
		t.Fatalf("unexpected url %q", url)
	}
	tr.RemovePeer(5)
	if _, ok := tr.peerURL(5); ok {
		t.Fatal("peer not removed")
	}
}

func TestBaseURL(t *testing.T) {
	cases := map[string]string{
		"127.0.0.1:8080":       "http://127.0.0.1:8080",
		"http://host:1/":       "http://host:1",
		"https://secure.local": "https://secure.local",
	}
	for in, want := range cases {
		if got := baseURL(in); got != want {
			t.Fatalf("baseURL(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeMessage_Garbage(t *testing.T) {
	if _, err := DecodeMessage([]byte{0xff, 0xff, 0xff}); err == nil {
		t.Fatal("expected decode error")
	}
}
