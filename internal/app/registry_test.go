package app

import (
	"sync"
	"testing"

	"github.com/pion/webrtc/v4"

	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
)

type stubTransport struct {
	mu     sync.Mutex
	closed int
}

func (s *stubTransport) CreateOffer() (webrtc.SessionDescription, error)  { return webrtc.SessionDescription{}, nil }
func (s *stubTransport) CreateAnswer() (webrtc.SessionDescription, error) { return webrtc.SessionDescription{}, nil }
func (s *stubTransport) SetLocalDescription(webrtc.SessionDescription) error  { return nil }
func (s *stubTransport) SetRemoteDescription(webrtc.SessionDescription) error { return nil }
func (s *stubTransport) LocalDescription() *webrtc.SessionDescription         { return nil }
func (s *stubTransport) AddICECandidate(domain.Candidate) error               { return nil }
func (s *stubTransport) AddTrack(webrtc.TrackLocal) (core.MediaSender, error) { return nil, nil }
func (s *stubTransport) AddRecvOnly(domain.MediaKind) error                   { return nil }
func (s *stubTransport) OnICECandidate(func(domain.Candidate))                {}
func (s *stubTransport) OnConnectionStateChange(func(core.ConnState))         {}
func (s *stubTransport) OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {}

func (s *stubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *stubTransport) closeCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type stubSender struct {
	kind    domain.MediaKind
	stopped int
}

func (s *stubSender) Kind() domain.MediaKind               { return s.kind }
func (s *stubSender) ReplaceTrack(webrtc.TrackLocal) error { return nil }
func (s *stubSender) Stop() error                          { s.stopped++; return nil }

type stubWatch struct{ unsubscribed int }

func (w *stubWatch) Unsubscribe() { w.unsubscribed++ }

func newTestConn(id domain.SubscriberID) (*SubscriberConnection, *stubTransport) {
	tr := &stubTransport{}
	return NewSubscriberConnection(id, tr, 100), tr
}

func TestRegisterFirstWins(t *testing.T) {
	r := NewRegistry()
	a, _ := newTestConn("v1")
	b, _ := newTestConn("v1")

	if err := r.Register(a); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(b); err != core.ErrDuplicateConnection {
		t.Fatalf("expected ErrDuplicateConnection, got %v", err)
	}

	got, ok := r.Get("v1")
	if !ok || got != a {
		t.Fatal("expected the first connection to remain registered")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 connection, got %d", r.Len())
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := NewRegistry()
	conn, tr := newTestConn("v1")
	sender := &stubSender{kind: domain.KindVideo}
	watch := &stubWatch{}
	conn.PutSender(domain.KindVideo, sender)
	conn.SetWatch(watch)
	if err := r.Register(conn); err != nil {
		t.Fatalf("register: %v", err)
	}

	r.Remove("v1")
	r.Remove("v1")

	if tr.closeCount() != 1 {
		t.Fatalf("expected transport closed once, got %d", tr.closeCount())
	}
	if sender.stopped != 1 {
		t.Fatalf("expected sender stopped once, got %d", sender.stopped)
	}
	if watch.unsubscribed != 1 {
		t.Fatalf("expected watch unsubscribed once, got %d", watch.unsubscribed)
	}
	if r.Has("v1") {
		t.Fatal("expected v1 gone")
	}
}

func TestRemoveAbsentIsNoOp(t *testing.T) {
	r := NewRegistry()
	r.Remove("ghost")
}

func TestForEachSnapshots(t *testing.T) {
	r := NewRegistry()
	for _, id := range []domain.SubscriberID{"v1", "v2", "v3"} {
		conn, _ := newTestConn(id)
		if err := r.Register(conn); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	seen := map[domain.SubscriberID]bool{}
	r.ForEach(func(c *SubscriberConnection) {
		seen[c.ID] = true
		// Mutating during iteration must be safe.
		r.Remove(c.ID)
	})
	if len(seen) != 3 {
		t.Fatalf("expected 3 visits, got %d", len(seen))
	}
	if r.Len() != 0 {
		t.Fatalf("expected empty registry, got %d", r.Len())
	}
}

func TestMarkRemoteSetFlushesOnce(t *testing.T) {
	conn, _ := newTestConn("v1")
	conn.BufferCandidate(domain.CandidateRecord{Epoch: 100, Ufrag: "a"})
	conn.BufferCandidate(domain.CandidateRecord{Epoch: 100, Ufrag: "b"})

	first := conn.MarkRemoteSet("remote-ufrag")
	if len(first) != 2 || first[0].Ufrag != "a" || first[1].Ufrag != "b" {
		t.Fatalf("expected FIFO flush of 2, got %+v", first)
	}
	if second := conn.MarkRemoteSet("remote-ufrag"); second != nil {
		t.Fatalf("expected second flush empty, got %+v", second)
	}

	ufrag, set := conn.RemoteState()
	if !set || ufrag != "remote-ufrag" {
		t.Fatalf("unexpected remote state %q %v", ufrag, set)
	}
}

func TestRemovingConnectionInvisible(t *testing.T) {
	r := NewRegistry()
	conn, _ := newTestConn("v1")
	if err := r.Register(conn); err != nil {
		t.Fatalf("register: %v", err)
	}
	if !conn.beginRemove() {
		t.Fatal("expected beginRemove to win")
	}
	if r.Has("v1") {
		t.Fatal("connection mid-teardown must be invisible")
	}
	if conn.beginRemove() {
		t.Fatal("expected second beginRemove to lose")
	}
}
