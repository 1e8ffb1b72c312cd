package app

import (
	"sync"
	"time"

	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
)

// SubscriberConnection is one live media leg to a single subscriber. The
// Registry owns it: registered once, torn down exactly once. All mutable
// fields sit behind the connection's own mutex because signaling watch
// callbacks and transport event handlers fire from different goroutines.
type SubscriberConnection struct {
	ID        domain.SubscriberID
	Transport core.MediaTransport
	// Epoch is the negotiation cycle this connection was established
	// under. It never changes; a renegotiation is a new connection.
	Epoch     domain.Epoch
	CreatedAt time.Time

	mu          sync.Mutex
	senders     map[domain.MediaKind]core.MediaSender
	watch       core.WatchHandle
	buffer      []domain.CandidateRecord
	remoteSet   bool
	remoteUfrag string
	removing    bool
}

func NewSubscriberConnection(id domain.SubscriberID, tr core.MediaTransport, epoch domain.Epoch) *SubscriberConnection {
	return &SubscriberConnection{
		ID:        id,
		Transport: tr,
		Epoch:     epoch,
		CreatedAt: time.Now(),
		senders:   make(map[domain.MediaKind]core.MediaSender),
	}
}

// SetWatch hands the connection its candidate-watch handle for disposal
// during teardown.
func (c *SubscriberConnection) SetWatch(w core.WatchHandle) {
	c.mu.Lock()
	c.watch = w
	c.mu.Unlock()
}

func (c *SubscriberConnection) PutSender(kind domain.MediaKind, s core.MediaSender) {
	c.mu.Lock()
	c.senders[kind] = s
	c.mu.Unlock()
}

// Sender returns the sender for kind, or nil while the connection is still
// mid-setup for that kind.
func (c *SubscriberConnection) Sender(kind domain.MediaKind) core.MediaSender {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senders[kind]
}

// RemoteState reports whether the remote description has been applied and
// the ufrag it carried.
func (c *SubscriberConnection) RemoteState() (ufrag string, set bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteUfrag, c.remoteSet
}

// BufferCandidate queues a record that arrived before the remote
// description. FIFO order is preserved for the flush.
func (c *SubscriberConnection) BufferCandidate(rec domain.CandidateRecord) {
	c.mu.Lock()
	c.buffer = append(c.buffer, rec)
	c.mu.Unlock()
}

// MarkRemoteSet records the applied remote description's ufrag and drains
// the candidate buffer. The buffer is flushed exactly once: a second call
// returns nil.
func (c *SubscriberConnection) MarkRemoteSet(ufrag string) []domain.CandidateRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.remoteSet {
		return nil
	}
	c.remoteSet = true
	c.remoteUfrag = ufrag
	buffered := c.buffer
	c.buffer = nil
	return buffered
}

// beginRemove flips the connection into teardown. Only the first caller
// gets true and proceeds with resource release.
func (c *SubscriberConnection) beginRemove() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removing {
		return false
	}
	c.removing = true
	return true
}

func (c *SubscriberConnection) isRemoving() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removing
}

func (c *SubscriberConnection) takeResources() (core.WatchHandle, []core.MediaSender) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w := c.watch
	c.watch = nil
	senders := make([]core.MediaSender, 0, len(c.senders))
	for _, s := range c.senders {
		senders = append(senders, s)
	}
	return w, senders
}
