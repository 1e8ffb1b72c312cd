package app

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
)

// Registry is the authoritative table of live subscriber connections. It
// is the sole duplicate-connection guard: Register is an atomic
// check-and-insert, so two near-simultaneous answers for the same
// subscriber can never both win. It is also the membership oracle that
// in-flight async work consults before touching a transport.
type Registry struct {
	mu    sync.Mutex
	conns map[domain.SubscriberID]*SubscriberConnection
}

func NewRegistry() *Registry {
	return &Registry{conns: make(map[domain.SubscriberID]*SubscriberConnection)}
}

// Register inserts conn unless its id is already present. The duplicate
// case is defensive: logged, nothing torn down, core.ErrDuplicateConnection
// returned so the caller can discard the loser.
func (r *Registry) Register(conn *SubscriberConnection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[conn.ID]; ok {
		log.Warn().Str("module", "app.registry").Str("subscriber", string(conn.ID)).Msg("duplicate connection attempt, keeping existing")
		return core.ErrDuplicateConnection
	}
	r.conns[conn.ID] = conn
	log.Info().Str("module", "app.registry").Str("subscriber", string(conn.ID)).Int64("epoch", int64(conn.Epoch)).Msg("registered connection")
	return nil
}

// Get returns the live connection for id. Connections mid-teardown are
// already invisible so resumed async work drops its state instead of
// applying it to a closing transport.
func (r *Registry) Get(id domain.SubscriberID) (*SubscriberConnection, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[id]
	if !ok || conn.isRemoving() {
		return nil, false
	}
	return conn, true
}

func (r *Registry) Has(id domain.SubscriberID) bool {
	_, ok := r.Get(id)
	return ok
}

// ForEach calls fn over a snapshot of live connections, outside the lock.
func (r *Registry) ForEach(fn func(*SubscriberConnection)) {
	r.mu.Lock()
	snapshot := make([]*SubscriberConnection, 0, len(r.conns))
	for _, conn := range r.conns {
		if !conn.isRemoving() {
			snapshot = append(snapshot, conn)
		}
	}
	r.mu.Unlock()
	for _, conn := range snapshot {
		fn(conn)
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, conn := range r.conns {
		if !conn.isRemoving() {
			n++
		}
	}
	return n
}

// IDs lists live subscriber ids.
func (r *Registry) IDs() []domain.SubscriberID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.SubscriberID, 0, len(r.conns))
	for id, conn := range r.conns {
		if !conn.isRemoving() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Remove tears a connection down: unsubscribe the candidate watch, stop
// sender tracks, close the transport, drop the entry. Safe to call
// speculatively; a second Remove for the same id is a no-op.
func (r *Registry) Remove(id domain.SubscriberID) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	r.mu.Unlock()
	if !ok || !conn.beginRemove() {
		return
	}

	watch, senders := conn.takeResources()
	if watch != nil {
		watch.Unsubscribe()
	}
	for _, s := range senders {
		if err := s.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "app.registry").Str("subscriber", string(id)).Msg("sender stop")
		}
	}
	if err := conn.Transport.Close(); err != nil {
		log.Error().Err(err).Str("module", "app.registry").Str("subscriber", string(id)).Msg("transport close")
	}

	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
	log.Info().Str("module", "app.registry").Str("subscriber", string(id)).Msg("removed connection")
}

// RemoveAll tears down every connection, used on session stop.
func (r *Registry) RemoveAll() {
	for _, id := range r.ids() {
		r.Remove(id)
	}
}

func (r *Registry) ids() []domain.SubscriberID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]domain.SubscriberID, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids
}
