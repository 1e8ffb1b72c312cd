package signal

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/lectern/live/internal/core"
)

// MemoryChannel is an in-process SignalChannel: a doc tree with
// last-write-wins paths and add-only watch notification on one-level
// collections. Tests and single-process deployments use it directly; the
// websocket server in internal/adapters/signal hosts one per namespace.
type MemoryChannel struct {
	mu       sync.Mutex
	docs     map[string]json.RawMessage
	order    map[string][]string // collection path -> child paths in add order
	watchers map[string]map[int]func(json.RawMessage)
	nextID   int
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		docs:     make(map[string]json.RawMessage),
		order:    make(map[string][]string),
		watchers: make(map[string]map[int]func(json.RawMessage)),
	}
}

func parentOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return ""
	}
	return path[:i]
}

func (m *MemoryChannel) WriteDoc(_ context.Context, path string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}

	m.mu.Lock()
	_, existed := m.docs[path]
	m.docs[path] = raw
	coll := parentOf(path)
	if !existed {
		m.order[coll] = append(m.order[coll], path)
	}
	var notify []func(json.RawMessage)
	for _, fn := range m.watchers[coll] {
		notify = append(notify, fn)
	}
	m.mu.Unlock()

	// Every write fans out, overwrites included. The bus treats re-delivered
	// docs like any other arrival; epoch and registry guards discard what is
	// stale, which is what lets an answer overwrite reach the publisher.
	for _, fn := range notify {
		fn(raw)
	}
	return nil
}

func (m *MemoryChannel) DeleteDoc(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[path]; !ok {
		return nil
	}
	delete(m.docs, path)
	coll := parentOf(path)
	children := m.order[coll]
	for i, p := range children {
		if p == path {
			m.order[coll] = append(children[:i:i], children[i+1:]...)
			break
		}
	}
	return nil
}

func (m *MemoryChannel) AppendDoc(ctx context.Context, path string, v any) error {
	return m.WriteDoc(ctx, path+"/"+uuid.NewString(), v)
}

func (m *MemoryChannel) ReadDocOnce(_ context.Context, path string) (json.RawMessage, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, ok := m.docs[path]
	return raw, ok, nil
}

func (m *MemoryChannel) WatchCollection(path string, onAdded func(raw json.RawMessage)) (core.WatchHandle, error) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	if m.watchers[path] == nil {
		m.watchers[path] = make(map[int]func(json.RawMessage))
	}
	m.watchers[path][id] = onAdded
	var replay []json.RawMessage
	for _, child := range m.order[path] {
		replay = append(replay, m.docs[child])
	}
	m.mu.Unlock()

	// Late watchers still observe every existing doc.
	for _, raw := range replay {
		onAdded(raw)
	}

	var once sync.Once
	return core.WatchFunc(func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.watchers[path], id)
			m.mu.Unlock()
		})
	}), nil
}
