package core

import (
	"context"
	"encoding/json"
)

// SignalChannel abstracts the eventually-consistent document store used
// as the signaling bus. It is a message bus, nothing more: last-write-wins
// documents at paths plus append-only collections with add-only change
// notifications.
//
// Watch callbacks may fire from the channel's own goroutine at any time,
// including concurrently with the subscribing call returning.
type SignalChannel interface {
	// WriteDoc stores v (JSON-encoded) at path, replacing any previous doc.
	WriteDoc(ctx context.Context, path string, v any) error
	// ReadDocOnce fetches the doc at path. ok is false when absent.
	ReadDocOnce(ctx context.Context, path string) (raw json.RawMessage, ok bool, err error)
	// AppendDoc adds a doc to the collection at path under a fresh key.
	AppendDoc(ctx context.Context, path string, v any) error
	// DeleteDoc removes the doc at path. Deleting an absent doc is a no-op.
	DeleteDoc(ctx context.Context, path string) error
	// WatchCollection subscribes to add events on the collection at path.
	// Docs already present are replayed to onAdded first.
	WatchCollection(path string, onAdded func(raw json.RawMessage)) (WatchHandle, error)
}

// WatchHandle detaches a collection watch. Unsubscribe is idempotent.
type WatchHandle interface {
	Unsubscribe()
}

// WatchFunc adapts a func to WatchHandle.
type WatchFunc func()

func (f WatchFunc) Unsubscribe() { f() }
