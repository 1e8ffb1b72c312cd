// Package signal hosts the signaling document bus over WebSocket: a server
// controller backed by the in-memory doc store, and a dialing client that
// implements core.SignalChannel for remote processes.
package signal

import "encoding/json"

// frame is the wire envelope in both directions. Requests carry an id the
// response echoes; watch adds reference the watch's own id instead.
type frame struct {
	Op    string          `json:"op"`
	ID    int64           `json:"id,omitempty"`
	Path  string          `json:"path,omitempty"`
	Doc   json.RawMessage `json:"doc,omitempty"`
	OK    bool            `json:"ok,omitempty"`
	Found bool            `json:"found,omitempty"`
	Error string          `json:"error,omitempty"`
	Watch int64           `json:"watch,omitempty"`
}

const (
	opWrite   = "write"
	opAppend  = "append"
	opDelete  = "delete"
	opRead    = "read"
	opWatch   = "watch"
	opUnwatch = "unwatch"
	opResult  = "result"
	opAdded   = "added"
)
