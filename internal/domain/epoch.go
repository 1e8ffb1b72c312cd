// Package domain contains entity without logic, just meta-data
package domain

import "time"

// Epoch tags one negotiation cycle. Every signaling record carries the
// epoch it was produced under; records from a superseded cycle are
// discarded by comparing epochs, never by inspecting SDP.
type Epoch int64

// NewEpoch allocates an epoch strictly greater than prev. Wall-clock
// millis normally suffice; the bump covers two allocations inside the
// same millisecond.
func NewEpoch(prev Epoch) Epoch {
	e := Epoch(time.Now().UnixMilli())
	if e <= prev {
		e = prev + 1
	}
	return e
}
