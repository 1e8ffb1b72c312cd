package core

import "github.com/lectern/live/internal/domain"

// SDPInspector exposes the only two properties the orchestrator is allowed
// to read from an otherwise opaque SDP blob.
type SDPInspector interface {
	// Ufrag returns the ICE username fragment, or "" when absent.
	Ufrag(sdp string) string
	// MediaKinds lists the media kinds the description carries.
	MediaKinds(sdp string) []domain.MediaKind
}
