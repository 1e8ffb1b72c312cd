package core

import (
	"github.com/pion/webrtc/v4"

	"github.com/lectern/live/internal/domain"
)

// ConnState is the subset of transport connectivity we act on.
type ConnState int

const (
	ConnStateNew ConnState = iota
	ConnStateConnecting
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
	ConnStateClosed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateNew:
		return "new"
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateDisconnected:
		return "disconnected"
	case ConnStateFailed:
		return "failed"
	case ConnStateClosed:
		return "closed"
	}
	return "unknown"
}

// TransportPolicy selects how the underlying transport may route media.
type TransportPolicy int

const (
	// PolicyAll lets the transport pick any candidate pair.
	PolicyAll TransportPolicy = iota
	// PolicyRelay forces traffic through a relay server.
	PolicyRelay
)

// MediaSender is one outgoing track slot on a transport.
type MediaSender interface {
	Kind() domain.MediaKind
	ReplaceTrack(track webrtc.TrackLocal) error
	Stop() error
}

// MediaTransport wraps the host peer-connection primitive. NAT traversal,
// encryption and congestion control live behind it; the orchestrator only
// drives descriptions, candidates and tracks.
type MediaTransport interface {
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	LocalDescription() *webrtc.SessionDescription

	AddICECandidate(domain.Candidate) error
	AddTrack(track webrtc.TrackLocal) (MediaSender, error)
	// AddRecvOnly declares receive-only reception for a media kind,
	// used by the subscriber role before answering.
	AddRecvOnly(kind domain.MediaKind) error

	OnICECandidate(func(domain.Candidate))
	OnConnectionStateChange(func(ConnState))
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))

	Close() error
}

// TransportFactory builds transports; the orchestrator never touches the
// peer-connection constructor directly so tests can substitute fakes and
// relay fallback can force PolicyRelay.
type TransportFactory interface {
	NewTransport(policy TransportPolicy) (MediaTransport, error)
}
