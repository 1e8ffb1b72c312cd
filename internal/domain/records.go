package domain

import "time"

type (
	SessionID    string
	SubscriberID string
)

// MediaKind mirrors the transport-level track kinds.
type MediaKind string

const (
	KindAudio MediaKind = "audio"
	KindVideo MediaKind = "video"
)

// Role identifies which end of a session produced a signaling record.
type Role string

const (
	RolePublisher  Role = "publisher"
	RoleSubscriber Role = "subscriber"
)

// OfferRecord is the publisher's single live offer for an epoch. It is
// overwritten in place on renegotiation, never appended.
type OfferRecord struct {
	Type  string    `json:"type"`
	SDP   string    `json:"sdp"`
	Epoch Epoch     `json:"epoch"`
	At    time.Time `json:"at"`
}

// AnswerRecord is written once per subscriber join attempt, keyed by the
// subscriber's own identity.
type AnswerRecord struct {
	Type         string       `json:"type"`
	SubscriberID SubscriberID `json:"subscriberId"`
	SDP          string       `json:"sdp"`
	Epoch        Epoch        `json:"epoch"`
	At           time.Time    `json:"at"`
}

// Candidate is an opaque ICE candidate blob as the transport emitted it.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// CandidateRecord carries one trickled candidate. Ufrag is the ICE
// credential fragment of the description that was active when the
// candidate was generated; a mismatch means the candidate belongs to a
// previous credential set and must not be applied. An empty SubscriberID
// on a publisher record addresses all subscribers.
type CandidateRecord struct {
	Candidate    Candidate    `json:"candidate"`
	Epoch        Epoch        `json:"epoch"`
	Ufrag        string       `json:"ufrag,omitempty"`
	From         Role         `json:"from"`
	SubscriberID SubscriberID `json:"subscriberId,omitempty"`
	At           time.Time    `json:"at"`
}

// AddressedTo reports whether a publisher-origin candidate applies to the
// given subscriber.
func (r CandidateRecord) AddressedTo(id SubscriberID) bool {
	return r.SubscriberID == "" || r.SubscriberID == id
}
