package orch

import "github.com/lectern/live/internal/domain"

// Verdict is the fence's decision for one incoming candidate record.
type Verdict int

const (
	// VerdictAdmit applies the candidate to the transport now.
	VerdictAdmit Verdict = iota
	// VerdictBuffer queues the candidate until the remote description is
	// applied, then re-evaluates it.
	VerdictBuffer
	// VerdictReject discards the candidate: wrong epoch or wrong ICE
	// credential generation.
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAdmit:
		return "admit"
	case VerdictBuffer:
		return "buffer"
	case VerdictReject:
		return "reject"
	}
	return "unknown"
}

// AdmitCandidate decides whether a candidate record may be applied to a
// connection. Epoch mismatch always rejects: the record belongs to a
// superseded negotiation cycle. Before the remote description is applied
// there is nothing to match the ufrag against, so the record is buffered.
// A present ufrag differing from the remote description's rejects the
// record: it was generated under a previous credential set and the
// transport would mishandle it.
func AdmitCandidate(rec domain.CandidateRecord, localEpoch domain.Epoch, localUfrag string, remoteSet bool) Verdict {
	if rec.Epoch != localEpoch {
		return VerdictReject
	}
	if !remoteSet {
		return VerdictBuffer
	}
	if rec.Ufrag != "" && rec.Ufrag != localUfrag {
		return VerdictReject
	}
	return VerdictAdmit
}
