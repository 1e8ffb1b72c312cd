package rtc

import (
	"github.com/pion/sdp/v3"

	"github.com/lectern/live/internal/domain"
)

// Inspector implements core.SDPInspector on top of pion's SDP parser.
type Inspector struct{}

func (Inspector) Ufrag(raw string) string                  { return Ufrag(raw) }
func (Inspector) MediaKinds(raw string) []domain.MediaKind { return MediaKinds(raw) }

// Ufrag extracts the ICE username fragment from an SDP blob. It checks
// session-level attributes first, then media sections; pion and browsers
// both put it on the media section. Empty string when absent or the blob
// does not parse.
func Ufrag(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ""
	}
	if v, ok := desc.Attribute("ice-ufrag"); ok {
		return v
	}
	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key == "ice-ufrag" {
				return a.Value
			}
		}
	}
	return ""
}

// MediaKinds lists the media kinds present in an SDP blob, in section
// order, deduplicated. The subscriber role uses this to declare
// receive-only reception for exactly what the offer carries.
func MediaKinds(raw string) []domain.MediaKind {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return nil
	}
	seen := make(map[domain.MediaKind]bool)
	var kinds []domain.MediaKind
	for _, m := range desc.MediaDescriptions {
		k := domain.MediaKind(m.MediaName.Media)
		if k != domain.KindAudio && k != domain.KindVideo {
			continue
		}
		if !seen[k] {
			seen[k] = true
			kinds = append(kinds, k)
		}
	}
	return kinds
}
