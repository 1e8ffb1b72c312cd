package rtc

import (
	"testing"

	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
)

func fingerprint(raw string) string {
	var desc sdp.SessionDescription
	if err := desc.Unmarshal([]byte(raw)); err != nil {
		return ""
	}
	if v, ok := desc.Attribute("fingerprint"); ok {
		return v
	}
	for _, m := range desc.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key == "fingerprint" {
				return a.Value
			}
		}
	}
	return ""
}

// The publisher builds one leg per subscriber by reapplying the template's
// offer to a fresh transport. pion only accepts a local offer created on
// the same peer connection, so the factory shares ICE credentials and the
// DTLS certificate across its transports and the leg reissues an
// equivalent offer of its own. This walks the real leg sequence end to
// end: template offer, subscriber answer, leg local offer, answer applied.
func TestLegReusesTemplateNegotiation(t *testing.T) {
	video, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "test")
	if err != nil {
		t.Fatalf("video track: %v", err)
	}

	pubFactory := DefaultFactory()
	template, err := pubFactory.NewTransport(core.PolicyAll)
	if err != nil {
		t.Fatalf("template transport: %v", err)
	}
	defer template.Close()
	if _, err := template.AddTrack(video); err != nil {
		t.Fatalf("template add track: %v", err)
	}
	offer, err := template.CreateOffer()
	if err != nil {
		t.Fatalf("create offer: %v", err)
	}
	if err := template.SetLocalDescription(offer); err != nil {
		t.Fatalf("template set local: %v", err)
	}

	subFactory := DefaultFactory()
	sub, err := subFactory.NewTransport(core.PolicyAll)
	if err != nil {
		t.Fatalf("subscriber transport: %v", err)
	}
	defer sub.Close()
	if err := sub.AddRecvOnly(domain.KindVideo); err != nil {
		t.Fatalf("recv only: %v", err)
	}
	if err := sub.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		t.Fatalf("subscriber set remote: %v", err)
	}
	answer, err := sub.CreateAnswer()
	if err != nil {
		t.Fatalf("create answer: %v", err)
	}
	if err := sub.SetLocalDescription(answer); err != nil {
		t.Fatalf("subscriber set local: %v", err)
	}

	leg, err := pubFactory.NewTransport(core.PolicyAll)
	if err != nil {
		t.Fatalf("leg transport: %v", err)
	}
	defer leg.Close()
	if _, err := leg.AddTrack(video); err != nil {
		t.Fatalf("leg add track: %v", err)
	}
	if err := leg.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		t.Fatalf("leg could not take the canonical offer: %v", err)
	}

	ld := leg.LocalDescription()
	if ld == nil {
		t.Fatal("leg has no local description")
	}
	if got, want := Ufrag(ld.SDP), Ufrag(offer.SDP); got == "" || got != want {
		t.Fatalf("leg ufrag = %q, want the template's %q", got, want)
	}
	if got, want := fingerprint(ld.SDP), fingerprint(offer.SDP); got == "" || got != want {
		t.Fatalf("leg fingerprint = %q, want the template's %q", got, want)
	}

	// The answer was produced against the template's offer; it must apply
	// cleanly to the leg.
	if err := leg.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answer.SDP}); err != nil {
		t.Fatalf("leg could not take the subscriber's answer: %v", err)
	}
}

// Separate factories must not share credentials; sessions stay isolated.
func TestFactoriesHaveDistinctCredentials(t *testing.T) {
	a, err := DefaultFactory().NewTransport(core.PolicyAll)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer a.Close()
	b, err := DefaultFactory().NewTransport(core.PolicyAll)
	if err != nil {
		t.Fatalf("transport: %v", err)
	}
	defer b.Close()

	// pion carries the ice attributes on media sections, so each offer
	// needs at least one.
	if err := a.AddRecvOnly(domain.KindAudio); err != nil {
		t.Fatalf("recv only: %v", err)
	}
	if err := b.AddRecvOnly(domain.KindAudio); err != nil {
		t.Fatalf("recv only: %v", err)
	}

	offerA, err := a.CreateOffer()
	if err != nil {
		t.Fatalf("offer a: %v", err)
	}
	offerB, err := b.CreateOffer()
	if err != nil {
		t.Fatalf("offer b: %v", err)
	}
	ua, ub := Ufrag(offerA.SDP), Ufrag(offerB.SDP)
	if ua == "" || ub == "" || ua == ub {
		t.Fatalf("expected distinct non-empty ufrags, got %q and %q", ua, ub)
	}
}
