package orch

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
)

// Fake SDP blobs look like "v=0 ufrag:alpha video audio"; the fake
// inspector reads them back.

type fakeInspector struct{}

func (fakeInspector) Ufrag(sdp string) string {
	for _, tok := range strings.Fields(sdp) {
		if rest, ok := strings.CutPrefix(tok, "ufrag:"); ok {
			return rest
		}
	}
	return ""
}

func (fakeInspector) MediaKinds(sdp string) []domain.MediaKind {
	var kinds []domain.MediaKind
	if strings.Contains(sdp, "video") {
		kinds = append(kinds, domain.KindVideo)
	}
	if strings.Contains(sdp, "audio") {
		kinds = append(kinds, domain.KindAudio)
	}
	return kinds
}

type fakeSender struct {
	mu       sync.Mutex
	kind     domain.MediaKind
	current  webrtc.TrackLocal
	replaced int
	fail     error
	stopped  int
}

func (s *fakeSender) Kind() domain.MediaKind { return s.kind }

func (s *fakeSender) ReplaceTrack(track webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.current = track
	s.replaced++
	return nil
}

func (s *fakeSender) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped++
	return nil
}

func (s *fakeSender) replaceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.replaced
}

type fakeTransport struct {
	mu sync.Mutex

	policy    core.TransportPolicy
	offerSDP  string
	answerSDP string

	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	offerCalls  int
	answerCalls int
	recv        []domain.MediaKind
	senders     map[domain.MediaKind]*fakeSender
	applied     []domain.Candidate
	closed      bool

	onICE   func(domain.Candidate)
	onState func(core.ConnState)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
}

func (f *fakeTransport) CreateOffer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offerCalls++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: f.offerSDP}, nil
}

func (f *fakeTransport) CreateAnswer() (webrtc.SessionDescription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.answerCalls++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: f.answerSDP}, nil
}

func (f *fakeTransport) SetLocalDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.local = &d
	return nil
}

func (f *fakeTransport) SetRemoteDescription(d webrtc.SessionDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = &d
	return nil
}

func (f *fakeTransport) LocalDescription() *webrtc.SessionDescription {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.local
}

func (f *fakeTransport) AddICECandidate(c domain.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applied = append(f.applied, c)
	return nil
}

func (f *fakeTransport) AddTrack(track webrtc.TrackLocal) (core.MediaSender, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := &fakeSender{kind: domain.MediaKind(track.Kind().String()), current: track}
	if f.senders == nil {
		f.senders = make(map[domain.MediaKind]*fakeSender)
	}
	f.senders[s.kind] = s
	return s, nil
}

func (f *fakeTransport) AddRecvOnly(kind domain.MediaKind) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recv = append(f.recv, kind)
	return nil
}

func (f *fakeTransport) OnICECandidate(fn func(domain.Candidate)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onICE = fn
}

func (f *fakeTransport) OnConnectionStateChange(fn func(core.ConnState)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onState = fn
}

func (f *fakeTransport) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.onTrack = fn
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) fireState(s core.ConnState) {
	f.mu.Lock()
	fn := f.onState
	f.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

func (f *fakeTransport) fireCandidate(c domain.Candidate) {
	f.mu.Lock()
	fn := f.onICE
	f.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

func (f *fakeTransport) appliedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.applied)
}

func (f *fakeTransport) sender(kind domain.MediaKind) *fakeSender {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.senders[kind]
}

func (f *fakeTransport) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeTransport) localSDP() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.local == nil {
		return ""
	}
	return f.local.SDP
}

func (f *fakeTransport) remoteSDP() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.remote == nil {
		return ""
	}
	return f.remote.SDP
}

type fakeFactory struct {
	mu    sync.Mutex
	made  []*fakeTransport
	onNew func(*fakeTransport)
}

func (f *fakeFactory) NewTransport(policy core.TransportPolicy) (core.MediaTransport, error) {
	f.mu.Lock()
	n := len(f.made)
	tr := &fakeTransport{
		policy:    policy,
		offerSDP:  fmt.Sprintf("v=0 ufrag:offer%d video audio", n),
		answerSDP: fmt.Sprintf("v=0 ufrag:answer%d", n),
	}
	f.made = append(f.made, tr)
	hook := f.onNew
	f.mu.Unlock()
	if hook != nil {
		hook(tr)
	}
	return tr, nil
}

func (f *fakeFactory) setOnNew(hook func(*fakeTransport)) {
	f.mu.Lock()
	f.onNew = hook
	f.mu.Unlock()
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.made)
}

func (f *fakeFactory) transport(i int) *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[i]
}

func (f *fakeFactory) last() *fakeTransport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.made[len(f.made)-1]
}

func (f *fakeFactory) policies() []core.TransportPolicy {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]core.TransportPolicy, len(f.made))
	for i, tr := range f.made {
		out[i] = tr.policy
	}
	return out
}

func videoTrack(id string) webrtc.TrackLocal {
	t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "test")
	if err != nil {
		panic(err)
	}
	return t
}

func audioTrack(id string) webrtc.TrackLocal {
	t, err := webrtc.NewTrackLocalStaticRTP(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, id, "test")
	if err != nil {
		panic(err)
	}
	return t
}
