// Package rtc adapts pion's PeerConnection to the core.MediaTransport
// surface the orchestrator drives.
package rtc

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"sync"

	"github.com/pion/randutil"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
)

const credentialRunes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890"

// Factory builds pion transports from ICE server config. All transports
// from one factory share ICE credentials and a DTLS certificate: the
// publisher reapplies one canonical offer across its per-subscriber
// transports, which only works on the wire when every transport presents
// the same credential set.
type Factory struct {
	STUNServers []string
	TURNServers []TURNServer

	mu   sync.Mutex
	api  *webrtc.API
	cert *webrtc.Certificate
}

func (f *Factory) sharedAPI() (*webrtc.API, *webrtc.Certificate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.api != nil {
		return f.api, f.cert, nil
	}

	sk, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, nil, err
	}
	cert, err := webrtc.GenerateCertificate(sk)
	if err != nil {
		return nil, nil, err
	}
	ufrag, err := randutil.GenerateCryptoRandomString(16, credentialRunes)
	if err != nil {
		return nil, nil, err
	}
	pwd, err := randutil.GenerateCryptoRandomString(32, credentialRunes)
	if err != nil {
		return nil, nil, err
	}

	se := webrtc.SettingEngine{}
	se.SetICECredentials(ufrag, pwd)
	f.api = webrtc.NewAPI(webrtc.WithSettingEngine(se))
	f.cert = cert
	return f.api, f.cert, nil
}

type TURNServer struct {
	URLs     []string
	Username string
	Password string
}

func (f *Factory) configuration(policy core.TransportPolicy) webrtc.Configuration {
	cfg := webrtc.Configuration{}
	if len(f.STUNServers) > 0 {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{URLs: f.STUNServers})
	}
	for _, t := range f.TURNServers {
		cfg.ICEServers = append(cfg.ICEServers, webrtc.ICEServer{
			URLs:           t.URLs,
			Username:       t.Username,
			Credential:     t.Password,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}
	if policy == core.PolicyRelay {
		cfg.ICETransportPolicy = webrtc.ICETransportPolicyRelay
	}
	return cfg
}

func (f *Factory) NewTransport(policy core.TransportPolicy) (core.MediaTransport, error) {
	api, cert, err := f.sharedAPI()
	if err != nil {
		return nil, err
	}
	cfg := f.configuration(policy)
	cfg.Certificates = []webrtc.Certificate{*cert}
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	return newTransport(pc), nil
}

// DefaultFactory uses a public STUN server and no relay, mirroring a bare
// development setup.
func DefaultFactory() *Factory {
	return &Factory{STUNServers: []string{"stun:stun.l.google.com:19302"}}
}

type transport struct {
	pc *webrtc.PeerConnection
}

func newTransport(pc *webrtc.PeerConnection) *transport {
	return &transport{pc: pc}
}

func (t *transport) CreateOffer() (webrtc.SessionDescription, error) {
	return t.pc.CreateOffer(nil)
}

func (t *transport) CreateAnswer() (webrtc.SessionDescription, error) {
	return t.pc.CreateAnswer(nil)
}

// SetLocalDescription applies d, falling back to an offer of this peer
// connection's own making when d is the canonical offer created on another
// transport of the same factory. pion refuses a local offer it did not
// create; since credentials and certificate are shared, this transport's
// own offer is interchangeable with the canonical one on the wire.
func (t *transport) SetLocalDescription(d webrtc.SessionDescription) error {
	err := t.pc.SetLocalDescription(d)
	if err == nil || d.Type != webrtc.SDPTypeOffer {
		return err
	}
	offer, oerr := t.pc.CreateOffer(nil)
	if oerr != nil {
		return err
	}
	log.Debug().Str("module", "rtc").Msg("reissuing canonical offer on this transport")
	return t.pc.SetLocalDescription(offer)
}

func (t *transport) SetRemoteDescription(d webrtc.SessionDescription) error {
	return t.pc.SetRemoteDescription(d)
}

func (t *transport) LocalDescription() *webrtc.SessionDescription {
	return t.pc.LocalDescription()
}

func (t *transport) AddICECandidate(c domain.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	})
}

func (t *transport) AddTrack(track webrtc.TrackLocal) (core.MediaSender, error) {
	s, err := t.pc.AddTrack(track)
	if err != nil {
		return nil, err
	}
	return &sender{s: s, kind: domain.MediaKind(track.Kind().String())}, nil
}

func (t *transport) AddRecvOnly(kind domain.MediaKind) error {
	var codecType webrtc.RTPCodecType
	switch kind {
	case domain.KindAudio:
		codecType = webrtc.RTPCodecTypeAudio
	case domain.KindVideo:
		codecType = webrtc.RTPCodecTypeVideo
	default:
		codecType = webrtc.NewRTPCodecType(string(kind))
	}
	_, err := t.pc.AddTransceiverFromKind(codecType, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	return err
}

func (t *transport) OnICECandidate(fn func(domain.Candidate)) {
	t.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		fn(domain.Candidate{
			Candidate:     ci.Candidate,
			SDPMid:        ci.SDPMid,
			SDPMLineIndex: ci.SDPMLineIndex,
		})
	})
}

func (t *transport) OnConnectionStateChange(fn func(core.ConnState)) {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "rtc").Str("state", s.String()).Msg("peer state")
		fn(mapState(s))
	})
}

func (t *transport) OnTrack(fn func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)) {
	t.pc.OnTrack(fn)
}

func (t *transport) Close() error {
	return t.pc.Close()
}

func mapState(s webrtc.PeerConnectionState) core.ConnState {
	switch s {
	case webrtc.PeerConnectionStateNew:
		return core.ConnStateNew
	case webrtc.PeerConnectionStateConnecting:
		return core.ConnStateConnecting
	case webrtc.PeerConnectionStateConnected:
		return core.ConnStateConnected
	case webrtc.PeerConnectionStateDisconnected:
		return core.ConnStateDisconnected
	case webrtc.PeerConnectionStateFailed:
		return core.ConnStateFailed
	default:
		return core.ConnStateClosed
	}
}

type sender struct {
	s    *webrtc.RTPSender
	kind domain.MediaKind
}

func (s *sender) Kind() domain.MediaKind { return s.kind }

func (s *sender) ReplaceTrack(track webrtc.TrackLocal) error {
	return s.s.ReplaceTrack(track)
}

func (s *sender) Stop() error { return s.s.Stop() }
