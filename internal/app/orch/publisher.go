package orch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/lectern/live/internal/app"
	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
)

// ErrNoVideoSource rejects a publish without a video track. Audio is
// optional, video is not.
var ErrNoVideoSource = errors.New("publish requires a video source")

// SessionHandle is the publisher's grip on a live session.
type SessionHandle struct {
	o *Orchestrator
}

// ReplaceTrack swaps the media source feeding every subscriber, without
// renegotiation. A nil track mutes the kind.
func (h *SessionHandle) ReplaceTrack(kind domain.MediaKind, track webrtc.TrackLocal) {
	h.o.tracks.Replace(kind, track)
}

// Stop ends the session: the offer doc is cleared so late joins fail fast,
// then every subscriber connection is torn down.
func (h *SessionHandle) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.o.Bus.ClearOffer(ctx); err != nil {
		h.o.log.Warn().Err(err).Msg("clear offer on stop")
	}
	h.o.stop()
}

// Publish goes live: creates the first negotiation epoch, publishes its
// offer, and starts accepting subscriber answers. Each accepted answer
// becomes a structurally independent transport, so one subscriber's
// failure never touches the others.
func (o *Orchestrator) Publish(ctx context.Context, sources []webrtc.TrackLocal) (*SessionHandle, error) {
	if err := validateSources(sources); err != nil {
		return nil, err
	}
	if err := o.begin(ctx); err != nil {
		return nil, err
	}
	o.tracks.SetCurrent(sources)

	if err := o.renegotiate(ctx, core.PolicyAll); err != nil {
		o.stop()
		return nil, err
	}

	watch, err := o.Bus.WatchAnswers(o.onAnswer)
	if err != nil {
		o.stop()
		return nil, fmt.Errorf("watch answers: %w", err)
	}
	o.mu.Lock()
	o.watch = watch
	o.mu.Unlock()

	o.log.Info().Int64("epoch", int64(o.currentOffer().epoch)).Msg("published")
	return &SessionHandle{o: o}, nil
}

func validateSources(sources []webrtc.TrackLocal) error {
	hasVideo := false
	for _, t := range sources {
		if t.Kind() == webrtc.RTPCodecTypeVideo {
			hasVideo = true
		}
	}
	if !hasVideo {
		return ErrNoVideoSource
	}
	return nil
}

// renegotiate starts a fresh negotiation cycle: a new template transport
// carrying the current tracks, one offer created on it, a new epoch, and
// the offer doc overwritten. Existing subscriber connections keep the
// epoch they were negotiated under and are untouched.
func (o *Orchestrator) renegotiate(ctx context.Context, policy core.TransportPolicy) error {
	tr, err := o.Transports.NewTransport(policy)
	if err != nil {
		return fmt.Errorf("new transport: %w", err)
	}
	for _, track := range o.tracks.CurrentList() {
		if _, err := tr.AddTrack(track); err != nil {
			_ = tr.Close()
			return fmt.Errorf("attach track: %w", err)
		}
	}

	offer, err := tr.CreateOffer()
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("create offer: %w", err)
	}

	epoch := domain.NewEpoch(o.currentOffer().epoch)
	ufrag := o.SDP.Ufrag(offer.SDP)

	// Candidates off the template are valid for every subscriber transport
	// of this epoch, since they all reuse this exact local description.
	tr.OnICECandidate(func(c domain.Candidate) {
		o.publishLocalCandidate(c, epoch, ufrag, "")
	})

	o.mu.Lock()
	old := o.template
	o.template = tr
	o.offer = offerState{epoch: epoch, sdp: offer.SDP, ufrag: ufrag, policy: policy}
	o.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if err := tr.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}
	if err := o.Bus.PublishOffer(ctx, domain.OfferRecord{SDP: offer.SDP, Epoch: epoch, At: time.Now()}); err != nil {
		return err
	}
	o.log.Info().Int64("epoch", int64(epoch)).Bool("relay", policy == core.PolicyRelay).Msg("offer published")
	return nil
}

func (o *Orchestrator) publishLocalCandidate(c domain.Candidate, epoch domain.Epoch, ufrag string, to domain.SubscriberID) {
	rec := domain.CandidateRecord{
		Candidate:    c,
		Epoch:        epoch,
		Ufrag:        ufrag,
		From:         domain.RolePublisher,
		SubscriberID: to,
		At:           time.Now(),
	}
	if err := o.Bus.AppendCandidate(o.ctx, rec); err != nil {
		o.log.Warn().Err(err).Msg("publish candidate")
	}
}

// onAnswer handles every answer doc arrival, old and new. Stale epochs and
// already-connected subscribers are discarded here; everything else gets
// its own transport.
func (o *Orchestrator) onAnswer(rec domain.AnswerRecord) {
	if o.isClosed() {
		return
	}
	if rec.SubscriberID == "" {
		o.log.Warn().Msg("answer without subscriber id, dropping")
		return
	}
	cur := o.currentOffer()
	if rec.Epoch != cur.epoch {
		o.log.Debug().Str("subscriber", string(rec.SubscriberID)).Int64("epoch", int64(rec.Epoch)).Int64("current", int64(cur.epoch)).Msg("stale answer discarded")
		return
	}
	if o.Registry.Has(rec.SubscriberID) {
		o.log.Debug().Str("subscriber", string(rec.SubscriberID)).Msg("answer for connected subscriber, dropping")
		return
	}
	o.connectSubscriber(rec, cur)
}

// connectSubscriber builds the dedicated leg for one subscriber: fresh
// transport, the cached offer reapplied as local description (no new
// createOffer, so nobody else is renegotiated), the answer applied as
// remote. Any failure skips this subscriber only.
func (o *Orchestrator) connectSubscriber(rec domain.AnswerRecord, cur offerState) {
	id := rec.SubscriberID
	logger := o.log.With().Str("subscriber", string(id)).Logger()

	tr, err := o.Transports.NewTransport(cur.policy)
	if err != nil {
		logger.Error().Err(err).Msg("subscriber transport")
		return
	}
	conn := app.NewSubscriberConnection(id, tr, cur.epoch)

	tr.OnICECandidate(func(c domain.Candidate) {
		o.publishLocalCandidate(c, cur.epoch, cur.ufrag, id)
	})
	o.monitorConnection(conn, o.rebuildWithRelay)

	// Tracks attach before the descriptions, in the template's order, so
	// this transport's media sections line up with the answer the
	// subscriber produced against the canonical offer.
	for _, track := range o.tracks.CurrentList() {
		kind := domain.MediaKind(track.Kind().String())
		sender, err := tr.AddTrack(track)
		if err != nil {
			logger.Warn().Err(err).Str("kind", string(kind)).Msg("attach track")
			continue
		}
		conn.PutSender(kind, sender)
	}

	if err := tr.SetLocalDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: cur.sdp}); err != nil {
		logger.Error().Err(err).Msg("reapply offer, skipping subscriber")
		_ = tr.Close()
		return
	}
	if err := tr.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: rec.SDP}); err != nil {
		logger.Error().Err(err).Msg("apply answer, skipping subscriber")
		_ = tr.Close()
		return
	}
	buffered := conn.MarkRemoteSet(o.SDP.Ufrag(rec.SDP))

	if err := o.Registry.Register(conn); err != nil {
		// Lost a race to another answer for the same id; this leg loses.
		_ = tr.Close()
		return
	}

	watch, err := o.Bus.WatchSubscriberCandidates(id, func(c domain.CandidateRecord) {
		o.handleCandidate(id, c)
	})
	if err != nil {
		logger.Error().Err(err).Msg("watch subscriber candidates")
		o.Registry.Remove(id)
		return
	}
	conn.SetWatch(watch)
	if !o.Registry.Has(id) {
		// Removed while the watch was attaching; don't leak it.
		watch.Unsubscribe()
		return
	}

	o.flushBuffered(conn, buffered)
	logger.Info().Int64("epoch", int64(cur.epoch)).Msg("subscriber connected")
}

// rebuildWithRelay is the publisher's negotiation-timeout response: drop
// the stuck leg, rotate the epoch, republish a relay-only offer. The
// subscriber's own timeout has it re-read the offer and answer again; all
// candidates of the old epoch die at the fence.
func (o *Orchestrator) rebuildWithRelay(id domain.SubscriberID) {
	o.log.Warn().Str("subscriber", string(id)).Msg("negotiation timeout, falling back to relay")
	o.Registry.Remove(id)
	if o.isClosed() {
		return
	}
	if err := o.renegotiate(o.ctx, core.PolicyRelay); err != nil {
		o.log.Error().Err(err).Str("subscriber", string(id)).Msg("relay fallback renegotiation")
	}
}
