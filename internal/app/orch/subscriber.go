package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pion/webrtc/v4"

	"github.com/lectern/live/internal/app"
	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
)

var errOfferNotRotated = errors.New("offer epoch not rotated yet")

// Subscription is the subscriber's grip on its one connection. Tracks that
// arrive before OnTrack is registered are held and replayed.
type Subscription struct {
	o  *Orchestrator
	id domain.SubscriberID

	mu      sync.Mutex
	cb      func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	pending []remoteTrack
}

type remoteTrack struct {
	track    *webrtc.TrackRemote
	receiver *webrtc.RTPReceiver
}

// OnTrack registers the delivery callback. Tracks already delivered are
// replayed immediately, in arrival order.
func (s *Subscription) OnTrack(cb func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	s.mu.Lock()
	s.cb = cb
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, rt := range pending {
		cb(rt.track, rt.receiver)
	}
}

func (s *Subscription) deliver(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
	s.mu.Lock()
	cb := s.cb
	if cb == nil {
		s.pending = append(s.pending, remoteTrack{track, receiver})
	}
	s.mu.Unlock()
	if cb != nil {
		cb(track, receiver)
	}
}

// Stop leaves the session and releases the connection.
func (s *Subscription) Stop() {
	s.o.Registry.Remove(s.id)
	s.o.stop()
}

// Join fetches the current offer once and answers it. There is no offer
// watch: a subscriber that joins before the publisher goes live fails with
// core.ErrNoActiveOffer and may retry at its own pace.
func (o *Orchestrator) Join(ctx context.Context, id domain.SubscriberID) (*Subscription, error) {
	if err := o.begin(ctx); err != nil {
		return nil, err
	}
	offer, err := o.Bus.ReadOffer(ctx)
	if err != nil {
		o.stop()
		return nil, err
	}
	sub := &Subscription{o: o, id: id}
	if err := o.joinOffer(ctx, offer, core.PolicyAll, sub); err != nil {
		o.stop()
		return nil, err
	}
	return sub, nil
}

// joinOffer answers one offer: receive-only transceiver per media kind the
// offer carries, remote description applied, answer created and published
// under the offer's epoch.
func (o *Orchestrator) joinOffer(ctx context.Context, offer domain.OfferRecord, policy core.TransportPolicy, sub *Subscription) error {
	id := sub.id
	tr, err := o.Transports.NewTransport(policy)
	if err != nil {
		return fmt.Errorf("new transport: %w", err)
	}
	for _, kind := range o.SDP.MediaKinds(offer.SDP) {
		if err := tr.AddRecvOnly(kind); err != nil {
			_ = tr.Close()
			return fmt.Errorf("declare %s reception: %w", kind, err)
		}
	}

	conn := app.NewSubscriberConnection(id, tr, offer.Epoch)
	tr.OnTrack(sub.deliver)
	tr.OnICECandidate(func(c domain.Candidate) {
		// The answer may not exist yet when gathering starts; read the
		// active local description at emit time for the ufrag.
		ufrag := ""
		if ld := tr.LocalDescription(); ld != nil {
			ufrag = o.SDP.Ufrag(ld.SDP)
		}
		rec := domain.CandidateRecord{
			Candidate:    c,
			Epoch:        offer.Epoch,
			Ufrag:        ufrag,
			From:         domain.RoleSubscriber,
			SubscriberID: id,
			At:           time.Now(),
		}
		if err := o.Bus.AppendCandidate(o.ctx, rec); err != nil {
			o.log.Warn().Err(err).Msg("publish candidate")
		}
	})
	o.monitorConnection(conn, func(domain.SubscriberID) {
		o.rejoinAfterTimeout(sub, offer.Epoch)
	})

	if err := tr.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offer.SDP}); err != nil {
		_ = tr.Close()
		return fmt.Errorf("apply offer: %w", err)
	}
	buffered := conn.MarkRemoteSet(o.SDP.Ufrag(offer.SDP))

	answer, err := tr.CreateAnswer()
	if err != nil {
		_ = tr.Close()
		return fmt.Errorf("create answer: %w", err)
	}
	if err := tr.SetLocalDescription(answer); err != nil {
		_ = tr.Close()
		return fmt.Errorf("apply answer: %w", err)
	}

	rec := domain.AnswerRecord{SubscriberID: id, SDP: answer.SDP, Epoch: offer.Epoch, At: time.Now()}
	if err := o.Bus.PublishAnswer(ctx, rec); err != nil {
		_ = tr.Close()
		return err
	}

	if err := o.Registry.Register(conn); err != nil {
		_ = tr.Close()
		return err
	}
	watch, err := o.Bus.WatchPublisherCandidates(func(c domain.CandidateRecord) {
		if !c.AddressedTo(id) {
			return
		}
		o.handleCandidate(id, c)
	})
	if err != nil {
		o.Registry.Remove(id)
		return fmt.Errorf("watch publisher candidates: %w", err)
	}
	conn.SetWatch(watch)
	if !o.Registry.Has(id) {
		watch.Unsubscribe()
		return core.ErrSessionClosed
	}

	o.flushBuffered(conn, buffered)
	o.log.Info().Str("subscriber", string(id)).Int64("epoch", int64(offer.Epoch)).Msg("joined")
	return nil
}

// rejoinAfterTimeout is the subscriber half of relay fallback: drop the
// stuck connection, wait for the publisher to rotate the offer past the
// failed epoch, answer the rotated offer over relay only.
func (o *Orchestrator) rejoinAfterTimeout(sub *Subscription, failedEpoch domain.Epoch) {
	o.log.Warn().Str("subscriber", string(sub.id)).Msg("negotiation timeout, rejoining over relay")
	o.Registry.Remove(sub.id)
	if o.isClosed() {
		return
	}

	var offer domain.OfferRecord
	poll := func() error {
		rec, err := o.Bus.ReadOffer(o.ctx)
		if err != nil {
			return err
		}
		if rec.Epoch <= failedEpoch {
			return errOfferNotRotated
		}
		offer = rec
		return nil
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = o.Opts.RejoinInterval
	bo.MaxElapsedTime = o.Opts.RejoinMaxWait
	if err := backoff.Retry(poll, backoff.WithContext(bo, o.ctx)); err != nil {
		o.log.Error().Err(err).Str("subscriber", string(sub.id)).Msg("no rotated offer, giving up")
		return
	}
	if err := o.joinOffer(o.ctx, offer, core.PolicyRelay, sub); err != nil {
		o.log.Error().Err(err).Str("subscriber", string(sub.id)).Msg("relay rejoin failed")
	}
}
