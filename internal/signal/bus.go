// Package signal speaks the session signaling schema over a SignalChannel.
// All JSON decoding happens here; the orchestrator only ever sees typed
// records.
package signal

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
)

// RetryPolicy bounds signaling writes. Writes that still fail after
// MaxTries attempts surface as core.ErrSignalingWrite.
type RetryPolicy struct {
	MaxTries int
	Interval time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxTries: 3, Interval: 250 * time.Millisecond}
}

// Bus scopes a SignalChannel to one session namespace and the record
// schema under it.
type Bus struct {
	ch    core.SignalChannel
	ns    string
	retry RetryPolicy
	log   zerolog.Logger
}

func NewBus(ch core.SignalChannel, session domain.SessionID, retry RetryPolicy) *Bus {
	if retry.MaxTries <= 0 {
		retry = DefaultRetryPolicy()
	}
	return &Bus{
		ch:    ch,
		ns:    "sessions/" + string(session),
		retry: retry,
		log:   log.With().Str("module", "signal.bus").Str("session", string(session)).Logger(),
	}
}

func (b *Bus) offerPath() string { return b.ns + "/offers/latest" }
func (b *Bus) answersPath() string {
	return b.ns + "/answers"
}
func (b *Bus) publisherCandidatesPath() string {
	return b.ns + "/candidates_publisher"
}
func (b *Bus) subscriberCandidatesPath(id domain.SubscriberID) string {
	return b.ns + "/candidates_subscriber_" + string(id)
}

func (b *Bus) writeWithRetry(ctx context.Context, write func() error) error {
	bo := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(b.retry.Interval), uint64(b.retry.MaxTries-1)),
		ctx,
	)
	if err := backoff.Retry(write, bo); err != nil {
		return fmt.Errorf("%w: %v", core.ErrSignalingWrite, err)
	}
	return nil
}

// PublishOffer overwrites the single live offer doc.
func (b *Bus) PublishOffer(ctx context.Context, rec domain.OfferRecord) error {
	rec.Type = "offer"
	return b.writeWithRetry(ctx, func() error {
		return b.ch.WriteDoc(ctx, b.offerPath(), rec)
	})
}

// ClearOffer deletes the live offer doc on session end, so later joins
// fail with core.ErrNoActiveOffer instead of answering a dead session.
func (b *Bus) ClearOffer(ctx context.Context) error {
	return b.writeWithRetry(ctx, func() error {
		return b.ch.DeleteDoc(ctx, b.offerPath())
	})
}

// ReadOffer fetches the current offer once. Absence is core.ErrNoActiveOffer.
func (b *Bus) ReadOffer(ctx context.Context) (domain.OfferRecord, error) {
	raw, ok, err := b.ch.ReadDocOnce(ctx, b.offerPath())
	if err != nil {
		return domain.OfferRecord{}, err
	}
	if !ok {
		return domain.OfferRecord{}, core.ErrNoActiveOffer
	}
	var rec domain.OfferRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.OfferRecord{}, fmt.Errorf("decode offer: %w", err)
	}
	return rec, nil
}

// PublishAnswer writes the subscriber's answer keyed by its identity.
func (b *Bus) PublishAnswer(ctx context.Context, rec domain.AnswerRecord) error {
	rec.Type = "answer"
	path := b.answersPath() + "/" + string(rec.SubscriberID)
	return b.writeWithRetry(ctx, func() error {
		return b.ch.WriteDoc(ctx, path, rec)
	})
}

// WatchAnswers delivers every answer doc added under the session,
// including docs that existed before the watch started.
func (b *Bus) WatchAnswers(on func(domain.AnswerRecord)) (core.WatchHandle, error) {
	return b.ch.WatchCollection(b.answersPath(), func(raw json.RawMessage) {
		var rec domain.AnswerRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			b.log.Warn().Err(err).Msg("dropping malformed answer doc")
			return
		}
		on(rec)
	})
}

// AppendCandidate routes a candidate record to the collection its origin
// role writes to.
func (b *Bus) AppendCandidate(ctx context.Context, rec domain.CandidateRecord) error {
	var path string
	switch rec.From {
	case domain.RolePublisher:
		path = b.publisherCandidatesPath()
	case domain.RoleSubscriber:
		path = b.subscriberCandidatesPath(rec.SubscriberID)
	default:
		return fmt.Errorf("candidate record with unknown origin %q", rec.From)
	}
	return b.writeWithRetry(ctx, func() error {
		return b.ch.AppendDoc(ctx, path, rec)
	})
}

// WatchPublisherCandidates delivers candidates trickled by the publisher.
func (b *Bus) WatchPublisherCandidates(on func(domain.CandidateRecord)) (core.WatchHandle, error) {
	return b.watchCandidates(b.publisherCandidatesPath(), on)
}

// WatchSubscriberCandidates delivers candidates trickled by one subscriber.
func (b *Bus) WatchSubscriberCandidates(id domain.SubscriberID, on func(domain.CandidateRecord)) (core.WatchHandle, error) {
	return b.watchCandidates(b.subscriberCandidatesPath(id), on)
}

func (b *Bus) watchCandidates(path string, on func(domain.CandidateRecord)) (core.WatchHandle, error) {
	return b.ch.WatchCollection(path, func(raw json.RawMessage) {
		var rec domain.CandidateRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			b.log.Warn().Err(err).Str("path", path).Msg("dropping malformed candidate doc")
			return
		}
		on(rec)
	})
}
