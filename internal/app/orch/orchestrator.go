// Package orch drives the offer/answer negotiation protocol for a single
// media session over an eventually-consistent signaling bus. One
// Orchestrator serves one session in one role: the publisher fans out to
// independent per-subscriber connections, a subscriber maintains its one
// connection to the publisher. There is no package-level state; every map
// and counter lives on the Orchestrator and dies with it.
package orch

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lectern/live/internal/app"
	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
	"github.com/lectern/live/internal/signal"
)

// Options tunes one Orchestrator.
type Options struct {
	// NegotiationTimeout is how long a connection may sit unconnected
	// before relay fallback kicks in.
	NegotiationTimeout time.Duration
	// RejoinInterval and RejoinMaxWait pace the subscriber's poll for a
	// fresh offer after a fallback teardown.
	RejoinInterval time.Duration
	RejoinMaxWait  time.Duration
}

func DefaultOptions() Options {
	return Options{
		NegotiationTimeout: 15 * time.Second,
		RejoinInterval:     500 * time.Millisecond,
		RejoinMaxWait:      30 * time.Second,
	}
}

// offerState is the publisher's cached negotiation cycle: the single offer
// created for the current epoch, reapplied verbatim to every per-subscriber
// transport so existing subscribers are never renegotiated.
type offerState struct {
	epoch  domain.Epoch
	sdp    string
	ufrag  string
	policy core.TransportPolicy
}

type Orchestrator struct {
	Bus        *signal.Bus
	Transports core.TransportFactory
	SDP        core.SDPInspector
	Registry   *app.Registry
	Opts       Options

	log zerolog.Logger

	// ctx outlives the Publish/Join call: watch callbacks and transport
	// event handlers write signaling under it until stop cancels it.
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	offer    offerState
	template core.MediaTransport // transport the current offer was created on
	watch    core.WatchHandle    // publisher's answers watch
	tracks   *Broadcaster
	closed   bool
}

// New builds an Orchestrator for one session. The registry starts empty
// and is owned by this orchestrator for its whole lifecycle.
func New(bus *signal.Bus, transports core.TransportFactory, inspector core.SDPInspector, opts Options) *Orchestrator {
	if opts.NegotiationTimeout <= 0 {
		opts = DefaultOptions()
	}
	o := &Orchestrator{
		Bus:        bus,
		Transports: transports,
		SDP:        inspector,
		Registry:   app.NewRegistry(),
		Opts:       opts,
		log:        log.With().Str("module", "orch").Logger(),
	}
	o.tracks = NewBroadcaster(o.Registry)
	return o
}

// begin binds the orchestrator lifetime to a parent context. Called once,
// by Publish or Join.
func (o *Orchestrator) begin(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return core.ErrSessionClosed
	}
	if o.ctx != nil {
		return core.ErrSessionClosed
	}
	o.ctx, o.cancel = context.WithCancel(ctx)
	return nil
}

func (o *Orchestrator) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}

// currentOffer snapshots the cached offer state.
func (o *Orchestrator) currentOffer() offerState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.offer
}

// handleCandidate admits one incoming record against the connection it is
// addressed to. Called from signaling watch callbacks for both roles. The
// registry lookup doubles as the membership guard: a record for a
// connection that has since been torn down is dropped harmlessly.
func (o *Orchestrator) handleCandidate(id domain.SubscriberID, rec domain.CandidateRecord) {
	conn, ok := o.Registry.Get(id)
	if !ok {
		o.log.Debug().Str("subscriber", string(id)).Msg("candidate for absent connection, dropping")
		return
	}
	ufrag, remoteSet := conn.RemoteState()
	switch AdmitCandidate(rec, conn.Epoch, ufrag, remoteSet) {
	case VerdictReject:
		o.log.Debug().Str("subscriber", string(id)).Int64("epoch", int64(rec.Epoch)).Msg("stale candidate discarded")
	case VerdictBuffer:
		conn.BufferCandidate(rec)
	case VerdictAdmit:
		o.applyCandidate(conn, rec)
	}
}

// applyCandidate pushes an admitted record into the transport, re-checking
// membership right before the mutation in case teardown won a race.
func (o *Orchestrator) applyCandidate(conn *app.SubscriberConnection, rec domain.CandidateRecord) {
	if !o.Registry.Has(conn.ID) {
		return
	}
	if err := conn.Transport.AddICECandidate(rec.Candidate); err != nil {
		o.log.Warn().Err(err).Str("subscriber", string(conn.ID)).Msg("add ice candidate")
	}
}

// flushBuffered re-runs the fence over records buffered before the remote
// description existed. Records that now fail the ufrag check are dropped.
func (o *Orchestrator) flushBuffered(conn *app.SubscriberConnection, buffered []domain.CandidateRecord) {
	ufrag, _ := conn.RemoteState()
	for _, rec := range buffered {
		if AdmitCandidate(rec, conn.Epoch, ufrag, true) != VerdictAdmit {
			o.log.Debug().Str("subscriber", string(conn.ID)).Msg("buffered candidate no longer admissible, dropping")
			continue
		}
		o.applyCandidate(conn, rec)
	}
}

// stop ends the session: stop watching, tear down every connection, close
// the template transport. Idempotent.
func (o *Orchestrator) stop() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	watch := o.watch
	template := o.template
	cancel := o.cancel
	o.watch = nil
	o.template = nil
	o.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	if watch != nil {
		watch.Unsubscribe()
	}
	o.Registry.RemoveAll()
	if template != nil {
		if err := template.Close(); err != nil {
			o.log.Debug().Err(err).Msg("template transport close")
		}
	}
	o.log.Info().Msg("session stopped")
}
