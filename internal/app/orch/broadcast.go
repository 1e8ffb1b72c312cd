package orch

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/lectern/live/internal/app"
	"github.com/lectern/live/internal/domain"
)

// Broadcaster owns the publisher's current media sources and fans source
// swaps out to every registered connection. No offer/answer cycle is ever
// triggered here; that is the whole point. It also answers "which tracks
// does a rebuilt connection get": always the current ones.
type Broadcaster struct {
	registry *app.Registry
	log      zerolog.Logger

	mu      sync.Mutex
	current map[domain.MediaKind]webrtc.TrackLocal
}

func NewBroadcaster(registry *app.Registry) *Broadcaster {
	return &Broadcaster{
		registry: registry,
		log:      log.With().Str("module", "orch.broadcast").Logger(),
		current:  make(map[domain.MediaKind]webrtc.TrackLocal),
	}
}

// SetCurrent seeds the source set at publish time, keyed by track kind.
func (b *Broadcaster) SetCurrent(tracks []webrtc.TrackLocal) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, t := range tracks {
		b.current[domain.MediaKind(t.Kind().String())] = t
	}
}

// Current returns a copy of the live source set.
func (b *Broadcaster) Current() map[domain.MediaKind]webrtc.TrackLocal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[domain.MediaKind]webrtc.TrackLocal, len(b.current))
	for k, t := range b.current {
		out[k] = t
	}
	return out
}

// CurrentList returns the live sources in a stable order, so every
// transport attaching them produces the same media section layout.
func (b *Broadcaster) CurrentList() []webrtc.TrackLocal {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]webrtc.TrackLocal, 0, len(b.current))
	for _, kind := range []domain.MediaKind{domain.KindVideo, domain.KindAudio} {
		if t, ok := b.current[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

// Replace swaps the source for kind on every connection that already has a
// sender for it. Connections mid-setup are skipped silently; they attach
// the new current track when their senders are built. Each subscriber is
// handled independently, so one failure never delays the rest. A nil
// track mutes the kind.
func (b *Broadcaster) Replace(kind domain.MediaKind, track webrtc.TrackLocal) {
	b.mu.Lock()
	if track != nil {
		b.current[kind] = track
	} else {
		delete(b.current, kind)
	}
	b.mu.Unlock()

	var wg sync.WaitGroup
	b.registry.ForEach(func(conn *app.SubscriberConnection) {
		wg.Add(1)
		go func(conn *app.SubscriberConnection) {
			defer wg.Done()
			sender := conn.Sender(kind)
			if sender == nil {
				b.log.Debug().Str("subscriber", string(conn.ID)).Str("kind", string(kind)).Msg("no sender yet, skipping")
				return
			}
			if err := sender.ReplaceTrack(track); err != nil {
				b.log.Warn().Err(err).Str("subscriber", string(conn.ID)).Str("kind", string(kind)).Msg("track replace failed")
			}
		}(conn)
	})
	wg.Wait()
}
