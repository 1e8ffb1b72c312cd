package orch

import (
	"time"

	"github.com/lectern/live/internal/app"
	"github.com/lectern/live/internal/core"
	"github.com/lectern/live/internal/domain"
)

// monitorConnection arms the relay-fallback timer for a freshly built
// connection and cancels it on the first connected state. If the timer
// wins, onTimeout runs with the connection already checked for liveness;
// it is also where a hard transport failure tears the leg down.
func (o *Orchestrator) monitorConnection(conn *app.SubscriberConnection, onTimeout func(domain.SubscriberID)) {
	id := conn.ID
	timer := time.AfterFunc(o.Opts.NegotiationTimeout, func() {
		if !o.Registry.Has(id) {
			return
		}
		onTimeout(id)
	})
	conn.Transport.OnConnectionStateChange(func(s core.ConnState) {
		switch s {
		case core.ConnStateConnected:
			timer.Stop()
		case core.ConnStateFailed, core.ConnStateClosed:
			timer.Stop()
			o.Registry.Remove(id)
		}
	})
}
