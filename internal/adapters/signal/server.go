package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lectern/live/internal/core"
	isignal "github.com/lectern/live/internal/signal"
)

var (
	ErrBackpressure = errors.New("client send queue full")

	errClientGone  = errors.New("bus client disconnected")
	errRateLimited = errors.New("rate limited")
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub serves the document bus to WebSocket clients. All clients share one
// store; session namespacing happens in paths. Mutating ops and watch
// registrations are rate limited per client token.
type Hub struct {
	Store  *isignal.MemoryChannel
	limits *clientRateLimiter
}

func NewHub() *Hub {
	return &Hub{
		Store:  isignal.NewMemoryChannel(),
		limits: newClientRateLimiter(100, time.Second),
	}
}

type busConn struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once

	mu      sync.Mutex
	closed  bool
	watches map[int64]core.WatchHandle
}

// trySend queues a frame for the write pump. The store fans watch events
// out after releasing its own lock, so a callback can still arrive here
// once the client is gone; the closed flag keeps it off the closed send
// channel.
func (c *busConn) trySend(f frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errClientGone
	}
	select {
	case c.send <- b:
		return nil
	default:
		return ErrBackpressure
	}
}

func (c *busConn) close() {
	c.once.Do(func() {
		c.mu.Lock()
		c.closed = true
		watches := c.watches
		c.watches = nil
		c.mu.Unlock()
		for _, w := range watches {
			w.Unsubscribe()
		}
		// No trySend can pass the closed flag now, so closing send is safe
		// and ends the write pump.
		close(c.send)
		_ = c.conn.Close()
	})
}

// HandleBus upgrades one client onto the bus.
func (h *Hub) HandleBus(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal.hub").Msg("ws upgrade")
		return
	}
	log.Info().Str("module", "signal.hub").Str("sid", sid).Msg("bus client connected")

	conn := &busConn{
		conn:    ws,
		send:    make(chan []byte, 64),
		watches: make(map[int64]core.WatchHandle),
	}
	ctx, cancel := context.WithCancel(ctx)

	go h.writePump(ctx, conn, cancel)
	go h.readPump(ctx, sid, conn, cancel)
}

func (h *Hub) writePump(ctx context.Context, c *busConn, cancel context.CancelFunc) {
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}
}

func (h *Hub) readPump(ctx context.Context, sid string, c *busConn, cancel context.CancelFunc) {
	defer func() {
		log.Info().Str("module", "signal.hub").Str("sid", sid).Msg("bus client gone")
		cancel()
		c.close()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				return
			}
			h.handle(ctx, sid, c, data)
		}
	}
}

func (h *Hub) handle(ctx context.Context, sid string, c *busConn, data []byte) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		log.Warn().Err(err).Str("module", "signal.hub").Msg("bad frame")
		return
	}
	switch f.Op {
	case opWrite, opAppend, opDelete, opWatch:
		if h.limits != nil && !h.limits.Allow(sid) {
			log.Warn().Str("module", "signal.hub").Str("sid", sid).Str("op", f.Op).Msg("rate limited")
			h.reply(c, f.ID, errRateLimited)
			return
		}
	}
	switch f.Op {
	case opWrite:
		h.reply(c, f.ID, h.Store.WriteDoc(ctx, f.Path, f.Doc))
	case opAppend:
		h.reply(c, f.ID, h.Store.AppendDoc(ctx, f.Path, f.Doc))
	case opDelete:
		h.reply(c, f.ID, h.Store.DeleteDoc(ctx, f.Path))
	case opRead:
		raw, found, err := h.Store.ReadDocOnce(ctx, f.Path)
		resp := frame{Op: opResult, ID: f.ID, OK: err == nil, Found: found, Doc: raw}
		if err != nil {
			resp.Error = err.Error()
		}
		_ = c.trySend(resp)
	case opWatch:
		h.handleWatch(c, f)
	case opUnwatch:
		c.mu.Lock()
		if w, ok := c.watches[f.Watch]; ok {
			delete(c.watches, f.Watch)
			w.Unsubscribe()
		}
		c.mu.Unlock()
		h.reply(c, f.ID, nil)
	default:
		log.Warn().Str("module", "signal.hub").Str("op", f.Op).Msg("unknown op")
	}
}

func (h *Hub) handleWatch(c *busConn, f frame) {
	watchID := f.Watch
	handle, err := h.Store.WatchCollection(f.Path, func(raw json.RawMessage) {
		if err := c.trySend(frame{Op: opAdded, Watch: watchID, Doc: raw}); err != nil {
			log.Warn().Err(err).Str("module", "signal.hub").Msg("dropping watch event")
		}
	})
	if err != nil {
		h.reply(c, f.ID, err)
		return
	}
	c.mu.Lock()
	if c.watches == nil {
		// Connection already closing.
		c.mu.Unlock()
		handle.Unsubscribe()
		return
	}
	c.watches[watchID] = handle
	c.mu.Unlock()
	h.reply(c, f.ID, nil)
}

func (h *Hub) reply(c *busConn, id int64, err error) {
	resp := frame{Op: opResult, ID: id, OK: err == nil}
	if err != nil {
		resp.Error = err.Error()
	}
	_ = c.trySend(resp)
}
