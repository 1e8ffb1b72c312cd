package signal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/lectern/live/internal/core"
)

// Client implements core.SignalChannel over a dialed bus WebSocket.
// Requests are multiplexed by id on one connection; watch adds dispatch to
// their registered callbacks from the read loop.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Int64

	mu      sync.Mutex
	pending map[int64]chan frame
	watches map[int64]func(json.RawMessage)
	closed  bool
	done    chan struct{}
}

// Dial connects to a bus endpoint, e.g. ws://host:8080/api/ws/bus.
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial bus: %w", err)
	}
	c := &Client{
		conn:    ws,
		pending: make(map[int64]chan frame),
		watches: make(map[int64]func(json.RawMessage)),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close()
	<-c.done
}

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		close(c.done)
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "signal.client").Msg("bad frame")
			continue
		}
		switch f.Op {
		case opResult:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			if ok {
				delete(c.pending, f.ID)
			}
			c.mu.Unlock()
			if ok {
				ch <- f
				close(ch)
			}
		case opAdded:
			c.mu.Lock()
			cb := c.watches[f.Watch]
			c.mu.Unlock()
			if cb != nil {
				cb(f.Doc)
			}
		}
	}
}

func (c *Client) roundTrip(ctx context.Context, req frame) (frame, error) {
	req.ID = c.nextID.Add(1)
	ch := make(chan frame, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return frame{}, errors.New("bus client closed")
	}
	c.pending[req.ID] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return frame{}, err
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
		return frame{}, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			return frame{}, errors.New("bus connection lost")
		}
		if !resp.OK {
			return frame{}, errors.New(resp.Error)
		}
		return resp, nil
	}
}

func (c *Client) docOp(ctx context.Context, op, path string, v any) error {
	var raw json.RawMessage
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		raw = b
	}
	_, err := c.roundTrip(ctx, frame{Op: op, Path: path, Doc: raw})
	return err
}

func (c *Client) WriteDoc(ctx context.Context, path string, v any) error {
	return c.docOp(ctx, opWrite, path, v)
}

func (c *Client) AppendDoc(ctx context.Context, path string, v any) error {
	return c.docOp(ctx, opAppend, path, v)
}

func (c *Client) DeleteDoc(ctx context.Context, path string) error {
	return c.docOp(ctx, opDelete, path, nil)
}

func (c *Client) ReadDocOnce(ctx context.Context, path string) (json.RawMessage, bool, error) {
	resp, err := c.roundTrip(ctx, frame{Op: opRead, Path: path})
	if err != nil {
		return nil, false, err
	}
	return resp.Doc, resp.Found, nil
}

func (c *Client) WatchCollection(path string, onAdded func(raw json.RawMessage)) (core.WatchHandle, error) {
	watchID := c.nextID.Add(1)
	c.mu.Lock()
	c.watches[watchID] = onAdded
	c.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := c.roundTrip(ctx, frame{Op: opWatch, Path: path, Watch: watchID}); err != nil {
		c.mu.Lock()
		delete(c.watches, watchID)
		c.mu.Unlock()
		return nil, err
	}

	var once sync.Once
	return core.WatchFunc(func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.watches, watchID)
			c.mu.Unlock()
			if _, err := c.roundTrip(context.Background(), frame{Op: opUnwatch, Watch: watchID}); err != nil {
				log.Debug().Err(err).Str("module", "signal.client").Msg("unwatch")
			}
		})
	}), nil
}
