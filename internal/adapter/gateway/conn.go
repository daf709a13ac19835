package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
	"nhooyr.io/websocket"
)

const (
	sendQueueSize = 64
	writeTimeout  = 5 * time.Second
)

// wsConn is the part of *websocket.Conn the server uses.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
}

// clientConn tracks a single admitted WebSocket connection.
type clientConn struct {
	id      string
	ws      wsConn
	limiter *rate.Limiter
	logger  *slog.Logger

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
	ctx       context.Context // scopes commands; cancelled on shutdown
	cancel    context.CancelFunc

	alive atomic.Bool // cleared by each heartbeat sweep, set by a pong
	ready atomic.Bool // broadcast target once admission finished
}

func newClientConn(parent context.Context, id string, ws wsConn, limiter *rate.Limiter, logger *slog.Logger) *clientConn {
	ctx, cancel := context.WithCancel(parent)
	c := &clientConn{
		id:      id,
		ws:      ws,
		limiter: limiter,
		logger:  logger.With("conn_id", id),
		sendCh:  make(chan []byte, sendQueueSize),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	c.alive.Store(true)
	return c
}

// enqueue marshals v onto the send queue. A full queue drops the frame.
func (c *clientConn) enqueue(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Warn("gateway: marshal frame", "error", err)
		return false
	}
	return c.enqueueRaw(data)
}

func (c *clientConn) enqueueRaw(data []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	default:
		c.logger.Warn("gateway: send queue full, dropping frame")
		return false
	}
}

// respond queues a command response. Unlike broadcasts it is never dropped
// for a full queue: it waits for room until the connection shuts down.
func (c *clientConn) respond(res Response) bool {
	data, err := json.Marshal(res)
	if err != nil {
		c.logger.Warn("gateway: marshal response", "id", res.ID, "error", err)
		data, _ = json.Marshal(errResponse(res.ID, fmt.Errorf("command %s: unencodable result", res.ID)))
	}
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.sendCh <- data:
		return true
	case <-c.done:
		return false
	}
}

func (c *clientConn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.sendCh:
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			err := c.ws.Write(ctx, websocket.MessageText, data)
			cancel()
			if err != nil {
				c.logger.Debug("gateway: write failed", "error", err)
				c.shutdown()
				return
			}
		}
	}
}

// ping sends one ping and marks the peer alive when the pong arrives.
func (c *clientConn) ping(timeout time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := c.ws.Ping(ctx); err != nil {
		c.logger.Debug("gateway: ping failed", "error", err)
		return
	}
	c.alive.Store(true)
}

// shutdown stops the writer and cancels in-flight commands.
func (c *clientConn) shutdown() {
	c.closeOnce.Do(func() {
		c.ready.Store(false)
		close(c.done)
		c.cancel()
	})
}

// terminate shuts the connection down and sends a close frame. It may block
// for the close handshake.
func (c *clientConn) terminate(code websocket.StatusCode, reason string) {
	c.shutdown()
	if err := c.ws.Close(code, reason); err != nil {
		c.logger.Debug("gateway: close", "error", err)
	}
}
