// Package transport is the duplex message channel to the clearing node.
// It delivers inbound frames to a single handler, in order, from one read
// goroutine. It never reconnects on its own; a closed Conn stays closed.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alanyoungcy/ledgermarket/internal/domain"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// pingPeriod sends pings to the peer at this interval. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	handshakeTimeout = 15 * time.Second
)

// Handler receives inbound frames and the terminal close event. OnMessage
// is called from the read goroutine and must not block for long. OnClose is
// called exactly once with an error wrapping domain.ErrTransport, or nil
// when the local side closed the connection.
type Handler struct {
	OnMessage func([]byte)
	OnClose   func(error)
}

// Conn is a websocket connection to the clearing node.
type Conn struct {
	url    string
	ws     *websocket.Conn
	h      Handler
	logger *slog.Logger

	writeMu sync.Mutex

	closeOnce sync.Once
	done      chan struct{}
	err       error
}

// Dial connects to url and starts the read and ping loops.
func Dial(ctx context.Context, url string, h Handler, logger *slog.Logger) (*Conn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dialer := websocket.Dialer{
		HandshakeTimeout: handshakeTimeout,
	}

	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w: %v", url, domain.ErrTransport, err)
	}

	c := &Conn{
		url:    url,
		ws:     ws,
		h:      h,
		logger: logger.With(slog.String("component", "transport")),
		done:   make(chan struct{}),
	}

	// Set up pong handler for keep-alive.
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	go c.readLoop()
	go c.pingLoop()

	return c, nil
}

// Send writes one text frame. The write deadline is the earlier of the
// context deadline and writeWait.
func (c *Conn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return fmt.Errorf("transport: send: %w", domain.ErrTransport)
	default:
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	deadline := time.Now().Add(writeWait)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(deadline)
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		c.shutdown(fmt.Errorf("transport: write: %w: %v", domain.ErrTransport, err))
		return fmt.Errorf("transport: write: %w: %v", domain.ErrTransport, err)
	}
	return nil
}

// Done is closed once the connection has terminated.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the reason the connection terminated, nil while open or after
// a local Close.
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Close sends a close frame and tears the connection down. Safe to call
// more than once.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.ws.WriteMessage(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
	)
	c.writeMu.Unlock()

	c.shutdown(nil)
	return nil
}

// shutdown runs once: records the cause, closes the socket and notifies
// the handler.
func (c *Conn) shutdown(cause error) {
	c.closeOnce.Do(func() {
		c.err = cause
		close(c.done)
		_ = c.ws.Close()
		if cause != nil {
			c.logger.Warn("transport: connection lost",
				slog.String("url", c.url),
				slog.String("error", cause.Error()),
			)
		}
		if c.h.OnClose != nil {
			c.h.OnClose(cause)
		}
	})
}

// readLoop delivers frames to the handler until the socket fails.
func (c *Conn) readLoop() {
	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				c.shutdown(fmt.Errorf("transport: closed by peer: %w", domain.ErrTransport))
				return
			}
			var netErr interface{ Timeout() bool }
			if errors.As(err, &netErr) && netErr.Timeout() {
				c.shutdown(fmt.Errorf("transport: read timeout: %w", domain.ErrTransport))
				return
			}
			c.shutdown(fmt.Errorf("transport: read: %w: %v", domain.ErrTransport, err))
			return
		}

		if c.h.OnMessage != nil {
			c.h.OnMessage(message)
		}
	}
}

// pingLoop sends periodic ping frames to keep the connection alive.
func (c *Conn) pingLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			err := c.ws.WriteMessage(websocket.PingMessage, nil)
			c.writeMu.Unlock()
			if err != nil {
				c.shutdown(fmt.Errorf("transport: ping: %w: %v", domain.ErrTransport, err))
				return
			}
		}
	}
}
