package websocket

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	ws "nhooyr.io/websocket"
)

// ErrCloseTimeout is returned by Close when the peer did not complete the
// close handshake within the grace period.
var ErrCloseTimeout = errors.New("websocket: close handshake timed out")

// Conn wraps a nhooyr.io/websocket.Conn with optional ping/pong keepalive and
// a close handshake bounded by a grace period.
type Conn struct {
	inner  *ws.Conn
	name   string
	opts   Options
	cancel context.CancelFunc
	done   chan struct{}
	mu     sync.Mutex
	closed bool
}

// WrapConn wraps an established WebSocket connection. name identifies the
// peer in logs. When a ping interval is configured a background goroutine
// pings the peer; call Close or ForceClose to stop it.
//
// IMPORTANT: The caller must have an active Read loop on the connection for
// pong responses to be processed (nhooyr.io/websocket v1.x requirement).
func WrapConn(ctx context.Context, c *ws.Conn, name string, options ...Option) *Conn {
	opts := applyOptions(options)
	ctx, cancel := context.WithCancel(ctx)
	conn := &Conn{
		inner:  c,
		name:   name,
		opts:   opts,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	if opts.PingInterval > 0 {
		go conn.pingLoop(ctx)
	} else {
		close(conn.done)
	}
	return conn
}

// Inner returns the underlying nhooyr.io/websocket.Conn for direct read/write.
func (c *Conn) Inner() *ws.Conn {
	return c.inner
}

// Name returns the peer name given to WrapConn.
func (c *Conn) Name() string {
	return c.name
}

// Closed reports whether Close or ForceClose has been called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close sends a close frame and waits up to the grace period for the peer's
// reply, then tears the connection down regardless. The teardown is immediate
// only when the transport was registered with WithTransport. Closing twice is
// a no-op.
func (c *Conn) Close(code ws.StatusCode, reason string) error {
	return c.CloseWithContext(context.Background(), code, reason)
}

// CloseWithContext is Close with an additional caller deadline.
func (c *Conn) CloseWithContext(ctx context.Context, code ws.StatusCode, reason string) error {
	if !c.markClosed() {
		return nil
	}

	c.cancel()
	select {
	case <-c.done:
	case <-ctx.Done():
	}

	errCh := make(chan error, 1)
	go func() { errCh <- c.inner.Close(code, reason) }()

	timer := time.NewTimer(c.opts.CloseGrace)
	defer timer.Stop()

	select {
	case err := <-errCh:
		return err
	case <-timer.C:
	case <-ctx.Done():
	}
	c.opts.Logger.Debug("close handshake timed out, dropping connection", slog.String("peer", c.name))
	// CloseNow would wait out the library's own handshake timeout. Closing
	// the transport fails the pending read and lets inner.Close return.
	if c.opts.Transport != nil {
		_ = c.opts.Transport.Close()
	}
	return ErrCloseTimeout
}

// ForceClose immediately closes the underlying connection without sending a close frame.
// Used when the connection is already broken.
func (c *Conn) ForceClose() {
	if !c.markClosed() {
		return
	}
	c.cancel()
	c.inner.CloseNow()
}

func (c *Conn) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *Conn) pingLoop(ctx context.Context) {
	defer close(c.done)

	ticker := time.NewTicker(c.opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, pingCancel := context.WithTimeout(ctx, c.opts.PongTimeout)
			err := c.inner.Ping(pingCtx)
			pingCancel()
			if err != nil {
				if ctx.Err() != nil {
					// Parent context cancelled, not a pong timeout
					return
				}
				c.opts.Logger.Warn("pong timeout, closing connection",
					slog.String("peer", c.name),
					slog.String("error", err.Error()))
				// CloseNow avoids blocking on a close handshake with an unresponsive peer
				c.inner.CloseNow()
				return
			}
		}
	}
}
