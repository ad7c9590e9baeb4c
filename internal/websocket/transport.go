package websocket

import (
	"bufio"
	"context"
	"io"
	"net"
	"net/http"

	ws "nhooyr.io/websocket"
)

// Accept upgrades the request like nhooyr.io/websocket.Accept and also
// returns the hijacked connection, which Conn closes when a close handshake
// overruns its grace period.
func Accept(w http.ResponseWriter, r *http.Request, opts *ws.AcceptOptions) (*ws.Conn, io.Closer, error) {
	hw := &hijackRecorder{ResponseWriter: w}
	c, err := ws.Accept(hw, r, opts)
	if err != nil {
		return nil, nil, err
	}
	return c, hw.conn, nil
}

// Dial is nhooyr.io/websocket.Dial that also returns the upgraded
// connection's raw transport.
func Dial(ctx context.Context, u string, opts *ws.DialOptions) (*ws.Conn, io.Closer, *http.Response, error) {
	var o ws.DialOptions
	if opts != nil {
		o = *opts
	}
	base := http.DefaultClient
	if o.HTTPClient != nil {
		base = o.HTTPClient
	}
	rec := &upgradeRecorder{base: base.Transport}
	client := *base
	client.Transport = rec
	o.HTTPClient = &client

	c, resp, err := ws.Dial(ctx, u, &o)
	if err != nil {
		return nil, nil, resp, err
	}
	return c, rec.body, resp, nil
}

type hijackRecorder struct {
	http.ResponseWriter
	conn net.Conn
}

func (h *hijackRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	c, brw, err := http.NewResponseController(h.ResponseWriter).Hijack()
	if err == nil {
		h.conn = c
	}
	return c, brw, err
}

func (h *hijackRecorder) Unwrap() http.ResponseWriter {
	return h.ResponseWriter
}

// upgradeRecorder keeps the body of a 101 response, which net/http hands
// back as the read-write stream of the upgraded connection.
type upgradeRecorder struct {
	base http.RoundTripper
	body io.Closer
}

func (u *upgradeRecorder) RoundTrip(req *http.Request) (*http.Response, error) {
	rt := u.base
	if rt == nil {
		rt = http.DefaultTransport
	}
	resp, err := rt.RoundTrip(req)
	if err == nil && resp.StatusCode == http.StatusSwitchingProtocols {
		u.body = resp.Body
	}
	return resp, err
}
