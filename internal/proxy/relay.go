package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	ws "nhooyr.io/websocket"

	"github.com/rathix/spa-devkit/internal/websocket"
)

// handshakeHeaders are negotiated per hop and never copied to the upstream.
var handshakeHeaders = map[string]struct{}{
	"Connection":               {},
	"Upgrade":                  {},
	"Host":                     {},
	"Keep-Alive":               {},
	"Proxy-Connection":         {},
	"Proxy-Authenticate":       {},
	"Proxy-Authorization":      {},
	"Te":                       {},
	"Trailer":                  {},
	"Transfer-Encoding":        {},
	"Sec-Websocket-Key":        {},
	"Sec-Websocket-Version":    {},
	"Sec-Websocket-Extensions": {},
	"Sec-Websocket-Protocol":   {},
	"Sec-Websocket-Accept":     {},
}

type side string

const (
	sideClient   side = "client"
	sideUpstream side = "upstream"
)

// relayError records which end of a session failed.
type relayError struct {
	side side
	err  error
}

func (e *relayError) Error() string { return fmt.Sprintf("%s: %v", e.side, e.err) }

func (e *relayError) Unwrap() error { return e.err }

// relay bridges a WebSocket upgrade to the route's upstream. The upstream is
// dialed first so a refused or failed upstream handshake is reported to the
// client as a plain HTTP error instead of an accepted-then-closed socket.
func (rt *Router) relay(w http.ResponseWriter, req *http.Request, r *route) {
	session := uuid.NewString()
	log := rt.logger.With("session", session, "path", req.URL.Path)

	target := upstreamWebSocketURL(r.rule.Upstream, req.URL)
	client := r.wsClient
	if !r.rule.RewriteOrigin {
		client = &http.Client{Transport: &hostOverride{host: req.Host, base: r.transport}}
	}

	dialCtx, cancel := context.WithTimeout(req.Context(), r.rule.timeout())
	upstreamConn, upstreamRaw, resp, err := websocket.Dial(dialCtx, target.String(), &ws.DialOptions{
		HTTPClient:      client,
		HTTPHeader:      upstreamHeaders(req, r.rule),
		Subprotocols:    requestedSubprotocols(req),
		CompressionMode: ws.CompressionDisabled,
	})
	cancel()
	if err != nil {
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols && resp.StatusCode >= 400 {
			log.Warn("Upstream refused WebSocket upgrade", "upstream", r.rule.Upstream.Host, "status", resp.StatusCode)
			http.Error(w, http.StatusText(resp.StatusCode), resp.StatusCode)
			return
		}
		log.Warn("Upstream WebSocket dial failed", "upstream", r.rule.Upstream.Host, "error", err)
		http.Error(w, "Bad Gateway", http.StatusBadGateway)
		return
	}

	var subprotocols []string
	if p := upstreamConn.Subprotocol(); p != "" {
		subprotocols = []string{p}
	}
	clientConn, clientRaw, err := websocket.Accept(w, req, &ws.AcceptOptions{
		Subprotocols: subprotocols,
		// The host allowlist has already vetted this request.
		InsecureSkipVerify: true,
		CompressionMode:    ws.CompressionDisabled,
	})
	if err != nil {
		log.Warn("Client WebSocket accept failed", "error", err)
		upstreamConn.Close(ws.StatusGoingAway, "client handshake failed")
		return
	}

	upstreamConn.SetReadLimit(rt.readLimit)
	clientConn.SetReadLimit(rt.readLimit)

	// The relay outlives nothing but the handler, which blocks until it ends.
	ctx := context.WithoutCancel(req.Context())
	c := websocket.WrapConn(ctx, clientConn, string(sideClient),
		websocket.WithPingInterval(rt.pingInterval),
		websocket.WithCloseGrace(rt.closeGrace),
		websocket.WithTransport(clientRaw),
		websocket.WithLogger(log),
	)
	u := websocket.WrapConn(ctx, upstreamConn, string(sideUpstream),
		websocket.WithCloseGrace(rt.closeGrace),
		websocket.WithTransport(upstreamRaw),
		websocket.WithLogger(log),
	)
	rt.registry.Register(websocket.Session{
		ID:       session,
		Path:     req.URL.Path,
		Upstream: r.rule.Upstream.Host,
		Opened:   time.Now(),
	}, c, u)
	defer rt.registry.Unregister(session)

	log.Debug("WebSocket session opened", "upstream", r.rule.Upstream.Host, "subprotocol", upstreamConn.Subprotocol())

	s := &relaySession{client: c, upstream: u, log: log}
	s.run(ctx)
}

// relaySession pumps frames between a client and an upstream connection.
type relaySession struct {
	client   *websocket.Conn
	upstream *websocket.Conn
	log      *slog.Logger
	once     sync.Once
}

func (s *relaySession) run(ctx context.Context) {
	// No errgroup context: cancelling a reader's context tears the
	// connection down without a close frame.
	var g errgroup.Group
	g.Go(func() error {
		err := pump(ctx, s.client, s.upstream, sideClient, sideUpstream)
		s.finish(err)
		return err
	})
	g.Go(func() error {
		err := pump(ctx, s.upstream, s.client, sideUpstream, sideClient)
		s.finish(err)
		return err
	})
	err := g.Wait()
	s.log.Debug("WebSocket session closed", "reason", err)
}

// finish closes both ends once, based on whichever end failed first.
func (s *relaySession) finish(err error) {
	s.once.Do(func() {
		var re *relayError
		if !errors.As(err, &re) {
			s.client.ForceClose()
			s.upstream.ForceClose()
			return
		}

		failed, other := s.client, s.upstream
		if re.side == sideUpstream {
			failed, other = s.upstream, s.client
		}

		code, reason := mirroredClose(re)
		_ = other.Close(code, reason)
		failed.ForceClose()
	})
}

// mirroredClose picks the close frame sent to the surviving end. A clean close
// is passed through; an abnormal loss maps to 1014 toward the client and 1001
// toward the upstream.
func mirroredClose(re *relayError) (ws.StatusCode, string) {
	var ce ws.CloseError
	if errors.As(re.err, &ce) {
		switch ce.Code {
		case ws.StatusNoStatusRcvd:
			return ws.StatusNormalClosure, ""
		case ws.StatusAbnormalClosure, ws.StatusTLSHandshake:
		default:
			return ce.Code, ce.Reason
		}
	}
	if re.side == sideUpstream {
		return ws.StatusBadGateway, "upstream connection lost"
	}
	return ws.StatusGoingAway, "client disconnected"
}

// pump copies messages from src to dst until either side fails. Each message
// is streamed, keeping its type, without buffering it whole.
func pump(ctx context.Context, src, dst *websocket.Conn, srcSide, dstSide side) error {
	for {
		typ, r, err := src.Inner().Reader(ctx)
		if err != nil {
			return &relayError{side: srcSide, err: err}
		}
		w, err := dst.Inner().Writer(ctx, typ)
		if err != nil {
			return &relayError{side: dstSide, err: err}
		}
		tr := &trackedReader{r: r}
		if _, err := io.Copy(w, tr); err != nil {
			_ = w.Close()
			if tr.err != nil {
				return &relayError{side: srcSide, err: tr.err}
			}
			return &relayError{side: dstSide, err: err}
		}
		if err := w.Close(); err != nil {
			return &relayError{side: dstSide, err: err}
		}
	}
}

// trackedReader remembers read errors so a failed copy can be blamed on the
// right end.
type trackedReader struct {
	r   io.Reader
	err error
}

func (t *trackedReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}

// hostOverride preserves the client's Host header on the upstream handshake.
type hostOverride struct {
	host string
	base http.RoundTripper
}

func (h *hostOverride) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Host = h.host
	return h.base.RoundTrip(req)
}

func upstreamWebSocketURL(upstream, in *url.URL) *url.URL {
	out := *upstream
	out.Scheme = "ws"
	if upstream.Scheme == "https" {
		out.Scheme = "wss"
	}
	out.Path = singleJoiningSlash(upstream.Path, in.Path)
	out.RawPath = ""
	switch {
	case upstream.RawQuery == "":
		out.RawQuery = in.RawQuery
	case in.RawQuery != "":
		out.RawQuery = upstream.RawQuery + "&" + in.RawQuery
	}
	out.Fragment = ""
	return &out
}

func upstreamHeaders(req *http.Request, rule Rule) http.Header {
	h := make(http.Header, len(req.Header)+3)
	for k, vv := range req.Header {
		if _, skip := handshakeHeaders[http.CanonicalHeaderKey(k)]; skip {
			continue
		}
		h[k] = append([]string(nil), vv...)
	}

	if rule.RewriteOrigin && h.Get("Origin") != "" {
		h.Set("Origin", upstreamOrigin(rule.Upstream))
	}

	if ip, _, err := net.SplitHostPort(req.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	h.Set("X-Forwarded-Host", req.Host)
	if req.TLS != nil {
		h.Set("X-Forwarded-Proto", "https")
	} else {
		h.Set("X-Forwarded-Proto", "http")
	}
	return h
}

func requestedSubprotocols(req *http.Request) []string {
	var out []string
	for _, v := range req.Header.Values("Sec-WebSocket-Protocol") {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
