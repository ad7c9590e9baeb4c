package websocket

import (
	"io"
	"log/slog"
	"time"
)

// DefaultPongTimeout is the maximum time to wait for a pong reply.
const DefaultPongTimeout = 10 * time.Second

// DefaultCloseGrace bounds how long a close handshake may take before the
// connection is torn down without one.
const DefaultCloseGrace = 2 * time.Second

// Options configures a wrapped WebSocket connection.
type Options struct {
	// PingInterval enables keepalive pings when positive.
	PingInterval time.Duration
	PongTimeout  time.Duration
	CloseGrace   time.Duration
	Logger       *slog.Logger

	// Transport is the connection's raw stream, closed when a close
	// handshake overruns CloseGrace.
	Transport io.Closer
}

// Option is a functional option for configuring a WebSocket connection.
type Option func(*Options)

// WithPingInterval sets the interval between keepalive pings. Zero disables them.
func WithPingInterval(d time.Duration) Option {
	return func(o *Options) { o.PingInterval = d }
}

// WithPongTimeout sets the maximum time to wait for a pong reply.
func WithPongTimeout(d time.Duration) Option {
	return func(o *Options) { o.PongTimeout = d }
}

// WithCloseGrace sets how long Close waits for the peer's close frame.
func WithCloseGrace(d time.Duration) Option {
	return func(o *Options) { o.CloseGrace = d }
}

// WithTransport registers the raw stream returned by Accept or Dial.
func WithTransport(t io.Closer) Option {
	return func(o *Options) { o.Transport = t }
}

// WithLogger sets the logger for the connection.
func WithLogger(l *slog.Logger) Option {
	return func(o *Options) { o.Logger = l }
}

func defaultOptions() Options {
	return Options{
		PongTimeout: DefaultPongTimeout,
		CloseGrace:  DefaultCloseGrace,
		Logger:      slog.Default(),
	}
}

func applyOptions(opts []Option) Options {
	o := defaultOptions()
	for _, fn := range opts {
		fn(&o)
	}
	if o.CloseGrace <= 0 {
		o.CloseGrace = DefaultCloseGrace
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}
