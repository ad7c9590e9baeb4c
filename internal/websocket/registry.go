package websocket

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	ws "nhooyr.io/websocket"
)

// Session describes one relayed WebSocket pair.
type Session struct {
	ID       string
	Path     string
	Upstream string
	Opened   time.Time
}

type sessionEntry struct {
	info  Session
	conns []*Conn
}

// ConnectionRegistry tracks live relay sessions so their connections can be
// closed with a going-away status when the server shuts down.
type ConnectionRegistry struct {
	mu       sync.Mutex
	sessions map[string]*sessionEntry
	log      *slog.Logger
}

// NewRegistry creates a new ConnectionRegistry.
func NewRegistry(logger *slog.Logger) *ConnectionRegistry {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConnectionRegistry{
		sessions: make(map[string]*sessionEntry),
		log:      logger,
	}
}

// Register records conns under session s. Registering an existing session ID
// adds the connections to it.
func (r *ConnectionRegistry) Register(s Session, conns ...*Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[s.ID]
	if !ok {
		e = &sessionEntry{info: s}
		r.sessions[s.ID] = e
	}
	e.conns = append(e.conns, conns...)
}

// Unregister forgets a session and its connections.
func (r *ConnectionRegistry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
}

// Count returns the number of registered connections across all sessions.
func (r *ConnectionRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.sessions {
		n += len(e.conns)
	}
	return n
}

// Sessions returns the live sessions, oldest first.
func (r *ConnectionRegistry) Sessions() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.info)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Opened.Equal(out[j].Opened) {
			return out[i].Opened.Before(out[j].Opened)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CloseAll sends a going-away close frame on every registered connection and
// waits for the handshakes to finish or for ctx to expire.
func (r *ConnectionRegistry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	entries := make([]sessionEntry, 0, len(r.sessions))
	for _, e := range r.sessions {
		entries = append(entries, sessionEntry{info: e.info, conns: append([]*Conn(nil), e.conns...)})
	}
	r.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	r.log.Info("Closing relayed WebSocket sessions", slog.Int("sessions", len(entries)))

	var wg sync.WaitGroup
	for _, e := range entries {
		r.log.Debug("Closing session",
			slog.String("session", e.info.ID),
			slog.String("path", e.info.Path),
			slog.Duration("age", time.Since(e.info.Opened).Round(time.Millisecond)))
		for _, c := range e.conns {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_ = c.CloseWithContext(ctx, ws.StatusGoingAway, "dev server shutting down")
			}()
		}
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.log.Info("All relayed WebSocket sessions closed")
	case <-ctx.Done():
		r.log.Warn("Shutdown timeout reached, some WebSocket sessions may not have closed cleanly")
	}
}
