package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// Subprotocol is the websocket subprotocol offered to clients.
const Subprotocol = "none"

type Options struct {
	// SendBuffer is the outbound queue length of each connection.
	SendBuffer int
	// ConnectRate limits new connections per second; zero means unlimited.
	ConnectRate  float64
	ConnectBurst int
	Clock        clockwork.Clock
	Logger       *slog.Logger
}

// Server upgrades HTTP requests to websocket connections and hands their
// events to a Handler.
type Server struct {
	handler  Handler
	opts     Options
	log      *slog.Logger
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	mu     sync.Mutex
	conns  map[*Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

func NewServer(h Handler, opts Options) *Server {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}

	limit := rate.Inf
	if opts.ConnectRate > 0 {
		limit = rate.Limit(opts.ConnectRate)
	}
	burst := opts.ConnectBurst
	if burst <= 0 {
		burst = 1
	}

	return &Server{
		handler: h,
		opts:    opts,
		log:     opts.Logger.With("component", "transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			Subprotocols:    []string{Subprotocol},
			CheckOrigin: func(r *http.Request) bool {
				return true // players are served from other origins
			},
		},
		limiter: rate.NewLimiter(limit, burst),
		conns:   make(map[*Conn]struct{}),
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !s.limiter.Allow() {
		s.log.Warn("Connection rate limit exceeded", "remote", r.RemoteAddr)
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}
	if s.isClosed() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	conn := newConn(ws, r.RequestURI, s.opts.SendBuffer, s.opts.Clock, s.log)
	if !s.track(conn) {
		ws.Close()
		return
	}
	s.log.Debug("Websocket connected", "conn", conn.ID(), "remote", r.RemoteAddr)

	go conn.writePump()
	go func() {
		defer s.untrack(conn)
		conn.readPump(s.handler)
	}()
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) track(c *Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrack(c *Conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.wg.Done()
}

// Len returns the number of open connections.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// Shutdown refuses new connections, closes the open ones and waits for their
// handlers to finish. Connections still open when ctx ends are dropped.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	conns := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			c.ws.Close()
		}
		s.mu.Unlock()
		return ctx.Err()
	}
}
