// Package gateway turns connection events into channel membership.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"rtsp-relay-server/internal/metrics"
	"rtsp-relay-server/internal/relay"
)

// admitAttempts bounds the lookups a connect makes when it keeps landing on
// channels that are being torn down.
const admitAttempts = 3

// Transport is the connection server the gateway stops on Dispose.
type Transport interface {
	Shutdown(ctx context.Context) error
}

type Options struct {
	// ClientLimit is the maximum number of sessions per channel; zero or
	// less means unlimited.
	ClientLimit      int
	UseDiscriminator bool
	Logger           *slog.Logger
	Metrics          *metrics.Metrics
}

// Gateway owns the channel registry and the session table for one server.
type Gateway struct {
	registry *relay.Registry
	sessions *relay.SessionTable
	opts     Options
	log      *slog.Logger

	mu        sync.Mutex
	transport Transport
	disposed  bool
}

// New creates a gateway whose channels are built by factory.
func New(factory relay.Factory, opts Options) *Gateway {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("component", "gateway")
	return &Gateway{
		registry: relay.NewRegistry(factory, log),
		sessions: relay.NewSessionTable(),
		opts:     opts,
		log:      log,
	}
}

// Attach sets the transport stopped by Dispose.
func (g *Gateway) Attach(t Transport) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.transport = t
}

func (g *Gateway) Registry() *relay.Registry     { return g.registry }
func (g *Gateway) Sessions() *relay.SessionTable { return g.sessions }

// OnConnect admits conn to the channel its path names, or rejects it.
func (g *Gateway) OnConnect(conn relay.Conn) {
	defer g.recoverEvent("connect", conn)

	key := relay.KeyFromPath(conn.Path(), g.opts.UseDiscriminator)
	session := relay.NewSession(conn, key)
	log := g.log.With("session", session.ID(), "channel", key.String())

	var (
		ch  *relay.Channel
		err error
	)
	for i := 0; i < admitAttempts; i++ {
		ch = g.registry.GetOrCreateAndStart(key)
		err = ch.Admit(session, g.opts.ClientLimit)
		if !errors.Is(err, relay.ErrChannelClosed) {
			break
		}
		log.Debug("Channel retired during admission, retrying", "attempt", i+1)
	}

	switch {
	case err == nil:
	case errors.Is(err, relay.ErrCapacityExceeded):
		g.opts.Metrics.IncAdmissionsRejected()
		log.Warn("Client limit reached, rejecting connection", "limit", g.opts.ClientLimit)
		if sendErr := conn.SendText(encodeCapacityExceeded()); sendErr != nil {
			log.Debug("Failed to send capacity message", "error", sendErr)
		}
		closeConn(conn, log)
		return
	default:
		log.Error("Failed to admit session", "error", err)
		g.registry.RemoveIfEmpty(key)
		closeConn(conn, log)
		return
	}

	if !g.sessions.Add(session) {
		log.Error("Failed to admit session", "error", fmt.Errorf("%w: id already in the session table", relay.ErrDuplicateSession))
		ch.RemoveSession(session)
		g.registry.RemoveIfEmpty(key)
		closeConn(conn, log)
		return
	}

	if err := conn.SendText(encodeInit(ch.Width(), ch.Height())); err != nil {
		log.Warn("Failed to send init message", "error", err)
	}
	log.Info("Client connected", "sessions", ch.SessionCount())
}

// OnMessage receives client text frames. Clients have nothing to say yet.
func (g *Gateway) OnMessage(conn relay.Conn, payload []byte) {
	defer g.recoverEvent("message", conn)
	g.log.Debug("Client message ignored", "session", conn.ID(), "bytes", len(payload))
}

// OnDisconnect removes the connection's session and tears down its channel
// when it was the last one.
func (g *Gateway) OnDisconnect(conn relay.Conn) {
	defer g.recoverEvent("disconnect", conn)
	g.disconnect(conn)
}

func (g *Gateway) disconnect(conn relay.Conn) {
	session, ok := g.sessions.Remove(conn.ID())
	if !ok {
		return
	}
	key := session.Key()
	log := g.log.With("session", session.ID(), "channel", key.String())

	ch, ok := g.registry.Get(key)
	if !ok || !ch.RemoveSession(session) {
		// its channel was already torn down
		log.Info("Client disconnected")
		return
	}
	remaining := ch.SessionCount()
	log.Info("Client disconnected", "sessions", remaining)

	if remaining == 0 {
		g.registry.RemoveIfEmpty(key)
	}
}

// OnError drops the session and forces the connection closed.
func (g *Gateway) OnError(conn relay.Conn, err error) {
	defer g.recoverEvent("error", conn)
	g.log.Warn("Connection error", "session", conn.ID(), "error", err)
	g.disconnect(conn)
	closeConn(conn, g.log)
}

// Dispose stops the transport, disposes every channel and closes every
// session. Later calls do nothing.
func (g *Gateway) Dispose(ctx context.Context) error {
	g.mu.Lock()
	if g.disposed {
		g.mu.Unlock()
		return nil
	}
	g.disposed = true
	transport := g.transport
	g.mu.Unlock()

	var err error
	if transport != nil {
		if err = transport.Shutdown(ctx); err != nil {
			g.log.Error("Failed to stop transport", "error", err)
		}
	}

	g.registry.DisposeAll()
	for _, s := range g.sessions.Drain() {
		if cerr := s.Close(); cerr != nil {
			g.log.Debug("Failed to close session", "session", s.ID(), "error", cerr)
		}
	}
	g.log.Info("Gateway disposed")
	return err
}

func (g *Gateway) recoverEvent(event string, conn relay.Conn) {
	if r := recover(); r != nil {
		g.opts.Metrics.IncPanicsRecovered(event)
		g.log.Error("Recovered panic in connection handler", "event", event, "session", conn.ID(), "panic", r)
	}
}

func closeConn(conn relay.Conn, log *slog.Logger) {
	if err := conn.Close(); err != nil {
		log.Debug("Failed to close connection", "error", err)
	}
}
