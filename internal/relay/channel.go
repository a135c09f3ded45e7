package relay

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"rtsp-relay-server/internal/metrics"
)

// State is the lifecycle state of a channel's decoder.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// RestartPolicy controls respawning a decoder that exited on its own while
// sessions are still attached. MaxAttempts of zero disables restarts.
type RestartPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (p RestartPolicy) backoff(attempt int) time.Duration {
	d := p.InitialBackoff
	for i := 1; i < attempt; i++ {
		d *= 2
		if p.MaxBackoff > 0 && d >= p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	return d
}

// Options configures a channel.
type Options struct {
	Width    int
	Height   int
	Network  string // "udp" (default) or "tcp"
	Launcher Launcher
	Restart  RestartPolicy
	// StallTimeout kills a running decoder that produced no data for this
	// long. Zero disables the watchdog.
	StallTimeout time.Duration
	Clock        clockwork.Clock
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Channel relays one upstream source to its sessions. It owns a decoder
// process and the socket the decoder writes to.
type Channel struct {
	key   Key
	opts  Options
	log   *slog.Logger
	clock clockwork.Clock

	mu        sync.Mutex // guards the fields below
	state     State
	decoder   Process
	recv      receiver
	spawnedAt time.Time
	restarts  int
	watching  bool
	stops     uint64 // bumped by every Stop; pending restarts from before it are void
	disposed  bool
	done      chan struct{}

	sessMu   sync.RWMutex
	sessions map[uuid.UUID]*Session
	retired  bool

	attempts  atomic.Int32
	healthy   atomic.Bool
	chunks    atomic.Int64
	bytes     atomic.Int64
	lastChunk atomic.Int64 // unix nanos
}

// NewChannel creates an idle channel for key.
func NewChannel(key Key, opts Options) *Channel {
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Network == "" {
		opts.Network = "udp"
	}
	return &Channel{
		key:      key,
		opts:     opts,
		log:      opts.Logger.With("channel", key.String()),
		clock:    opts.Clock,
		state:    StateIdle,
		done:     make(chan struct{}),
		sessions: make(map[uuid.UUID]*Session),
	}
}

func (c *Channel) Key() Key    { return c.key }
func (c *Channel) Width() int  { return c.opts.Width }
func (c *Channel) Height() int { return c.opts.Height }

func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Port returns the local port the decoder streams to, or 0 when unbound.
func (c *Channel) Port() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recv == nil {
		return 0
	}
	return c.recv.Port()
}

// Start binds the receive socket, spawns the decoder and arms the receive
// loop. It is a no-op while the channel is starting or running.
func (c *Channel) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed {
		return ErrChannelClosed
	}
	if c.state == StateStarting || c.state == StateRunning {
		return nil
	}

	c.log.Info("Starting channel")
	c.state = StateStarting
	if err := c.startLocked(); err != nil {
		c.state = StateIdle
		c.opts.Metrics.IncDecoderStartFailures()
		c.log.Error("Failed to start channel", "error", err)
		return err
	}
	c.state = StateRunning
	return nil
}

// startLocked acquires the socket (unless one is already bound) and the
// decoder. On failure nothing acquired here is left behind. Caller must hold
// c.mu.
func (c *Channel) startLocked() error {
	fresh := false
	if c.recv == nil {
		recv, err := listen(c.opts.Network)
		if err != nil {
			return fmt.Errorf("binding receive socket: %w", err)
		}
		c.recv = recv
		fresh = true
	}

	if c.opts.Launcher == nil {
		c.releaseReceiverLocked()
		return errors.New("no decoder launcher configured")
	}

	proc, err := c.opts.Launcher.Launch(DecoderSpec{
		SourceURL: c.key.URL,
		Width:     c.opts.Width,
		Height:    c.opts.Height,
		Network:   c.recv.Network(),
		Port:      c.recv.Port(),
	})
	if err != nil {
		c.releaseReceiverLocked()
		return fmt.Errorf("spawning decoder: %w", err)
	}

	c.decoder = proc
	c.spawnedAt = c.clock.Now()
	c.healthy.Store(false)
	c.opts.Metrics.IncDecoderStarts()
	c.log.Info("Decoder started", "pid", proc.Pid(), "network", c.recv.Network(), "port", c.recv.Port())

	go c.supervise(proc)
	if fresh {
		go c.receive(c.recv)
	}
	if c.opts.StallTimeout > 0 && !c.watching {
		c.watching = true
		go c.watchStall()
	}
	return nil
}

func (c *Channel) releaseReceiverLocked() {
	if c.recv == nil {
		return
	}
	if err := c.recv.Close(); err != nil {
		c.log.Warn("Failed to close receive socket", "error", err)
	}
	c.recv = nil
}

// supervise waits for proc and handles an exit nobody asked for.
func (c *Channel) supervise(proc Process) {
	err := proc.Wait()

	c.mu.Lock()
	if c.decoder != proc {
		// killed by Stop, or already replaced
		c.mu.Unlock()
		return
	}
	c.decoder = nil
	c.state = StateIdle
	c.opts.Metrics.IncDecoderExits()
	c.log.Warn("Decoder exited", "pid", proc.Pid(), "error", err)
	attempt, delay, ok := c.nextRestartLocked()
	stops := c.stops
	c.mu.Unlock()

	if ok {
		go c.restartAfter(attempt, delay, stops)
	}
}

// nextRestartLocked decides whether another restart attempt is allowed.
// Caller must hold c.mu.
func (c *Channel) nextRestartLocked() (int, time.Duration, bool) {
	if c.disposed || c.opts.Restart.MaxAttempts <= 0 {
		return 0, 0, false
	}
	if c.SessionCount() == 0 {
		return 0, 0, false
	}
	attempt := int(c.attempts.Add(1))
	if attempt > c.opts.Restart.MaxAttempts {
		c.log.Error("Decoder restart attempts exhausted, channel stays idle",
			"attempts", c.opts.Restart.MaxAttempts)
		return 0, 0, false
	}
	return attempt, c.opts.Restart.backoff(attempt), true
}

func (c *Channel) restartAfter(attempt int, delay time.Duration, stops uint64) {
	c.log.Info("Restarting decoder", "attempt", attempt, "max_attempts", c.opts.Restart.MaxAttempts, "backoff", delay)

	select {
	case <-c.clock.After(delay):
	case <-c.done:
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed || c.stops != stops || c.decoder != nil || c.state != StateIdle {
		return
	}
	if c.SessionCount() == 0 {
		return
	}

	c.state = StateStarting
	if err := c.startLocked(); err != nil {
		c.state = StateIdle
		c.opts.Metrics.IncDecoderStartFailures()
		c.log.Error("Decoder restart failed", "attempt", attempt, "error", err)
		if next, d, ok := c.nextRestartLocked(); ok {
			go c.restartAfter(next, d, stops)
		}
		return
	}
	c.state = StateRunning
	c.restarts++
}

// watchStall kills a running decoder that stopped producing data, handing
// it to the exit path in supervise.
func (c *Channel) watchStall() {
	interval := c.opts.StallTimeout / 2
	if interval <= 0 {
		interval = c.opts.StallTimeout
	}
	ticker := c.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.Chan():
			c.checkStall()
		}
	}
}

func (c *Channel) checkStall() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning || c.decoder == nil {
		return
	}

	since := c.spawnedAt
	if last := c.lastChunk.Load(); last > 0 {
		if t := time.Unix(0, last); t.After(since) {
			since = t
		}
	}
	if c.clock.Since(since) < c.opts.StallTimeout {
		return
	}

	c.log.Warn("Decoder stalled, killing it", "pid", c.decoder.Pid(), "idle", c.clock.Since(since))
	if err := c.decoder.Kill(); err != nil {
		c.log.Warn("Failed to kill stalled decoder", "error", err)
	}
}

func (c *Channel) receive(recv receiver) {
	recv.Serve(c.broadcast, func(err error) {
		c.log.Error("Receive loop stopped", "error", err)
	})
	c.log.Debug("Receive loop ended")
}

// broadcast delivers chunk to every session registered at this moment. A
// failed delivery only affects its own session.
func (c *Channel) broadcast(chunk []byte) {
	c.chunks.Add(1)
	c.bytes.Add(int64(len(chunk)))
	c.lastChunk.Store(c.clock.Now().UnixNano())
	if c.healthy.CompareAndSwap(false, true) {
		c.attempts.Store(0)
	}
	c.opts.Metrics.ChunkReceived(len(chunk))

	for _, s := range c.Sessions() {
		if err := deliver(s, chunk); err != nil {
			c.opts.Metrics.IncSendFailures()
			c.log.Debug("Failed to deliver chunk", "session", s.ID(), "error", err)
		}
	}
}

func deliver(s *Session, chunk []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic while sending: %v", r)
		}
	}()
	return s.Send(chunk)
}

// AddSession registers s. It returns false without changing anything when s
// is already registered.
func (c *Channel) AddSession(s *Session) (bool, error) {
	err := c.admit(s, 0)
	if errors.Is(err, ErrDuplicateSession) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Admit registers s unless the channel already holds limit sessions. The
// capacity check and the insert happen under one lock. A limit of zero or
// less means unlimited.
func (c *Channel) Admit(s *Session, limit int) error {
	return c.admit(s, limit)
}

func (c *Channel) admit(s *Session, limit int) error {
	if s == nil {
		return errors.New("nil session")
	}
	if s.Key() != c.key {
		return fmt.Errorf("%w: session %s is for %s", ErrChannelMismatch, s.ID(), s.Key())
	}

	c.sessMu.Lock()
	defer c.sessMu.Unlock()

	if c.retired {
		return ErrChannelClosed
	}
	if _, ok := c.sessions[s.ID()]; ok {
		return ErrDuplicateSession
	}
	if limit > 0 && len(c.sessions)+1 > limit {
		return ErrCapacityExceeded
	}
	c.sessions[s.ID()] = s
	return nil
}

// RemoveSession removes s by id and reports whether it was registered.
func (c *Channel) RemoveSession(s *Session) bool {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if _, ok := c.sessions[s.ID()]; !ok {
		return false
	}
	delete(c.sessions, s.ID())
	return true
}

func (c *Channel) SessionCount() int {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	return len(c.sessions)
}

// Sessions returns a snapshot of the registered sessions.
func (c *Channel) Sessions() []*Session {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	return out
}

// retireIfEmpty marks the channel closed to new sessions iff it has none.
func (c *Channel) retireIfEmpty() bool {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if len(c.sessions) > 0 {
		return false
	}
	c.retired = true
	return true
}

// Stop kills the decoder and cancels any pending restart. It is safe to call
// when no decoder is running.
func (c *Channel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked()
}

func (c *Channel) stopLocked() {
	c.stops++
	if c.decoder == nil {
		return
	}
	c.state = StateStopping
	proc := c.decoder
	c.decoder = nil
	if err := proc.Kill(); err != nil {
		c.log.Warn("Failed to kill decoder", "pid", proc.Pid(), "error", err)
	}
	c.state = StateIdle
	c.log.Info("Decoder stopped", "pid", proc.Pid())
}

// Dispose stops the decoder, drops every session and closes the receive
// socket. The channel refuses sessions and starts afterwards.
func (c *Channel) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	close(c.done)
	c.stopLocked()
	c.releaseReceiverLocked()
	c.state = StateIdle
	c.mu.Unlock()

	c.sessMu.Lock()
	c.retired = true
	c.sessions = make(map[uuid.UUID]*Session)
	c.sessMu.Unlock()

	c.log.Info("Channel disposed")
}

// ChannelStats is a point-in-time view of a channel for the HTTP API.
type ChannelStats struct {
	URL            string     `json:"url"`
	Discriminator  string     `json:"discriminator,omitempty"`
	State          string     `json:"state"`
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	Network        string     `json:"network"`
	Port           int        `json:"port,omitempty"`
	Sessions       int        `json:"sessions"`
	DecoderPID     int        `json:"decoder_pid,omitempty"`
	DecoderCPU     float64    `json:"decoder_cpu_percent,omitempty"`
	DecoderRSS     uint64     `json:"decoder_rss_bytes,omitempty"`
	ChunksReceived int64      `json:"chunks_received"`
	BytesReceived  int64      `json:"bytes_received"`
	LastChunkAt    *time.Time `json:"last_chunk_at,omitempty"`
	Restarts       int        `json:"restarts"`
}

func (c *Channel) Stats() ChannelStats {
	c.mu.Lock()
	stats := ChannelStats{
		URL:           RedactURL(c.key.URL),
		Discriminator: c.key.Discriminator,
		State:         c.state.String(),
		Width:         c.opts.Width,
		Height:        c.opts.Height,
		Network:       c.opts.Network,
		Restarts:      c.restarts,
	}
	if c.recv != nil {
		stats.Port = c.recv.Port()
	}
	if c.decoder != nil {
		stats.DecoderPID = c.decoder.Pid()
	}
	c.mu.Unlock()

	stats.Sessions = c.SessionCount()
	stats.ChunksReceived = c.chunks.Load()
	stats.BytesReceived = c.bytes.Load()
	if last := c.lastChunk.Load(); last > 0 {
		t := time.Unix(0, last)
		stats.LastChunkAt = &t
	}
	stats.DecoderCPU, stats.DecoderRSS = processUsage(stats.DecoderPID)
	return stats
}
