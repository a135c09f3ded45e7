// Package relaytest provides in-memory decoders and connections for tests.
package relaytest

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"rtsp-relay-server/internal/relay"
)

var nextPid atomic.Int32

func init() {
	nextPid.Store(900000)
}

// Process is a decoder that runs until Exit or Kill is called.
type Process struct {
	pid    int
	done   chan struct{}
	once   sync.Once
	err    error
	killed atomic.Bool
}

func newProcess() *Process {
	return &Process{pid: int(nextPid.Add(1)), done: make(chan struct{})}
}

func (p *Process) Pid() int { return p.pid }

func (p *Process) Wait() error {
	<-p.done
	return p.err
}

func (p *Process) Kill() error {
	p.killed.Store(true)
	p.finish(errors.New("signal: killed"))
	return nil
}

// Exit ends the process as if it terminated on its own.
func (p *Process) Exit(err error) {
	p.finish(err)
}

func (p *Process) Killed() bool { return p.killed.Load() }

func (p *Process) Exited() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Process) finish(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// Launcher records every launch and hands out fake processes.
type Launcher struct {
	mu        sync.Mutex
	specs     []relay.DecoderSpec
	processes []*Process
	// Err, when set, makes Launch fail.
	Err error
}

func (l *Launcher) Launch(spec relay.DecoderSpec) (relay.Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.Err != nil {
		return nil, l.Err
	}
	p := newProcess()
	l.specs = append(l.specs, spec)
	l.processes = append(l.processes, p)
	return p, nil
}

func (l *Launcher) SetErr(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Err = err
}

func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.processes)
}

func (l *Launcher) Specs() []relay.DecoderSpec {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]relay.DecoderSpec(nil), l.specs...)
}

// Last returns the most recently launched process, or nil.
func (l *Launcher) Last() *Process {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.processes) == 0 {
		return nil
	}
	return l.processes[len(l.processes)-1]
}

// Conn records what the relay sends to a subscriber.
type Conn struct {
	id   uuid.UUID
	path string

	mu       sync.Mutex
	texts    [][]byte
	binaries [][]byte
	closed   bool
	sendErr  error
	panics   bool
}

func NewConn(path string) *Conn {
	return &Conn{id: uuid.New(), path: path}
}

func (c *Conn) ID() uuid.UUID { return c.id }
func (c *Conn) Path() string  { return c.path }

func (c *Conn) SendText(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("connection closed")
	}
	c.texts = append(c.texts, append([]byte(nil), payload...))
	return nil
}

func (c *Conn) SendBinary(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.panics {
		panic("send exploded")
	}
	if c.sendErr != nil {
		return c.sendErr
	}
	if c.closed {
		return errors.New("connection closed")
	}
	c.binaries = append(c.binaries, append([]byte(nil), payload...))
	return nil
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *Conn) IsAvailable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// FailSends makes every binary send return err.
func (c *Conn) FailSends(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sendErr = err
}

// PanicOnSend makes every binary send panic.
func (c *Conn) PanicOnSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.panics = true
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Texts() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.texts))
	for i, t := range c.texts {
		out[i] = string(t)
	}
	return out
}

func (c *Conn) Binaries() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.binaries...)
}
