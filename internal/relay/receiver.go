package relay

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
)

// ChunkSize is the receive buffer size; one read never yields more.
const ChunkSize = 1472

// receiver is the loopback endpoint a decoder streams into.
type receiver interface {
	Network() string
	Port() int
	// Serve reads until the receiver is closed, calling handle with a fresh
	// slice for every read. Errors other than closing are passed to onError,
	// after which Serve returns.
	Serve(handle func(chunk []byte), onError func(error))
	Close() error
}

func listen(network string) (receiver, error) {
	switch network {
	case "udp", "":
		conn, err := net.ListenPacket("udp4", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		return &udpReceiver{conn: conn}, nil
	case "tcp":
		ln, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			return nil, err
		}
		return &tcpReceiver{ln: ln, conns: make(map[net.Conn]struct{})}, nil
	default:
		return nil, fmt.Errorf("unsupported receive protocol %q", network)
	}
}

type udpReceiver struct {
	conn net.PacketConn
}

func (r *udpReceiver) Network() string { return "udp" }

func (r *udpReceiver) Port() int {
	return r.conn.LocalAddr().(*net.UDPAddr).Port
}

func (r *udpReceiver) Serve(handle func([]byte), onError func(error)) {
	buf := make([]byte, ChunkSize)
	for {
		n, _, err := r.conn.ReadFrom(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			handle(chunk)
		}
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				onError(err)
			}
			return
		}
	}
}

func (r *udpReceiver) Close() error {
	return r.conn.Close()
}

// tcpReceiver keeps accepting so a respawned decoder can reconnect; every
// accepted connection feeds the same handler.
type tcpReceiver struct {
	ln net.Listener

	mu     sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
}

func (r *tcpReceiver) Network() string { return "tcp" }

func (r *tcpReceiver) Port() int {
	return r.ln.Addr().(*net.TCPAddr).Port
}

func (r *tcpReceiver) Serve(handle func([]byte), onError func(error)) {
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				onError(err)
			}
			return
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.conns[conn] = struct{}{}
		r.mu.Unlock()

		go r.read(conn, handle, onError)
	}
}

func (r *tcpReceiver) read(conn net.Conn, handle func([]byte), onError func(error)) {
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	buf := make([]byte, ChunkSize)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			handle(chunk)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				onError(err)
			}
			return
		}
	}
}

func (r *tcpReceiver) Close() error {
	r.mu.Lock()
	r.closed = true
	conns := make([]net.Conn, 0, len(r.conns))
	for c := range r.conns {
		conns = append(conns, c)
	}
	r.mu.Unlock()

	err := r.ln.Close()
	for _, c := range conns {
		c.Close()
	}
	return err
}
