package gateway_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rtsp-relay-server/internal/gateway"
	"rtsp-relay-server/internal/metrics"
	"rtsp-relay-server/internal/relay"
	"rtsp-relay-server/internal/relay/relaytest"
)

const streamPath = "/?rtsplink=rtsp://host/stream1a"

var streamKey = relay.Key{URL: "rtsp://host/stream1", Discriminator: "a"}

type fakeTransport struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeTransport) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func newTestGateway(t *testing.T, launcher *relaytest.Launcher, limit int) *gateway.Gateway {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := gateway.New(func(key relay.Key) *relay.Channel {
		return relay.NewChannel(key, relay.Options{
			Width:    352,
			Height:   240,
			Launcher: launcher,
			Logger:   log,
		})
	}, gateway.Options{
		ClientLimit:      limit,
		UseDiscriminator: true,
		Logger:           log,
	})
	t.Cleanup(func() { _ = g.Dispose(context.Background()) })
	return g
}

func TestGateway_ConnectSendsInit(t *testing.T) {
	launcher := &relaytest.Launcher{}
	g := newTestGateway(t, launcher, 10)
	conn := relaytest.NewConn(streamPath)

	g.OnConnect(conn)

	assert.Equal(t, []string{`{"Action":"Init","Width":352,"Height":240}`}, conn.Texts())
	assert.False(t, conn.Closed())
	assert.Equal(t, 1, launcher.Launches())
	assert.Equal(t, "rtsp://host/stream1", launcher.Specs()[0].SourceURL)

	ch, ok := g.Registry().Get(streamKey)
	require.True(t, ok)
	assert.Equal(t, 1, ch.SessionCount())
	assert.Equal(t, 1, g.Sessions().Len())
}

func TestGateway_ConnectsShareOneChannel(t *testing.T) {
	launcher := &relaytest.Launcher{}
	g := newTestGateway(t, launcher, 10)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			g.OnConnect(relaytest.NewConn(streamPath))
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, launcher.Launches())
	assert.Equal(t, 1, g.Registry().Len())
	assert.Equal(t, 8, g.Sessions().Len())
}

func TestGateway_RejectsClientOverLimit(t *testing.T) {
	launcher := &relaytest.Launcher{}
	m := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := gateway.New(func(key relay.Key) *relay.Channel {
		return relay.NewChannel(key, relay.Options{Width: 352, Height: 240, Launcher: launcher, Logger: log})
	}, gateway.Options{ClientLimit: 10, UseDiscriminator: true, Logger: log, Metrics: m})
	t.Cleanup(func() { _ = g.Dispose(context.Background()) })

	for i := 0; i < 10; i++ {
		g.OnConnect(relaytest.NewConn(streamPath))
	}

	eleventh := relaytest.NewConn(streamPath)
	g.OnConnect(eleventh)

	assert.Equal(t, []string{`{"Action":"Message","Message":"Too many client connected"}`}, eleventh.Texts())
	assert.True(t, eleventh.Closed())

	ch, ok := g.Registry().Get(streamKey)
	require.True(t, ok)
	assert.Equal(t, 10, ch.SessionCount())
	assert.Equal(t, 10, g.Sessions().Len())
	_, registered := g.Sessions().Get(eleventh.ID())
	assert.False(t, registered)

	body, err := io.ReadAll(gatherMetric(t, m))
	require.NoError(t, err)
	assert.Contains(t, string(body), "relay_admissions_rejected_total 1")

	// a rejected client's disconnect does not disturb the channel
	g.OnDisconnect(eleventh)
	assert.Equal(t, 10, ch.SessionCount())
}

func TestGateway_ConcurrentConnectsOverLimit(t *testing.T) {
	launcher := &relaytest.Launcher{}
	g := newTestGateway(t, launcher, 10)

	const clients = 11
	conns := make([]*relaytest.Conn, clients)
	for i := range conns {
		conns[i] = relaytest.NewConn(streamPath)
	}

	start := make(chan struct{})
	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *relaytest.Conn) {
			defer wg.Done()
			<-start
			g.OnConnect(c)
		}(c)
	}
	close(start)
	wg.Wait()

	var rejected, admitted int
	for _, c := range conns {
		texts := c.Texts()
		require.Len(t, texts, 1)
		switch texts[0] {
		case `{"Action":"Message","Message":"Too many client connected"}`:
			rejected++
			assert.True(t, c.Closed())
		case `{"Action":"Init","Width":352,"Height":240}`:
			admitted++
			assert.False(t, c.Closed())
		default:
			t.Fatalf("unexpected message %s", texts[0])
		}
	}
	assert.Equal(t, 1, rejected)
	assert.Equal(t, 10, admitted)

	ch, ok := g.Registry().Get(streamKey)
	require.True(t, ok)
	assert.Equal(t, 10, ch.SessionCount())
	assert.Equal(t, 10, g.Sessions().Len())
	assert.Equal(t, 1, launcher.Launches())
}

func TestGateway_LastDisconnectTearsDownChannel(t *testing.T) {
	launcher := &relaytest.Launcher{}
	g := newTestGateway(t, launcher, 10)

	a := relaytest.NewConn(streamPath)
	b := relaytest.NewConn(streamPath)
	g.OnConnect(a)
	g.OnConnect(b)
	proc := launcher.Last()

	g.OnDisconnect(a)
	_, ok := g.Registry().Get(streamKey)
	assert.True(t, ok)
	assert.False(t, proc.Killed())

	g.OnDisconnect(b)
	_, ok = g.Registry().Get(streamKey)
	assert.False(t, ok)
	assert.True(t, proc.Killed())
	assert.Equal(t, 0, g.Sessions().Len())

	// unknown connections are ignored
	g.OnDisconnect(b)

	c := relaytest.NewConn(streamPath)
	g.OnConnect(c)
	assert.Equal(t, 2, launcher.Launches())
	assert.Len(t, c.Texts(), 1)
}

func TestGateway_DiscriminatorSplitsChannels(t *testing.T) {
	launcher := &relaytest.Launcher{}
	g := newTestGateway(t, launcher, 10)

	g.OnConnect(relaytest.NewConn("/?rtsplink=rtsp://host/stream1a"))
	g.OnConnect(relaytest.NewConn("/?rtsplink=rtsp://host/stream1b"))

	assert.Equal(t, 2, g.Registry().Len())
	assert.Equal(t, 2, launcher.Launches())
	for _, spec := range launcher.Specs() {
		assert.Equal(t, "rtsp://host/stream1", spec.SourceURL)
	}
}

func TestGateway_OnErrorDisconnectsAndCloses(t *testing.T) {
	launcher := &relaytest.Launcher{}
	g := newTestGateway(t, launcher, 10)
	conn := relaytest.NewConn(streamPath)
	g.OnConnect(conn)

	g.OnError(conn, errors.New("connection reset by peer"))

	assert.True(t, conn.Closed())
	assert.Equal(t, 0, g.Sessions().Len())
	assert.Equal(t, 0, g.Registry().Len())
}

func TestGateway_OnMessageIsIgnored(t *testing.T) {
	g := newTestGateway(t, &relaytest.Launcher{}, 10)
	conn := relaytest.NewConn(streamPath)
	g.OnConnect(conn)

	g.OnMessage(conn, []byte("hello"))

	assert.Len(t, conn.Texts(), 1)
	assert.Equal(t, 1, g.Sessions().Len())
}

func TestGateway_StartFailureStillAdmits(t *testing.T) {
	launcher := &relaytest.Launcher{Err: errors.New("no ffmpeg")}
	g := newTestGateway(t, launcher, 10)
	conn := relaytest.NewConn(streamPath)

	g.OnConnect(conn)

	ch, ok := g.Registry().Get(streamKey)
	require.True(t, ok)
	assert.Equal(t, relay.StateIdle, ch.State())
	assert.Len(t, conn.Texts(), 1)
}

func TestGateway_Dispose(t *testing.T) {
	launcher := &relaytest.Launcher{}
	g := newTestGateway(t, launcher, 10)
	transport := &fakeTransport{err: errors.New("listener already closed")}
	g.Attach(transport)

	conns := []*relaytest.Conn{relaytest.NewConn(streamPath), relaytest.NewConn("/?rtsplink=rtsp://host/other1a")}
	for _, c := range conns {
		g.OnConnect(c)
	}

	err := g.Dispose(context.Background())
	assert.Error(t, err)
	assert.NoError(t, g.Dispose(context.Background()))

	assert.Equal(t, 1, transport.calls)
	assert.Equal(t, 0, g.Registry().Len())
	assert.Equal(t, 0, g.Sessions().Len())
	for _, c := range conns {
		assert.True(t, c.Closed())
	}
	assert.True(t, launcher.Last().Killed())
}

type panickyConn struct {
	*relaytest.Conn
}

func (panickyConn) Path() string { panic("path exploded") }

func TestGateway_RecoversPanickingConnection(t *testing.T) {
	m := metrics.New()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	launcher := &relaytest.Launcher{}
	g := gateway.New(func(key relay.Key) *relay.Channel {
		return relay.NewChannel(key, relay.Options{Launcher: launcher, Logger: log})
	}, gateway.Options{ClientLimit: 10, Logger: log, Metrics: m})
	t.Cleanup(func() { _ = g.Dispose(context.Background()) })

	assert.NotPanics(t, func() { g.OnConnect(panickyConn{relaytest.NewConn(streamPath)}) })
	assert.Equal(t, 0, launcher.Launches())

	body, err := io.ReadAll(gatherMetric(t, m))
	require.NoError(t, err)
	assert.Contains(t, string(body), `relay_panics_recovered_total{event="connect"} 1`)
}

func gatherMetric(t *testing.T, m *metrics.Metrics) io.Reader {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler(nil).ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body
}
