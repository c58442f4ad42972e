package ws

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/atm-occupancy/internal/observability"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// feedServer accepts one client, records its identity, and writes frames.
type feedServer struct {
	srv      *httptest.Server
	identity chan string
	conns    chan *websocket.Conn
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	f := &feedServer{
		identity: make(chan string, 1),
		conns:    make(chan *websocket.Conn, 1),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.identity <- r.URL.Query().Get("identity")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *feedServer) url() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/stream"
}

func (f *feedServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-f.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("client did not connect")
		return nil
	}
}

func TestDialer_FiltersEventChannel(t *testing.T) {
	feed := newFeedServer(t)
	metrics := observability.NewMetricsForTesting()
	d := NewDialer("atm_status", time.Second, 5*time.Second, discardLogger(), metrics)

	conn, err := d.Dial(context.Background(), feed.url(), "kiosk-1")
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "kiosk-1", <-feed.identity)
	server := feed.accept(t)

	for _, frame := range []string{
		`{"event": "heartbeat", "data": {}}`,
		`not an envelope`,
		`{"event": "atm_status"}`,
		`{"event": "atm_status", "data": {"ATM1": 4}}`,
	} {
		require.NoError(t, server.WriteMessage(websocket.TextMessage, []byte(frame)))
	}

	payload, err := conn.Read()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ATM1": 4}`, string(payload))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FramesReceived))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.FramesDropped.WithLabelValues("envelope")))
}

func TestDialer_ReadFailsWhenPeerCloses(t *testing.T) {
	feed := newFeedServer(t)
	d := NewDialer("atm_status", time.Second, 5*time.Second, discardLogger(), observability.NewMetricsForTesting())

	conn, err := d.Dial(context.Background(), feed.url(), "kiosk-1")
	require.NoError(t, err)
	defer conn.Close()

	server := feed.accept(t)
	require.NoError(t, server.Close())

	_, err = conn.Read()
	require.Error(t, err)
}

func TestDialer_ReadDeadline(t *testing.T) {
	feed := newFeedServer(t)
	d := NewDialer("atm_status", time.Second, 100*time.Millisecond, discardLogger(), observability.NewMetricsForTesting())

	conn, err := d.Dial(context.Background(), feed.url(), "kiosk-1")
	require.NoError(t, err)
	defer conn.Close()
	feed.accept(t)

	start := time.Now()
	_, err = conn.Read()
	require.Error(t, err, "silent peer must time out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestDialer_CloseUnblocksRead(t *testing.T) {
	feed := newFeedServer(t)
	d := NewDialer("atm_status", time.Second, 0, discardLogger(), observability.NewMetricsForTesting())

	conn, err := d.Dial(context.Background(), feed.url(), "kiosk-1")
	require.NoError(t, err)
	feed.accept(t)

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Read()
		errCh <- err
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, conn.Close())
	assert.NoError(t, conn.Close(), "second close is a no-op")

	select {
	case err := <-errCh:
		assert.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("read not unblocked by close")
	}
}

func TestDialer_HandshakeRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "unknown identity", http.StatusForbidden)
	}))
	defer srv.Close()

	d := NewDialer("atm_status", time.Second, 0, discardLogger(), observability.NewMetricsForTesting())
	_, err := d.Dial(context.Background(), "ws"+strings.TrimPrefix(srv.URL, "http"), "kiosk-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestStreamURL(t *testing.T) {
	got, err := streamURL("wss://feed.example.com/stream?region=dz", "kiosk 1")
	require.NoError(t, err)
	assert.Equal(t, "wss://feed.example.com/stream?identity=kiosk+1&region=dz", got)

	_, err = streamURL("http://feed.example.com", "kiosk-1")
	require.Error(t, err)
	_, err = streamURL("://bad", "kiosk-1")
	require.Error(t, err)
}
