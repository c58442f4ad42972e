package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/atm-occupancy/internal/adapter/ws"
	"github.com/couchcryptid/atm-occupancy/internal/domain"
	"github.com/couchcryptid/atm-occupancy/internal/observability"
	"github.com/couchcryptid/atm-occupancy/internal/pipeline"
	"github.com/couchcryptid/atm-occupancy/internal/store"
	"github.com/couchcryptid/atm-occupancy/internal/stream"
)

// --- mocks ---

type mockDecoder struct {
	readings []domain.OccupancyReading
	err      error
}

func (m *mockDecoder) Decode([]byte) ([]domain.OccupancyReading, error) {
	return m.readings, m.err
}

type mockApplier struct {
	accept  bool
	applied []domain.OccupancyReading
}

func (m *mockApplier) ApplyReading(r domain.OccupancyReading) bool {
	m.applied = append(m.applied, r)
	return m.accept
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSites() []domain.Site {
	return []domain.Site{
		{ID: "ATM1", Name: "ATM 1", Thresholds: domain.Thresholds{5, 10}},
		{ID: "ATM2", Name: "ATM 2", Thresholds: domain.Thresholds{5, 10}},
		{ID: "ATM3", Name: "ATM 3", Thresholds: domain.Thresholds{5, 10}},
		{ID: "ATM4", Name: "ATM 4", Thresholds: domain.Thresholds{5, 10}},
	}
}

// --- unit tests ---

func TestPipeline_AppliesReadingsInOrder(t *testing.T) {
	readings := []domain.OccupancyReading{
		{SiteID: "ATM1", Count: 1, Sequence: 1},
		{SiteID: "ATM2", Count: 8, Sequence: 1},
	}
	app := &mockApplier{accept: true}
	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(&mockDecoder{readings: readings}, app, discardLogger(), metrics)

	require.Error(t, p.CheckReadiness(context.Background()))
	p.OnMessage([]byte(`{}`))

	assert.Equal(t, readings, app.applied)
	require.NoError(t, p.CheckReadiness(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PipelineReady))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.ReadingsDecoded))
}

func TestPipeline_MalformedFrameDropped(t *testing.T) {
	app := &mockApplier{accept: true}
	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(&mockDecoder{err: domain.ErrMalformedPayload}, app, discardLogger(), metrics)

	p.OnMessage([]byte(`garbage`))

	assert.Empty(t, app.applied)
	assert.Error(t, p.CheckReadiness(context.Background()))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.FramesDropped.WithLabelValues("malformed")))
}

func TestPipeline_NotReadyUntilAccepted(t *testing.T) {
	app := &mockApplier{accept: false}
	p := pipeline.New(&mockDecoder{readings: []domain.OccupancyReading{{SiteID: "ATM1", Count: 1, Sequence: 1}}},
		app, discardLogger(), observability.NewMetricsForTesting())

	p.OnMessage([]byte(`{}`))

	assert.Len(t, app.applied, 1)
	assert.Error(t, p.CheckReadiness(context.Background()), "stale-only frames do not make the service ready")
}

func TestPipeline_LifecycleCallbacksDoNotAffectReadiness(t *testing.T) {
	app := &mockApplier{accept: true}
	p := pipeline.New(&mockDecoder{readings: []domain.OccupancyReading{{SiteID: "ATM1", Count: 1, Sequence: 1}}},
		app, discardLogger(), observability.NewMetricsForTesting())

	p.OnOpen()
	p.OnMessage([]byte(`{}`))
	p.OnClose(errors.New("connection reset"))
	p.OnError(errors.New("dial refused"))
	p.OnClose(nil)

	assert.NoError(t, p.CheckReadiness(context.Background()))
}

func TestCountRejections(t *testing.T) {
	metrics := observability.NewMetricsForTesting()
	hook := pipeline.CountRejections(metrics)

	hook(&domain.EntryError{Site: "ATM1", Err: domain.ErrInvalidCount})
	hook(&domain.EntryError{Site: "ATM9", Err: domain.ErrUnknownSite})
	hook(&domain.EntryError{Site: "ATM9", Err: domain.ErrUnknownSite})

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EntriesRejected.WithLabelValues("invalid_count")))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.EntriesRejected.WithLabelValues("unknown_site")))
}

// --- end to end over a WebSocket feed ---

func TestPipeline_EndToEnd(t *testing.T) {
	frames := make(chan string, 8)
	defer close(frames)
	identities := make(chan string, 4)
	upgrader := websocket.Upgrader{}
	feed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identities <- r.URL.Query().Get("identity")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
	}))
	defer feed.Close()

	logger := discardLogger()
	metrics := observability.NewMetricsForTesting()
	sites := testSites()
	fixed := time.Date(2026, time.October, 15, 12, 0, 0, 0, time.UTC)

	st := store.New(sites, logger, metrics, store.WithClock(clockwork.NewFakeClockAt(fixed)), store.WithStrict(true))
	updates := make(chan domain.SiteState, 16)
	st.Subscribe(func(_ string, s domain.SiteState) { updates <- s })

	decoder := domain.NewDecoder(sites, logger, domain.WithRejectHook(pipeline.CountRejections(metrics)))
	p := pipeline.New(decoder, st, logger, metrics)
	dialer := ws.NewDialer("atm_status", time.Second, 5*time.Second, logger, metrics)
	mgr := stream.NewManager(dialer, p, logger, metrics)

	require.NoError(t, mgr.Start(context.Background(), "ws"+strings.TrimPrefix(feed.URL, "http"), "e2e-client"))
	defer mgr.Stop()
	assert.Equal(t, "e2e-client", <-identities)

	frames <- `{"event": "atm_status", "data": {"ATM2": 7}}`

	select {
	case got := <-updates:
		assert.Equal(t, domain.SiteState{
			SiteID:    "ATM2",
			Tier:      domain.TierMedium,
			Count:     7,
			Sequence:  1,
			UpdatedAt: fixed,
		}, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no update notified")
	}

	// A frame with one bad entry still applies the others; exactly one
	// notification per accepted reading.
	frames <- `{"event": "atm_status", "data": {"ATM1": 12, "ATM3": "x", "ATM7": 1}}`
	select {
	case got := <-updates:
		assert.Equal(t, "ATM1", got.SiteID)
		assert.Equal(t, domain.TierHigh, got.Tier)
	case <-time.After(2 * time.Second):
		t.Fatal("no update for partial batch")
	}

	require.Eventually(t, func() bool {
		return p.CheckReadiness(context.Background()) == nil
	}, time.Second, 10*time.Millisecond)
	select {
	case extra := <-updates:
		t.Fatalf("unexpected extra notification: %+v", extra)
	case <-time.After(50 * time.Millisecond):
	}

	_, ok := st.State("ATM3")
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EntriesRejected.WithLabelValues("invalid_count")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EntriesRejected.WithLabelValues("unknown_site")))
	assert.Equal(t, stream.StateConnected, mgr.Status().State)
}
