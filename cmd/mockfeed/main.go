// Command mockfeed serves a local occupancy telemetry stream for development.
// Every connected client receives a count for each catalog site on a fixed
// interval, drifting by a small random step per tick.
//
// Usage:
//
//	go run ./cmd/mockfeed -catalog configs/sites.yaml -addr :9000 -interval 2s
//
// Point the service at it with STREAM_URL=ws://localhost:9000/stream.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/websocket"

	"github.com/couchcryptid/atm-occupancy/internal/adapter/ws"
	"github.com/couchcryptid/atm-occupancy/internal/catalog"
)

const writeTimeout = 5 * time.Second

type options struct {
	event     string
	interval  time.Duration
	maxCount  int
	sequenced bool
	seed      uint64
}

func main() {
	addr := flag.String("addr", ":9000", "listen address")
	catalogPath := flag.String("catalog", "configs/sites.yaml", "site catalog to generate counts for")
	var opts options
	flag.StringVar(&opts.event, "event", "atm_status", "event name of emitted frames")
	flag.DurationVar(&opts.interval, "interval", 2*time.Second, "time between frames")
	flag.IntVar(&opts.maxCount, "max", 15, "upper bound of generated counts")
	flag.BoolVar(&opts.sequenced, "sequenced", false, "wrap counts with an explicit sequence number")
	flag.Uint64Var(&opts.seed, "seed", 1, "random seed")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	cat, err := catalog.Load(*catalogPath)
	if err != nil {
		logger.Error("failed to load site catalog", "error", err)
		os.Exit(1)
	}
	ids := make([]string, 0, len(cat.Entries))
	for _, s := range cat.Entries {
		ids = append(ids, s.ID)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mux := http.NewServeMux()
	mux.Handle("GET /stream", &feed{ctx: ctx, ids: ids, opts: opts, logger: logger})
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info("mock feed listening", "addr", *addr, "sites", len(ids), "interval", opts.interval)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("mock feed server error", "error", err)
		os.Exit(1)
	}
}

type feed struct {
	ctx    context.Context
	ids    []string
	opts   options
	logger *slog.Logger
}

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

func (f *feed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	identity := r.URL.Query().Get("identity")
	f.logger.Info("client connected", "identity", identity, "remote_addr", r.RemoteAddr)
	defer f.logger.Info("client disconnected", "identity", identity)

	// Drain control frames so close and ping are handled.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	gen := newGenerator(f.ids, f.opts.maxCount, f.opts.seed)
	ticker := time.NewTicker(f.opts.interval)
	defer ticker.Stop()

	var seq uint64
	for {
		seq++
		frame, err := encodeFrame(f.opts.event, gen.next(), f.opts.sequenced, seq)
		if err != nil {
			f.logger.Error("encode frame", "error", err)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
			return
		}

		select {
		case <-f.ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
				time.Now().Add(writeTimeout))
			return
		case <-closed:
			return
		case <-ticker.C:
		}
	}
}

// generator produces a bounded random walk of counts per site.
type generator struct {
	ids    []string
	max    int
	rng    *rand.Rand
	counts map[string]int
}

func newGenerator(ids []string, maxCount int, seed uint64) *generator {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	counts := make(map[string]int, len(ids))
	for _, id := range ids {
		counts[id] = rng.IntN(maxCount + 1)
	}
	return &generator{ids: ids, max: maxCount, rng: rng, counts: counts}
}

func (g *generator) next() map[string]int {
	out := make(map[string]int, len(g.ids))
	for _, id := range g.ids {
		c := g.counts[id] + g.rng.IntN(5) - 2
		c = max(0, min(c, g.max))
		g.counts[id] = c
		out[id] = c
	}
	return out
}

func encodeFrame(event string, counts map[string]int, sequenced bool, seq uint64) ([]byte, error) {
	var payload any = counts
	if sequenced {
		payload = struct {
			Counts   map[string]int `json:"counts"`
			Sequence uint64         `json:"sequence"`
		}{counts, seq}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ws.Envelope{Event: event, Data: data})
}
