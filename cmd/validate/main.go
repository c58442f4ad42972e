// Command validate checks a site catalog and replays captured telemetry frames
// through the decoder and site state store offline. It verifies that every
// accepted reading is classified consistently, that per-site sequences only
// move forward, and optionally that the final state matches an expected
// fixture.
//
// Usage:
//
//	go run ./cmd/validate \
//	  -catalog configs/sites.yaml \
//	  -frames testdata/frames.jsonl \
//	  -expect testdata/expected.json
//
// The frames file holds one frame per line, either a full event envelope or a
// bare count payload. The expect file maps site IDs to {"tier", "count"}.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/atm-occupancy/internal/adapter/ws"
	"github.com/couchcryptid/atm-occupancy/internal/catalog"
	"github.com/couchcryptid/atm-occupancy/internal/domain"
	"github.com/couchcryptid/atm-occupancy/internal/observability"
	"github.com/couchcryptid/atm-occupancy/internal/pipeline"
	"github.com/couchcryptid/atm-occupancy/internal/store"
)

// replayTime is the fixed clock for replays so UpdatedAt is reproducible.
var replayTime = time.Date(2026, time.January, 1, 0, 0, 0, 0, time.UTC)

// phase tracks pass/fail for a validation phase.
type phase struct {
	name   string
	errors []string
}

func (p *phase) errorf(format string, args ...any) {
	p.errors = append(p.errors, fmt.Sprintf(format, args...))
}

func (p *phase) passed() bool { return len(p.errors) == 0 }

// expectation is the final state a site should reach after the replay.
type expectation struct {
	Tier  domain.Tier `json:"tier"`
	Count int         `json:"count"`
}

func main() {
	catalogPath := flag.String("catalog", "configs/sites.yaml", "site catalog to validate")
	framesPath := flag.String("frames", "", "captured frames to replay (one per line)")
	expectPath := flag.String("expect", "", "expected final site states (JSON)")
	event := flag.String("event", "atm_status", "event name carrying occupancy counts")
	flag.Parse()

	os.Exit(run(os.Stdout, *catalogPath, *framesPath, *expectPath, *event))
}

func run(out io.Writer, catalogPath, framesPath, expectPath, event string) int {
	fmt.Fprintln(out, "=== ATM Occupancy Validation ===")
	fmt.Fprintln(out)

	cat, err := catalog.Load(catalogPath)
	catPhase := &phase{name: "Phase 1: Site Catalog"}
	if err != nil {
		catPhase.errorf("%v", err)
		return report(out, []*phase{catPhase}, nil)
	}
	sites := cat.Sites()

	phases := []*phase{catPhase}
	var r *replay
	if framesPath != "" {
		frames, err := loadFrames(framesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load frames: %v\n", err)
			return 1
		}
		r = newReplay(sites, event)
		phases = append(phases, r.run(frames), r.validateClassification())
	}
	if expectPath != "" {
		if r == nil {
			fmt.Fprintln(os.Stderr, "FATAL: -expect requires -frames")
			return 1
		}
		want, err := loadExpectations(expectPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "FATAL: load expectations: %v\n", err)
			return 1
		}
		phases = append(phases, r.validateExpectations(want))
	}

	return report(out, phases, func() {
		fmt.Fprintf(out, "Sites: %d", len(sites))
		if r != nil {
			fmt.Fprintf(out, ", frames: %d, applied: %d, stale: %d, malformed: %d, rejected entries: %d",
				r.frames, r.applied, r.stale, r.malformed, r.rejected)
		}
		fmt.Fprintln(out)
	})
}

func report(out io.Writer, phases []*phase, summary func()) int {
	allPassed := true
	for _, p := range phases {
		status := "\033[32mPASS\033[0m"
		if !p.passed() {
			status = fmt.Sprintf("\033[31mFAIL (%d errors)\033[0m", len(p.errors))
			allPassed = false
		}
		fmt.Fprintf(out, "  %-42s %s\n", p.name, status)
	}

	if summary != nil {
		fmt.Fprintln(out)
		summary()
	}

	for _, p := range phases {
		if p.passed() {
			continue
		}
		fmt.Fprintf(out, "\n--- %s ---\n", p.name)
		for i, e := range p.errors {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, e)
		}
	}

	if allPassed {
		fmt.Fprintln(out, "\nAll validations passed.")
		return 0
	}
	fmt.Fprintln(out, "\nValidation FAILED.")
	return 1
}

// ── Data loading ──

func loadFrames(path string) ([][]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var frames [][]byte
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		frames = append(frames, append([]byte(nil), line...))
	}
	return frames, sc.Err()
}

func loadExpectations(path string) (map[string]expectation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var want map[string]expectation
	if err := json.Unmarshal(data, &want); err != nil {
		return nil, err
	}
	return want, nil
}

// ── Replay ──

type replay struct {
	event   string
	sites   []domain.Site
	store   *store.Store
	decoder *domain.Decoder
	lastSeq map[string]uint64

	frames, applied, stale, malformed, rejected int
	ordering                                    *phase
}

func newReplay(sites []domain.Site, event string) *replay {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()
	r := &replay{
		event:    event,
		sites:    sites,
		store:    store.New(sites, logger, metrics, store.WithClock(clockwork.NewFakeClockAt(replayTime))),
		lastSeq:  make(map[string]uint64, len(sites)),
		ordering: &phase{name: "Phase 2: Replay (decode, apply, ordering)"},
	}
	countRejections := pipeline.CountRejections(metrics)
	r.decoder = domain.NewDecoder(sites, logger, domain.WithRejectHook(func(e *domain.EntryError) {
		r.rejected++
		countRejections(e)
	}))
	r.store.Subscribe(r.checkOrder)
	return r
}

func (r *replay) checkOrder(siteID string, st domain.SiteState) {
	if prev := r.lastSeq[siteID]; st.Sequence <= prev {
		r.ordering.errorf("%s: sequence went from %d to %d", siteID, prev, st.Sequence)
	}
	r.lastSeq[siteID] = st.Sequence
}

func (r *replay) run(frames [][]byte) *phase {
	for i, frame := range frames {
		r.frames++
		payload, ok := r.payload(frame)
		if !ok {
			continue
		}
		readings, err := r.decoder.Decode(payload)
		if err != nil {
			r.malformed++
			r.ordering.errorf("frame %d: %v", i+1, err)
			continue
		}
		for _, reading := range readings {
			if r.store.ApplyReading(reading) {
				r.applied++
			} else {
				r.stale++
			}
		}
	}
	return r.ordering
}

// payload unwraps an event envelope. Frames for other events are skipped;
// lines that are not envelopes are treated as bare payloads.
func (r *replay) payload(frame []byte) ([]byte, bool) {
	var env ws.Envelope
	if err := json.Unmarshal(frame, &env); err != nil || env.Event == "" || len(env.Data) == 0 {
		return frame, true
	}
	if env.Event != r.event {
		return nil, false
	}
	return env.Data, true
}

func (r *replay) validateClassification() *phase {
	p := &phase{name: "Phase 3: Tier Classification"}
	for _, site := range r.sites {
		st, ok := r.store.State(site.ID)
		if !ok {
			continue
		}
		if want := domain.Classify(st.Count, site.Thresholds); st.Tier != want {
			p.errorf("%s: count %d has tier %s, want %s", site.ID, st.Count, st.Tier, want)
		}
		if !st.UpdatedAt.Equal(replayTime) {
			p.errorf("%s: updated_at %s, want %s", site.ID, st.UpdatedAt, replayTime)
		}
	}
	return p
}

func (r *replay) validateExpectations(want map[string]expectation) *phase {
	p := &phase{name: "Phase 4: Expected Final State"}
	for _, site := range r.sites {
		exp, hasExp := want[site.ID]
		st, hasState := r.store.State(site.ID)
		switch {
		case !hasExp && hasState:
			p.errorf("%s: unexpected state (tier %s, count %d)", site.ID, st.Tier, st.Count)
		case hasExp && !hasState:
			p.errorf("%s: no reading applied, want tier %s count %d", site.ID, exp.Tier, exp.Count)
		case hasExp && hasState:
			if st.Tier != exp.Tier || st.Count != exp.Count {
				p.errorf("%s: got tier %s count %d, want tier %s count %d",
					site.ID, st.Tier, st.Count, exp.Tier, exp.Count)
			}
		}
	}
	for id := range want {
		if _, ok := r.store.Site(id); !ok {
			p.errorf("%s: expected site is not in the catalog", id)
		}
	}
	return p
}
