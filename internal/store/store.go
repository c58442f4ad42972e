// Package store holds the authoritative in-memory state of every site and
// notifies subscribers of each accepted update.
package store

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/atm-occupancy/internal/domain"
	"github.com/couchcryptid/atm-occupancy/internal/observability"
)

// Subscriber is called with every accepted update. It runs synchronously on
// the applying goroutine, so it must not block and must not call ApplyReading.
type Subscriber func(siteID string, state domain.SiteState)

// Option configures a Store.
type Option func(*Store)

// WithClock sets the clock used for UpdatedAt.
func WithClock(c clockwork.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithStrict makes invariant breaches panic instead of being logged and dropped.
func WithStrict(strict bool) Option {
	return func(s *Store) { s.strict = strict }
}

type subscription struct {
	fn Subscriber
}

// Store maps site IDs to their latest SiteState.
type Store struct {
	logger  *slog.Logger
	metrics *observability.Metrics
	clock   clockwork.Clock
	strict  bool

	order []string
	sites map[string]domain.Site

	mu     sync.RWMutex
	states map[string]domain.SiteState
	subs   []*subscription

	applying atomic.Bool
}

// New builds a store for the given catalog. Sites are immutable afterwards.
func New(sites []domain.Site, logger *slog.Logger, metrics *observability.Metrics, opts ...Option) *Store {
	s := &Store{
		logger:  logger,
		metrics: metrics,
		clock:   clockwork.NewRealClock(),
		order:   make([]string, 0, len(sites)),
		sites:   make(map[string]domain.Site, len(sites)),
		states:  make(map[string]domain.SiteState, len(sites)),
	}
	for _, site := range sites {
		s.order = append(s.order, site.ID)
		s.sites[site.ID] = site
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ApplyReading stores r if its sequence is newer than the site's current one
// and notifies subscribers. It reports whether the reading was accepted.
// Calls must come from a single goroutine; overlapping calls are treated as
// re-entrant.
func (s *Store) ApplyReading(r domain.OccupancyReading) bool {
	if !s.applying.CompareAndSwap(false, true) {
		s.breach("re-entrant ApplyReading", "site_id", r.SiteID)
		return false
	}
	defer s.applying.Store(false)

	site, ok := s.sites[r.SiteID]
	if !ok {
		s.logger.Warn("reading for unknown site dropped", "site_id", r.SiteID)
		return false
	}
	if r.Count < 0 {
		s.breach("negative occupancy count", "site_id", r.SiteID, "count", r.Count)
		return false
	}

	s.mu.Lock()
	prev, seen := s.states[r.SiteID]
	if seen && r.Sequence <= prev.Sequence {
		s.mu.Unlock()
		s.metrics.ReadingsStale.Inc()
		return false
	}
	state := domain.SiteState{
		SiteID:    r.SiteID,
		Tier:      domain.Classify(r.Count, site.Thresholds),
		Count:     r.Count,
		Sequence:  r.Sequence,
		UpdatedAt: s.clock.Now().UTC(),
	}
	s.states[r.SiteID] = state
	subs := make([]*subscription, len(s.subs))
	copy(subs, s.subs)
	s.mu.Unlock()

	s.metrics.ReadingsApplied.Inc()
	s.metrics.SiteCount.WithLabelValues(r.SiteID).Set(float64(state.Count))
	s.metrics.SiteTier.WithLabelValues(r.SiteID).Set(float64(state.Tier))

	if seen && prev.Tier != state.Tier {
		s.logger.Info("site tier changed",
			"site_id", r.SiteID, "from", prev.Tier.String(), "to", state.Tier.String(), "count", state.Count)
	}

	for _, sub := range subs {
		sub.fn(r.SiteID, state)
	}
	return true
}

// State returns the current state of a site, if it has received a reading.
func (s *Store) State(siteID string) (domain.SiteState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[siteID]
	return st, ok
}

// Snapshot returns the state of every site that has received a reading,
// in catalog order.
func (s *Store) Snapshot() []domain.SiteState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.SiteState, 0, len(s.states))
	for _, id := range s.order {
		if st, ok := s.states[id]; ok {
			out = append(out, st)
		}
	}
	return out
}

// Sites returns the catalog in configured order.
func (s *Store) Sites() []domain.Site {
	out := make([]domain.Site, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.sites[id])
	}
	return out
}

// Site looks up a catalog entry.
func (s *Store) Site(id string) (domain.Site, bool) {
	site, ok := s.sites[id]
	return site, ok
}

// Subscribe registers fn for every accepted update. Subscribers are called in
// subscription order. The returned function unsubscribes and is idempotent.
func (s *Store) Subscribe(fn Subscriber) func() {
	sub := &subscription{fn: fn}
	s.mu.Lock()
	s.subs = append(s.subs, sub)
	n := len(s.subs)
	s.mu.Unlock()
	s.metrics.Subscribers.Set(float64(n))

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			for i, cur := range s.subs {
				if cur == sub {
					s.subs = append(s.subs[:i:i], s.subs[i+1:]...)
					break
				}
			}
			n := len(s.subs)
			s.mu.Unlock()
			s.metrics.Subscribers.Set(float64(n))
		})
	}
}

func (s *Store) breach(msg string, args ...any) {
	if s.strict {
		panic(fmt.Sprintf("store invariant violated: %s %v", msg, args))
	}
	s.logger.Error("store invariant violated", append([]any{"violation", msg}, args...)...)
}
