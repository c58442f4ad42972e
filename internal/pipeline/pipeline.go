package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/couchcryptid/atm-occupancy/internal/domain"
	"github.com/couchcryptid/atm-occupancy/internal/observability"
)

// Decoder turns a raw payload into readings.
type Decoder interface {
	Decode(payload []byte) ([]domain.OccupancyReading, error)
}

// Applier accepts readings into the site state store.
type Applier interface {
	ApplyReading(r domain.OccupancyReading) bool
}

// Pipeline is the single inbound path: every frame from the stream manager is
// decoded and its readings applied in order. It implements stream.Listener.
type Pipeline struct {
	decoder Decoder
	applier Applier
	logger  *slog.Logger
	metrics *observability.Metrics
	ready   atomic.Bool
}

// New creates a Pipeline with the given stages and observability.
func New(d Decoder, a Applier, logger *slog.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		decoder: d,
		applier: a,
		logger:  logger,
		metrics: metrics,
	}
}

// CheckReadiness returns nil once at least one reading has been applied.
// Stale state is preferred to no state, so readiness survives disconnects.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("no occupancy reading applied yet")
	}
	return nil
}

func (p *Pipeline) OnOpen() {
	p.logger.Info("telemetry stream open")
}

// OnMessage decodes one frame and applies its readings. Decode failures drop
// the frame; they never stop the stream.
func (p *Pipeline) OnMessage(payload []byte) {
	start := time.Now()

	readings, err := p.decoder.Decode(payload)
	if err != nil {
		p.logger.Warn("frame dropped", "error", err, "bytes", len(payload))
		p.metrics.FramesDropped.WithLabelValues("malformed").Inc()
		return
	}
	if len(readings) == 0 {
		return
	}
	p.metrics.ReadingsDecoded.Add(float64(len(readings)))

	applied := 0
	for _, r := range readings {
		if p.applier.ApplyReading(r) {
			applied++
		}
	}
	p.metrics.FrameProcessing.Observe(time.Since(start).Seconds())

	if applied > 0 && p.ready.CompareAndSwap(false, true) {
		p.metrics.PipelineReady.Set(1)
		p.logger.Info("first occupancy reading applied", "sites", applied)
	}
	p.logger.Debug("frame processed", "readings", len(readings), "applied", applied)
}

func (p *Pipeline) OnClose(reason error) {
	if reason == nil {
		p.logger.Info("telemetry stream closed")
		return
	}
	p.logger.Warn("telemetry stream lost", "error", reason)
}

func (p *Pipeline) OnError(err error) {
	p.logger.Warn("telemetry stream error", "error", err)
}

// CountRejections returns a decoder reject hook that counts dropped entries
// by reason.
func CountRejections(metrics *observability.Metrics) func(*domain.EntryError) {
	return func(e *domain.EntryError) {
		reason := "other"
		switch {
		case errors.Is(e, domain.ErrInvalidCount):
			reason = "invalid_count"
		case errors.Is(e, domain.ErrUnknownSite):
			reason = "unknown_site"
		}
		metrics.EntriesRejected.WithLabelValues(reason).Inc()
	}
}
