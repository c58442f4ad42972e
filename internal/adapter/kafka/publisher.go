package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	kafkago "github.com/segmentio/kafka-go"

	"github.com/couchcryptid/atm-occupancy/internal/config"
	"github.com/couchcryptid/atm-occupancy/internal/domain"
	"github.com/couchcryptid/atm-occupancy/internal/observability"
)

const (
	defaultBufferSize = 1024
	finalFlushTimeout = 5 * time.Second
)

// MessageWriter is the subset of *kafkago.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

// Publisher writes every accepted site update to a Kafka topic. Publish never
// blocks the caller; Run drains the buffer in batches on its own goroutine.
type Publisher struct {
	writer        MessageWriter
	buf           chan domain.SiteState
	batchSize     int
	flushInterval time.Duration
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// NewPublisher creates a publisher for the configured state topic.
func NewPublisher(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	w := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.KafkaBrokers...),
		Topic:        cfg.KafkaStateTopic,
		Balancer:     &kafkago.Hash{},
		RequiredAcks: kafkago.RequireAll,
		BatchSize:    cfg.BatchSize,
		// Run already groups messages, so hand each batch over immediately.
		BatchTimeout: 10 * time.Millisecond,
	}
	return newPublisher(w, cfg.BatchSize, cfg.BatchFlushInterval, defaultBufferSize, logger, metrics)
}

func newPublisher(w MessageWriter, batchSize int, flushInterval time.Duration, bufSize int, logger *slog.Logger, metrics *observability.Metrics) *Publisher {
	return &Publisher{
		writer:        w,
		buf:           make(chan domain.SiteState, bufSize),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		logger:        logger,
		metrics:       metrics,
	}
}

// Publish queues one update. When the buffer is full the oldest queued update
// is evicted. Its signature matches store.Subscriber.
func (p *Publisher) Publish(_ string, state domain.SiteState) {
	select {
	case p.buf <- state:
		return
	default:
	}

	select {
	case <-p.buf:
		p.metrics.PublishDropped.Inc()
		p.logger.Warn("state publish buffer full, evicted oldest update",
			"site_id", state.SiteID, "buffer_cap", cap(p.buf))
	default:
	}
	select {
	case p.buf <- state:
	default:
		p.metrics.PublishDropped.Inc()
	}
}

// Run sends queued updates in batches of up to batchSize, flushing partial
// batches every flushInterval. On cancellation it flushes what is queued and
// returns nil.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.Info("state publisher started", "batch_size", p.batchSize, "flush_interval", p.flushInterval)

	ticker := time.NewTicker(p.flushInterval)
	defer ticker.Stop()

	batch := make([]domain.SiteState, 0, p.batchSize)
	for {
		select {
		case <-ctx.Done():
			batch = p.drain(batch)
			flushCtx, cancel := context.WithTimeout(context.Background(), finalFlushTimeout)
			p.flush(flushCtx, batch)
			cancel()
			p.logger.Info("state publisher stopped")
			return nil

		case st := <-p.buf:
			batch = append(batch, st)
			if len(batch) >= p.batchSize {
				p.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				p.flush(ctx, batch)
				batch = batch[:0]
			}
		}
	}
}

// Close releases the underlying writer.
func (p *Publisher) Close() error {
	return p.writer.Close()
}

func (p *Publisher) drain(batch []domain.SiteState) []domain.SiteState {
	for {
		select {
		case st := <-p.buf:
			batch = append(batch, st)
		default:
			return batch
		}
	}
}

// flush writes one batch. A failed batch is logged and dropped; the next
// update of each site supersedes it.
func (p *Publisher) flush(ctx context.Context, batch []domain.SiteState) {
	if len(batch) == 0 {
		return
	}
	msgs := make([]kafkago.Message, 0, len(batch))
	for _, st := range batch {
		msg, err := serializeToMessage(st)
		if err != nil {
			p.logger.Error("serialize site state failed", "site_id", st.SiteID, "error", err)
			continue
		}
		msgs = append(msgs, msg)
	}
	if len(msgs) == 0 {
		return
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		p.metrics.PublishErrors.Inc()
		p.logger.Error("publish site states failed", "error", err, "batch_size", len(msgs))
		return
	}
	p.metrics.PublishedEvents.Add(float64(len(msgs)))
}

// stateEvent is the JSON value written for each update.
type stateEvent struct {
	SiteID    string      `json:"site_id"`
	Tier      domain.Tier `json:"tier"`
	Color     string      `json:"color"`
	Count     int         `json:"count"`
	Sequence  uint64      `json:"sequence"`
	UpdatedAt time.Time   `json:"updated_at"`
}

// serializeToMessage marshals a SiteState into a Kafka message keyed by site,
// so all updates of one site land on one partition in order.
func serializeToMessage(st domain.SiteState) (kafkago.Message, error) {
	data, err := json.Marshal(stateEvent{
		SiteID:    st.SiteID,
		Tier:      st.Tier,
		Color:     st.Tier.Color(),
		Count:     st.Count,
		Sequence:  st.Sequence,
		UpdatedAt: st.UpdatedAt,
	})
	if err != nil {
		return kafkago.Message{}, fmt.Errorf("serialize site state: %w", err)
	}
	return kafkago.Message{
		Key:   []byte(st.SiteID),
		Value: data,
		Headers: []kafkago.Header{
			{Key: "tier", Value: []byte(st.Tier.String())},
			{Key: "updated_at", Value: []byte(st.UpdatedAt.Format(time.RFC3339))},
		},
	}, nil
}
