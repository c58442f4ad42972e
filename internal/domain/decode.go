package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"time"
)

// Decoder turns raw frame payloads into occupancy readings for the sites of a
// fixed catalog. It keeps per-site arrival counters and is not safe for
// concurrent use; the pipeline calls it from a single goroutine.
type Decoder struct {
	sites    []string
	known    map[string]struct{}
	seq      map[string]uint64
	logger   *slog.Logger
	onReject func(*EntryError)
}

// DecoderOption configures a Decoder.
type DecoderOption func(*Decoder)

// WithRejectHook registers fn to be called for every rejected or ignored entry.
func WithRejectHook(fn func(*EntryError)) DecoderOption {
	return func(d *Decoder) { d.onReject = fn }
}

// NewDecoder creates a Decoder for the given catalog. Readings are emitted in
// catalog order.
func NewDecoder(sites []Site, logger *slog.Logger, opts ...DecoderOption) *Decoder {
	d := &Decoder{
		sites:  make([]string, 0, len(sites)),
		known:  make(map[string]struct{}, len(sites)),
		seq:    make(map[string]uint64, len(sites)),
		logger: logger,
	}
	for _, s := range sites {
		d.sites = append(d.sites, s.ID)
		d.known[s.ID] = struct{}{}
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Decode parses one payload. It returns an error wrapping ErrMalformedPayload
// only when the payload as a whole is unusable; invalid entries are dropped
// individually. A payload without valid entries yields no readings and no error.
func (d *Decoder) Decode(payload []byte) ([]OccupancyReading, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if fields == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedPayload)
	}

	counts, explicit, err := unwrapCounts(fields)
	if err != nil {
		return nil, err
	}

	var readings []OccupancyReading
	for _, id := range d.sites {
		raw, ok := counts[id]
		if !ok {
			continue
		}
		count, err := parseCount(raw)
		if err != nil {
			d.reject(id, err)
			continue
		}
		seq := explicit
		if seq == 0 {
			d.seq[id]++
			seq = d.seq[id]
		} else {
			// Later bare frames must number past the last explicit value.
			d.seq[id] = max(d.seq[id], explicit)
		}
		readings = append(readings, OccupancyReading{SiteID: id, Count: count, Sequence: seq})
	}

	for _, label := range sortedKeys(counts) {
		if _, ok := d.known[label]; !ok {
			d.reject(label, ErrUnknownSite)
		}
	}

	return readings, nil
}

func (d *Decoder) reject(site string, err error) {
	entryErr := &EntryError{Site: site, Err: err}
	d.logger.Warn("occupancy entry dropped", "site_id", site, "error", err)
	if d.onReject != nil {
		d.onReject(entryErr)
	}
}

// unwrapCounts separates the count mapping from an optional sequence envelope.
// It returns the explicit sequence, or 0 when the source supplied none.
func unwrapCounts(fields map[string]json.RawMessage) (map[string]json.RawMessage, uint64, error) {
	rawCounts, wrapped := fields["counts"]
	if !wrapped {
		return fields, 0, nil
	}

	var counts map[string]json.RawMessage
	if !isObject(rawCounts) || json.Unmarshal(rawCounts, &counts) != nil {
		return nil, 0, fmt.Errorf("%w: counts is not an object", ErrMalformedPayload)
	}

	if raw, ok := fields["sequence"]; ok {
		var seq uint64
		if err := json.Unmarshal(raw, &seq); err != nil || seq == 0 {
			return nil, 0, fmt.Errorf("%w: sequence must be a positive integer", ErrMalformedPayload)
		}
		return counts, seq, nil
	}

	if raw, ok := fields["timestamp"]; ok {
		var ts time.Time
		if err := json.Unmarshal(raw, &ts); err != nil {
			return nil, 0, fmt.Errorf("%w: timestamp: %v", ErrMalformedPayload, err)
		}
		if ts.UnixNano() <= 0 {
			return nil, 0, fmt.Errorf("%w: timestamp before epoch", ErrMalformedPayload)
		}
		return counts, uint64(ts.UnixNano()), nil
	}

	return counts, 0, nil
}

// parseCount accepts only bare JSON integers that fit in an int and are not
// negative. Strings, fractions, exponents, and null are rejected.
func parseCount(raw json.RawMessage) (int, error) {
	text := string(bytes.TrimSpace(raw))
	if text == "" || text[0] == '"' {
		return 0, fmt.Errorf("%w: %s is not a number", ErrInvalidCount, text)
	}
	n, err := strconv.Atoi(text)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not an integer", ErrInvalidCount, text)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative value %d", ErrInvalidCount, n)
	}
	return n, nil
}

func isObject(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{'
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
