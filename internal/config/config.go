package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	sharedcfg "github.com/couchcryptid/storm-data-shared/config"
	"github.com/google/uuid"
)

// Config holds all service settings, populated from environment variables.
type Config struct {
	StreamURL              string
	StreamIdentity         string
	StreamEvent            string
	StreamHandshakeTimeout time.Duration
	StreamReadTimeout      time.Duration
	BackoffInitial         time.Duration
	BackoffMax             time.Duration

	CatalogPath      string
	CatalogWatch     bool
	StrictInvariants bool

	HTTPAddr        string
	LogLevel        string
	LogFormat       string
	ShutdownTimeout time.Duration

	// State publisher; disabled when KafkaBrokers is empty.
	KafkaBrokers       []string
	KafkaStateTopic    string
	BatchSize          int
	BatchFlushInterval time.Duration

	// Mapbox geocoding configuration.
	MapboxToken     string
	MapboxEnabled   bool
	MapboxTimeout   time.Duration
	MapboxCacheSize int
}

// PublisherEnabled reports whether site state events should be written to Kafka.
func (c *Config) PublisherEnabled() bool {
	return len(c.KafkaBrokers) > 0
}

// Load reads configuration from environment variables, applying defaults where unset.
func Load() (*Config, error) {
	shutdownTimeout, err := sharedcfg.ParseShutdownTimeout()
	if err != nil {
		return nil, err
	}

	batchSize, err := sharedcfg.ParseBatchSize()
	if err != nil {
		return nil, err
	}

	flushInterval, err := sharedcfg.ParseBatchFlushInterval()
	if err != nil {
		return nil, err
	}

	handshakeTimeout, err := parsePositiveDuration("STREAM_HANDSHAKE_TIMEOUT", "10s")
	if err != nil {
		return nil, err
	}
	readTimeout, err := parseDuration("STREAM_READ_TIMEOUT", "90s")
	if err != nil {
		return nil, err
	}
	backoffInitial, err := parsePositiveDuration("BACKOFF_INITIAL", "1s")
	if err != nil {
		return nil, err
	}
	backoffMax, err := parsePositiveDuration("BACKOFF_MAX", "30s")
	if err != nil {
		return nil, err
	}
	if backoffMax < backoffInitial {
		return nil, errors.New("BACKOFF_MAX must not be less than BACKOFF_INITIAL")
	}

	mapboxTimeout, err := parsePositiveDuration("MAPBOX_TIMEOUT", "5s")
	if err != nil {
		return nil, err
	}

	mapboxToken := os.Getenv("MAPBOX_TOKEN")
	mapboxEnabled := mapboxToken != ""
	if v := os.Getenv("MAPBOX_ENABLED"); v != "" {
		mapboxEnabled = v == "true"
	}

	var brokers []string
	if raw := strings.TrimSpace(os.Getenv("KAFKA_BROKERS")); raw != "" {
		brokers = sharedcfg.ParseBrokers(raw)
	}

	cfg := &Config{
		StreamURL:              sharedcfg.EnvOrDefault("STREAM_URL", "ws://localhost:9000/stream"),
		StreamIdentity:         sharedcfg.EnvOrDefault("STREAM_IDENTITY", "atm-occupancy-"+uuid.NewString()),
		StreamEvent:            sharedcfg.EnvOrDefault("STREAM_EVENT", "atm_status"),
		StreamHandshakeTimeout: handshakeTimeout,
		StreamReadTimeout:      readTimeout,
		BackoffInitial:         backoffInitial,
		BackoffMax:             backoffMax,

		CatalogPath:      sharedcfg.EnvOrDefault("CATALOG_PATH", "configs/sites.yaml"),
		CatalogWatch:     sharedcfg.EnvOrDefault("CATALOG_WATCH", "true") == "true",
		StrictInvariants: os.Getenv("STRICT_INVARIANTS") == "true",

		HTTPAddr:        sharedcfg.EnvOrDefault("HTTP_ADDR", ":8080"),
		LogLevel:        sharedcfg.EnvOrDefault("LOG_LEVEL", "info"),
		LogFormat:       sharedcfg.EnvOrDefault("LOG_FORMAT", "json"),
		ShutdownTimeout: shutdownTimeout,

		KafkaBrokers:       brokers,
		KafkaStateTopic:    sharedcfg.EnvOrDefault("KAFKA_STATE_TOPIC", "atm-occupancy-state"),
		BatchSize:          batchSize,
		BatchFlushInterval: flushInterval,

		MapboxToken:     mapboxToken,
		MapboxEnabled:   mapboxEnabled,
		MapboxTimeout:   mapboxTimeout,
		MapboxCacheSize: parseMapboxCacheSize(),
	}

	if cfg.StreamURL == "" {
		return nil, errors.New("STREAM_URL is required")
	}
	if cfg.StreamIdentity == "" {
		return nil, errors.New("STREAM_IDENTITY must not be empty")
	}
	if cfg.CatalogPath == "" {
		return nil, errors.New("CATALOG_PATH is required")
	}
	if cfg.PublisherEnabled() && cfg.KafkaStateTopic == "" {
		return nil, errors.New("KAFKA_STATE_TOPIC is required when KAFKA_BROKERS is set")
	}
	if cfg.MapboxEnabled && cfg.MapboxToken == "" {
		return nil, errors.New("MAPBOX_ENABLED is true but MAPBOX_TOKEN is not set")
	}

	return cfg, nil
}

func parseDuration(key, def string) (time.Duration, error) {
	d, err := time.ParseDuration(sharedcfg.EnvOrDefault(key, def))
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s", key)
	}
	return d, nil
}

func parsePositiveDuration(key, def string) (time.Duration, error) {
	d, err := parseDuration(key, def)
	if err != nil {
		return 0, err
	}
	if d == 0 {
		return 0, fmt.Errorf("invalid %s: must be positive", key)
	}
	return d, nil
}

func parseMapboxCacheSize() int {
	if s := os.Getenv("MAPBOX_CACHE_SIZE"); s != "" {
		if n, err := strconv.Atoi(s); err == nil && n > 0 {
			return n
		}
	}
	return 1000
}
