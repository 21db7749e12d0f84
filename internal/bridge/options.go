package bridge

import (
	"time"

	"github.com/google/uuid"
	"github.com/madvault/madserve/internal/logging"
	"github.com/madvault/madserve/internal/protocol"
)

const (
	// DefaultHandshakeTimeout bounds the wait for the ready line.
	DefaultHandshakeTimeout = 60 * time.Second
	// DefaultRequestTimeout bounds each request.
	DefaultRequestTimeout = 90 * time.Second
	// DefaultStopGrace is how long the worker gets to exit after stdin closes.
	DefaultStopGrace = 5 * time.Second
)

// Option configures a Bridge.
type Option func(*config)

type config struct {
	logger           *logging.Logger
	handshakeTimeout time.Duration
	requestTimeout   time.Duration
	stopGrace        time.Duration
	newID            func() string
	trackIDs         bool
	maxLineBytes     int
}

func defaultConfig() *config {
	return &config{
		logger:           logging.NopLogger(),
		handshakeTimeout: DefaultHandshakeTimeout,
		requestTimeout:   DefaultRequestTimeout,
		stopGrace:        DefaultStopGrace,
		newID:            uuid.NewString,
		maxLineBytes:     protocol.DefaultMaxRecordBytes,
	}
}

// WithLogger sets the logger for the bridge.
func WithLogger(logger *logging.Logger) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithHandshakeTimeout sets how long Start waits for the ready line.
// A zero or negative value is replaced with the default (60s).
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *config) {
		c.handshakeTimeout = d
	}
}

// WithRequestTimeout sets the per-request timeout.
// A zero or negative value is replaced with the default (90s).
func WithRequestTimeout(d time.Duration) Option {
	return func(c *config) {
		c.requestTimeout = d
	}
}

// WithStopGrace sets how long Stop waits before killing the worker.
// A negative value is replaced with the default (5s).
func WithStopGrace(d time.Duration) Option {
	return func(c *config) {
		c.stopGrace = d
	}
}

// WithIDGenerator replaces the correlation id generator (uuid v4). Ids from
// a custom generator are remembered for the bridge's lifetime and a repeat
// is redrawn, even if the earlier request has settled.
func WithIDGenerator(fn func() string) Option {
	return func(c *config) {
		c.newID = fn
		c.trackIDs = true
	}
}

// WithMaxLineBytes caps a single line from the worker. Longer lines are
// dropped. A zero or negative value is replaced with the default (16 MiB).
func WithMaxLineBytes(n int) Option {
	return func(c *config) {
		c.maxLineBytes = n
	}
}

func (c *config) normalize() {
	d := defaultConfig()
	if c.logger == nil {
		c.logger = d.logger
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = d.handshakeTimeout
	}
	if c.requestTimeout <= 0 {
		c.requestTimeout = d.requestTimeout
	}
	if c.stopGrace < 0 {
		c.stopGrace = d.stopGrace
	}
	if c.newID == nil {
		c.newID = d.newID
	}
	if c.maxLineBytes <= 0 {
		c.maxLineBytes = d.maxLineBytes
	}
}
