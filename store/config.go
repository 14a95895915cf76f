package store

import (
	"go.uber.org/zap"

	"github.com/flashkv/arraykv/scheduler"
)

// Default configuration values (spec.md §6, SPEC_FULL.md §Configuration
// additions).
const (
	// DefaultMmapThreshold is the size, in bytes, at or above which a
	// generation's blobs are mmap'd rather than loaded into a heap buffer
	// (spec.md §4.6: "e.g., 1 MiB").
	DefaultMmapThreshold int64 = 1 << 20

	// DefaultBloomFPRate is the target false-positive rate for a
	// generation's Bloom sidecar. 0 disables building one.
	DefaultBloomFPRate = 0.01

	// DefaultCompactMaxDelaySec bounds how long uncompacted mutations may
	// sit before compaction is forced regardless of size (spec.md §6).
	DefaultCompactMaxDelaySec = 30.0
)

// Config bundles everything Open needs before Start (spec.md §6,
// "Configuration (set before start)"). The zero Config is not valid;
// construct one with NewConfig.
type Config struct {
	Directory string

	CompactLowWaterBytes  int64
	CompactHighWaterBytes int64
	CompactMaxDelaySec     float64

	MmapThresholdBytes     int64
	BloomFalsePositiveRate float64

	Logger *zap.Logger

	// Scheduler is an optional externally-provided scheduled executor
	// (spec.md §6: "if absent, the core spawns and owns one"). Left nil,
	// Start uses scheduler.Real{}.
	Scheduler scheduler.Scheduler
}

// Option configures a Config, following the same functional-options shape
// array.Option uses for Writer.
type Option func(*Config)

// NewConfig returns a Config for directory with the defaults spec.md §6
// and SPEC_FULL.md's Configuration-additions table specify, applying opts
// on top.
func NewConfig(directory string, opts ...Option) *Config {
	c := &Config{
		Directory:              directory,
		CompactLowWaterBytes:   4 << 20,
		CompactHighWaterBytes:  16 << 20,
		CompactMaxDelaySec:     DefaultCompactMaxDelaySec,
		MmapThresholdBytes:     DefaultMmapThreshold,
		BloomFalsePositiveRate: DefaultBloomFPRate,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}
	if c.CompactHighWaterBytes < c.CompactLowWaterBytes {
		c.CompactHighWaterBytes = c.CompactLowWaterBytes
	}
	return c
}

// WithWaterMarks sets the eager-compaction trigger and write-stall curve
// bounds (spec.md §6: "compact_low_water_bytes", "compact_high_water_bytes").
func WithWaterMarks(low, high int64) Option {
	return func(c *Config) {
		c.CompactLowWaterBytes = low
		c.CompactHighWaterBytes = high
	}
}

// WithCompactMaxDelay sets the maximum age of uncompacted mutations before
// compaction is forced (spec.md §6: "compact_max_delay_sec").
func WithCompactMaxDelay(sec float64) Option {
	return func(c *Config) { c.CompactMaxDelaySec = sec }
}

// WithMmapThreshold sets the byte size at or above which a generation's
// blobs are mmap'd instead of heap-buffered (SPEC_FULL.md §4.6,
// "mmap_threshold_bytes").
func WithMmapThreshold(bytes int64) Option {
	return func(c *Config) { c.MmapThresholdBytes = bytes }
}

// WithBloomFalsePositiveRate sets the target FP rate for the per-generation
// Bloom sidecar built during compaction. A rate of 0 disables building one
// (SPEC_FULL.md §4.6, "bloom_false_positive_rate").
func WithBloomFalsePositiveRate(rate float64) Option {
	return func(c *Config) { c.BloomFalsePositiveRate = rate }
}

// WithScheduler injects an externally-owned scheduler.Scheduler (spec.md
// §6: "scheduler... if absent, the core spawns and owns one"). Left unset,
// Start constructs a scheduler.Real{}.
func WithScheduler(s scheduler.Scheduler) Option {
	return func(c *Config) { c.Scheduler = s }
}

// WithLogger injects a *zap.Logger for lifecycle and error events
// (SPEC_FULL.md §4.6, "logger"). A nil logger is replaced with
// zap.NewNop() so the core never panics or writes to stdout unasked.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}
