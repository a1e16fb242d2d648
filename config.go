package bucketpool

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config represents scheduler configuration.
// It is read once by Start and never mutated afterward.
type Config struct {
	// Number of buckets (default: 64). Must be a power of two.
	// Changing it for an existing durable directory requires a data migration.
	BucketCount int

	// Capacity of each bucket queue (default: 1024).
	// Submit fails fast and SubmitSync blocks once a queue is full.
	QueueCapacity int

	// Whether broker state must survive restarts (default: false).
	// When false every bucket uses the in-memory backend.
	Durable bool

	// Durable storage engine (default: file). One of file, badger, sqlite.
	Engine BackendKind

	// Directory for durable data (default: ./bucketpool-data).
	Dir string

	// When durable backends fsync (default: sync).
	Durability DurabilityPolicy

	// Flush periodicity for DurabilityBatched (default: 200ms).
	FlushInterval time.Duration

	// How often workers check whether compaction is due (default: 1 minute).
	CompactionInterval time.Duration

	// Minimum number of records in the active log before compaction runs (default: 10000).
	CompactionMinRecords int

	// Consecutive backend I/O failures that mark a bucket degraded (default: 5).
	DegradedThreshold int

	// Drain timeout used by Close (default: 10 seconds).
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		BucketCount:          64,
		QueueCapacity:        1024,
		Durable:              false,
		Engine:               BackendFile,
		Dir:                  "./bucketpool-data",
		Durability:           DurabilitySync,
		FlushInterval:        200 * time.Millisecond,
		CompactionInterval:   time.Minute,
		CompactionMinRecords: 10000,
		DegradedThreshold:    5,
		ShutdownTimeout:      10 * time.Second,
	}
}

// LoadConfig loads scheduler configuration from environment variables.
// It reads the following environment variables:
//   - BUCKETPOOL_BUCKETS: Number of buckets (default: 64)
//   - BUCKETPOOL_QUEUE_CAPACITY: Per-bucket queue capacity (default: 1024)
//   - BUCKETPOOL_DURABLE: Enable durable persistence (default: false)
//   - BUCKETPOOL_ENGINE: Durable engine, file|badger|sqlite (default: file)
//   - BUCKETPOOL_DIR: Data directory (default: ./bucketpool-data)
//   - BUCKETPOOL_DURABILITY: sync|batched (default: sync)
//   - BUCKETPOOL_FLUSH_INTERVAL: Batched fsync interval (default: 200ms)
//   - BUCKETPOOL_COMPACTION_INTERVAL: Compaction check interval (default: 1m)
//   - BUCKETPOOL_COMPACTION_MIN_RECORDS: Log records before compaction (default: 10000)
//   - BUCKETPOOL_DEGRADED_THRESHOLD: I/O failures before a bucket is degraded (default: 5)
//   - BUCKETPOOL_SHUTDOWN_TIMEOUT: Drain timeout (default: 10s)
//
// Duration values are Go duration strings (e.g., "200ms", "1m30s").
//
// Returns a Config struct with default values if environment variables are not set.
func LoadConfig() *Config {
	def := DefaultConfig()
	cfg := &Config{
		BucketCount:          getEnvInt("BUCKETPOOL_BUCKETS", def.BucketCount),
		QueueCapacity:        getEnvInt("BUCKETPOOL_QUEUE_CAPACITY", def.QueueCapacity),
		Durable:              getEnvBool("BUCKETPOOL_DURABLE", def.Durable),
		Engine:               BackendKind(strings.ToLower(getEnvString("BUCKETPOOL_ENGINE", string(def.Engine)))),
		Dir:                  getEnvString("BUCKETPOOL_DIR", def.Dir),
		Durability:           DurabilityPolicy(strings.ToLower(getEnvString("BUCKETPOOL_DURABILITY", string(def.Durability)))),
		FlushInterval:        getEnvDuration("BUCKETPOOL_FLUSH_INTERVAL", def.FlushInterval),
		CompactionInterval:   getEnvDuration("BUCKETPOOL_COMPACTION_INTERVAL", def.CompactionInterval),
		CompactionMinRecords: getEnvInt("BUCKETPOOL_COMPACTION_MIN_RECORDS", def.CompactionMinRecords),
		DegradedThreshold:    getEnvInt("BUCKETPOOL_DEGRADED_THRESHOLD", def.DegradedThreshold),
		ShutdownTimeout:      getEnvDuration("BUCKETPOOL_SHUTDOWN_TIMEOUT", def.ShutdownTimeout),
	}

	return cfg
}

// Validate checks the configuration for values Start cannot work with.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalidConfig)
	}
	if c.BucketCount <= 0 || c.BucketCount&(c.BucketCount-1) != 0 {
		return fmt.Errorf("%w: bucket count must be a positive power of two, got %d", ErrInvalidConfig, c.BucketCount)
	}
	if c.QueueCapacity <= 0 {
		return fmt.Errorf("%w: queue capacity must be > 0, got %d", ErrInvalidConfig, c.QueueCapacity)
	}
	if c.Durable {
		switch c.Engine {
		case BackendFile, BackendBadger, BackendSQLite, "":
		default:
			return fmt.Errorf("%w: unknown engine %q", ErrInvalidConfig, c.Engine)
		}
		if c.Dir == "" {
			return fmt.Errorf("%w: durable persistence requires a directory", ErrInvalidConfig)
		}
	}
	switch c.Durability {
	case DurabilitySync, DurabilityBatched, "":
	default:
		return fmt.Errorf("%w: unknown durability policy %q", ErrInvalidConfig, c.Durability)
	}
	if c.Durability == DurabilityBatched && c.FlushInterval <= 0 {
		return fmt.Errorf("%w: batched durability requires a positive flush interval", ErrInvalidConfig)
	}
	return nil
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func getEnvString(key string, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
