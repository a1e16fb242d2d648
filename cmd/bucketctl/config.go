package main

import (
	"fmt"
	"strings"

	"github.com/VsevolodSauta/bucketpool"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// registerConfigFlags adds one persistent flag per scheduler setting. Each flag can
// also come from the --config YAML file or a BUCKETPOOL_* environment variable.
func registerConfigFlags(flags *pflag.FlagSet) {
	def := bucketpool.DefaultConfig()
	flags.String("config", "", "YAML config file")
	flags.Int("buckets", def.BucketCount, "Number of buckets (power of two)")
	flags.Int("queue-capacity", def.QueueCapacity, "Per-bucket queue capacity")
	flags.Bool("durable", true, "Open durable storage (false uses memory)")
	flags.String("engine", string(def.Engine), "Durable engine: file|badger|sqlite")
	flags.String("dir", def.Dir, "Data directory")
	flags.String("durability", string(def.Durability), "Fsync policy: sync|batched")
	flags.Duration("flush-interval", def.FlushInterval, "Flush interval for batched durability")
	flags.Duration("compaction-interval", def.CompactionInterval, "How often workers check for compaction")
	flags.Int("compaction-min-records", def.CompactionMinRecords, "Log records before compaction runs")
	flags.Int("degraded-threshold", def.DegradedThreshold, "Consecutive I/O failures before a bucket is degraded")
	flags.Duration("shutdown-timeout", def.ShutdownTimeout, "Drain timeout on exit")
	flags.String("log-level", "warn", "Log level: debug|info|warn|error")
}

// loadConfig resolves flags over environment over config file over defaults.
func loadConfig(flags *pflag.FlagSet) (*bucketpool.Config, error) {
	v := viper.New()
	v.SetEnvPrefix("bucketpool")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("bind flags: %w", err)
	}
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg := &bucketpool.Config{
		BucketCount:          v.GetInt("buckets"),
		QueueCapacity:        v.GetInt("queue-capacity"),
		Durable:              v.GetBool("durable"),
		Engine:               bucketpool.BackendKind(strings.ToLower(v.GetString("engine"))),
		Dir:                  v.GetString("dir"),
		Durability:           bucketpool.DurabilityPolicy(strings.ToLower(v.GetString("durability"))),
		FlushInterval:        v.GetDuration("flush-interval"),
		CompactionInterval:   v.GetDuration("compaction-interval"),
		CompactionMinRecords: v.GetInt("compaction-min-records"),
		DegradedThreshold:    v.GetInt("degraded-threshold"),
		ShutdownTimeout:      v.GetDuration("shutdown-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
