package predictor

import (
	"flag"
	"time"
)

// Config for the predictor engine.
type Config struct {
	// MinRecomputeInterval coalesces bursts of percentile recomputes: a
	// stale cell is rebuilt from the durable store at most this often.
	MinRecomputeInterval time.Duration `yaml:"min_recompute_interval"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.MinRecomputeInterval, prefix+".min-recompute-interval", 5*time.Second, "minimum interval between percentile cell recomputes")
}
