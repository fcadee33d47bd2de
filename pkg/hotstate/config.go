package hotstate

import (
	"flag"
	"time"
)

// Config for the hot-state store adapter.
type Config struct {
	// Endpoint is the redis host:port.
	Endpoint string        `yaml:"endpoint"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Timeout  time.Duration `yaml:"timeout"`

	// MaxConflictRetries bounds optimistic transaction retries before the
	// writer surfaces Conflict.
	MaxConflictRetries int `yaml:"max_conflict_retries"`

	// HotTTL is refreshed on every write to an in-flight trace's hashes.
	HotTTL time.Duration `yaml:"hot_ttl"`

	// DoneTTL is the grace window applied once a trace completes or aborts,
	// so late readers can still snapshot it.
	DoneTTL time.Duration `yaml:"done_ttl"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Endpoint, prefix+".endpoint", "localhost:6379", "redis endpoint")
	cfg.Timeout = 100 * time.Millisecond
	cfg.MaxConflictRetries = 8
	cfg.HotTTL = 24 * time.Hour
	cfg.DoneTTL = 5 * time.Minute
}
