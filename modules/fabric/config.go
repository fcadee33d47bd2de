package fabric

import (
	"flag"
	"time"
)

// Config for the subscription fabric.
type Config struct {
	// QueueSize bounds each local subscriber's buffer. On overflow the
	// oldest update is dropped and the subscription is marked lagged.
	QueueSize int `yaml:"queue_size"`
	// IdleTimeout tears down subscriptions that have not seen an update
	// for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.IntVar(&cfg.QueueSize, prefix+".queue-size", 16, "per-subscriber update buffer size")
	f.DurationVar(&cfg.IdleTimeout, prefix+".idle-timeout", 30*time.Second, "tear down subscriptions idle longer than this")
}
