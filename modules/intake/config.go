package intake

import (
	"flag"
	"time"
)

// Config for the trace intake state machine.
type Config struct {
	// IdleTimeout aborts in-flight traces whose last update is older than
	// this bound.
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	// SweepInterval is how often the idle sweeper scans the hot store.
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.DurationVar(&cfg.IdleTimeout, prefix+".idle-timeout", time.Hour, "abort in-flight traces idle longer than this")
	f.DurationVar(&cfg.SweepInterval, prefix+".sweep-interval", time.Minute, "interval between idle trace sweeps")
}
