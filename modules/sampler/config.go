package sampler

import "flag"

// Config for the sampling policy.
type Config struct {
	// Seed fixes the random source for the simple_random policy. Zero means
	// seed from the wall clock at startup.
	Seed int64 `yaml:"seed"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.Int64Var(&cfg.Seed, prefix+".seed", 0, "random seed for the simple_random policy, 0 seeds from the clock")
}
