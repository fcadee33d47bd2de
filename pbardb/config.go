package pbardb

import (
	"flag"
)

// Config for the durable store.
type Config struct {
	// Path to the sqlite database file. ":memory:" for tests.
	Path string `yaml:"path"`

	// BusyTimeoutMS is passed to the sqlite driver; writers block this long
	// on a locked database before failing.
	BusyTimeoutMS int `yaml:"busy_timeout_ms"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.Path, prefix+".path", "ezpbars.db", "path to the sqlite database file")
	cfg.BusyTimeoutMS = 5000
}
