package app

import (
	"flag"
	"time"

	dslog "github.com/grafana/dskit/log"

	"github.com/ezpbars/ezpbars/modules/fabric"
	"github.com/ezpbars/ezpbars/modules/intake"
	"github.com/ezpbars/ezpbars/modules/predictor"
	"github.com/ezpbars/ezpbars/modules/sampler"
	"github.com/ezpbars/ezpbars/pbardb"
	"github.com/ezpbars/ezpbars/pkg/hotstate"
)

// Config is the root configuration, loadable from YAML and flags.
type Config struct {
	HTTPListenAddr  string        `yaml:"http_listen_address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	LogLevel        dslog.Level   `yaml:"log_level"`
	LogFormat       string        `yaml:"log_format"`

	DB        pbardb.Config    `yaml:"db"`
	Hot       hotstate.Config  `yaml:"hot_store"`
	Intake    intake.Config    `yaml:"intake"`
	Sampler   sampler.Config   `yaml:"sampler"`
	Predictor predictor.Config `yaml:"predictor"`
	Fabric    fabric.Config    `yaml:"fabric"`
}

// RegisterFlagsAndApplyDefaults registers the flags.
func (cfg *Config) RegisterFlagsAndApplyDefaults(prefix string, f *flag.FlagSet) {
	f.StringVar(&cfg.HTTPListenAddr, "server.http-listen-address", ":8080", "address the HTTP API listens on")
	f.DurationVar(&cfg.ShutdownTimeout, "server.shutdown-timeout", 30*time.Second, "grace period for in-flight requests on shutdown")
	f.StringVar(&cfg.LogFormat, "log.format", "logfmt", "log format, logfmt or json")
	_ = cfg.LogLevel.Set("info")
	cfg.LogLevel.RegisterFlags(f)

	cfg.DB.RegisterFlagsAndApplyDefaults("db", f)
	cfg.Hot.RegisterFlagsAndApplyDefaults("hot-store", f)
	cfg.Intake.RegisterFlagsAndApplyDefaults("intake", f)
	cfg.Sampler.RegisterFlagsAndApplyDefaults("sampler", f)
	cfg.Predictor.RegisterFlagsAndApplyDefaults("predictor", f)
	cfg.Fabric.RegisterFlagsAndApplyDefaults("fabric", f)
}
