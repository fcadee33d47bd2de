package log

import (
	"os"

	kitlog "github.com/go-kit/log"
	"github.com/go-kit/log/level"
	dslog "github.com/grafana/dskit/log"
)

// Logger is the process-wide go-kit logger the modules log through. It is a
// no-op until InitLogger runs, so package init code can log safely.
var Logger = kitlog.NewNopLogger()

// InitLogger builds the global logger from the configured format and level
// and returns it.
func InitLogger(logFormat string, logLevel dslog.Level) kitlog.Logger {
	writer := kitlog.NewSyncWriter(os.Stderr)
	logger := dslog.NewGoKitWithWriter(logFormat, writer)

	// UTC timestamps; the caller frame sits 5 levels up from here
	logger = kitlog.With(logger, "ts", kitlog.DefaultTimestampUTC, "caller", kitlog.Caller(5))

	// the level filter goes last so filtered lines pay nothing
	logger = level.NewFilter(logger, logLevel.Option)

	Logger = logger
	return logger
}
