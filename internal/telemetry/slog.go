package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// ParseLevel maps a configuration string to a slog level. Unrecognized or
// empty values fall back to Info so a misconfigured deployment still logs.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogger installs the process-wide slog default from the logging section
// of the configuration. Format "json" selects a JSON handler for log
// aggregation; any other value selects the text handler. Source locations are
// attached only at debug level.
//
// The ledger writer, signature ceremony, and mirror shippers all log through
// slog.Default, so this must run before the first append.
func SetupLogger(format, level string) {
	lvl := ParseLevel(level)
	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	slog.SetDefault(slog.New(handler))
	slog.Info("logging configured", "format", format, "level", lvl.String())
}
