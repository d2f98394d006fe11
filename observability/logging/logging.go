package logging

import (
	"log"
	"log/slog"
	"os"
	"strings"
)

const envLogLevel = "CIRCLEFUND_LOG_LEVEL"

// Setup installs a JSON slog handler as the process default and returns it.
// Every line carries the service name, and the environment when provided.
// The standard library logger is bridged onto the same stream so packages
// that still use it do not escape the structured output.
func Setup(service, env string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: levelFromEnv(),
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				attr.Key = "timestamp"
			case slog.LevelKey:
				attr.Key = "severity"
				attr.Value = slog.StringValue(strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				attr.Key = "message"
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	tagged := handler.WithAttrs(attrs)

	base := slog.New(tagged)
	slog.SetDefault(base)

	bridge := slog.NewLogLogger(tagged, slog.LevelInfo)
	bridge.SetFlags(0)
	log.SetOutput(bridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}

// levelFromEnv resolves the minimum level from CIRCLEFUND_LOG_LEVEL,
// defaulting to info.
func levelFromEnv() slog.Level {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(envLogLevel))) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
