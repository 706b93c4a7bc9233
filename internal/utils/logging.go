package utils

import (
	"context"
	"io"
	"os"
	"strings"

	"pkt.systems/pslog"
)

// SubsystemKey tags every entry with the component that emitted it.
const SubsystemKey = pslog.TrustedString("sys")

// SetupLogging builds the process logger. TSMS_LOG_* environment variables
// override the defaults (structured output on stderr at info level).
func SetupLogging(level string) pslog.Logger {
	return setupLogging(os.Stderr, level)
}

func setupLogging(w io.Writer, level string) pslog.Logger {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("TSMS_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(w),
	).With("app", "tsms")
	if lvl, ok := pslog.ParseLevel(strings.TrimSpace(level)); ok && level != "" {
		logger = logger.LogLevel(lvl)
	}
	return logger
}

// WithSubsystem attaches a subsystem tag to every log entry.
func WithSubsystem(logger pslog.Logger, subsystem string) pslog.Logger {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	subsystem = strings.Trim(subsystem, ". ")
	if subsystem == "" {
		return logger
	}
	return logger.With(SubsystemKey, subsystem)
}
