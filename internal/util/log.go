package util

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pterm/pterm"
	"gopkg.in/natefinch/lumberjack.v2"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// Leveled logging functions backed by the pterm default logger.
// All output goes to stderr by default (pterm's default).

func LogDebug(format string, args ...interface{}) {
	pterm.DefaultLogger.Debug(fmt.Sprintf(format, args...))
}

func LogInfo(format string, args ...interface{}) {
	pterm.DefaultLogger.Info(fmt.Sprintf(format, args...))
}

func LogWarning(format string, args ...interface{}) {
	pterm.DefaultLogger.Warn(fmt.Sprintf(format, args...))
}

func LogError(format string, args ...interface{}) {
	pterm.DefaultLogger.Error(fmt.Sprintf(format, args...))
}

// LogOptions selects level, format and destination of the default logger.
type LogOptions struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	File   string // empty keeps stderr

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// ConfigureLogger applies opts to the default logger. When a file is set,
// output goes to a size-rotated file; the returned closer releases it.
func ConfigureLogger(opts LogOptions) (io.Closer, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	pterm.DefaultLogger.Level = level

	switch strings.ToLower(opts.Format) {
	case "", "console":
		pterm.DefaultLogger.Formatter = pterm.LogFormatterColorful
	case "json":
		pterm.DefaultLogger.Formatter = pterm.LogFormatterJSON
	default:
		return nil, fmt.Errorf("invalid log format %q", opts.Format)
	}

	if strings.TrimSpace(opts.File) == "" {
		pterm.DefaultLogger.Writer = os.Stderr
		return io.NopCloser(nil), nil
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    max(opts.MaxSizeMB, 10),
		MaxBackups: max(opts.MaxBackups, 1),
		MaxAge:     max(opts.MaxAgeDays, 7),
		Compress:   opts.Compress,
	}
	pterm.DefaultLogger.Writer = rotator
	return rotator, nil
}

func parseLevel(s string) (pterm.LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return pterm.LogLevelDebug, nil
	case "", "info":
		return pterm.LogLevelInfo, nil
	case "warn", "warning":
		return pterm.LogLevelWarn, nil
	case "error":
		return pterm.LogLevelError, nil
	}
	return pterm.LogLevelInfo, fmt.Errorf("invalid log level %q", s)
}
