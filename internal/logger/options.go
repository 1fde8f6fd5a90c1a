package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/aleister1102/anchorwatch/internal/config"
	"github.com/rs/zerolog"
)

// Format selects how log lines are rendered.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
	FormatText    Format = "text"
)

// parseFormat maps a configured format name to a Format. Unknown names
// render as console output.
func parseFormat(raw string) Format {
	switch f := Format(strings.ToLower(strings.TrimSpace(raw))); f {
	case FormatJSON, FormatText:
		return f
	default:
		return FormatConsole
	}
}

// parseLevel maps a configured level name to a zerolog level, defaulting to info.
func parseLevel(raw string) (zerolog.Level, error) {
	raw = strings.ToLower(strings.TrimSpace(raw))
	if raw == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(raw)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return level, nil
}

// Options is the resolved logger setup.
type Options struct {
	Level  zerolog.Level
	Format Format
	// Console receives every line; nil disables console output.
	Console io.Writer
	// File enables a size-rotated log file when non-empty.
	File       string
	MaxSizeMB  int
	MaxBackups int
}

// OptionsFromConfig resolves the log_config section, filling rotation
// defaults and sending console output to stderr.
func OptionsFromConfig(cfg config.LogConfig) (Options, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return Options{}, err
	}
	opts := Options{
		Level:      level,
		Format:     parseFormat(cfg.LogFormat),
		Console:    os.Stderr,
		File:       strings.TrimSpace(cfg.LogFile),
		MaxSizeMB:  cfg.MaxLogSizeMB,
		MaxBackups: cfg.MaxLogBackups,
	}
	if opts.MaxSizeMB <= 0 {
		opts.MaxSizeMB = config.DefaultMaxLogSizeMB
	}
	if opts.MaxBackups <= 0 {
		opts.MaxBackups = config.DefaultMaxLogBackups
	}
	return opts, nil
}
