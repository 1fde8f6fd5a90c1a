// Package logger builds the process zerolog logger from the log_config section.
package logger

import (
	"errors"
	"io"
	stdlog "log"

	"github.com/aleister1102/anchorwatch/internal/config"
	"github.com/rs/zerolog"
)

// Logger owns the zerolog instance and the log file behind it, if any.
type Logger struct {
	zerolog.Logger
	file io.Closer
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Build creates a Logger from resolved options and makes it the destination
// of the standard library log package.
func Build(opts Options) (*Logger, error) {
	var (
		outputs []io.Writer
		file    io.Closer
	)
	if opts.Console != nil {
		outputs = append(outputs, render(opts.Format, opts.Console, true))
	}
	if opts.File != "" {
		rotating, err := openRotatingFile(opts.File, opts.MaxSizeMB, opts.MaxBackups)
		if err != nil {
			return nil, err
		}
		outputs = append(outputs, render(opts.Format, rotating, false))
		file = rotating
	}
	if len(outputs) == 0 {
		return nil, errors.New("logger: no output configured")
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(outputs...)).
		Level(opts.Level).
		With().
		Timestamp().
		Logger()

	zerolog.SetGlobalLevel(opts.Level)
	stdlog.SetFlags(0)
	stdlog.SetOutput(zl)

	return &Logger{Logger: zl, file: file}, nil
}

// New creates the zerolog logger described by cfg.
func New(cfg config.LogConfig) (zerolog.Logger, error) {
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return zerolog.Logger{}, err
	}
	l, err := Build(opts)
	if err != nil {
		return zerolog.Logger{}, err
	}
	return l.Logger, nil
}

// ApplyLevel changes the process-wide minimum level, used on config reload.
func ApplyLevel(raw string) error {
	level, err := parseLevel(raw)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(level)
	return nil
}
