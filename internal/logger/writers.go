package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// render wraps out so lines come out in the given format. Colors are only
// used for the console format on a non-file destination.
func render(format Format, out io.Writer, color bool) io.Writer {
	switch format {
	case FormatJSON:
		return out
	case FormatText:
		color = false
	}
	return zerolog.ConsoleWriter{Out: out, NoColor: !color, TimeFormat: time.RFC3339}
}

// openRotatingFile prepares a lumberjack writer for path, creating its directory.
func openRotatingFile(path string, maxSizeMB, maxBackups int) (*lumberjack.Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	return &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
		LocalTime:  true,
	}, nil
}
