package logger

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/sirupsen/logrus"
)

// Options controls where and how verbosely the process logs
type Options struct {
	Level string // logrus level name, "info" when empty or unknown
	File  string // rotating log file; stdout only when empty
}

// Setup configures the standard logrus logger. It always writes to stdout and,
// when a file is given, also to a lumberjack-rotated file.
func Setup(opts Options) {
	var out io.Writer = os.Stdout
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			logrus.WithError(err).Warn("⚠️  Could not create log directory, logging to stdout only")
		} else {
			rotator := &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    10, // megabytes
				MaxBackups: 7,
				MaxAge:     7, // days
				Compress:   true,
			}
			out = io.MultiWriter(os.Stdout, rotator)
		}
	}

	logrus.SetOutput(out)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	logrus.SetLevel(ParseLevel(opts.Level))
}

// ParseLevel falls back to info for empty or unknown names
func ParseLevel(name string) logrus.Level {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
