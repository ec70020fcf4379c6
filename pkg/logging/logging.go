// Package logging configures the process logger.
package logging

import (
	"io"
	"os"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls where and how much is logged
type Options struct {
	// Verbose enables Debug level, which includes every external command line
	Verbose bool

	// File, when set, receives a copy of the log and is rotated by size
	File string

	// MaxSizeMB is the rotation threshold; zero selects 10
	MaxSizeMB int

	// MaxBackups is the number of rotated files kept; zero selects 5
	MaxBackups int
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// New returns a logger writing to console and, if configured, to a rotated
// log file. The returned closer flushes and closes the file.
func New(opts Options, console io.Writer) (*log.Logger, io.Closer, error) {
	if console == nil {
		console = os.Stderr
	}

	logger := log.New()
	logger.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	logger.SetLevel(log.InfoLevel)
	if opts.Verbose {
		logger.SetLevel(log.DebugLevel)
	}

	if opts.File == "" {
		logger.SetOutput(console)
		return logger, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0755); err != nil {
		return nil, nil, err
	}
	maxSize, maxBackups := opts.MaxSizeMB, opts.MaxBackups
	if maxSize <= 0 {
		maxSize = 10
	}
	if maxBackups <= 0 {
		maxBackups = 5
	}
	file := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		Compress:   true,
	}
	logger.SetOutput(io.MultiWriter(console, file))
	return logger, file, nil
}
