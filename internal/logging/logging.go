// Package logging builds the process logger. Components receive a
// *log.Logger derived from it with their own prefix.
package logging

import (
	"io"
	"log"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls where log output goes.
type Config struct {
	// File, when set, receives a copy of every line and is rotated by size.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Quiet drops stderr output. File output is unaffected.
	Quiet bool
}

// Logger is the process logger together with the rotating file, if any.
type Logger struct {
	*log.Logger
	file *lumberjack.Logger
}

// New builds a logger writing to stderr and, when cfg.File is set, to a
// size-rotated file.
func New(cfg Config) *Logger {
	var writers []io.Writer
	if !cfg.Quiet {
		writers = append(writers, os.Stderr)
	}

	var file *lumberjack.Logger
	if cfg.File != "" {
		file = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		writers = append(writers, file)
	}

	var w io.Writer
	switch len(writers) {
	case 0:
		w = io.Discard
	case 1:
		w = writers[0]
	default:
		w = io.MultiWriter(writers...)
	}

	return &Logger{
		Logger: log.New(w, "", log.LstdFlags),
		file:   file,
	}
}

// Component returns a logger sharing l's output with a "[name] " prefix.
func (l *Logger) Component(name string) *log.Logger {
	return Component(l.Logger, name)
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Component derives a prefixed logger from base.
func Component(base *log.Logger, name string) *log.Logger {
	return log.New(base.Writer(), "["+name+"] ", base.Flags())
}
