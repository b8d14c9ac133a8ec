// Package logger provides the leveled logger used by transports and clients.
package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the logging interface accepted across the sdk.
type Logger interface {
	Errorf(format string, v ...interface{})
	Warnf(format string, v ...interface{})
	Infof(format string, v ...interface{})
	Debugf(format string, v ...interface{})
}

// Config describes where and how much to log.
type Config struct {
	// Level is one of zerolog level names, "info" when empty.
	Level string `yaml:"level" toml:"level"`

	// FilePath enables a size-rotated log file.
	FilePath   string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`

	// Console enables human readable output on stderr.
	Console bool `yaml:"console" toml:"console"`

	// ConsoleWriters receive human readable output, used by tests.
	ConsoleWriters []io.Writer `yaml:"-" toml:"-"`
}

type zeroLogger struct {
	zl zerolog.Logger
}

// New returns a zerolog backed Logger.
func New(cfg *Config) (Logger, error) {
	lvl := zerolog.InfoLevel
	if cfg.Level != "" {
		var err error
		if lvl, err = zerolog.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("logger: %w", err)
		}
	}

	var writers []io.Writer
	if cfg.FilePath != "" {
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		})
	}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr})
	}
	for _, w := range cfg.ConsoleWriters {
		writers = append(writers, zerolog.ConsoleWriter{Out: w, NoColor: true})
	}
	if len(writers) == 0 {
		writers = append(writers, os.Stderr)
	}

	zl := zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(lvl).
		With().
		Timestamp().
		Logger()
	return &zeroLogger{zl: zl}, nil
}

// Nop returns a logger that discards everything.
func Nop() Logger {
	return &zeroLogger{zl: zerolog.Nop()}
}

// MockLogger logs everything to writer, used by tests.
func MockLogger(writer io.Writer) Logger {
	l, err := New(&Config{
		Level:          "debug",
		ConsoleWriters: []io.Writer{writer},
	})
	if err != nil {
		return Nop()
	}
	return l
}

func (l *zeroLogger) Errorf(format string, v ...interface{}) {
	l.zl.Error().Msgf(format, v...)
}

func (l *zeroLogger) Warnf(format string, v ...interface{}) {
	l.zl.Warn().Msgf(format, v...)
}

func (l *zeroLogger) Infof(format string, v ...interface{}) {
	l.zl.Info().Msgf(format, v...)
}

func (l *zeroLogger) Debugf(format string, v ...interface{}) {
	l.zl.Debug().Msgf(format, v...)
}
