package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger wraps zerolog.Logger together with the writers it owns.
type Logger struct {
	logger   zerolog.Logger
	rotating *RotatingWriter
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	File       string // log file path, empty disables file output
	Console    bool   // enable console output
	Pretty     bool   // pretty format for console
	Redaction  bool   // redact API keys and tokens
	MaxSizeMB  int    // rotate the file after this many MB
	MaxAgeDays int    // remove rotated files older than this
}

// New creates a new logger and installs it as the global zerolog logger.
func New(cfg Config) (*Logger, error) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var writers []io.Writer

	if cfg.Console {
		var consoleWriter io.Writer = os.Stdout
		if cfg.Pretty {
			consoleWriter = zerolog.ConsoleWriter{
				Out:        os.Stdout,
				TimeFormat: time.RFC3339,
			}
		}
		writers = append(writers, consoleWriter)
	}

	var rotating *RotatingWriter
	if cfg.File != "" {
		rotating, err = NewRotatingWriter(cfg.File, cfg.MaxSizeMB, cfg.MaxAgeDays)
		if err != nil {
			return nil, err
		}
		writers = append(writers, rotating)
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = os.Stdout
	case 1:
		writer = writers[0]
	default:
		writer = io.MultiWriter(writers...)
	}

	var redactor *Redactor
	if cfg.Redaction {
		redactor = NewRedactor()
		writer = redactor.Wrap(writer)
	}

	logger := zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Logger()

	log.Logger = logger

	return &Logger{
		logger:   logger,
		rotating: rotating,
		redactor: redactor,
	}, nil
}

// Close closes the file writer if one is open.
func (l *Logger) Close() error {
	if l.rotating != nil {
		return l.rotating.Close()
	}
	return nil
}

// Component returns a child logger tagged with a component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}

// DefaultConfig returns default logger configuration
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Console:    true,
		Pretty:     true,
		Redaction:  true,
		MaxSizeMB:  100,
		MaxAgeDays: 7,
	}
}
