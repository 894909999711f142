// Package util holds process-level helpers for rconsole: logger setup and
// host information.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogConfig holds configuration for the logging system.
type LogConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
	Console    bool   `json:"console"`

	// ConsoleOut overrides os.Stderr for the console writer.
	ConsoleOut io.Writer `json:"-"`
}

// DefaultLogConfig returns the default logging configuration.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:      "info",
		Directory:  "logs",
		MaxBackups: 5,
		Console:    true,
	}
}

// InitLogger initializes the zerolog global logger with a JSON file writer
// and, optionally, a human-readable console writer. The returned closer
// releases the log file.
func InitLogger(cfg LogConfig) (io.Closer, error) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	logFileName := fmt.Sprintf("rconsole_%s.log", time.Now().Format("2006-01-02"))
	logFilePath := filepath.Join(cfg.Directory, logFileName)

	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	writers := []io.Writer{logFile}
	if cfg.Console {
		out := cfg.ConsoleOut
		if out == nil {
			// stdout belongs to the interactive console.
			out = os.Stderr
		}
		writers = append(writers, zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "15:04:05",
		})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Str("app", "rconsole").
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	if removed := cleanOldLogs(cfg.Directory, cfg.MaxBackups); removed > 0 {
		log.Debug().Int("removed", removed).Msg("removed old log files")
	}

	return logFile, nil
}

// cleanOldLogs keeps the newest maxBackups .log files in directory. The
// date-stamped names sort chronologically.
func cleanOldLogs(directory string, maxBackups int) int {
	if maxBackups < 1 {
		return 0
	}
	entries, err := os.ReadDir(directory)
	if err != nil {
		return 0
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() && filepath.Ext(entry.Name()) == ".log" {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= maxBackups {
		return 0
	}

	sort.Strings(names)
	removed := 0
	for _, name := range names[:len(names)-maxBackups] {
		if err := os.Remove(filepath.Join(directory, name)); err == nil {
			removed++
		}
	}
	return removed
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// LogRotator owns the current log file and reopens it under the new
// date-stamped name on Rotate.
type LogRotator struct {
	mu     sync.Mutex
	cfg    LogConfig
	closer io.Closer
}

// NewLogRotator initializes the global logger from cfg.
func NewLogRotator(cfg LogConfig) (*LogRotator, error) {
	closer, err := InitLogger(cfg)
	if err != nil {
		return nil, err
	}
	return &LogRotator{cfg: cfg, closer: closer}, nil
}

// Rotate switches the global logger to today's file and closes the
// previous one.
func (r *LogRotator) Rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	closer, err := InitLogger(r.cfg)
	if err != nil {
		return err
	}
	old := r.closer
	r.closer = closer
	if old != nil {
		return old.Close()
	}
	return nil
}

// Close releases the current log file.
func (r *LogRotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closer == nil {
		return nil
	}
	err := r.closer.Close()
	r.closer = nil
	return err
}
