// Package scheduler runs rconsole's daily housekeeping: log file rotation
// and a command history summary.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/energizer-project/rconsole/internal/util"
)

// HistoryCounter reports the size of the command history.
type HistoryCounter interface {
	Count(ctx context.Context) (int, error)
	Path() string
}

// Scheduler manages periodic background tasks.
type Scheduler struct {
	rotate  func() error
	history HistoryCounter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewScheduler creates a task scheduler. rotate and history may be nil to
// skip their task.
func NewScheduler(rotate func() error, history HistoryCounter) *Scheduler {
	return &Scheduler{
		rotate:  rotate,
		history: history,
		logger:  util.ComponentLogger("scheduler"),
		now:     time.Now,
	}
}

// Start begins running all scheduled tasks and blocks until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	s.logger.Info().Msg("scheduler started")

	// Log files are date-stamped; a new one is opened just after midnight.
	if s.rotate != nil {
		go s.runDaily(ctx, "log_rotation", 0, 0, s.rotateLogs)
	}
	if s.history != nil {
		go s.runDaily(ctx, "history_summary", 4, 0, s.summarizeHistory)
	}

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

// runDaily runs fn every day at hour:minute local time.
func (s *Scheduler) runDaily(ctx context.Context, name string, hour, minute int, fn func(context.Context)) {
	for {
		nextRun := nextDailyRun(s.now(), hour, minute)
		sleepDuration := nextRun.Sub(s.now())

		s.logger.Debug().
			Str("task", name).
			Time("next_run", nextRun).
			Dur("sleep", sleepDuration).
			Msg("task scheduled")

		timer := time.NewTimer(sleepDuration)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			fn(ctx)
		}
	}
}

func (s *Scheduler) rotateLogs(ctx context.Context) {
	if err := s.rotate(); err != nil {
		s.logger.Warn().Err(err).Msg("log rotation failed")
		return
	}
	s.logger.Info().Msg("log file rotated")
}

func (s *Scheduler) summarizeHistory(ctx context.Context) {
	count, err := s.history.Count(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("history summary failed")
		return
	}

	size := "-"
	if info, err := os.Stat(s.history.Path()); err == nil {
		size = formatBytes(info.Size())
	}

	s.logger.Info().
		Int("commands", count).
		Str("database_size", size).
		Msg("daily history summary")
}

// nextDailyRun returns the first hour:minute strictly after now.
func nextDailyRun(now time.Time, hour, minute int) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
	if !next.After(now) {
		next = next.AddDate(0, 0, 1)
	}
	return next
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
