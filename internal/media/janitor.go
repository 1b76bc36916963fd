package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Janitor removes staged files left behind by crashed dispatches.
type Janitor struct {
	dir      string
	prefix   string
	ttl      time.Duration
	schedule string
	logger   *slog.Logger
	cron     *cron.Cron
	now      func() time.Time
}

// NewJanitor creates a Janitor sweeping files named prefix* in dir older than ttl.
func NewJanitor(log *slog.Logger, dir, prefix string, ttl time.Duration, schedule string) *Janitor {
	if log == nil {
		log = slog.Default()
	}
	if strings.TrimSpace(schedule) == "" {
		schedule = "@every 10m"
	}
	return &Janitor{
		dir:      dir,
		prefix:   prefix,
		ttl:      ttl,
		schedule: schedule,
		logger:   log.With(slog.String("component", "media_janitor")),
		now:      time.Now,
	}
}

// Start registers the sweep on the cron schedule.
func (j *Janitor) Start() error {
	c := cron.New()
	if _, err := c.AddFunc(j.schedule, func() {
		if _, err := j.Sweep(); err != nil {
			j.logger.Warn("media sweep failed", slog.Any("error", err))
		}
	}); err != nil {
		return fmt.Errorf("schedule media sweep: %w", err)
	}
	j.cron = c
	c.Start()
	j.logger.Info("media janitor started", slog.String("dir", j.dir), slog.String("schedule", j.schedule))
	return nil
}

// Stop halts the schedule and waits for a running sweep or ctx.
func (j *Janitor) Stop(ctx context.Context) {
	if j.cron == nil {
		return
	}
	done := j.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
}

// Sweep removes expired staged files and returns how many were deleted.
func (j *Janitor) Sweep() (int, error) {
	if j.prefix == "" {
		return 0, fmt.Errorf("media janitor requires a file prefix")
	}
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	cutoff := j.now().Add(-j.ttl)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasPrefix(entry.Name(), j.prefix) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(j.dir, entry.Name())); err != nil && !os.IsNotExist(err) {
			j.logger.Warn("remove staged media failed", slog.String("file", entry.Name()), slog.Any("error", err))
			continue
		}
		removed++
	}
	if removed > 0 {
		j.logger.Info("staged media swept", slog.Int("removed", removed))
	}
	return removed, nil
}
