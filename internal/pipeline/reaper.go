package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	rcron "github.com/robfig/cron/v3"
)

// DefaultReapSchedule runs the idle sweep once a minute.
const DefaultReapSchedule = "@every 1m"

// Reaper periodically closes sessions idle longer than a threshold, which
// implicitly rejects whatever they still had pending.
type Reaper struct {
	svc     *Service
	maxIdle time.Duration
	cron    *rcron.Cron
	logger  *slog.Logger
}

// NewReaper schedules the idle sweep on schedule (a robfig/cron expression or
// descriptor such as "@every 1m"). A nil logger uses slog.Default.
func NewReaper(svc *Service, maxIdle time.Duration, schedule string, logger *slog.Logger) (*Reaper, error) {
	if maxIdle <= 0 {
		return nil, fmt.Errorf("idle timeout must be positive, got %s", maxIdle)
	}
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Reaper{svc: svc, maxIdle: maxIdle, cron: rcron.New(), logger: logger}
	if _, err := r.cron.AddFunc(schedule, func() { r.Sweep() }); err != nil {
		return nil, fmt.Errorf("scheduling reaper %q: %w", schedule, err)
	}
	return r, nil
}

// Start begins running the schedule in the background.
func (r *Reaper) Start() {
	r.cron.Start()
	r.logger.Info("session reaper started", "max_idle", r.maxIdle)
}

// Stop halts the schedule and waits for a running sweep, or ctx, to finish.
func (r *Reaper) Stop(ctx context.Context) {
	done := r.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		r.logger.Warn("session reaper stop timed out")
	}
}

// Sweep closes idle sessions once and returns their ids.
func (r *Reaper) Sweep() []string {
	closed := r.svc.CloseIdle(r.maxIdle)
	if len(closed) > 0 {
		r.logger.Info("closed idle sessions", "count", len(closed), "sessions", closed)
	}
	return closed
}
