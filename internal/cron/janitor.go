package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Pruner deletes checkpoints created before a horizon and reports how many went.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

// Janitor periodically removes checkpoints older than the retention window.
type Janitor struct {
	pruner    Pruner
	schedule  Schedule
	retention time.Duration
	retryCfg  RetryConfig
	logger    *slog.Logger

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}
	nextRun  time.Time
	runLog   []RunLogEntry // last 50 runs
}

// NewJanitor creates a retention janitor. retention must be positive.
func NewJanitor(p Pruner, schedule Schedule, retention time.Duration, logger *slog.Logger) (*Janitor, error) {
	if err := schedule.Validate(); err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	if retention <= 0 {
		return nil, fmt.Errorf("retention must be positive, got %s", retention)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		pruner:    p,
		schedule:  schedule,
		retention: retention,
		retryCfg:  DefaultRetryConfig(),
		logger:    logger,
	}, nil
}

// SetRetryConfig overrides the default retry configuration.
func (j *Janitor) SetRetryConfig(cfg RetryConfig) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.retryCfg = cfg
}

// Start begins the scheduling loop. It stops when ctx is done or Stop is called.
func (j *Janitor) Start(ctx context.Context) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return nil
	}
	next, err := j.schedule.Next(time.Now())
	if err != nil {
		return err
	}
	j.nextRun = next
	j.stopChan = make(chan struct{})
	j.done = make(chan struct{})
	j.running = true

	go j.runLoop(ctx, j.stopChan, j.done)

	j.logger.Info("cron: retention janitor started", "retention", j.retention, "next_run", next)
	return nil
}

// Stop halts the scheduling loop and waits for an in-flight run to finish.
func (j *Janitor) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	close(j.stopChan)
	j.running = false
	done := j.done
	j.mu.Unlock()

	<-done
	j.logger.Info("cron: retention janitor stopped")
}

// RunOnce prunes everything older than now minus the retention window.
func (j *Janitor) RunOnce(ctx context.Context) (int64, error) {
	j.mu.Lock()
	cfg := j.retryCfg
	j.mu.Unlock()

	before := time.Now().Add(-j.retention)
	removed, attempts, err := ExecuteWithRetry(ctx, func(ctx context.Context) (int64, error) {
		return j.pruner.Prune(ctx, before)
	}, cfg)

	if attempts > 1 {
		j.logger.Info("cron: prune retried", "attempts", attempts, "success", err == nil)
	}
	if err != nil {
		j.logger.Error("cron: prune failed", "before", before, "error", err)
	} else {
		j.logger.Info("cron: pruned checkpoints", "before", before, "removed", removed)
	}
	j.recordRun(removed, err)
	return removed, err
}

// GetRunLog returns recent runs, newest first.
func (j *Janitor) GetRunLog(limit int) []RunLogEntry {
	j.mu.Lock()
	defer j.mu.Unlock()

	if limit <= 0 {
		limit = 20
	}
	var result []RunLogEntry
	for i := len(j.runLog) - 1; i >= 0 && len(result) < limit; i-- {
		result = append(result, j.runLog[i])
	}
	return result
}

// NextRun returns when the janitor fires next (zero when stopped).
func (j *Janitor) NextRun() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !j.running {
		return time.Time{}
	}
	return j.nextRun
}

func (j *Janitor) recordRun(removed int64, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	entry := RunLogEntry{Ts: nowMS(), Status: "ok", Removed: removed}
	if err != nil {
		entry.Status = "error"
		entry.Error = err.Error()
	}
	j.runLog = append(j.runLog, entry)
	if len(j.runLog) > 50 {
		j.runLog = j.runLog[len(j.runLog)-50:]
	}
}

// --- Internal scheduling loop ---

func (j *Janitor) runLoop(ctx context.Context, stopChan, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopChan:
			return
		case now := <-ticker.C:
			j.mu.Lock()
			due := !j.nextRun.After(now)
			j.mu.Unlock()
			if !due {
				continue
			}

			j.RunOnce(ctx)

			next, err := j.schedule.Next(time.Now())
			if err != nil {
				j.logger.Error("cron: failed to compute next run", "error", err)
				return
			}
			j.mu.Lock()
			j.nextRun = next
			j.mu.Unlock()
		}
	}
}
