// ABOUTME: Background sweep that evicts sessions idle past the inactivity timeout
// ABOUTME: Each eviction is isolated so one failing session never aborts the sweep

package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

const (
	// DefaultInactivityTimeout is how long a session may stay idle before eviction.
	DefaultInactivityTimeout = 24 * time.Hour
	// DefaultSweepInterval is how often the reaper scans the registry.
	DefaultSweepInterval = time.Hour
	// DefaultEvictTimeout bounds the work spent on one eviction.
	DefaultEvictTimeout = 30 * time.Second
)

// ReaperConfig configures a Reaper. Zero values select the defaults.
type ReaperConfig struct {
	InactivityTimeout time.Duration
	SweepInterval     time.Duration
	EvictTimeout      time.Duration
}

// SweepResult summarizes one sweep.
type SweepResult struct {
	Scanned int
	Evicted []string
	Failed  []string
}

// Reaper periodically evicts idle sessions from a Manager.
type Reaper struct {
	manager      *Manager
	timeout      time.Duration
	interval     time.Duration
	evictTimeout time.Duration
	logger       *slog.Logger
}

// NewReaper creates a Reaper for m.
func NewReaper(m *Manager, cfg ReaperConfig, logger *slog.Logger) *Reaper {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.EvictTimeout <= 0 {
		cfg.EvictTimeout = DefaultEvictTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Reaper{
		manager:      m,
		timeout:      cfg.InactivityTimeout,
		interval:     cfg.SweepInterval,
		evictTimeout: cfg.EvictTimeout,
		logger:       logger.With("component", "reaper"),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reaper started",
		"interval", r.interval,
		"inactivity_timeout", r.timeout,
	)

	for {
		select {
		case <-ticker.C:
			r.Sweep(ctx)
		case <-ctx.Done():
			r.logger.Info("reaper stopped")
			return
		}
	}
}

// Sweep evicts every session whose last activity is older than the
// inactivity timeout and retries the credential delete of closed sessions.
// Sessions touched after the snapshot are kept. Each eviction gets at most
// the evict timeout, so a stuck session cannot hold up the rest.
func (r *Reaper) Sweep(ctx context.Context) SweepResult {
	cutoff := r.manager.now().Add(-r.timeout)
	snap := r.manager.registry.Snapshot()

	result := SweepResult{Scanned: len(snap)}
	for _, rec := range snap {
		if !rec.Closing && !rec.LastActivity.Before(cutoff) {
			continue
		}
		if ctx.Err() != nil {
			break
		}

		evicted, err := r.evictOne(ctx, rec.ID, cutoff)
		if err != nil {
			r.logger.Error("evicting idle session failed", "session_id", rec.ID, "error", err)
			result.Failed = append(result.Failed, rec.ID)
			continue
		}
		if evicted {
			r.logger.Info("evicted idle session",
				"session_id", rec.ID,
				"last_activity", rec.LastActivity,
			)
			result.Evicted = append(result.Evicted, rec.ID)
		}
	}

	if len(result.Evicted) > 0 || len(result.Failed) > 0 {
		r.logger.Info("sweep finished",
			"scanned", result.Scanned,
			"evicted", len(result.Evicted),
			"failed", len(result.Failed),
		)
	}
	return result
}

func (r *Reaper) evictOne(ctx context.Context, id string, cutoff time.Time) (evicted bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, r.evictTimeout)
	defer cancel()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic during eviction: %v", p)
		}
	}()
	return r.manager.evict(ctx, id, cutoff)
}
