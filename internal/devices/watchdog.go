package devices

import (
	"context"
	"time"

	"github.com/hearthcloud/bridge/internal/events"
	"github.com/hearthcloud/bridge/internal/monitoring"
)

// maxSweepInterval caps how coarse the watchdog sweep gets for long
// availability timeouts.
const maxSweepInterval = 10 * time.Second

// SweepInterval returns the watchdog period: min(timeout/3, 10s).
func (r *Repository) SweepInterval() time.Duration {
	interval := r.timeout / 3
	if interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	if interval <= 0 {
		interval = time.Second
	}
	return interval
}

// Run drives the liveness watchdog until the context is canceled. One sweep
// goroutine serves the whole repository; per-device timers would churn with
// device churn.
func (r *Repository) Run(ctx context.Context) {
	ticker := r.clock.NewTicker(r.SweepInterval())
	defer ticker.Stop()

	r.log.Info("device watchdog running",
		"timeout", r.timeout, "interval", r.SweepInterval())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			r.sweep()
		}
	}
}

// sweep forces available=false on every watched device whose last liveness
// signal is older than the timeout. Each staleness episode fires exactly
// once: the liveness entry is cleared until the next signal re-arms it.
func (r *Repository) sweep() {
	r.mu.RLock()
	users := make([]string, 0, len(r.shards))
	for userID := range r.shards {
		users = append(users, userID)
	}
	r.mu.RUnlock()

	now := r.clock.Now()
	for _, userID := range users {
		s := r.shard(userID)
		s.mu.Lock()
		for clientID, byID := range s.clients {
			for _, entry := range byID {
				if !entry.watched || now.Sub(entry.lastSeen) <= r.timeout {
					continue
				}
				entry.watched = false
				if !entry.state.Available() {
					continue
				}
				r.log.Debug("watchdog marking device unavailable",
					"user", userID, "client", clientID, "device", entry.device.ID)
				monitoring.WatchdogOffline.Inc()
				r.events.Emit(events.TypeWatchdogOffline, userID, map[string]any{
					"client": clientID,
					"device": entry.device.ID,
				})
				r.applyState(userID, clientID, entry, map[string]any{keyAvailable: false}, 0, false)
			}
		}
		s.mu.Unlock()
	}
}
