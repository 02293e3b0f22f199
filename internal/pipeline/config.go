package pipeline

import (
	"time"

	"opsnotify/internal/batcher"
	"opsnotify/internal/config"
	"opsnotify/internal/leader"
	"opsnotify/internal/queue"
)

// Config is the resolved pipeline configuration.
type Config struct {
	Batch       batcher.Config
	Queue       queue.Config
	Leader      leader.Config
	Tick        time.Duration
	DedupWindow time.Duration
	Viewer      Viewer

	// Schedule is the maintenance cron spec; empty disables maintenance.
	Schedule string
	Timezone string
}

// ConfigFromResolved maps the file configuration onto the pipeline.
func ConfigFromResolved(r *config.Resolved) Config {
	p := r.Pipeline
	return Config{
		Batch: batcher.Config{Window: p.BatchWindow, Stagger: p.Stagger, BurstSize: p.BurstSize},
		Queue: queue.Config{
			MaxVisible:       p.MaxVisible,
			GroupWindow:      p.GroupWindow,
			MinVisible:       p.MinVisible,
			AutoDismissAfter: p.AutoDismiss,
		},
		Leader: leader.Config{
			TabID:          r.Leader.TabID,
			Heartbeat:      r.Leader.Heartbeat,
			StaleAfter:     r.Leader.StaleAfter,
			ClaimOnRelease: r.Leader.ClaimOnRelease,
			DedupWindow:    p.DedupWindow,
		},
		Tick:        p.Tick,
		DedupWindow: p.DedupWindow,
		Viewer: Viewer{
			UserID:         p.UserID,
			Roles:          p.Roles,
			Locations:      p.Locations,
			WhatsAppAccess: p.WhatsAppAccess,
		},
		Schedule: r.Maintenance.Schedule,
		Timezone: r.Maintenance.Timezone,
	}
}

func (c Config) withDefaults() Config {
	if c.Tick <= 0 {
		c.Tick = config.DefaultTick
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = config.DefaultDedupWindow
	}
	return c
}
