package config

import (
	"reflect"
	"strings"

	logx "opsnotify/pkg/logx"
)

// SummarizeChange returns the sections that differ between two configs and
// structured attrs describing the new values, for a one-line reload log.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var (
		changed []string
		attrs   []logx.Field
	)

	if !reflect.DeepEqual(oldCfg.Logging, newCfg.Logging) {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	if !reflect.DeepEqual(oldCfg.Pipeline, newCfg.Pipeline) {
		changed = append(changed, "pipeline")
		p := newCfg.Pipeline
		attrs = append(attrs,
			logx.String("pipeline.batch_window", strings.TrimSpace(p.BatchWindow)),
			logx.Int("pipeline.burst_size", p.BurstSize),
			logx.Int("pipeline.max_visible", p.MaxVisible),
			logx.String("pipeline.group_window", strings.TrimSpace(p.GroupWindow)),
			logx.String("pipeline.min_visible", strings.TrimSpace(p.MinVisible)),
			logx.Int("pipeline.viewer_roles", len(p.Viewer.Roles)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Leader, newCfg.Leader) {
		changed = append(changed, "leader")
		attrs = append(attrs,
			logx.String("leader.heartbeat", strings.TrimSpace(newCfg.Leader.Heartbeat)),
			logx.String("leader.stale_after", strings.TrimSpace(newCfg.Leader.StaleAfter)),
			logx.Bool("leader.claim_on_release", newCfg.Leader.ClaimOnRelease),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		changed = append(changed, "storage")
		attrs = append(attrs, logx.String("storage.driver", newCfg.Storage.Driver))
	}

	if oldCfg.Bus != newCfg.Bus {
		changed = append(changed, "bus")
		// URL may carry credentials in its userinfo.
		attrs = append(attrs,
			logx.String("bus.mode", newCfg.Bus.Mode),
			logx.Bool("bus.url_set", strings.TrimSpace(newCfg.Bus.URL) != ""),
		)
	}

	if oldCfg.Desktop != newCfg.Desktop {
		changed = append(changed, "desktop")
		attrs = append(attrs,
			logx.Bool("desktop.enabled", newCfg.Desktop.Enabled),
			logx.Int("desktop.rate_per_sec", newCfg.Desktop.RatePerSec),
		)
	}

	if !reflect.DeepEqual(oldCfg.HTTP, newCfg.HTTP) {
		changed = append(changed, "http")
		attrs = append(attrs,
			logx.Bool("http.enabled", newCfg.HTTP.Enabled),
			logx.String("http.addr", strings.TrimSpace(newCfg.HTTP.Addr)),
		)
	}

	if oldCfg.Maintenance != newCfg.Maintenance {
		changed = append(changed, "maintenance")
		attrs = append(attrs, logx.String("maintenance.schedule", strings.TrimSpace(newCfg.Maintenance.Schedule)))
	}

	return changed, attrs
}

// RequiresRestart reports sections whose changes only take effect on
// restart: storage, bus and http listeners are opened once.
func RequiresRestart(changed []string) []string {
	var out []string
	for _, s := range changed {
		switch s {
		case "storage", "bus", "http":
			out = append(out, s)
		}
	}
	return out
}
