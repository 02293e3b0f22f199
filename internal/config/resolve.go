package config

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	DefaultBatchWindow  = 300 * time.Millisecond
	DefaultStagger      = 150 * time.Millisecond
	DefaultBurstSize    = 3
	DefaultMaxVisible   = 3
	DefaultGroupWindow  = 300 * time.Millisecond
	DefaultTick         = 250 * time.Millisecond
	DefaultDedupWindow  = 2 * time.Minute
	DefaultHeartbeat    = 3 * time.Second
	DefaultStaleAfter   = 8 * time.Second
	DefaultDesktopRate  = 2
	DefaultDesktopBurst = 4
	DefaultHTTPAddr     = "127.0.0.1:8470"
	DefaultSchedule     = "@every 1m"
)

// Resolved is a Config with defaults applied and durations parsed.
type Resolved struct {
	Pipeline    PipelineSettings
	Leader      LeaderSettings
	Storage     StorageSettings
	Bus         BusSettings
	Desktop     DesktopSettings
	HTTP        HTTPSettings
	Maintenance MaintenanceSettings
}

type PipelineSettings struct {
	BatchWindow    time.Duration
	Stagger        time.Duration
	BurstSize      int
	MaxVisible     int
	GroupWindow    time.Duration
	Tick           time.Duration
	MinVisible     time.Duration
	AutoDismiss    time.Duration
	DedupWindow    time.Duration
	UserID         string
	Roles          []string
	Locations      []string
	WhatsAppAccess bool
}

type LeaderSettings struct {
	TabID          string
	Heartbeat      time.Duration
	StaleAfter     time.Duration
	ClaimOnRelease bool
}

type StorageSettings struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration
	PollInterval time.Duration
}

type BusSettings struct {
	Mode string
	URL  string
}

type DesktopSettings struct {
	Enabled    bool
	AppName    string
	RatePerSec int
	Burst      int
	Expire     time.Duration
}

type HTTPSettings struct {
	Enabled        bool
	Addr           string
	AllowedOrigins []string
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Pprof          bool
}

type MaintenanceSettings struct {
	Schedule string
	Timezone string
}

// Resolve applies defaults and parses every duration. All field errors are
// reported together.
func (c *Config) Resolve() (*Resolved, error) {
	if c == nil {
		c = &Config{}
	}
	var (
		r    Resolved
		errs []error
		ds   durationSet
	)
	dur := ds.or

	p := c.Pipeline
	r.Pipeline.BatchWindow = dur("pipeline.batch_window", p.BatchWindow, DefaultBatchWindow)
	r.Pipeline.Stagger = dur("pipeline.stagger", p.Stagger, DefaultStagger)
	r.Pipeline.BurstSize = intOr(p.BurstSize, DefaultBurstSize)
	r.Pipeline.MaxVisible = intOr(p.MaxVisible, DefaultMaxVisible)
	r.Pipeline.GroupWindow = dur("pipeline.group_window", p.GroupWindow, DefaultGroupWindow)
	r.Pipeline.Tick = dur("pipeline.tick", p.Tick, DefaultTick)
	r.Pipeline.MinVisible = dur("pipeline.min_visible", p.MinVisible, 0)
	r.Pipeline.AutoDismiss = dur("pipeline.auto_dismiss", p.AutoDismiss, 0)
	r.Pipeline.DedupWindow = dur("pipeline.dedup_window", p.DedupWindow, DefaultDedupWindow)
	r.Pipeline.UserID = strings.TrimSpace(p.Viewer.UserID)
	r.Pipeline.Roles = p.Viewer.Roles
	r.Pipeline.Locations = p.Viewer.Locations
	r.Pipeline.WhatsAppAccess = p.Viewer.WhatsAppAccess == nil || *p.Viewer.WhatsAppAccess

	r.Leader.TabID = strings.TrimSpace(c.Leader.TabID)
	r.Leader.Heartbeat = dur("leader.heartbeat", c.Leader.Heartbeat, DefaultHeartbeat)
	r.Leader.StaleAfter = dur("leader.stale_after", c.Leader.StaleAfter, DefaultStaleAfter)
	r.Leader.ClaimOnRelease = c.Leader.ClaimOnRelease
	if r.Leader.StaleAfter <= r.Leader.Heartbeat {
		errs = append(errs, fmt.Errorf("leader.stale_after (%s) must exceed leader.heartbeat (%s)", r.Leader.StaleAfter, r.Leader.Heartbeat))
	}

	r.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	if r.Storage.Driver == "" {
		r.Storage.Driver = "memory"
	}
	r.Storage.Path = strings.TrimSpace(c.Storage.Path)
	r.Storage.BusyTimeout = dur("storage.busy_timeout", c.Storage.BusyTimeout, 0)
	r.Storage.PollInterval = dur("storage.poll_interval", c.Storage.PollInterval, 0)

	r.Bus.Mode = strings.TrimSpace(c.Bus.Mode)
	if r.Bus.Mode == "" {
		r.Bus.Mode = "local"
	}
	r.Bus.URL = strings.TrimSpace(c.Bus.URL)

	r.Desktop.Enabled = c.Desktop.Enabled
	r.Desktop.AppName = strings.TrimSpace(c.Desktop.AppName)
	if r.Desktop.AppName == "" {
		r.Desktop.AppName = "notifyd"
	}
	r.Desktop.RatePerSec = intOr(c.Desktop.RatePerSec, DefaultDesktopRate)
	r.Desktop.Burst = intOr(c.Desktop.Burst, DefaultDesktopBurst)
	r.Desktop.Expire = dur("desktop.expire", c.Desktop.Expire, 0)

	r.HTTP.Enabled = c.HTTP.Enabled
	r.HTTP.Addr = strings.TrimSpace(c.HTTP.Addr)
	if r.HTTP.Addr == "" {
		r.HTTP.Addr = DefaultHTTPAddr
	}
	r.HTTP.AllowedOrigins = c.HTTP.AllowedOrigins
	r.HTTP.ReadTimeout = dur("http.read_timeout", c.HTTP.ReadTimeout, 10*time.Second)
	r.HTTP.WriteTimeout = dur("http.write_timeout", c.HTTP.WriteTimeout, 10*time.Second)
	r.HTTP.Pprof = c.HTTP.Pprof

	r.Maintenance.Schedule = strings.TrimSpace(c.Maintenance.Schedule)
	if r.Maintenance.Schedule == "" {
		r.Maintenance.Schedule = DefaultSchedule
	}
	r.Maintenance.Timezone = strings.TrimSpace(c.Maintenance.Timezone)

	errs = append(ds.errs, errs...)
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &r, nil
}

func intOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
