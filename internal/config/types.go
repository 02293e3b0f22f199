package config

// Config is the notifyd configuration file.
//
// All durations are Go duration strings (e.g. "300ms", "3s", "2m").
// Omitted or zero values fall back to the defaults listed per section.
type Config struct {
	Logging     LoggingConfig     `json:"logging"`
	Pipeline    PipelineConfig    `json:"pipeline"`
	Leader      LeaderConfig      `json:"leader"`
	Storage     StorageConfig     `json:"storage"`
	Bus         BusConfig         `json:"bus"`
	Desktop     DesktopConfig     `json:"desktop"`
	HTTP        HTTPConfig        `json:"http"`
	Maintenance MaintenanceConfig `json:"maintenance"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path" validate:"required_if=Enabled true"`
}

// PipelineConfig controls batching, the visible window and grouping.
//
// Defaults:
//   - batch_window: "300ms", stagger: "150ms", burst_size: 3
//   - max_visible: 3, group_window: "300ms", tick: "250ms"
//   - min_visible: "0s" (rotation off), auto_dismiss: "0s" (off)
//   - dedup_window: "2m"
type PipelineConfig struct {
	BatchWindow string `json:"batch_window,omitempty"`
	Stagger     string `json:"stagger,omitempty"`
	BurstSize   int    `json:"burst_size,omitempty" validate:"gte=0,lte=100"`

	MaxVisible  int    `json:"max_visible,omitempty" validate:"gte=0,lte=20"`
	GroupWindow string `json:"group_window,omitempty"`
	Tick        string `json:"tick,omitempty"`
	MinVisible  string `json:"min_visible,omitempty"`
	AutoDismiss string `json:"auto_dismiss,omitempty"`

	// DedupWindow is how long a raw event id is remembered in storage.
	DedupWindow string `json:"dedup_window,omitempty"`

	Viewer ViewerConfig `json:"viewer"`
}

// ViewerConfig describes the session system notices are filtered for.
type ViewerConfig struct {
	UserID    string   `json:"user_id,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Locations []string `json:"locations,omitempty"`
	// WhatsAppAccess gates WhatsApp notifications entirely. Defaults to true.
	WhatsAppAccess *bool `json:"whatsapp_access,omitempty"`
}

// LeaderConfig controls participant election.
//
// Defaults: heartbeat "3s", stale_after "8s".
type LeaderConfig struct {
	TabID          string `json:"tab_id,omitempty"`
	Heartbeat      string `json:"heartbeat,omitempty"`
	StaleAfter     string `json:"stale_after,omitempty"`
	ClaimOnRelease bool   `json:"claim_on_release,omitempty"`
}

// StorageConfig controls the shared storage mirror.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./notifyd_state" }
type StorageConfig struct {
	Driver       string `json:"driver" validate:"omitempty,oneof=none memory mem file sqlite sqlite3"`
	Path         string `json:"path,omitempty" validate:"required_if=Driver file,required_if=Driver sqlite,required_if=Driver sqlite3"`
	BusyTimeout  string `json:"busy_timeout,omitempty"`  // sqlite
	PollInterval string `json:"poll_interval,omitempty"` // sqlite
}

// BusConfig selects the cross-participant channel: "local" uses the
// in-process event bus, "ws" dials a notifyd relay.
type BusConfig struct {
	Mode string `json:"mode,omitempty" validate:"omitempty,oneof=local ws"`
	URL  string `json:"url,omitempty" validate:"omitempty,url"`
}

// DesktopConfig controls the D-Bus desktop notification sink.
type DesktopConfig struct {
	Enabled    bool   `json:"enabled"`
	AppName    string `json:"app_name,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty" validate:"gte=0"`
	Burst      int    `json:"burst,omitempty" validate:"gte=0"`
	Expire     string `json:"expire,omitempty"`
}

// HTTPConfig controls the host API.
//
// Prefer binding to localhost (e.g. "127.0.0.1:8470").
type HTTPConfig struct {
	Enabled        bool     `json:"enabled"`
	Addr           string   `json:"addr,omitempty" validate:"omitempty,hostname_port"`
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	ReadTimeout    string   `json:"read_timeout,omitempty"`
	WriteTimeout   string   `json:"write_timeout,omitempty"`
	// Pprof mounts net/http/pprof under /debug. Keep it off on shared hosts.
	Pprof bool `json:"pprof,omitempty"`
}

// MaintenanceConfig schedules pruning of expired notices and dedup keys.
// Schedule is a cron spec; descriptors like "@every 1m" work.
type MaintenanceConfig struct {
	Schedule string `json:"schedule,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}
