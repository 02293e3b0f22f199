package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
logging:
  level: debug
  console: true
pipeline:
  batch_window: 200ms
  max_visible: 4
  min_visible: 5s
  viewer:
    user_id: u-1
    roles: [ops, admin]
leader:
  heartbeat: 2s
  stale_after: 6s
storage:
  driver: file
  path: ./state/notifyd
maintenance:
  schedule: "*/5 * * * *"
`

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body), 0o600))
	return p
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	p := writeFile(t, t.TempDir(), "notifyd.yaml", sampleYAML)

	cfg, err := NewManager(p).Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, []string{"ops", "admin"}, cfg.Pipeline.Viewer.Roles)

	r, err := cfg.Resolve()
	require.NoError(t, err)
	assert.Equal(t, 200*time.Millisecond, r.Pipeline.BatchWindow)
	assert.Equal(t, DefaultStagger, r.Pipeline.Stagger)
	assert.Equal(t, 4, r.Pipeline.MaxVisible)
	assert.Equal(t, 5*time.Second, r.Pipeline.MinVisible)
	assert.Equal(t, 2*time.Second, r.Leader.Heartbeat)
	assert.Equal(t, "file", r.Storage.Driver)
	assert.True(t, r.Pipeline.WhatsAppAccess)
	assert.Equal(t, "local", r.Bus.Mode)
}

func TestDecodeStrict(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name, path, body, wantErr string
	}{
		{"unknown json field", "c.json", `{"pipeline":{"batch":"1s"}}`, "unknown field"},
		{"unknown yaml field", "c.yml", "telegram:\n  token: x\n", "unknown field"},
		{"trailing data", "c.json", `{} {}`, "trailing data"},
		{"bad yaml", "c.yaml", "logging: [", "yaml unmarshal"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.path, []byte(tc.body))
			assert.ErrorContains(t, err, tc.wantErr)
		})
	}

	cfg, err := Decode("empty.yaml", nil)
	require.NoError(t, err)
	assert.Equal(t, &Config{}, cfg)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		cfg     Config
		wantErr []string
	}{
		{name: "defaults", cfg: Config{}},
		{
			name:    "bad level and driver",
			cfg:     Config{Logging: LoggingConfig{Level: "loud"}, Storage: StorageConfig{Driver: "redis"}},
			wantErr: []string{"logging.level", "storage.driver"},
		},
		{
			name:    "file driver without path",
			cfg:     Config{Storage: StorageConfig{Driver: "file"}},
			wantErr: []string{"storage.path"},
		},
		{
			name:    "bad durations",
			cfg:     Config{Pipeline: PipelineConfig{Tick: "soon"}, Leader: LeaderConfig{Heartbeat: "-1s"}},
			wantErr: []string{"pipeline.tick", "leader.heartbeat"},
		},
		{
			name:    "stale shorter than heartbeat",
			cfg:     Config{Leader: LeaderConfig{Heartbeat: "5s", StaleAfter: "4s"}},
			wantErr: []string{"must exceed"},
		},
		{
			name:    "ws without url",
			cfg:     Config{Bus: BusConfig{Mode: "ws"}},
			wantErr: []string{"bus.url"},
		},
		{
			name:    "bad schedule",
			cfg:     Config{Maintenance: MaintenanceConfig{Schedule: "every so often"}},
			wantErr: []string{"maintenance.schedule"},
		},
		{
			name:    "bad addr",
			cfg:     Config{HTTP: HTTPConfig{Addr: "localhost"}},
			wantErr: []string{"http.addr"},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(&tc.cfg)
			if len(tc.wantErr) == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, w := range tc.wantErr {
				assert.ErrorContains(t, err, w)
			}
		})
	}
}

func TestSummarizeChange(t *testing.T) {
	t.Parallel()
	oldCfg := &Config{Bus: BusConfig{Mode: "local"}}
	newCfg := &Config{
		Bus:      BusConfig{Mode: "ws", URL: "ws://user:secret@relay:8470/bus"},
		Pipeline: PipelineConfig{MaxVisible: 5},
	}

	changed, attrs := SummarizeChange(oldCfg, newCfg)
	assert.Equal(t, []string{"pipeline", "bus"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"bus"}, RequiresRestart(changed))

	changed, _ = SummarizeChange(newCfg, newCfg)
	assert.Empty(t, changed)
}

func TestWatchPublishesValidChanges(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "notifyd.json", `{"pipeline":{"max_visible":2}}`)

	m := NewManager(p)
	m.SetDebounce(20 * time.Millisecond)
	_, err := m.Load()
	require.NoError(t, err)

	sub := m.Subscribe(1)
	defer m.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Watch(ctx) }()

	// Invalid content is rejected and never published. Rewrite until the
	// watcher is up and the valid change lands.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(p, []byte(`{"pipeline":{"max_visible":-1}}`), 0o600)
		time.Sleep(40 * time.Millisecond)
		_ = os.WriteFile(p, []byte(`{"pipeline":{"max_visible":4}}`), 0o600)
		select {
		case cfg := <-sub:
			return cfg.Pipeline.MaxVisible == 4
		case <-time.After(200 * time.Millisecond):
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, 4, m.Get().Pipeline.MaxVisible)
	cancel()
	require.NoError(t, <-done)
}

func TestValidatorHookRejects(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	p := writeFile(t, dir, "notifyd.json", `{}`)
	m := NewManager(p)
	_, err := m.Load()
	require.NoError(t, err)

	m.SetValidator(func(ctx context.Context, cfg *Config) error {
		return assert.AnError
	})
	writeFile(t, dir, "notifyd.json", `{"desktop":{"enabled":true}}`)
	m.reload(context.Background())
	assert.False(t, m.Get().Desktop.Enabled)

	m.SetValidator(nil)
	m.reload(context.Background())
	assert.True(t, m.Get().Desktop.Enabled)
}
