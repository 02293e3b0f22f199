package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "opsnotify/pkg/logx"
)

func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	dir := t.TempDir()
	out := map[string]Store{"memory": NewMemory()}

	fs, err := Open(Config{Driver: "file", Path: filepath.Join(dir, "state.db")}, logx.Nop())
	require.NoError(t, err)
	out["file"] = fs

	sq, err := Open(Config{Driver: "sqlite", Path: filepath.Join(dir, "state.sqlite"), PollInterval: 20 * time.Millisecond}, logx.Nop())
	require.NoError(t, err)
	out["sqlite"] = sq

	t.Cleanup(func() {
		for _, s := range out {
			_ = s.Close()
		}
	})
	return out
}

func TestOpenDrivers(t *testing.T) {
	t.Parallel()

	s, err := Open(Config{Driver: "none"}, logx.Nop())
	require.NoError(t, err)
	assert.Nil(t, s)

	s, err = Open(Config{Driver: " Memory "}, logx.Nop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, s)

	_, err = Open(Config{Driver: "redis"}, logx.Nop())
	assert.ErrorContains(t, err, "unknown storage driver")

	_, err = Open(Config{Driver: "file"}, logx.Nop())
	assert.Error(t, err)
}

func TestKeyValue(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := s.Get(ctx, "leader")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, "leader", `{"tabId":"a"}`))
			v, ok, err := s.Get(ctx, "leader")
			require.NoError(t, err)
			assert.True(t, ok)
			assert.Equal(t, `{"tabId":"a"}`, v)

			require.NoError(t, s.Set(ctx, "leader", `{"tabId":"b"}`))
			v, _, _ = s.Get(ctx, "leader")
			assert.Equal(t, `{"tabId":"b"}`, v)

			require.NoError(t, s.Remove(ctx, "leader"))
			require.NoError(t, s.Remove(ctx, "leader"))
			_, ok, err = s.Get(ctx, "leader")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestDedup(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	now := time.Now()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.PutDedup(ctx, "old", now.Add(-time.Minute)))
			require.NoError(t, s.PutDedup(ctx, "fresh", now.Add(time.Minute)))
			require.NoError(t, s.PutDedup(ctx, "  ", now))

			until, ok, err := s.GetDedup(ctx, "fresh")
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, now.Add(time.Minute).UnixMilli(), until.UnixMilli())

			n, err := s.PruneDedup(ctx, now)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			_, ok, _ = s.GetDedup(ctx, "old")
			assert.False(t, ok)
			_, ok, _ = s.GetDedup(ctx, "fresh")
			assert.True(t, ok)
		})
	}
}

func TestAppendDelivery(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, s.AppendDelivery(ctx, DeliveryRecord{
				At: time.Now(), ParticipantID: "p1", EventID: "e1", Outcome: "desktop", Leader: true,
			}))
		})
	}
}

func TestMemoryDeliveriesAndClose(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	m := NewMemory()
	require.NoError(t, m.AppendDelivery(ctx, DeliveryRecord{ParticipantID: "p1", Outcome: "in_app"}))
	require.Len(t, m.Deliveries(), 1)

	ch, _ := m.Watch(1)
	require.NoError(t, m.Close())
	_, open := <-ch
	assert.False(t, open, "watchers are closed with the store")
	assert.ErrorIs(t, m.Set(ctx, "k", "v"), ErrClosed)
}

func TestWatchLocalWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	for name, s := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ch, cancel := s.Watch(8)
			defer cancel()

			require.NoError(t, s.Set(ctx, "k", "v1"))
			assert.Equal(t, Change{Key: "k", Value: "v1"}, recvChange(t, ch))
			require.NoError(t, s.Remove(ctx, "k"))
			assert.Equal(t, Change{Key: "k", Removed: true}, recvChange(t, ch))
		})
	}
}

func TestFileStoreSeesOtherProcessWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer b.Close()

	ch, cancel := a.Watch(8)
	defer cancel()

	require.NoError(t, b.Set(ctx, "whatsapp_notification_leader", "tab-b"))
	assert.Equal(t, Change{Key: "whatsapp_notification_leader", Value: "tab-b"}, recvChange(t, ch))

	v, ok, err := a.Get(ctx, "whatsapp_notification_leader")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "tab-b", v)
}

func TestFileStorePersists(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.json")

	s, err := Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.PutDedup(ctx, "evt", time.Now().Add(time.Hour)))
	require.NoError(t, s.Close())

	s, err = Open(Config{Driver: "file", Path: path}, logx.Nop())
	require.NoError(t, err)
	defer s.Close()

	v, ok, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)

	_, ok, err = s.GetDedup(ctx, "evt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSQLiteStoreSeesOtherConnectionWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.sqlite")
	cfg := Config{Driver: "sqlite", Path: path, PollInterval: 20 * time.Millisecond, BusyTimeout: time.Second}

	a, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer a.Close()
	b, err := Open(cfg, logx.Nop())
	require.NoError(t, err)
	defer b.Close()

	ch, cancel := a.Watch(8)
	defer cancel()

	require.NoError(t, b.Set(ctx, "k", "from-b"))
	assert.Equal(t, Change{Key: "k", Value: "from-b"}, recvChange(t, ch))
	require.NoError(t, b.Remove(ctx, "k"))
	assert.Equal(t, Change{Key: "k", Removed: true}, recvChange(t, ch))
}

func recvChange(t *testing.T, ch <-chan Change) Change {
	t.Helper()
	select {
	case c, ok := <-ch:
		require.True(t, ok, "watch channel closed")
		return c
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for change")
		return Change{}
	}
}
