package desktop

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsnotify/internal/notification"
	logx "opsnotify/pkg/logx"
)

type recordedCall struct {
	method string
	args   []interface{}
}

type fakeBus struct {
	mu     sync.Mutex
	calls  []recordedCall
	nextID uint32
	err    error
}

func (f *fakeBus) CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, recordedCall{method: method, args: args})
	if f.err != nil {
		return &dbus.Call{Err: f.err}
	}
	f.nextID++
	return &dbus.Call{Body: []interface{}{f.nextID}}
}

func (f *fakeBus) recorded() []recordedCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedCall(nil), f.calls...)
}

func grouped(conv, text string, count int) notification.UnifiedNotification {
	return notification.UnifiedNotification{
		ID:       conv,
		Source:   notification.SourceWhatsApp,
		Title:    "Guest " + conv,
		Message:  text,
		Severity: notification.SeverityWhatsApp,
		GroupKey: notification.WhatsAppGroupKey(conv),
		Metadata: notification.Metadata{MessageCount: count},
		Actions: []notification.Action{
			{Label: "Open", Effect: notification.EffectOpenConversation, Target: conv},
		},
	}
}

func TestNotifyReplacesWithinGroup(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	d := newNotifier(bus, Config{AppName: "ops", RatePerSec: 100}, logx.Nop())
	ctx := context.Background()

	id1, err := d.Notify(ctx, grouped("c1", "hi", 1))
	require.NoError(t, err)
	id2, err := d.Notify(ctx, grouped("c1", "there", 2))
	require.NoError(t, err)
	assert.NotEqual(t, id1, id2)

	calls := bus.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, notifyCall, calls[0].method)
	assert.Equal(t, "ops", calls[0].args[0])
	assert.Equal(t, uint32(0), calls[0].args[1])
	assert.Equal(t, id1, calls[1].args[1], "second bubble replaces the first")
	assert.Equal(t, "there (2 messages)", calls[1].args[4])
	assert.Equal(t, []string{"open_conversation", "Open"}, calls[1].args[5])
	assert.Equal(t, int32(-1), calls[1].args[7])
}

func TestNotifyCriticalUrgency(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	d := newNotifier(bus, Config{RatePerSec: 10, Expire: 5 * time.Second}, logx.Nop())

	_, err := d.Notify(context.Background(), notification.UnifiedNotification{
		ID: "n1", Source: notification.SourceSystem, Title: "Outage", IsCritical: true,
		Severity: notification.SeverityCritical,
	})
	require.NoError(t, err)

	calls := bus.recorded()
	require.Len(t, calls, 1)
	hints := calls[0].args[6].(map[string]dbus.Variant)
	assert.Equal(t, byte(2), hints["urgency"].Value())
	assert.Equal(t, int32(5000), calls[0].args[7])
}

func TestNotifyRateLimited(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	d := newNotifier(bus, Config{RatePerSec: 1, Burst: 1}, logx.Nop())
	ctx := context.Background()

	_, err := d.Notify(ctx, grouped("c1", "a", 1))
	require.NoError(t, err)
	_, err = d.Notify(ctx, grouped("c2", "b", 1))
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Len(t, bus.recorded(), 1)
}

func TestNotifyBusError(t *testing.T) {
	t.Parallel()
	boom := errors.New("no server")
	d := newNotifier(&fakeBus{err: boom}, Config{RatePerSec: 10}, logx.Nop())
	_, err := d.Notify(context.Background(), grouped("c1", "a", 1))
	assert.ErrorIs(t, err, boom)
}

func TestDismissAndClose(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{}
	d := newNotifier(bus, Config{RatePerSec: 10}, logx.Nop())
	ctx := context.Background()

	id, err := d.Notify(ctx, grouped("c1", "a", 1))
	require.NoError(t, err)
	require.NoError(t, d.Dismiss(ctx, notification.WhatsAppGroupKey("c1")))
	require.NoError(t, d.Dismiss(ctx, "unknown"))

	calls := bus.recorded()
	require.Len(t, calls, 2)
	assert.Equal(t, closeCall, calls[1].method)
	assert.Equal(t, []interface{}{id}, calls[1].args)

	require.NoError(t, d.Close())
	_, err = d.Notify(ctx, grouped("c1", "b", 1))
	assert.ErrorIs(t, err, ErrClosed)
}
