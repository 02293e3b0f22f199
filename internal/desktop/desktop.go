// Package desktop shows notifications through the freedesktop
// notification service on the session D-Bus.
package desktop

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/time/rate"

	"opsnotify/internal/notification"
	logx "opsnotify/pkg/logx"
)

const (
	busName    = "org.freedesktop.Notifications"
	objectPath = dbus.ObjectPath("/org/freedesktop/Notifications")
	notifyCall = busName + ".Notify"
	closeCall  = busName + ".CloseNotification"

	maxBodyRunes = 200
)

var (
	ErrDisabled    = errors.New("desktop: notifications disabled")
	ErrRateLimited = errors.New("desktop: rate limited")
	ErrClosed      = errors.New("desktop: notifier closed")
)

// Sink is what the pipeline hands desktop-bound notifications to.
type Sink interface {
	Notify(ctx context.Context, n notification.UnifiedNotification) (uint32, error)
	Dismiss(ctx context.Context, key string) error
}

type Config struct {
	AppName    string
	RatePerSec int
	Burst      int
	// Expire is the server-side timeout; 0 lets the server decide.
	Expire time.Duration
}

// caller is the slice of dbus.BusObject the notifier needs.
type caller interface {
	CallWithContext(ctx context.Context, method string, flags dbus.Flags, args ...interface{}) *dbus.Call
}

// Notifier is safe for concurrent use. Notifications sharing a group key
// replace each other on screen instead of stacking.
type Notifier struct {
	cfg     Config
	obj     caller
	conn    *dbus.Conn
	limiter *rate.Limiter
	log     logx.Logger

	mu       sync.Mutex
	replaces map[string]uint32
	closed   bool
}

// Dial connects to the session bus.
func Dial(ctx context.Context, cfg Config, log logx.Logger) (*Notifier, error) {
	conn, err := dbus.ConnectSessionBus(dbus.WithContext(ctx))
	if err != nil {
		return nil, fmt.Errorf("desktop: connect session bus: %w", err)
	}
	n := newNotifier(conn.Object(busName, objectPath), cfg, log)
	n.conn = conn
	return n, nil
}

func newNotifier(obj caller, cfg Config, log logx.Logger) *Notifier {
	if strings.TrimSpace(cfg.AppName) == "" {
		cfg.AppName = "notifyd"
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = cfg.RatePerSec
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Notifier{
		cfg:      cfg,
		obj:      obj,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		log:      log.Component("desktop"),
		replaces: map[string]uint32{},
	}
}

func replaceKey(n notification.UnifiedNotification) string {
	if n.GroupKey != "" {
		return n.GroupKey
	}
	return n.ID
}

func urgency(n notification.UnifiedNotification) byte {
	switch {
	case n.IsCritical:
		return 2
	case n.Severity == notification.SeverityInfo:
		return 0
	default:
		return 1
	}
}

func body(n notification.UnifiedNotification) string {
	b := strings.TrimSpace(n.Message)
	if c := n.Metadata.MessageCount; c > 1 {
		b = fmt.Sprintf("%s (%d messages)", b, c)
	}
	r := []rune(b)
	if len(r) > maxBodyRunes {
		b = string(r[:maxBodyRunes-1]) + "…"
	}
	return b
}

// actionList flattens actions into the key/label pairs the server expects.
func actionList(n notification.UnifiedNotification) []string {
	out := make([]string, 0, len(n.Actions)*2)
	for _, a := range n.Actions {
		out = append(out, string(a.Effect), a.Label)
	}
	return out
}

// Notify shows n and returns the server-assigned id. Over the rate limit it
// returns ErrRateLimited without calling the bus.
func (d *Notifier) Notify(ctx context.Context, n notification.UnifiedNotification) (uint32, error) {
	key := replaceKey(n)

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return 0, ErrClosed
	}
	replaces := d.replaces[key]
	d.mu.Unlock()

	if !d.limiter.Allow() {
		d.log.Debug("desktop notification rate limited", logx.String("key", key))
		return 0, ErrRateLimited
	}

	expire := int32(-1)
	if d.cfg.Expire > 0 {
		expire = int32(d.cfg.Expire / time.Millisecond)
	}
	hints := map[string]dbus.Variant{
		"urgency":  dbus.MakeVariant(urgency(n)),
		"category": dbus.MakeVariant("im.received"),
	}
	if n.Source == notification.SourceSystem {
		hints["category"] = dbus.MakeVariant("x-opsnotify.system")
	}

	call := d.obj.CallWithContext(ctx, notifyCall, 0,
		d.cfg.AppName, replaces, "", n.Title, body(n), actionList(n), hints, expire)
	var id uint32
	if err := call.Store(&id); err != nil {
		return 0, fmt.Errorf("desktop: notify: %w", err)
	}

	d.mu.Lock()
	d.replaces[key] = id
	d.mu.Unlock()
	d.log.Debug("desktop notification shown", logx.String("key", key), logx.Int64("id", int64(id)))
	return id, nil
}

// Dismiss closes the bubble last shown for key, if any.
func (d *Notifier) Dismiss(ctx context.Context, key string) error {
	d.mu.Lock()
	id, ok := d.replaces[key]
	delete(d.replaces, key)
	closed := d.closed
	d.mu.Unlock()
	if closed {
		return ErrClosed
	}
	if !ok {
		return nil
	}
	if err := d.obj.CallWithContext(ctx, closeCall, 0, id).Err; err != nil {
		return fmt.Errorf("desktop: close %d: %w", id, err)
	}
	return nil
}

func (d *Notifier) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()
	if d.conn != nil {
		return d.conn.Close()
	}
	return nil
}
