package leader

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"opsnotify/internal/storage"
	logx "opsnotify/pkg/logx"
)

var ErrStarted = errors.New("leader: controller already started")

type Config struct {
	// TabID identifies this participant; a random uuid when empty.
	TabID      string
	Heartbeat  time.Duration
	StaleAfter time.Duration
	// ClaimOnRelease claims immediately when the leader releases instead of
	// waiting for the next heartbeat tick.
	ClaimOnRelease bool
	// DedupWindow bounds how long a processed event id is remembered.
	DedupWindow time.Duration
}

type Option func(*Controller)

func WithClock(c clockwork.Clock) Option { return func(x *Controller) { x.clock = c } }
func WithLogger(l logx.Logger) Option   { return func(x *Controller) { x.log = l } }
func WithHost(h Host) Option            { return func(x *Controller) { x.host = h } }

// WithStateHook registers fn to run, outside the controller lock, whenever
// the state or believed leader changes.
func WithStateHook(fn func(prev, next Status)) Option {
	return func(x *Controller) { x.hook = fn }
}

// Controller is one election participant. Channel and storage failures are
// logged and swallowed: without them the controller still acts as a local
// single-participant leader.
type Controller struct {
	cfg   Config
	tabID string
	clock clockwork.Clock
	log   logx.Logger
	ch    Channel
	st    Storage
	host  Host
	hook  func(prev, next Status)

	mu            sync.Mutex
	state         State
	since         int64 // own term start, unix ms
	leaderID      string
	leaderSince   int64
	lastHeartbeat time.Time
	seen          map[string]time.Time

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a controller. ch and st may be nil.
func New(cfg Config, ch Channel, st Storage, opts ...Option) *Controller {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = DefaultDedupWindow
	}
	if cfg.TabID == "" {
		cfg.TabID = uuid.NewString()
	}
	c := &Controller{cfg: cfg, tabID: cfg.TabID, ch: ch, st: st, seen: map[string]time.Time{}}
	for _, o := range opts {
		o(c)
	}
	if c.clock == nil {
		c.clock = clockwork.NewRealClock()
	}
	if c.log.IsZero() {
		c.log = logx.Nop()
	}
	c.log = c.log.Component("leader").With(logx.String("tab", c.tabID))
	return c
}

func (c *Controller) TabID() string { return c.tabID }

func (c *Controller) IsLeader() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateLeader
}

func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.statusLocked()
}

func (c *Controller) statusLocked() Status {
	return Status{TabID: c.tabID, State: c.state, LeaderID: c.leaderID, LastHeartbeat: c.lastHeartbeat}
}

// Start subscribes to the channel and storage, claims leadership and runs
// the heartbeat loop until ctx is cancelled or Stop is called.
func (c *Controller) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.cancel != nil {
		return ErrStarted
	}

	var (
		msgs    <-chan Message
		changes <-chan storage.Change
		cleanup []func()
	)
	if c.ch != nil {
		c.safely("subscribe", func() error {
			m, unsub, err := c.ch.Subscribe(64)
			if err != nil {
				return err
			}
			msgs = m
			cleanup = append(cleanup, unsub)
			return nil
		})
	}
	if c.st != nil {
		c.safely("watch", func() error {
			ch, cancel := c.st.Watch(64)
			changes = ch
			cleanup = append(cleanup, cancel)
			return nil
		})
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	c.cancel = cancel
	c.done = done

	c.claim(runCtx)
	go c.loop(runCtx, done, msgs, changes, cleanup)
	c.log.Info("leader controller started")
	return nil
}

// Stop releases leadership, if held, and stops the loop.
func (c *Controller) Stop(ctx context.Context) error {
	c.runMu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.runMu.Unlock()
	if cancel == nil {
		return nil
	}

	c.release(ctx)
	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("leader stop: %w", ctx.Err())
	}
}

func (c *Controller) loop(ctx context.Context, done chan struct{}, msgs <-chan Message, changes <-chan storage.Change, cleanup []func()) {
	defer close(done)
	defer func() {
		for _, fn := range cleanup {
			fn()
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("leader loop panic", logx.Any("panic", r))
		}
	}()

	hb := c.clock.NewTicker(c.cfg.Heartbeat)
	defer hb.Stop()
	stale := c.clock.NewTimer(c.untilStale())
	defer stale.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			c.handle(ctx, m)
		case ch, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			c.handleStorage(ctx, ch)
		case <-hb.Chan():
			c.tick(ctx)
		case <-stale.Chan():
			if !c.IsLeader() {
				c.tick(ctx)
			}
		}
		stale.Reset(c.untilStale())
	}
}

// untilStale is how long until the believed leader goes stale, or one
// staleness window when there is nothing to watch.
func (c *Controller) untilStale() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateFollower || c.lastHeartbeat.IsZero() {
		return c.cfg.StaleAfter
	}
	d := c.lastHeartbeat.Add(c.cfg.StaleAfter).Sub(c.clock.Now())
	if d <= 0 {
		d = time.Millisecond
	}
	return d
}

func (c *Controller) staleLocked(now time.Time) bool {
	return c.lastHeartbeat.IsZero() || now.Sub(c.lastHeartbeat) >= c.cfg.StaleAfter
}

func (c *Controller) messageLocked(t MessageType, now time.Time) Message {
	return Message{Type: t, TabID: c.tabID, TS: now.UnixMilli(), Since: c.since}
}

func (c *Controller) claimLocked(now time.Time) Message {
	c.state = StateLeader
	c.since = now.UnixMilli()
	c.leaderID = c.tabID
	c.leaderSince = c.since
	c.lastHeartbeat = now
	return c.messageLocked(MsgClaim, now)
}

func (c *Controller) followLocked(id string, since int64, now time.Time) {
	c.state = StateFollower
	c.leaderID = id
	c.leaderSince = since
	c.lastHeartbeat = now
}

// claim broadcasts a claim and tentatively takes leadership.
func (c *Controller) claim(ctx context.Context) {
	now := c.clock.Now()
	c.mu.Lock()
	prev := c.statusLocked()
	msg := c.claimLocked(now)
	next := c.statusLocked()
	c.mu.Unlock()

	c.log.Debug("claiming leadership")
	c.broadcast(ctx, msg)
	c.persist(ctx, now)
	c.notify(prev, next)
}

// tick is the heartbeat step: the leader reasserts itself, anyone without a
// live leader claims.
func (c *Controller) tick(ctx context.Context) {
	now := c.clock.Now()
	c.mu.Lock()
	prev := c.statusLocked()
	var (
		msg  Message
		send bool
	)
	switch {
	case c.state == StateLeader:
		c.lastHeartbeat = now
		msg, send = c.messageLocked(MsgHeartbeat, now), true
	case c.leaderID == "" || c.staleLocked(now):
		if c.leaderID != "" {
			c.log.Info("leader stale, claiming", logx.String("leader", c.leaderID))
		}
		msg, send = c.claimLocked(now), true
	}
	next := c.statusLocked()
	c.mu.Unlock()

	if send {
		c.broadcast(ctx, msg)
		c.persist(ctx, now)
	}
	c.notify(prev, next)
}

// handle applies one message from a peer.
func (c *Controller) handle(ctx context.Context, m Message) {
	if m.TabID == "" || m.TabID == c.tabID {
		return
	}
	now := c.clock.Now()
	c.mu.Lock()
	prev := c.statusLocked()
	var reply *Message
	switch m.Type {
	case MsgClaim, MsgHeartbeat:
		reply = c.observePeerLocked(m, now)
	case MsgRelease:
		if c.state != StateLeader && m.TabID == c.leaderID {
			c.state = StateUnclaimed
			c.leaderID = ""
			c.leaderSince = 0
			c.lastHeartbeat = time.Time{}
			if c.cfg.ClaimOnRelease {
				cl := c.claimLocked(now)
				reply = &cl
			}
		}
	}
	next := c.statusLocked()
	c.mu.Unlock()

	if reply != nil {
		c.broadcast(ctx, *reply)
		if reply.Type == MsgClaim {
			c.persist(ctx, now)
		}
	}
	c.notify(prev, next)
}

func (c *Controller) observePeerLocked(m Message, now time.Time) *Message {
	peerSince := m.Since
	if peerSince == 0 {
		peerSince = m.TS
	}
	if c.state == StateLeader {
		if !beats(peerSince, m.TabID, c.since, c.tabID) {
			// The competing participant yields once it hears us.
			hb := c.messageLocked(MsgHeartbeat, now)
			return &hb
		}
		c.log.Info("yielding leadership", logx.String("leader", m.TabID))
		c.followLocked(m.TabID, peerSince, now)
		return nil
	}
	switch {
	case m.TabID == c.leaderID:
		c.state = StateFollower
		c.leaderSince = peerSince
		c.lastHeartbeat = now
	case c.leaderID == "" || c.staleLocked(now) || beats(peerSince, m.TabID, c.leaderSince, c.leaderID):
		c.followLocked(m.TabID, peerSince, now)
	}
	return nil
}

func (c *Controller) handleStorage(ctx context.Context, ch storage.Change) {
	if ch.Key != LastMessageKey || ch.Removed {
		return
	}
	if m, ok := decodeMessage(ch.Value); ok {
		c.handle(ctx, m)
	}
}

// release gives up leadership and clears the persisted record if it is ours.
func (c *Controller) release(ctx context.Context) {
	now := c.clock.Now()
	c.mu.Lock()
	prev := c.statusLocked()
	wasLeader := c.state == StateLeader
	msg := c.messageLocked(MsgRelease, now)
	c.state = StateUnclaimed
	c.leaderID = ""
	c.leaderSince = 0
	c.lastHeartbeat = time.Time{}
	next := c.statusLocked()
	c.mu.Unlock()

	if wasLeader {
		c.log.Info("releasing leadership")
		c.broadcast(ctx, msg)
		c.clearRecord(ctx)
	}
	c.notify(prev, next)
}

func (c *Controller) broadcast(ctx context.Context, m Message) {
	if c.ch != nil {
		c.safely("publish", func() error { return c.ch.Publish(ctx, m) })
	}
	if c.st != nil {
		b, _ := json.Marshal(m)
		c.safely("mirror", func() error { return c.st.Set(ctx, LastMessageKey, string(b)) })
	}
}

func (c *Controller) persist(ctx context.Context, now time.Time) {
	if c.st == nil {
		return
	}
	b, _ := json.Marshal(Record{TabID: c.tabID, TS: now.UnixMilli()})
	c.safely("persist", func() error { return c.st.Set(ctx, StorageKey, string(b)) })
}

func (c *Controller) clearRecord(ctx context.Context) {
	if c.st == nil {
		return
	}
	c.safely("clear", func() error {
		v, ok, err := c.st.Get(ctx, StorageKey)
		if err != nil || !ok {
			return err
		}
		var r Record
		if json.Unmarshal([]byte(v), &r) == nil && r.TabID != c.tabID {
			return nil
		}
		return c.st.Remove(ctx, StorageKey)
	})
}

// safely runs a channel or storage call, turning errors and panics into
// debug logs.
func (c *Controller) safely(op string, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Debug("coordination call panicked", logx.String("op", op), logx.Any("panic", r))
		}
	}()
	if err := fn(); err != nil {
		c.log.Debug("coordination call failed", logx.String("op", op), logx.Err(err))
	}
}

func (c *Controller) notify(prev, next Status) {
	if prev.State == next.State && prev.LeaderID == next.LeaderID {
		return
	}
	c.log.Debug("leader state changed",
		logx.String("from", prev.State.String()),
		logx.String("to", next.State.String()),
		logx.String("leader", next.LeaderID),
	)
	if c.hook != nil {
		c.safely("hook", func() error {
			c.hook(prev, next)
			return nil
		})
	}
}
