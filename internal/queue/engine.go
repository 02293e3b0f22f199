// Package queue owns the pending queue and the visible window of unified
// notifications.
//
// WhatsApp notifications carrying a group key never enter the queue
// directly: they accumulate per conversation and materialize as one grouped
// notification, which later messages mutate in place. At most one queued or
// visible notification exists per group key at any time.
//
// Grouping settlement is polled through UpdateVisible; the engine owns no
// timers, so Clear is enough to discard everything.
package queue

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"opsnotify/internal/notification"
	logx "opsnotify/pkg/logx"
)

type bucketItem struct {
	n       notification.UnifiedNotification
	arrived time.Time
}

// dropRecord remembers the dismissal mark a group was dropped for and the
// arrival sequence at that moment.
type dropRecord struct {
	mark time.Time
	seq  uint64
}

type Option func(*Engine)

func WithClock(c clockwork.Clock) Option { return func(e *Engine) { e.clock = c } }
func WithLogger(l logx.Logger) Option   { return func(e *Engine) { e.log = l } }

// Engine is safe for concurrent use.
type Engine struct {
	mu sync.Mutex

	cfg   Config
	clock clockwork.Clock
	log   logx.Logger

	queue        []*notification.UnifiedNotification
	visible      []*notification.UnifiedNotification
	visibleSince map[string]time.Time

	// grouped accumulates raw WhatsApp notifications per group key until
	// they settle; active holds the latest materialized notification.
	grouped map[string][]bucketItem
	active  map[string]*notification.UnifiedNotification

	// updatedAt is the last content arrival per entry key. Dismissed entries
	// come back only when updated after their dismissal.
	updatedAt map[string]time.Time

	// seq orders arrivals against drops when timestamps tie.
	seq    uint64
	addSeq map[string]uint64
	drops  map[string]dropRecord
}

func New(cfg Config, opts ...Option) *Engine {
	if cfg.MaxVisible <= 0 {
		cfg.MaxVisible = DefaultMaxVisible
	}
	if cfg.GroupWindow <= 0 {
		cfg.GroupWindow = DefaultGroupWindow
	}
	e := &Engine{cfg: cfg}
	for _, o := range opts {
		o(e)
	}
	if e.clock == nil {
		e.clock = clockwork.NewRealClock()
	}
	if e.log.IsZero() {
		e.log = logx.Nop()
	}
	e.resetLocked()
	return e
}

// Configure swaps the window and grouping settings. Already visible
// notifications stay; a smaller MaxVisible takes effect as they retire.
func (e *Engine) Configure(cfg Config) {
	if cfg.MaxVisible <= 0 {
		cfg.MaxVisible = DefaultMaxVisible
	}
	if cfg.GroupWindow <= 0 {
		cfg.GroupWindow = DefaultGroupWindow
	}
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

func (e *Engine) resetLocked() {
	e.queue = nil
	e.visible = nil
	e.visibleSince = map[string]time.Time{}
	e.grouped = map[string][]bucketItem{}
	e.active = map[string]*notification.UnifiedNotification{}
	e.updatedAt = map[string]time.Time{}
	e.addSeq = map[string]uint64{}
	e.drops = map[string]dropRecord{}
}

// entryKey is the group key for grouped notifications, else source-scoped id.
func entryKey(n *notification.UnifiedNotification) string {
	if n.GroupKey != "" {
		return n.GroupKey
	}
	return string(n.Source) + ":" + n.ID
}

func isGrouped(n *notification.UnifiedNotification) bool {
	return n.Source == notification.SourceWhatsApp && n.GroupKey != ""
}

// Add routes n: grouped WhatsApp notifications take the grouping path,
// critical ones go to the queue front and the rest to the back. A
// non-grouped notification already queued or visible is replaced in place.
func (e *Engine) Add(n notification.UnifiedNotification) {
	e.mu.Lock()
	defer e.mu.Unlock()

	p := n.Clone()
	if isGrouped(p) {
		e.addGroupedLocked(p)
		return
	}
	now := e.clock.Now()
	if cur := e.findLocked(func(x *notification.UnifiedNotification) bool {
		return x.Source == p.Source && x.ID == p.ID
	}); cur != nil {
		*cur = *p
		e.updatedAt[entryKey(p)] = now
		return
	}
	e.updatedAt[entryKey(p)] = now
	e.insertLocked(p)
}

func (e *Engine) insertLocked(p *notification.UnifiedNotification) {
	if p.IsCritical {
		e.queue = append([]*notification.UnifiedNotification{p}, e.queue...)
		return
	}
	e.queue = append(e.queue, p)
}

func (e *Engine) addGroupedLocked(p *notification.UnifiedNotification) {
	key := p.GroupKey
	now := e.clock.Now()

	bucket := e.grouped[key]
	if k := eventKey(*p); k != "" {
		for _, it := range bucket {
			if eventKey(it.n) == k {
				e.log.Debug("duplicate grouped event ignored", logx.String("group", key), logx.String("event", k))
				return
			}
		}
	}

	act := e.active[key]
	var merged notification.UnifiedNotification
	if act != nil {
		merged = CreateGroupedNotification([]notification.UnifiedNotification{*act, *p})
		if len(merged.Metadata.GroupedMessages) <= historySize(act) {
			// Redelivery of a message the group already holds: it must not
			// count as new content.
			e.log.Debug("known grouped message ignored", logx.String("group", key), logx.String("id", p.ID))
			return
		}
	}

	bucket = append(bucket, bucketItem{n: *p, arrived: now})
	e.grouped[key] = bucket
	e.touchLocked(key, now)

	if act != nil {
		if cur := e.locateGroupLocked(key); cur != nil {
			*cur = merged
			e.active[key] = cur
			return
		}
		// Retired or dismissed earlier: new content brings it back.
		*act = merged
		e.insertLocked(act)
		return
	}

	if len(bucket) < 2 {
		return
	}
	g := CreateGroupedNotification(bucketNotifications(bucket))
	gp := &g
	e.active[key] = gp
	e.insertLocked(gp)
}

// historySize is how many messages n stands for in a grouped history.
func historySize(n *notification.UnifiedNotification) int {
	return max(len(n.Metadata.GroupedMessages), 1)
}

func bucketNotifications(items []bucketItem) []notification.UnifiedNotification {
	out := make([]notification.UnifiedNotification, len(items))
	for i, it := range items {
		out[i] = it.n
	}
	return out
}

func (e *Engine) touchLocked(key string, now time.Time) {
	e.seq++
	e.updatedAt[key] = now
	e.addSeq[key] = e.seq
}

func (e *Engine) locateGroupLocked(key string) *notification.UnifiedNotification {
	return e.findLocked(func(x *notification.UnifiedNotification) bool { return x.GroupKey == key })
}

// findLocked searches visible, then queue.
func (e *Engine) findLocked(match func(*notification.UnifiedNotification) bool) *notification.UnifiedNotification {
	for _, n := range e.visible {
		if match(n) {
			return n
		}
	}
	for _, n := range e.queue {
		if match(n) {
			return n
		}
	}
	return nil
}

func marked(m Marks, n *notification.UnifiedNotification) (time.Time, bool) {
	if t, ok := m.At(n.ID); ok {
		return t, true
	}
	return m.At(n.GroupKey)
}

func (e *Engine) mutedLocked(muted Marks, n *notification.UnifiedNotification) bool {
	if n.IsCritical {
		return false
	}
	_, ok := marked(muted, n)
	return ok
}

// suppressedLocked reports whether n is dismissed and has not been revived
// by new content since. Content stamped with the mark's own time counts as
// new only when it arrived after the engine dropped the group for that mark.
func (e *Engine) suppressedLocked(dismissed Marks, n *notification.UnifiedNotification) bool {
	at, ok := marked(dismissed, n)
	if !ok {
		return false
	}
	if n.GroupKey == "" || e.active[n.GroupKey] == nil {
		return true
	}
	key := entryKey(n)
	if e.updatedAt[key].After(at) {
		return false
	}
	d, dropped := e.drops[key]
	return !dropped || !d.mark.Equal(at) || e.addSeq[key] <= d.seq
}

// UpdateVisible is the per-tick reconciliation the rendering layer calls.
//
//  1. Visible dismissed notifications are dropped (not re-queued); visible
//     muted ones go back to the queue.
//  2. Expired and, when configured, aged-out notifications are retired.
//  3. Groups whose newest item is older than GroupWindow settle: their
//     grouped notification is refreshed and inserted unless muted or present.
//  4. Visible is topped up from the queue front, skipping muted and
//     dismissed-but-not-revived entries, which stay queued.
func (e *Engine) UpdateVisible(dismissed, muted Marks) []notification.UnifiedNotification {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.clock.Now()

	e.dropDismissedLocked(dismissed, muted)
	e.retireLocked(now, dismissed, muted)
	e.settleGroupsLocked(now, muted)
	e.topUpLocked(now, dismissed, muted)

	return cloneAll(e.visible)
}

func (e *Engine) dropDismissedLocked(dismissed, muted Marks) {
	kept := e.visible[:0]
	var requeue []*notification.UnifiedNotification
	for _, n := range e.visible {
		switch {
		case e.suppressedLocked(dismissed, n):
			delete(e.visibleSince, entryKey(n))
			if n.GroupKey != "" {
				// Only genuinely new messages may bring it back.
				delete(e.grouped, n.GroupKey)
				e.noteDropLocked(dismissed, n)
			}
			e.log.Debug("visible notification dismissed", logx.String("id", n.ID))
		case e.mutedLocked(muted, n):
			delete(e.visibleSince, entryKey(n))
			requeue = append(requeue, n)
		default:
			kept = append(kept, n)
		}
	}
	e.visible = kept
	if len(requeue) > 0 {
		e.queue = append(requeue, e.queue...)
	}
}

// noteDropLocked records the first time a group is hidden for its current
// dismissal mark.
func (e *Engine) noteDropLocked(dismissed Marks, n *notification.UnifiedNotification) {
	if n.GroupKey == "" {
		return
	}
	at, _ := marked(dismissed, n)
	if d, ok := e.drops[n.GroupKey]; ok && d.mark.Equal(at) {
		return
	}
	e.drops[n.GroupKey] = dropRecord{mark: at, seq: e.seq}
}

func (e *Engine) retireLocked(now time.Time, dismissed, muted Marks) {
	kept := e.visible[:0]
	for _, n := range e.visible {
		since := e.visibleSince[entryKey(n)]
		switch {
		case n.Expired(now):
		case !n.IsCritical && e.cfg.AutoDismissAfter > 0 && now.Sub(since) >= e.cfg.AutoDismissAfter:
		default:
			kept = append(kept, n)
			continue
		}
		delete(e.visibleSince, entryKey(n))
	}
	e.visible = kept

	if e.cfg.MinVisible <= 0 || len(e.visible) < e.cfg.MaxVisible {
		return
	}
	head := e.nextShowableLocked(now, dismissed, muted)
	if head == nil {
		return
	}
	oldest := -1
	for i, n := range e.visible {
		if n.IsCritical {
			continue
		}
		if !head.IsCritical && now.Sub(e.visibleSince[entryKey(n)]) < e.cfg.MinVisible {
			continue
		}
		if oldest < 0 || e.visibleSince[entryKey(n)].Before(e.visibleSince[entryKey(e.visible[oldest])]) {
			oldest = i
		}
	}
	if oldest < 0 {
		return
	}
	retired := e.visible[oldest]
	delete(e.visibleSince, entryKey(retired))
	e.visible = append(e.visible[:oldest], e.visible[oldest+1:]...)
	e.log.Debug("visible notification rotated out", logx.String("id", retired.ID))
}

func (e *Engine) nextShowableLocked(now time.Time, dismissed, muted Marks) *notification.UnifiedNotification {
	for _, n := range e.queue {
		if n.Expired(now) || e.mutedLocked(muted, n) || e.suppressedLocked(dismissed, n) {
			continue
		}
		return n
	}
	return nil
}

func (e *Engine) settleGroupsLocked(now time.Time, muted Marks) {
	for key, bucket := range e.grouped {
		if len(bucket) == 0 {
			delete(e.grouped, key)
			continue
		}
		if now.Sub(bucket[len(bucket)-1].arrived) < e.cfg.GroupWindow {
			continue
		}
		// An active group already folded every bucketed item on arrival.
		g := e.active[key]
		if g == nil {
			fresh := CreateGroupedNotification(bucketNotifications(bucket))
			g = &fresh
		}
		cur := e.locateGroupLocked(key)
		switch {
		case cur != nil:
			if cur != g {
				*cur = *g
				g = cur
			}
		case !e.mutedLocked(muted, g):
			e.insertLocked(g)
		}
		e.active[key] = g
		delete(e.grouped, key)
	}
}

func (e *Engine) topUpLocked(now time.Time, dismissed, muted Marks) {
	var skipped []*notification.UnifiedNotification
	for len(e.queue) > 0 && len(e.visible) < e.cfg.MaxVisible {
		n := e.queue[0]
		e.queue = e.queue[1:]
		switch {
		case n.Expired(now):
			continue
		case e.mutedLocked(muted, n):
			skipped = append(skipped, n)
			continue
		case e.suppressedLocked(dismissed, n):
			e.noteDropLocked(dismissed, n)
			skipped = append(skipped, n)
			continue
		}
		e.visible = append(e.visible, n)
		e.visibleSince[entryKey(n)] = now
	}
	if len(skipped) > 0 {
		e.queue = append(skipped, e.queue...)
	}
}

// Visible returns a snapshot of the visible window without advancing any
// time-based logic.
func (e *Engine) Visible() []notification.UnifiedNotification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAll(e.visible)
}

// Pending returns a snapshot of the queue in order.
func (e *Engine) Pending() []notification.UnifiedNotification {
	e.mu.Lock()
	defer e.mu.Unlock()
	return cloneAll(e.queue)
}

// UpdateNotification applies fn in place to the first notification with the
// given id, searching visible, queue, then active groups. fn runs under the
// engine lock and must not call back into the engine.
func (e *Engine) UpdateNotification(id string, fn func(n *notification.UnifiedNotification)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.lookupLocked(id)
	if n == nil {
		return false
	}
	if fn != nil {
		fn(n)
	}
	return true
}

func (e *Engine) lookupLocked(id string) *notification.UnifiedNotification {
	if id == "" {
		return nil
	}
	if n := e.findLocked(func(x *notification.UnifiedNotification) bool { return x.ID == id || x.GroupKey == id }); n != nil {
		return n
	}
	if n := e.active[id]; n != nil {
		return n
	}
	for _, n := range e.active {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Get returns a copy of the notification with the given id or group key.
// Accumulating single messages are found too.
func (e *Engine) Get(id string) (notification.UnifiedNotification, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if n := e.lookupLocked(id); n != nil {
		return *n.Clone(), true
	}
	for key, bucket := range e.grouped {
		if len(bucket) == 0 {
			continue
		}
		last := bucket[len(bucket)-1].n
		if key == id || last.ID == id {
			return *last.Clone(), true
		}
	}
	return notification.UnifiedNotification{}, false
}

// Revive marks the notification as freshly updated so a prior dismissal no
// longer hides it, and re-queues it when it is neither queued nor visible.
func (e *Engine) Revive(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.lookupLocked(id)
	if n == nil {
		return false
	}
	e.touchLocked(entryKey(n), e.clock.Now())
	if n.GroupKey != "" {
		e.active[n.GroupKey] = n
	}
	if e.locateLocked(n) == nil {
		e.insertLocked(n)
	}
	return true
}

func (e *Engine) locateLocked(p *notification.UnifiedNotification) *notification.UnifiedNotification {
	return e.findLocked(func(x *notification.UnifiedNotification) bool { return x == p })
}

// PruneExpired drops queued and visible notifications whose expiry has
// passed and returns how many were removed.
func (e *Engine) PruneExpired(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	removed := 0
	keepQ := e.queue[:0]
	for _, n := range e.queue {
		if n.Expired(now) {
			removed++
			continue
		}
		keepQ = append(keepQ, n)
	}
	e.queue = keepQ
	keepV := e.visible[:0]
	for _, n := range e.visible {
		if n.Expired(now) {
			removed++
			delete(e.visibleSince, entryKey(n))
			continue
		}
		keepV = append(keepV, n)
	}
	e.visible = keepV
	return removed
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{
		Queued:       len(e.queue),
		Visible:      len(e.visible),
		ActiveGroups: len(e.active),
	}
	for _, b := range e.grouped {
		if len(b) > 0 {
			st.AccumulatingKeys++
			st.BufferedMessages += len(b)
		}
	}
	return st
}

// Clear discards all state.
func (e *Engine) Clear() {
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
}

func cloneAll(in []*notification.UnifiedNotification) []notification.UnifiedNotification {
	out := make([]notification.UnifiedNotification, 0, len(in))
	for _, n := range in {
		out = append(out, *n.Clone())
	}
	return out
}
