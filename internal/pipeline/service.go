// Package pipeline wires the notification components into one service:
// raw events are filtered, deduplicated and normalized, smoothed by the
// micro-batcher, and kept in the queue engine, whose visible window is
// reconciled on every tick. WhatsApp events also pass through the leader
// controller, which decides whether this participant raises a desktop
// notification.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"opsnotify/internal/batcher"
	"opsnotify/internal/desktop"
	"opsnotify/internal/eventbus"
	"opsnotify/internal/leader"
	"opsnotify/internal/metrics"
	"opsnotify/internal/notification"
	"opsnotify/internal/queue"
	"opsnotify/internal/runtime/supervisor"
	"opsnotify/internal/storage"
	logx "opsnotify/pkg/logx"
)

var (
	ErrNotFound = errors.New("pipeline: notification not found")
	ErrStarted  = errors.New("pipeline: already started")
)

// Deps are the collaborators a Service uses. Every field may be nil.
type Deps struct {
	Bus      eventbus.Bus
	Channel  leader.Channel
	Store    storage.Store
	Desktop  desktop.Sink
	Metrics  *metrics.Metrics
	Presence *Presence
}

type Option func(*Service)

func WithClock(c clockwork.Clock) Option { return func(s *Service) { s.clock = c } }
func WithLogger(l logx.Logger) Option   { return func(s *Service) { s.log = l } }

// Service is safe for concurrent use.
type Service struct {
	clock    clockwork.Clock
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	desktop  desktop.Sink
	metrics  *metrics.Metrics
	presence *Presence

	batcher *batcher.Batcher
	engine  *queue.Engine
	leader  *leader.Controller
	maint   *maintenance

	mu          sync.Mutex
	cfg         Config
	dismissed   *markSet
	muted       *markSet
	lastVisible uint64

	retick chan time.Duration

	runMu sync.Mutex
	sup   *supervisor.Supervisor
}

// DecisionEvent is published for every processed WhatsApp event.
type DecisionEvent struct {
	EventID        string          `json:"eventId,omitempty"`
	ConversationID string          `json:"conversationId"`
	Decision       leader.Decision `json:"decision"`
}

// Stats is a point-in-time view for the host API.
type Stats struct {
	Queue      queue.Stats        `json:"queue"`
	Batching   int                `json:"batching"`
	Dismissed  int                `json:"dismissed"`
	Muted      int                `json:"muted"`
	Leader     leader.Status      `json:"leader"`
	BusDropped uint64             `json:"busDropped"`
	Goroutines []supervisor.Stats `json:"goroutines,omitempty"`
}

func New(cfg Config, deps Deps, opts ...Option) *Service {
	cfg = cfg.withDefaults()
	s := &Service{
		cfg:       cfg,
		bus:       deps.Bus,
		store:     deps.Store,
		desktop:   deps.Desktop,
		metrics:   deps.Metrics,
		presence:  deps.Presence,
		dismissed: newMarkSet(DismissedKey),
		muted:     newMarkSet(MutedKey),
		retick:    make(chan time.Duration, 1),
	}
	for _, o := range opts {
		o(s)
	}
	if s.clock == nil {
		s.clock = clockwork.NewRealClock()
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.presence == nil {
		s.presence = NewPresence()
	}
	s.log = s.log.Component("pipeline")

	s.engine = queue.New(cfg.Queue, queue.WithClock(s.clock), queue.WithLogger(s.log))
	s.batcher = batcher.New(cfg.Batch, s.release, batcher.WithClock(s.clock), batcher.WithLogger(s.log))

	var st leader.Storage
	if s.store != nil {
		st = s.store
	}
	s.leader = leader.New(cfg.Leader, deps.Channel, st,
		leader.WithClock(s.clock),
		leader.WithLogger(s.log),
		leader.WithHost(s.host()),
		leader.WithStateHook(s.leaderChanged),
	)
	s.maint = newMaintenance(s)
	return s
}

func (s *Service) Leader() *leader.Controller { return s.leader }
func (s *Service) Presence() *Presence        { return s.presence }

func (s *Service) viewer() Viewer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Viewer
}

// host answers the leader controller's questions from the viewer config,
// the mute marks and the presence state.
func (s *Service) host() leader.Host {
	return leader.Host{
		HasAccess: func() bool { return s.viewer().WhatsAppAccess },
		UserID:    func() string { return s.viewer().UserID },
		IsMuted: func(conv string) bool {
			s.mu.Lock()
			defer s.mu.Unlock()
			return s.muted.marks.Has(conv) || s.muted.marks.Has(notification.WhatsAppGroupKey(conv))
		},
		IsArchived:         s.presence.Archived,
		LastReadAt:         s.presence.LastRead,
		ActiveConversation: func() string { return s.presence.State().ActiveConversation },
		Visible:            func() bool { return s.presence.State().Visible },
		OnWhatsAppRoute:    func() bool { return s.presence.State().OnWhatsAppRoute },
		PermissionGranted:  func() bool { return s.presence.State().PermissionGranted },
	}
}

func (s *Service) leaderChanged(prev, next leader.Status) {
	s.metrics.Leader(next.State == leader.StateLeader)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeLeaderChanged, Time: s.clock.Now(), Data: next})
	}
	if prev.State != next.State || prev.LeaderID != next.LeaderID {
		s.log.Info("leader state changed",
			logx.String("state", next.State.String()),
			logx.String("leader", next.LeaderID),
		)
	}
}

func (s *Service) release(batch []notification.UnifiedNotification) {
	for _, n := range batch {
		s.engine.Add(n)
		s.metrics.Released()
	}
}

// IngestSystem filters a system notice by audience and expiry and hands it
// to the batcher. It reports whether the notice was accepted.
func (s *Service) IngestSystem(ctx context.Context, raw notification.RawSystemNotice) (bool, error) {
	_ = ctx
	if strings.TrimSpace(raw.ID) == "" {
		s.metrics.Ingested(string(notification.SourceSystem), "invalid")
		return false, errors.New("system notice: id is required")
	}
	if !s.viewer().Addressed(raw.Target) {
		s.metrics.Ingested(string(notification.SourceSystem), "filtered")
		s.log.Debug("system notice not addressed to viewer", logx.String("id", raw.ID))
		return false, nil
	}
	now := s.clock.Now()
	n := notification.NormalizeSystem(raw, now)
	if n.Expired(now) {
		s.metrics.Ingested(string(notification.SourceSystem), "expired")
		return false, nil
	}
	s.batcher.Add(n)
	s.metrics.Ingested(string(notification.SourceSystem), "accepted")
	return true, nil
}

func (s *Service) dedupKey(eventID string) string {
	return "wa:" + s.leader.TabID() + ":" + eventID
}

// seen consults the storage dedup table. Keys are per participant; with the
// file or sqlite store and a pinned leader.tab_id they survive restarts.
func (s *Service) seen(ctx context.Context, eventID string, now time.Time) bool {
	if s.store == nil || eventID == "" {
		return false
	}
	until, ok, err := s.store.GetDedup(ctx, s.dedupKey(eventID))
	if err != nil {
		s.log.Debug("dedup lookup failed", logx.String("event", eventID), logx.Err(err))
		return false
	}
	return ok && until.After(now)
}

func (s *Service) remember(ctx context.Context, eventID string, now time.Time) {
	if s.store == nil || eventID == "" {
		return
	}
	s.mu.Lock()
	window := s.cfg.DedupWindow
	s.mu.Unlock()
	if err := s.store.PutDedup(ctx, s.dedupKey(eventID), now.Add(window)); err != nil {
		s.log.Debug("dedup store failed", logx.String("event", eventID), logx.Err(err))
	}
}

// IngestWhatsApp runs the leader decision for raw. Unless the event is
// suppressed it also enters the queue, and a desktop outcome is shown
// through the desktop sink.
func (s *Service) IngestWhatsApp(ctx context.Context, raw notification.RawWhatsAppEvent) (leader.Decision, error) {
	src := string(notification.SourceWhatsApp)
	if strings.TrimSpace(raw.ConversationID) == "" {
		s.metrics.Ingested(src, "invalid")
		return leader.Decision{}, errors.New("whatsapp event: conversationId is required")
	}
	now := s.clock.Now()
	eventID := raw.StableEventID()

	var d leader.Decision
	if s.seen(ctx, eventID, now) {
		d = leader.Decision{Outcome: leader.OutcomeSuppressed, Reason: leader.ReasonDuplicate, Leader: s.leader.IsLeader()}
	} else {
		d = s.leader.Process(ctx, raw)
		s.remember(ctx, eventID, now)
	}

	if d.Outcome != leader.OutcomeSuppressed {
		n := notification.NormalizeWhatsApp(raw, now)
		s.batcher.Add(n)
		if d.Outcome == leader.OutcomeDesktop {
			s.notifyDesktop(ctx, n)
		}
		s.metrics.Ingested(src, "accepted")
	} else {
		s.metrics.Ingested(src, "suppressed")
	}
	s.metrics.Decision(string(d.Outcome), string(d.Reason))
	s.recordDelivery(ctx, raw, eventID, d, now)

	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeDecision, Time: now, Data: DecisionEvent{
			EventID:        eventID,
			ConversationID: raw.ConversationID,
			Decision:       d,
		}})
	}
	return d, nil
}

func (s *Service) notifyDesktop(ctx context.Context, n notification.UnifiedNotification) {
	if s.desktop == nil {
		s.metrics.Desktop("disabled")
		return
	}
	_, err := s.desktop.Notify(ctx, n)
	switch {
	case err == nil:
		s.metrics.Desktop("shown")
	case errors.Is(err, desktop.ErrRateLimited):
		s.metrics.Desktop("rate_limited")
	default:
		s.metrics.Desktop("error")
		s.log.Debug("desktop notification failed", logx.String("id", n.ID), logx.Err(err))
	}
}

func (s *Service) recordDelivery(ctx context.Context, raw notification.RawWhatsAppEvent, eventID string, d leader.Decision, now time.Time) {
	if s.store == nil {
		return
	}
	err := s.store.AppendDelivery(ctx, storage.DeliveryRecord{
		At:             now,
		ParticipantID:  s.leader.TabID(),
		EventID:        eventID,
		ConversationID: raw.ConversationID,
		Outcome:        string(d.Outcome),
		Reason:         string(d.Reason),
		Leader:         d.Leader,
	})
	if err != nil {
		s.log.Debug("delivery log append failed", logx.Err(err))
	}
}

// Flush releases everything the batcher holds without waiting for its window.
func (s *Service) Flush() { s.batcher.Flush() }

// Tick reconciles the visible window and publishes it when it changed.
func (s *Service) Tick() []notification.UnifiedNotification {
	s.mu.Lock()
	dismissed, muted := s.dismissed.marks.Clone(), s.muted.marks.Clone()
	s.mu.Unlock()

	vis := s.engine.UpdateVisible(dismissed, muted)
	st := s.engine.Stats()
	s.metrics.Queue(st.Visible, st.Queued, st.ActiveGroups)
	if s.bus != nil {
		s.metrics.BusDropped(eventbus.Dropped(s.bus))
	}

	h := fingerprint(vis)
	s.mu.Lock()
	changed := h != s.lastVisible
	s.lastVisible = h
	s.mu.Unlock()
	if changed && s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeVisibleChanged, Time: s.clock.Now(), Data: vis})
	}
	return vis
}

// fingerprint changes whenever the visible set, its order or its content does.
func fingerprint(vis []notification.UnifiedNotification) uint64 {
	h := fnv.New64a()
	for _, n := range vis {
		_, _ = h.Write([]byte(n.ID))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(n.Message))
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(n.Title))
		_, _ = h.Write([]byte(strconv.Itoa(n.Metadata.MessageCount)))
		_, _ = h.Write([]byte{1})
	}
	return h.Sum64()
}

func (s *Service) Visible() []notification.UnifiedNotification { return s.engine.Visible() }
func (s *Service) Pending() []notification.UnifiedNotification { return s.engine.Pending() }

func (s *Service) Get(id string) (notification.UnifiedNotification, bool) { return s.engine.Get(id) }

// Dismiss hides id until new content for it arrives. System notices never
// come back.
func (s *Service) Dismiss(ctx context.Context, id string) error {
	n, ok := s.engine.Get(id)
	if !ok {
		return fmt.Errorf("dismiss %q: %w", id, ErrNotFound)
	}
	s.mark(ctx, s.dismissed, id, s.clock.Now(), false)
	if s.desktop != nil {
		key := n.GroupKey
		if key == "" {
			key = n.ID
		}
		if err := s.desktop.Dismiss(ctx, key); err != nil {
			s.log.Debug("desktop dismiss failed", logx.String("id", id), logx.Err(err))
		}
	}
	return nil
}

// Mute hides id while muted; it stays queued. Critical notifications
// ignore mutes. Muting a conversation id also silences its desktop alerts.
func (s *Service) Mute(ctx context.Context, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("mute: %w", ErrNotFound)
	}
	s.mark(ctx, s.muted, id, s.clock.Now(), false)
	return nil
}

func (s *Service) Unmute(ctx context.Context, id string) bool {
	return s.mark(ctx, s.muted, id, time.Time{}, true)
}

// Revive brings a dismissed notification back as if it had been updated.
func (s *Service) Revive(id string) error {
	if !s.engine.Revive(id) {
		return fmt.Errorf("revive %q: %w", id, ErrNotFound)
	}
	return nil
}

// Clear drops every queued, visible and grouping notification.
func (s *Service) Clear() {
	s.engine.Clear()
	s.mu.Lock()
	s.lastVisible = 0
	s.mu.Unlock()
}

func (s *Service) Stats() Stats {
	s.mu.Lock()
	st := Stats{Dismissed: len(s.dismissed.marks), Muted: len(s.muted.marks)}
	s.mu.Unlock()
	st.Queue = s.engine.Stats()
	st.Batching = s.batcher.BatchSize()
	st.Leader = s.leader.Status()
	if s.bus != nil {
		st.BusDropped = eventbus.Dropped(s.bus)
	}
	s.runMu.Lock()
	if s.sup != nil {
		st.Goroutines = s.sup.Snapshot()
	}
	s.runMu.Unlock()
	return st
}

// Apply takes a new configuration at runtime. Viewer, queue, dedup, tick
// and maintenance settings apply immediately; batching and leader timing
// need a restart.
func (s *Service) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	s.mu.Lock()
	old := s.cfg
	s.cfg.Viewer = cfg.Viewer
	s.cfg.Queue = cfg.Queue
	s.cfg.DedupWindow = cfg.DedupWindow
	s.cfg.Tick = cfg.Tick
	s.cfg.Schedule = cfg.Schedule
	s.cfg.Timezone = cfg.Timezone
	s.mu.Unlock()

	s.engine.Configure(cfg.Queue)
	if cfg.Tick != old.Tick {
		select {
		case <-s.retick:
		default:
		}
		select {
		case s.retick <- cfg.Tick:
		default:
		}
	}
	if cfg.Schedule != old.Schedule || cfg.Timezone != old.Timezone {
		s.maint.restart()
	}
	s.log.Info("pipeline config applied",
		logx.Int("max_visible", cfg.Queue.MaxVisible),
		logx.Duration("tick", cfg.Tick),
		logx.String("schedule", cfg.Schedule),
	)
}

// Start loads shared marks, starts the leader controller, the tick loop,
// the mark watcher and maintenance. It returns once they are running.
func (s *Service) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.sup != nil {
		return ErrStarted
	}
	sup := supervisor.New(ctx, supervisor.WithLogger(s.log))
	var follow func(context.Context) error
	release := func() {}
	if s.store != nil {
		follow, release = s.markWatcher()
	}
	s.loadMarks(sup.Context())

	if err := s.leader.Start(sup.Context()); err != nil {
		release()
		sup.Cancel()
		return fmt.Errorf("start leader: %w", err)
	}
	sup.Go("pipeline.tick", s.tickLoop)
	if follow != nil {
		sup.GoRestart("pipeline.marks", follow, supervisor.RestartOptions{MaxBackoff: 10 * time.Second})
	}
	if err := s.maint.start(); err != nil {
		s.log.Warn("maintenance disabled", logx.Err(err))
	}
	s.sup = sup
	s.log.Info("pipeline started", logx.String("tab", s.leader.TabID()))
	return nil
}

func (s *Service) tickLoop(ctx context.Context) error {
	s.mu.Lock()
	every := s.cfg.Tick
	s.mu.Unlock()
	t := s.clock.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case d := <-s.retick:
			t.Reset(d)
		case <-t.Chan():
			s.Tick()
		}
	}
}

// Stop releases leadership and stops every background loop. Notifications
// still waiting in the batcher are dropped.
func (s *Service) Stop(ctx context.Context) error {
	s.runMu.Lock()
	sup := s.sup
	s.sup = nil
	s.runMu.Unlock()
	if sup == nil {
		return nil
	}

	s.maint.stop(ctx)
	if dropped := s.batcher.Stop(); dropped > 0 {
		s.log.Info("dropped batched notifications on stop", logx.Int("count", dropped))
	}
	var errs []error
	if err := s.leader.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := sup.Stop(ctx); err != nil {
		errs = append(errs, err)
	}
	s.log.Info("pipeline stopped")
	return errors.Join(errs...)
}
