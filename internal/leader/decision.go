package leader

import (
	"context"
	"strings"
	"time"

	"opsnotify/internal/notification"
	logx "opsnotify/pkg/logx"
)

// Host supplies the viewer context and the side effects. A nil predicate
// means access granted, no user filter, nothing muted, archived or read,
// no active conversation, hidden, off the WhatsApp screen and no desktop
// permission. Nil callbacks are skipped.
type Host struct {
	HasAccess          func() bool
	UserID             func() string
	IsMuted            func(conversationID string) bool
	IsArchived         func(conversationID string) bool
	LastReadAt         func(conversationID string) (time.Time, bool)
	ActiveConversation func() string
	Visible            func() bool
	OnWhatsAppRoute    func() bool
	PermissionGranted  func() bool

	OnInApp   func(raw notification.RawWhatsAppEvent, opts InAppOptions)
	OnDesktop func(raw notification.RawWhatsAppEvent)
}

type InAppOptions struct {
	Sound bool
}

type Outcome string

const (
	OutcomeSuppressed Outcome = "suppressed"
	OutcomeDesktop    Outcome = "desktop"
	OutcomeInApp      Outcome = "in_app"
)

type Reason string

const (
	ReasonNone               Reason = ""
	ReasonNoAccess           Reason = "no_access"
	ReasonOtherUser          Reason = "other_user"
	ReasonOutgoing           Reason = "outgoing"
	ReasonSelf               Reason = "self"
	ReasonArchived           Reason = "archived"
	ReasonMuted              Reason = "muted"
	ReasonAlreadyRead        Reason = "already_read"
	ReasonDuplicate          Reason = "duplicate"
	ReasonActiveConversation Reason = "active_conversation"
	ReasonHostError          Reason = "host_error"
)

// Decision is what Process did with one event. InApp reports whether the
// in-app callback fired alongside a desktop notification.
type Decision struct {
	Outcome Outcome `json:"outcome"`
	Reason  Reason  `json:"reason,omitempty"`
	InApp   bool    `json:"inApp,omitempty"`
	Sound   bool    `json:"sound,omitempty"`
	Leader  bool    `json:"leader"`
}

func suppressed(r Reason) Decision { return Decision{Outcome: OutcomeSuppressed, Reason: r} }

// Process decides how this participant surfaces a WhatsApp event and fires
// the matching host callback. It never panics into the caller: a failing
// host predicate or callback yields a suppressed decision.
func (c *Controller) Process(ctx context.Context, raw notification.RawWhatsAppEvent) (d Decision) {
	_ = ctx
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("host callback panicked", logx.Any("panic", r), logx.String("conversation", raw.ConversationID))
			d = suppressed(ReasonHostError)
		}
	}()

	d = c.decide(raw)
	switch d.Outcome {
	case OutcomeDesktop:
		if c.host.OnDesktop != nil {
			c.host.OnDesktop(raw)
		}
		if d.InApp && c.host.OnInApp != nil {
			c.host.OnInApp(raw, InAppOptions{Sound: false})
		}
	case OutcomeInApp:
		if c.host.OnInApp != nil {
			c.host.OnInApp(raw, InAppOptions{Sound: true})
		}
	}
	c.log.Debug("event processed",
		logx.String("conversation", raw.ConversationID),
		logx.String("outcome", string(d.Outcome)),
		logx.String("reason", string(d.Reason)),
	)
	return d
}

func (c *Controller) decide(raw notification.RawWhatsAppEvent) Decision {
	h := c.host
	conv := strings.TrimSpace(raw.ConversationID)
	msg := raw.Message

	if h.HasAccess != nil && !h.HasAccess() {
		return suppressed(ReasonNoAccess)
	}
	if raw.UserID != "" && h.UserID != nil {
		if me := h.UserID(); me != "" && me != raw.UserID {
			return suppressed(ReasonOtherUser)
		}
	}
	if msg.Direction == notification.DirectionOutgoing {
		return suppressed(ReasonOutgoing)
	}
	if msg.Origin == notification.OriginInternal || msg.Origin == notification.OriginSelf {
		return suppressed(ReasonSelf)
	}
	if h.IsArchived != nil && h.IsArchived(conv) {
		return suppressed(ReasonArchived)
	}
	if h.IsMuted != nil && h.IsMuted(conv) {
		return suppressed(ReasonMuted)
	}
	if h.LastReadAt != nil {
		if read, ok := h.LastReadAt(conv); ok {
			if at := eventTime(raw); !at.IsZero() && !at.After(read) {
				return suppressed(ReasonAlreadyRead)
			}
		}
	}
	if c.seenRecently(raw.StableEventID()) {
		return suppressed(ReasonDuplicate)
	}

	visible := h.Visible != nil && h.Visible()
	if visible && h.ActiveConversation != nil && conv != "" && h.ActiveConversation() == conv {
		return suppressed(ReasonActiveConversation)
	}

	leader := c.IsLeader()
	if leader && h.PermissionGranted != nil && h.PermissionGranted() {
		onRoute := h.OnWhatsAppRoute != nil && h.OnWhatsAppRoute()
		return Decision{Outcome: OutcomeDesktop, InApp: visible && onRoute, Sound: true, Leader: true}
	}
	return Decision{Outcome: OutcomeInApp, Sound: true, Leader: leader}
}

func eventTime(raw notification.RawWhatsAppEvent) time.Time {
	if !raw.Message.Timestamp.IsZero() {
		return raw.Message.Timestamp
	}
	if raw.CreatedAt != nil {
		return *raw.CreatedAt
	}
	return time.Time{}
}

// seenRecently records id and reports whether it was already processed
// within the dedup window.
func (c *Controller) seenRecently(id string) bool {
	if id == "" {
		return false
	}
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, at := range c.seen {
		if now.Sub(at) >= c.cfg.DedupWindow {
			delete(c.seen, k)
		}
	}
	if _, ok := c.seen[id]; ok {
		return true
	}
	c.seen[id] = now
	return false
}
