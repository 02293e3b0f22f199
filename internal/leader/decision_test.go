package leader

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsnotify/internal/notification"
)

type recorder struct {
	desktop []string
	inApp   []InAppOptions
}

type viewer struct {
	access     bool
	user       string
	muted      string
	archived   string
	readAt     time.Time
	active     string
	visible    bool
	onRoute    bool
	permission bool
}

func (v viewer) host(rec *recorder) Host {
	return Host{
		HasAccess:  func() bool { return v.access },
		UserID:     func() string { return v.user },
		IsMuted:    func(id string) bool { return id == v.muted },
		IsArchived: func(id string) bool { return id == v.archived },
		LastReadAt: func(string) (time.Time, bool) {
			return v.readAt, !v.readAt.IsZero()
		},
		ActiveConversation: func() string { return v.active },
		Visible:            func() bool { return v.visible },
		OnWhatsAppRoute:    func() bool { return v.onRoute },
		PermissionGranted:  func() bool { return v.permission },
		OnDesktop: func(raw notification.RawWhatsAppEvent) {
			rec.desktop = append(rec.desktop, raw.ConversationID)
		},
		OnInApp: func(_ notification.RawWhatsAppEvent, opts InAppOptions) {
			rec.inApp = append(rec.inApp, opts)
		},
	}
}

func incoming(conv, id string, at time.Time) notification.RawWhatsAppEvent {
	return notification.RawWhatsAppEvent{
		ConversationID: conv,
		Message: notification.WhatsAppMessage{
			ID: id, Type: "text", Content: notification.TextContent("hi"),
			Direction: notification.DirectionIncoming, Origin: notification.OriginExternal, Timestamp: at,
		},
	}
}

func TestProcessDecisions(t *testing.T) {
	t.Parallel()
	t0 := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	base := viewer{access: true, user: "u1", permission: true}

	cases := []struct {
		name    string
		viewer  func(v viewer) viewer
		raw     func(r notification.RawWhatsAppEvent) notification.RawWhatsAppEvent
		leader  bool
		want    Decision
		desktop int
		inApp   []InAppOptions
	}{
		{
			name:   "no access",
			viewer: func(v viewer) viewer { v.access = false; return v },
			leader: true,
			want:   suppressed(ReasonNoAccess),
		},
		{
			name:   "other user",
			raw:    func(r notification.RawWhatsAppEvent) notification.RawWhatsAppEvent { r.UserID = "u2"; return r },
			leader: true,
			want:   suppressed(ReasonOtherUser),
		},
		{
			name: "outgoing",
			raw: func(r notification.RawWhatsAppEvent) notification.RawWhatsAppEvent {
				r.Message.Direction = notification.DirectionOutgoing
				return r
			},
			leader: true,
			want:   suppressed(ReasonOutgoing),
		},
		{
			name: "own echo",
			raw: func(r notification.RawWhatsAppEvent) notification.RawWhatsAppEvent {
				r.Message.Origin = notification.OriginSelf
				return r
			},
			leader: true,
			want:   suppressed(ReasonSelf),
		},
		{
			name: "teammate message",
			raw: func(r notification.RawWhatsAppEvent) notification.RawWhatsAppEvent {
				r.Message.Origin = notification.OriginInternal
				return r
			},
			leader: true,
			want:   suppressed(ReasonSelf),
		},
		{
			name:   "archived",
			viewer: func(v viewer) viewer { v.archived = "c1"; return v },
			leader: true,
			want:   suppressed(ReasonArchived),
		},
		{
			name:   "muted",
			viewer: func(v viewer) viewer { v.muted = "c1"; return v },
			leader: true,
			want:   suppressed(ReasonMuted),
		},
		{
			name:   "already read",
			viewer: func(v viewer) viewer { v.readAt = t0; return v },
			leader: true,
			want:   suppressed(ReasonAlreadyRead),
		},
		{
			name:   "viewing the conversation",
			viewer: func(v viewer) viewer { v.visible, v.active = true, "c1"; return v },
			leader: true,
			want:   suppressed(ReasonActiveConversation),
		},
		{
			name:    "leader hidden",
			viewer:  func(v viewer) viewer { v.readAt = t0.Add(-time.Minute); return v },
			leader:  true,
			want:    Decision{Outcome: OutcomeDesktop, Sound: true, Leader: true},
			desktop: 1,
		},
		{
			name:    "leader on whatsapp screen",
			viewer:  func(v viewer) viewer { v.visible, v.onRoute, v.active = true, true, "c9"; return v },
			leader:  true,
			want:    Decision{Outcome: OutcomeDesktop, InApp: true, Sound: true, Leader: true},
			desktop: 1,
			inApp:   []InAppOptions{{Sound: false}},
		},
		{
			name:   "follower",
			leader: false,
			want:   Decision{Outcome: OutcomeInApp, Sound: true},
			inApp:  []InAppOptions{{Sound: true}},
		},
		{
			name:   "leader without permission",
			viewer: func(v viewer) viewer { v.permission = false; return v },
			leader: true,
			want:   Decision{Outcome: OutcomeInApp, Sound: true, Leader: true},
			inApp:  []InAppOptions{{Sound: true}},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			v := base
			if tc.viewer != nil {
				v = tc.viewer(v)
			}
			raw := incoming("c1", "m1", t0)
			if tc.raw != nil {
				raw = tc.raw(raw)
			}
			rec := &recorder{}
			c := New(Config{TabID: "t"}, nil, nil, WithClock(newFakeClock()), WithHost(v.host(rec)))
			if tc.leader {
				c.claim(context.Background())
			}

			got := c.Process(context.Background(), raw)
			assert.Equal(t, tc.want, got)
			assert.Len(t, rec.desktop, tc.desktop)
			assert.Equal(t, tc.inApp, rec.inApp)
		})
	}
}

func TestProcessSuppressesDuplicateEvents(t *testing.T) {
	t.Parallel()
	clk := newFakeClock()
	rec := &recorder{}
	c := New(Config{TabID: "t", DedupWindow: time.Minute}, nil, nil,
		WithClock(clk), WithHost(viewer{access: true}.host(rec)))

	raw := incoming("c1", "m1", clk.Now())
	raw.DeliveryID = "d-1"
	assert.Equal(t, OutcomeInApp, c.Process(context.Background(), raw).Outcome)
	assert.Equal(t, suppressed(ReasonDuplicate), c.Process(context.Background(), raw))

	clk.Advance(time.Minute)
	assert.Equal(t, OutcomeInApp, c.Process(context.Background(), raw).Outcome)
	require.Len(t, rec.inApp, 2)
}

func TestProcessRecoversFromHostPanics(t *testing.T) {
	t.Parallel()
	c := New(Config{TabID: "t"}, nil, nil, WithClock(newFakeClock()), WithHost(Host{
		OnInApp: func(notification.RawWhatsAppEvent, InAppOptions) { panic("render failed") },
	}))

	var d Decision
	require.NotPanics(t, func() { d = c.Process(context.Background(), incoming("c1", "m1", time.Time{})) })
	assert.Equal(t, suppressed(ReasonHostError), d)
}

func TestProcessWithEmptyHost(t *testing.T) {
	t.Parallel()
	c := New(Config{TabID: "t"}, nil, nil, WithClock(newFakeClock()))
	c.claim(context.Background())
	d := c.Process(context.Background(), incoming("c1", "m1", time.Time{}))
	assert.Equal(t, Decision{Outcome: OutcomeInApp, Sound: true, Leader: true}, d)
}
