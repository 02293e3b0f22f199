package notification

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSystemMuteAction(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		typ      string
		sev      Severity
		critical bool
	}{
		{typ: "critical", sev: SeverityCritical, critical: true},
		{typ: "CRITICAL", sev: SeverityCritical, critical: true},
		{typ: "warning", sev: SeverityWarning},
		{typ: "info", sev: SeverityInfo},
		{typ: "", sev: SeverityInfo},
		{typ: "banana", sev: SeverityInfo},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.typ, func(t *testing.T) {
			t.Parallel()
			n := NormalizeSystem(RawSystemNotice{ID: "n1", Title: "Water outage", Type: tt.typ}, now)
			assert.Equal(t, tt.sev, n.Severity)
			assert.Equal(t, tt.critical, n.IsCritical)
			assert.Equal(t, !tt.critical, n.HasAction(EffectMute), "mute action presence")
			assert.True(t, n.HasAction(EffectDismiss))
			assert.Equal(t, SourceSystem, n.Source)
			assert.Empty(t, n.GroupKey)
			assert.Equal(t, now, n.Timestamp, "zero createdAt falls back to now")
		})
	}
}

func TestNormalizeSystemDegradedInput(t *testing.T) {
	t.Parallel()
	created := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	exp := created.Add(time.Hour)
	n := NormalizeSystem(RawSystemNotice{ID: "n2", CreatedAt: created, ExpiresAt: &exp, CreatedBy: Creator{ID: "u1", Name: "Ops"}}, time.Now())

	assert.Equal(t, "System notice", n.Title)
	assert.Equal(t, created, n.Timestamp)
	require.NotNil(t, n.Metadata.ExpiresAt)
	assert.Equal(t, exp, *n.Metadata.ExpiresAt)
	assert.Equal(t, "system:n2", n.Metadata.EventID)
	assert.Equal(t, "Ops", n.Metadata.CreatedByName)
	assert.False(t, n.Expired(created))
	assert.True(t, n.Expired(exp))
}

func TestDisplayTextExtractorOrder(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		msg  WhatsAppMessage
		want string
	}{
		{name: "plain", msg: WhatsAppMessage{Type: "text", Content: PlainContent(" hello ")}, want: "hello"},
		{name: "text", msg: WhatsAppMessage{Type: "text", Content: TextContent("hi there")}, want: "hi there"},
		{name: "caption", msg: WhatsAppMessage{Type: "image", Content: CaptionContent("the kitchen")}, want: "the kitchen"},
		{name: "location name", msg: WhatsAppMessage{Type: "location", Content: LocationContent(Location{Name: "Flat 4B"})}, want: "Location: Flat 4B"},
		{name: "location coords", msg: WhatsAppMessage{Type: "location", Content: LocationContent(Location{Latitude: 1.5, Longitude: 2})}, want: "Location: 1.50000,2.00000"},
		{name: "empty caption", msg: WhatsAppMessage{Type: "image", Content: CaptionContent("")}, want: "image message"},
		{name: "other", msg: WhatsAppMessage{Type: "sticker"}, want: "sticker message"},
		{name: "no type", msg: WhatsAppMessage{}, want: "new message"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, DisplayText(tt.msg))
		})
	}
}

func TestNormalizeWhatsAppIdentityAndFrozenTimestamp(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	created := now.Add(-time.Hour)
	msgAt := now.Add(-time.Minute)

	raw := RawWhatsAppEvent{
		ConversationID: "c1",
		Message: WhatsAppMessage{
			ID: "m1", From: "+4911", Type: "text", Content: TextContent("Is the flat free?"),
			Direction: DirectionIncoming, Timestamp: msgAt, SenderName: "Anna",
		},
		EventID: "evt-1",
	}

	n := NormalizeWhatsApp(raw, now)
	assert.Equal(t, "c1", n.ID)
	assert.Equal(t, "whatsapp:c1", n.GroupKey)
	assert.Equal(t, "Anna", n.Title)
	assert.Equal(t, SeverityWhatsApp, n.Severity)
	assert.False(t, n.IsCritical)
	assert.Equal(t, msgAt, n.Timestamp, "falls back to message time")
	assert.Equal(t, "evt-1", n.Metadata.EventID)
	assert.Equal(t, "m1", n.Metadata.LastMessageID)
	assert.Equal(t, "+4911", n.Metadata.ParticipantPhone)
	require.Len(t, n.Actions, 3)
	assert.Equal(t, []Effect{EffectOpenConversation, EffectClear, EffectMute},
		[]Effect{n.Actions[0].Effect, n.Actions[1].Effect, n.Actions[2].Effect})

	raw.CreatedAt = &created
	assert.Equal(t, created, NormalizeWhatsApp(raw, now).Timestamp, "createdAt wins")

	raw.CreatedAt = nil
	raw.Message.Timestamp = time.Time{}
	assert.Equal(t, now, NormalizeWhatsApp(raw, now).Timestamp, "now is the last resort")
}

func TestWhatsAppMessageJSONOrigin(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want Origin
		text string
	}{
		{name: "external", in: `{"id":"m1","type":"text","content":"hey","senderName":"Bob"}`, want: OriginExternal, text: "hey"},
		{name: "legacy internal tag", in: `{"id":"m2","type":"text","content":{"text":"ok"},"source":"internal"}`, want: OriginInternal, text: "ok"},
		{name: "legacy you", in: `{"id":"m3","type":"text","content":{"text":{"body":"sent"}},"senderName":"You"}`, want: OriginSelf, text: "sent"},
		{name: "explicit", in: `{"id":"m4","type":"image","content":{"caption":"pic"},"origin":"self"}`, want: OriginSelf, text: "pic"},
		{name: "unknown content", in: `{"id":"m5","type":"audio","content":{"url":"x"}}`, want: OriginExternal, text: "audio message"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var m WhatsAppMessage
			require.NoError(t, json.Unmarshal([]byte(tt.in), &m))
			assert.Equal(t, tt.want, m.Origin)
			assert.Equal(t, tt.text, DisplayText(m))
		})
	}
}

func TestStableEventIDPrecedence(t *testing.T) {
	t.Parallel()
	r := RawWhatsAppEvent{Message: WhatsAppMessage{MessageID: "wamid"}}
	assert.Equal(t, "wamid", r.StableEventID())
	r.Message.ID = "m1"
	assert.Equal(t, "m1", r.StableEventID())
	r.DeliveryID = "d1"
	assert.Equal(t, "d1", r.StableEventID())
	r.EventID = "e1"
	assert.Equal(t, "e1", r.StableEventID())
}

func TestCloneDoesNotAlias(t *testing.T) {
	t.Parallel()
	n := NormalizeWhatsApp(RawWhatsAppEvent{ConversationID: "c9", Message: WhatsAppMessage{Content: PlainContent("a")}}, time.Now())
	cp := n.Clone()
	cp.Actions[0].Consumed = true
	cp.Metadata.GroupedMessages[0].Text = "changed"
	assert.False(t, n.Actions[0].Consumed)
	assert.Equal(t, "a", n.Metadata.GroupedMessages[0].Text)
}
