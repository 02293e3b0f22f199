package notification

import (
	"encoding/json"
	"strings"
	"time"
)

// RawSystemNotice is a broadcast notice as delivered by the dashboard API.
type RawSystemNotice struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	Message   string     `json:"message"`
	Type      string     `json:"type"`
	Target    Audience   `json:"target"`
	CreatedBy Creator    `json:"createdBy"`
	CreatedAt time.Time  `json:"createdAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// Audience describes who a system notice is addressed to. An empty audience
// addresses everyone.
type Audience struct {
	All       bool     `json:"all,omitempty"`
	Roles     []string `json:"roles,omitempty"`
	Locations []string `json:"locations,omitempty"`
	UserIDs   []string `json:"userIds,omitempty"`
}

type Creator struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type Direction string

const (
	DirectionIncoming Direction = "incoming"
	DirectionOutgoing Direction = "outgoing"
)

// Origin tells who produced a message from the viewer's point of view.
type Origin string

const (
	OriginExternal Origin = "external"
	// OriginInternal marks messages sent by a team member from the dashboard.
	OriginInternal Origin = "internal"
	// OriginSelf marks echoes of the viewer's own messages.
	OriginSelf Origin = "self"
)

type WhatsAppMessage struct {
	ID         string    `json:"id"`
	MessageID  string    `json:"messageId"`
	From       string    `json:"from"`
	To         string    `json:"to"`
	Type       string    `json:"type"`
	Content    Content   `json:"content"`
	Direction  Direction `json:"direction"`
	Timestamp  time.Time `json:"timestamp"`
	SenderName string    `json:"senderName,omitempty"`
	Origin     Origin    `json:"origin,omitempty"`
}

// UnmarshalJSON maps the transport's legacy self-sent markers (a
// source:"internal" tag or a sender named "You") onto Origin.
func (m *WhatsAppMessage) UnmarshalJSON(b []byte) error {
	type plain WhatsAppMessage
	var tmp struct {
		plain
		Source string `json:"source,omitempty"`
	}
	if err := json.Unmarshal(b, &tmp); err != nil {
		return err
	}
	*m = WhatsAppMessage(tmp.plain)
	if m.Origin == "" {
		switch {
		case strings.EqualFold(strings.TrimSpace(tmp.Source), "internal"):
			m.Origin = OriginInternal
		case strings.EqualFold(strings.TrimSpace(m.SenderName), "you"):
			m.Origin = OriginSelf
		default:
			m.Origin = OriginExternal
		}
	}
	return nil
}

// RawWhatsAppEvent is one message envelope pushed by the WhatsApp transport.
type RawWhatsAppEvent struct {
	ConversationID  string          `json:"conversationId"`
	Message         WhatsAppMessage `json:"message"`
	BusinessPhoneID string          `json:"businessPhoneId"`

	// Per-user fan-out fields.
	DeliveryID string `json:"deliveryId,omitempty"`
	EventID    string `json:"eventId,omitempty"`
	UserID     string `json:"userId,omitempty"`

	ParticipantName  string `json:"participantName,omitempty"`
	ParticipantPhone string `json:"participantPhone,omitempty"`
	Preview          string `json:"preview,omitempty"`

	// CreatedAt freezes the notification's sort position for the conversation.
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// StableEventID returns the most specific delivery identity available.
func (r RawWhatsAppEvent) StableEventID() string {
	for _, v := range []string{r.EventID, r.DeliveryID, r.Message.ID, r.Message.MessageID} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
