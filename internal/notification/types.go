package notification

import (
	"strings"
	"time"
)

type Source string

const (
	SourceSystem   Source = "system"
	SourceWhatsApp Source = "whatsapp"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
	SeverityWhatsApp Severity = "whatsapp"
)

// Effect names the intent an action triggers. The rendering layer maps
// effects to navigation or state changes; the core never invokes them.
type Effect string

const (
	EffectOpenConversation Effect = "open_conversation"
	EffectClear            Effect = "clear"
	EffectMute             Effect = "mute"
	EffectDismiss          Effect = "dismiss"
)

type Variant string

const (
	VariantPrimary   Variant = "primary"
	VariantSecondary Variant = "secondary"
	VariantGhost     Variant = "ghost"
)

type Action struct {
	Label    string  `json:"label"`
	Effect   Effect  `json:"effect"`
	Target   string  `json:"target,omitempty"`
	Variant  Variant `json:"variant"`
	Consumed bool    `json:"consumed,omitempty"`
}

// GroupedMessage is one raw message folded into a grouped notification.
type GroupedMessage struct {
	MessageID  string    `json:"messageId,omitempty"`
	EventID    string    `json:"eventId,omitempty"`
	SenderName string    `json:"senderName,omitempty"`
	Text       string    `json:"text"`
	At         time.Time `json:"at"`
}

type Metadata struct {
	ConversationID   string `json:"conversationId,omitempty"`
	ParticipantPhone string `json:"participantPhone,omitempty"`
	BusinessPhoneID  string `json:"businessPhoneId,omitempty"`

	CreatedByID   string     `json:"createdById,omitempty"`
	CreatedByName string     `json:"createdByName,omitempty"`
	ExpiresAt     *time.Time `json:"expiresAt,omitempty"`

	GroupedMessages    []GroupedMessage `json:"groupedMessages,omitempty"`
	MessageCount       int              `json:"messageCount,omitempty"`
	LastMessageID      string           `json:"lastMessageId,omitempty"`
	LastMessagePreview string           `json:"lastMessagePreview,omitempty"`
	LastMessageAt      time.Time        `json:"lastMessageAt,omitempty"`

	// EventID is the stable per-delivery identity used for dedupe.
	EventID string `json:"eventId,omitempty"`
}

// UnifiedNotification is the single record every downstream component works on.
type UnifiedNotification struct {
	ID         string    `json:"id"`
	Source     Source    `json:"source"`
	Title      string    `json:"title"`
	Message    string    `json:"message"`
	Severity   Severity  `json:"severity"`
	Timestamp  time.Time `json:"timestamp"`
	Metadata   Metadata  `json:"metadata"`
	Actions    []Action  `json:"actions"`
	IsCritical bool      `json:"isCritical"`
	GroupKey   string    `json:"groupKey,omitempty"`
}

// Clone returns a deep copy; the queue engine hands out clones so callers
// never alias its in-place mutations.
func (n *UnifiedNotification) Clone() *UnifiedNotification {
	if n == nil {
		return nil
	}
	cp := *n
	if n.Actions != nil {
		cp.Actions = append([]Action(nil), n.Actions...)
	}
	if n.Metadata.GroupedMessages != nil {
		cp.Metadata.GroupedMessages = append([]GroupedMessage(nil), n.Metadata.GroupedMessages...)
	}
	if n.Metadata.ExpiresAt != nil {
		t := *n.Metadata.ExpiresAt
		cp.Metadata.ExpiresAt = &t
	}
	return &cp
}

// Expired reports whether the notification carries an expiry that is not after now.
func (n *UnifiedNotification) Expired(now time.Time) bool {
	return n != nil && n.Metadata.ExpiresAt != nil && !n.Metadata.ExpiresAt.After(now)
}

// HasAction reports whether an action with the given effect is attached.
func (n *UnifiedNotification) HasAction(effect Effect) bool {
	for _, a := range n.Actions {
		if a.Effect == effect {
			return true
		}
	}
	return false
}

const whatsAppGroupPrefix = "whatsapp:"

// WhatsAppGroupKey returns the grouping key for a conversation.
func WhatsAppGroupKey(conversationID string) string {
	return whatsAppGroupPrefix + strings.TrimSpace(conversationID)
}
