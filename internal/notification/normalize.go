package notification

import (
	"strings"
	"time"
)

const (
	defaultSystemTitle   = "System notice"
	defaultWhatsAppTitle = "WhatsApp"
	previewMaxRunes      = 140
)

// NormalizeSystem converts a raw system notice. Critical notices carry no
// Mute action: they cannot be muted.
func NormalizeSystem(raw RawSystemNotice, now time.Time) UnifiedNotification {
	sev := severityFromType(raw.Type)
	critical := sev == SeverityCritical

	title := strings.TrimSpace(raw.Title)
	if title == "" {
		title = defaultSystemTitle
	}
	ts := raw.CreatedAt
	if ts.IsZero() {
		ts = now
	}

	actions := []Action{{Label: "Dismiss", Effect: EffectDismiss, Target: raw.ID, Variant: VariantSecondary}}
	if !critical {
		actions = append(actions, Action{Label: "Mute", Effect: EffectMute, Target: raw.ID, Variant: VariantGhost})
	}

	var expires *time.Time
	if raw.ExpiresAt != nil {
		t := *raw.ExpiresAt
		expires = &t
	}

	return UnifiedNotification{
		ID:        raw.ID,
		Source:    SourceSystem,
		Title:     title,
		Message:   strings.TrimSpace(raw.Message),
		Severity:  sev,
		Timestamp: ts,
		Metadata: Metadata{
			CreatedByID:   raw.CreatedBy.ID,
			CreatedByName: raw.CreatedBy.Name,
			ExpiresAt:     expires,
			EventID:       "system:" + raw.ID,
		},
		Actions:    actions,
		IsCritical: critical,
	}
}

func severityFromType(t string) Severity {
	switch Severity(strings.ToLower(strings.TrimSpace(t))) {
	case SeverityWarning:
		return SeverityWarning
	case SeverityCritical:
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

// NormalizeWhatsApp converts a raw WhatsApp envelope. The notification id is
// the conversation id so repeated messages update one notification, and the
// timestamp is frozen to the first known createdAt so its sort position does
// not move as messages arrive.
func NormalizeWhatsApp(raw RawWhatsAppEvent, now time.Time) UnifiedNotification {
	msg := raw.Message
	text := DisplayText(msg)

	ts := now
	switch {
	case raw.CreatedAt != nil && !raw.CreatedAt.IsZero():
		ts = *raw.CreatedAt
	case !msg.Timestamp.IsZero():
		ts = msg.Timestamp
	}
	msgAt := msg.Timestamp
	if msgAt.IsZero() {
		msgAt = ts
	}

	convID := strings.TrimSpace(raw.ConversationID)
	preview := strings.TrimSpace(raw.Preview)
	if preview == "" {
		preview = truncateRunes(text, previewMaxRunes)
	}
	lastID := firstNonEmpty(msg.ID, msg.MessageID)

	return UnifiedNotification{
		ID:        convID,
		Source:    SourceWhatsApp,
		Title:     whatsAppTitle(raw),
		Message:   text,
		Severity:  SeverityWhatsApp,
		Timestamp: ts,
		Metadata: Metadata{
			ConversationID:     convID,
			ParticipantPhone:   firstNonEmpty(raw.ParticipantPhone, msg.From),
			BusinessPhoneID:    raw.BusinessPhoneID,
			MessageCount:       1,
			LastMessageID:      lastID,
			LastMessagePreview: preview,
			LastMessageAt:      msgAt,
			EventID:            raw.StableEventID(),
			GroupedMessages: []GroupedMessage{{
				MessageID:  lastID,
				EventID:    raw.StableEventID(),
				SenderName: msg.SenderName,
				Text:       text,
				At:         msgAt,
			}},
		},
		Actions: []Action{
			{Label: "Open", Effect: EffectOpenConversation, Target: convID, Variant: VariantPrimary},
			{Label: "Clear", Effect: EffectClear, Target: convID, Variant: VariantSecondary},
			{Label: "Mute", Effect: EffectMute, Target: convID, Variant: VariantGhost},
		},
		GroupKey: WhatsAppGroupKey(convID),
	}
}

func whatsAppTitle(raw RawWhatsAppEvent) string {
	if t := firstNonEmpty(raw.ParticipantName, raw.Message.SenderName, raw.ParticipantPhone, raw.Message.From); t != "" {
		return t
	}
	return defaultWhatsAppTitle
}

// textExtractor is one attempt at turning message content into display text.
type textExtractor func(m WhatsAppMessage) (string, bool)

// displayExtractors run in priority order; new content kinds append here.
var displayExtractors = []textExtractor{
	extractPlain,
	extractTextOrCaption,
	extractLocation,
}

// DisplayText resolves the human readable text for a message, falling back
// to "<type> message" when no extractor matches.
func DisplayText(m WhatsAppMessage) string {
	for _, ex := range displayExtractors {
		if s, ok := ex(m); ok {
			return s
		}
	}
	t := strings.TrimSpace(m.Type)
	if t == "" {
		t = "new"
	}
	return t + " message"
}

func extractPlain(m WhatsAppMessage) (string, bool) {
	if m.Content.Kind != ContentPlain {
		return "", false
	}
	s := strings.TrimSpace(m.Content.Text)
	return s, s != ""
}

func extractTextOrCaption(m WhatsAppMessage) (string, bool) {
	if m.Content.Kind != ContentText && m.Content.Kind != ContentCaption {
		return "", false
	}
	s := strings.TrimSpace(m.Content.Text)
	return s, s != ""
}

func extractLocation(m WhatsAppMessage) (string, bool) {
	if m.Content.Kind != ContentLocation {
		return "", false
	}
	if l := m.Content.Location.Label(); l != "" {
		return "Location: " + l, true
	}
	return "Shared a location", true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
