package queue

import (
	"strconv"

	"opsnotify/internal/notification"
)

// CreateGroupedNotification folds a conversation's notifications into one.
// Identity and title come from the first item so the sender stays stable;
// message, timestamp and metadata come from the latest item. The grouped
// message history keeps every distinct message in arrival order.
// A single-element group is returned unchanged.
func CreateGroupedNotification(group []notification.UnifiedNotification) notification.UnifiedNotification {
	switch len(group) {
	case 0:
		return notification.UnifiedNotification{}
	case 1:
		return *group[0].Clone()
	}

	first := group[0]
	latest := group[len(group)-1]

	out := *latest.Clone()
	out.ID = first.ID
	out.Source = first.Source
	out.Title = first.Title
	out.GroupKey = first.GroupKey
	out.IsCritical = first.IsCritical
	out.Actions = append([]notification.Action(nil), first.Actions...)

	seen := map[string]struct{}{}
	history := make([]notification.GroupedMessage, 0, len(group))
	for _, n := range group {
		msgs := n.Metadata.GroupedMessages
		if len(msgs) == 0 {
			gm := ownMessage(n)
			if gm.EventID == "" && gm.MessageID == "" {
				// Nothing to dedupe on: one member, one message.
				history = append(history, gm)
				continue
			}
			msgs = []notification.GroupedMessage{gm}
		}
		for _, gm := range msgs {
			k := messageKey(gm)
			if _, dup := seen[k]; dup {
				continue
			}
			seen[k] = struct{}{}
			history = append(history, gm)
		}
	}
	out.Metadata.GroupedMessages = history
	out.Metadata.MessageCount = len(history)
	return out
}

// ownMessage is the history entry a notification without grouped messages
// stands for.
func ownMessage(n notification.UnifiedNotification) notification.GroupedMessage {
	at := n.Metadata.LastMessageAt
	if at.IsZero() {
		at = n.Timestamp
	}
	return notification.GroupedMessage{
		MessageID: n.Metadata.LastMessageID,
		EventID:   n.Metadata.EventID,
		Text:      n.Message,
		At:        at,
	}
}

func messageKey(gm notification.GroupedMessage) string {
	switch {
	case gm.EventID != "":
		return "e:" + gm.EventID
	case gm.MessageID != "":
		return "m:" + gm.MessageID
	}
	return "t:" + strconv.FormatInt(gm.At.UnixNano(), 10) + ":" + gm.Text
}

// eventKey identifies one raw delivery for bucket dedupe.
func eventKey(n notification.UnifiedNotification) string {
	switch {
	case n.Metadata.EventID != "":
		return "e:" + n.Metadata.EventID
	case n.Metadata.LastMessageID != "":
		return "m:" + n.Metadata.LastMessageID
	}
	return ""
}
