package leader

import (
	"context"
	"encoding/json"
	"time"

	"opsnotify/internal/storage"
)

const (
	// ChannelName is the shared bus carrying election messages.
	ChannelName = "whatsapp-notification-bus"
	// StorageKey holds the last known leader record.
	StorageKey = "whatsapp_notification_leader"
	// LastMessageKey mirrors the last broadcast message for peers that only
	// observe storage changes.
	LastMessageKey = StorageKey + ":last_message"

	DefaultHeartbeat   = 3 * time.Second
	DefaultStaleAfter  = 8 * time.Second
	DefaultDedupWindow = 2 * time.Minute
)

type MessageType string

const (
	MsgHeartbeat MessageType = "heartbeat"
	MsgClaim     MessageType = "claim"
	MsgRelease   MessageType = "release"
)

// Message is one election message. TS is unix milliseconds; Since is when
// the sender's leadership term began.
type Message struct {
	Type  MessageType `json:"type"`
	TabID string      `json:"tabId"`
	TS    int64       `json:"ts"`
	Since int64       `json:"since,omitempty"`
}

// Record is the persisted leader record.
type Record struct {
	TabID string `json:"tabId"`
	TS    int64  `json:"ts"`
}

type State int

const (
	StateUnclaimed State = iota
	StateLeader
	StateFollower
)

func (s State) String() string {
	switch s {
	case StateLeader:
		return "leader"
	case StateFollower:
		return "follower"
	default:
		return "unclaimed"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Channel is a broadcast bus shared by all participants. Publishers may or
// may not receive their own messages; the controller ignores them.
type Channel interface {
	Publish(ctx context.Context, m Message) error
	Subscribe(buffer int) (ch <-chan Message, unsubscribe func(), err error)
}

// Storage is the shared key/value mirror. storage.Store satisfies it.
type Storage interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Remove(ctx context.Context, key string) error
	Watch(buffer int) (<-chan storage.Change, func())
}

// Status is a point-in-time view of a controller.
type Status struct {
	TabID         string    `json:"tabId"`
	State         State     `json:"state"`
	LeaderID      string    `json:"leaderId,omitempty"`
	LastHeartbeat time.Time `json:"lastHeartbeat,omitempty"`
}

func decodeMessage(s string) (Message, bool) {
	var m Message
	if err := json.Unmarshal([]byte(s), &m); err != nil || m.TabID == "" {
		return Message{}, false
	}
	switch m.Type {
	case MsgHeartbeat, MsgClaim, MsgRelease:
		return m, true
	}
	return Message{}, false
}

// beats reports whether term (since, id) outranks (otherSince, otherID):
// the older term wins, ties go to the smaller id.
func beats(since int64, id string, otherSince int64, otherID string) bool {
	if since != otherSince {
		return since < otherSince
	}
	return id < otherID
}
