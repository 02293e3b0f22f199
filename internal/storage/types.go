package storage

import (
	"errors"
	"time"
)

var (
	ErrDisabled = errors.New("storage disabled")
	ErrClosed   = errors.New("storage closed")
)

// Config configures storage.
//
// Driver values:
//   - "memory": process-local store, shared by every participant in the process
//   - "file": dependency-free file backend (json snapshot + jsonl journals),
//     changes made by other processes are observed through fsnotify
//   - "sqlite": SQLite database file, changes are observed by polling
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver       string
	Path         string
	BusyTimeout  time.Duration // sqlite only; 0 means default
	PollInterval time.Duration // sqlite only; 0 means 500ms
}

// Change describes one key/value mutation observed by a watcher.
type Change struct {
	Key     string
	Value   string
	Removed bool
}

// DeliveryRecord is one entry of the delivery log.
// Keep it compact and schema-stable.
type DeliveryRecord struct {
	At             time.Time `json:"at"`
	ParticipantID  string    `json:"participantId"`
	EventID        string    `json:"eventId,omitempty"`
	ConversationID string    `json:"conversationId,omitempty"`
	Outcome        string    `json:"outcome"`
	Reason         string    `json:"reason,omitempty"`
	Leader         bool      `json:"leader"`
}
