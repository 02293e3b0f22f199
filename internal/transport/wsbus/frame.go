// Package wsbus relays election messages between notifyd processes over
// websockets. A Hub fans every frame out to the other connected clients;
// Client is a leader.Channel backed by one hub connection.
package wsbus

import (
	"encoding/json"
	"time"
)

// TopicLeader carries leader.Message payloads.
const TopicLeader = "leader"

const (
	writeWait      = 5 * time.Second
	pongWait       = 30 * time.Second
	pingPeriod     = pongWait * 9 / 10
	maxFrameBytes  = 16 << 10
	sendBufferSize = 64
)

// Frame is the wire envelope.
type Frame struct {
	Topic string          `json:"topic"`
	Data  json.RawMessage `json:"data"`
}
