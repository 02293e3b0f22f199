package queue

import "time"

// Marks maps a notification id (or group key) to when the host marked it.
// Both dismissed and muted sets use this shape.
type Marks map[string]time.Time

func (m Marks) Has(id string) bool {
	if m == nil || id == "" {
		return false
	}
	_, ok := m[id]
	return ok
}

// At returns when id was marked.
func (m Marks) At(id string) (time.Time, bool) {
	if m == nil || id == "" {
		return time.Time{}, false
	}
	t, ok := m[id]
	return t, ok
}

// Clone returns an independent copy.
func (m Marks) Clone() Marks {
	out := make(Marks, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

const (
	DefaultMaxVisible  = 3
	DefaultGroupWindow = 300 * time.Millisecond
)

// Config controls the visible window and grouping.
//
// MinVisible > 0 enables rotation: when the queue holds a showable
// notification and the window is full, the oldest non-critical visible
// notification is retired once it has been shown at least MinVisible.
// AutoDismissAfter > 0 retires non-critical notifications after that long.
type Config struct {
	MaxVisible       int
	GroupWindow      time.Duration
	MinVisible       time.Duration
	AutoDismissAfter time.Duration
}

type Stats struct {
	Queued           int `json:"queued"`
	Visible          int `json:"visible"`
	AccumulatingKeys int `json:"accumulatingKeys"`
	BufferedMessages int `json:"bufferedMessages"`
	ActiveGroups     int `json:"activeGroups"`
}
