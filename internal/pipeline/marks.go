package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"slices"
	"time"

	"opsnotify/internal/queue"
	"opsnotify/internal/storage"
	logx "opsnotify/pkg/logx"
)

// Storage keys shared by every participant of a viewer, so a dismissal or
// mute in one participant applies to all.
const (
	DismissedKey = "notifications:dismissed"
	MutedKey     = "notifications:muted"
)

const ownWritesKept = 8

// markSet is one mirrored Marks map. own remembers recently written
// encodings so our own writes echoed back by the store are ignored.
type markSet struct {
	key   string
	marks queue.Marks
	own   []string
}

func newMarkSet(key string) *markSet { return &markSet{key: key, marks: queue.Marks{}} }

func (m *markSet) encodeLocked() string {
	b, _ := json.Marshal(m.marks)
	v := string(b)
	m.own = append(m.own, v)
	if len(m.own) > ownWritesKept {
		m.own = m.own[len(m.own)-ownWritesKept:]
	}
	return v
}

// mark sets (or, with remove, clears) id and mirrors the set to storage.
func (s *Service) mark(ctx context.Context, set *markSet, id string, at time.Time, remove bool) bool {
	s.mu.Lock()
	changed := true
	if remove {
		_, changed = set.marks[id]
		delete(set.marks, id)
	} else {
		set.marks[id] = at
	}
	var value string
	if changed && s.store != nil {
		value = set.encodeLocked()
	}
	s.mu.Unlock()

	if changed && s.store != nil {
		if err := s.store.Set(ctx, set.key, value); err != nil {
			s.log.Debug("mark mirror failed", logx.String("key", set.key), logx.Err(err))
		}
	}
	return changed
}

func (s *Service) loadMarks(ctx context.Context) {
	if s.store == nil {
		return
	}
	for _, set := range []*markSet{s.dismissed, s.muted} {
		v, ok, err := s.store.Get(ctx, set.key)
		if err != nil {
			s.log.Debug("mark load failed", logx.String("key", set.key), logx.Err(err))
			continue
		}
		if ok {
			s.applyMarks(set, v)
		}
	}
}

func (s *Service) applyMarks(set *markSet, value string) {
	m := queue.Marks{}
	if value != "" {
		if err := json.Unmarshal([]byte(value), &m); err != nil {
			s.log.Debug("mark decode failed", logx.String("key", set.key), logx.Err(err))
			return
		}
	}
	s.mu.Lock()
	if !slices.Contains(set.own, value) {
		set.marks = m
	}
	s.mu.Unlock()
}

var errWatchClosed = errors.New("pipeline: storage watch closed")

// markWatcher subscribes right away, so nothing written after it returns is
// missed, and yields the loop that follows mark changes written by other
// participants. A restarted loop resubscribes and reloads.
// release drops the first subscription when run never starts.
func (s *Service) markWatcher() (run func(ctx context.Context) error, release func()) {
	ch, cancel := s.store.Watch(32)
	release = func() { cancel() }
	run = func(ctx context.Context) error {
		if ch == nil {
			ch, cancel = s.store.Watch(32)
			s.loadMarks(ctx)
		}
		defer func() {
			cancel()
			ch = nil
		}()
		return s.followMarks(ctx, ch)
	}
	return run, release
}

func (s *Service) followMarks(ctx context.Context, ch <-chan storage.Change) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case c, ok := <-ch:
			if !ok {
				return errWatchClosed
			}
			var set *markSet
			switch c.Key {
			case DismissedKey:
				set = s.dismissed
			case MutedKey:
				set = s.muted
			default:
				continue
			}
			if c.Removed {
				s.applyMarks(set, "")
				continue
			}
			s.applyMarks(set, c.Value)
		}
	}
}

// pruneMarks forgets dismissals older than retention whose notification the
// engine no longer holds. Mutes last until unmuted and are never pruned.
func (s *Service) pruneMarks(ctx context.Context, now time.Time, retention time.Duration) int {
	set := s.dismissed
	s.mu.Lock()
	var stale []string
	for id, at := range set.marks {
		if now.Sub(at) >= retention {
			stale = append(stale, id)
		}
	}
	s.mu.Unlock()
	pruned := 0
	for _, id := range stale {
		if _, live := s.engine.Get(id); live {
			continue
		}
		if s.mark(ctx, set, id, time.Time{}, true) {
			pruned++
		}
	}
	return pruned
}
