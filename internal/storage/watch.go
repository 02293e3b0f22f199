package storage

import "sync"

// fanout delivers changes to watchers without blocking writers.
type fanout struct {
	mu     sync.Mutex
	seq    uint64
	subs   map[uint64]chan Change
	closed bool
}

func (f *fanout) subscribe(buffer int) (<-chan Change, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan Change, buffer)

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	if f.subs == nil {
		f.subs = map[uint64]chan Change{}
	}
	f.seq++
	id := f.seq
	f.subs[id] = ch
	f.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
			f.mu.Unlock()
		})
	}
}

// publish sends under the lock; sends never block, so close cannot race them.
func (f *fanout) publish(c Change) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

func (f *fanout) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}
