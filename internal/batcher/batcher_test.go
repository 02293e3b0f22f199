package batcher

import (
	"fmt"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsnotify/internal/notification"
)

type release struct {
	ids []string
	at  time.Time
}

func newTestBatcher(t *testing.T) (*Batcher, *clockwork.FakeClock, chan release) {
	t.Helper()
	clk := clockwork.NewFakeClock()
	out := make(chan release, 32)
	b := New(Config{}, func(batch []notification.UnifiedNotification) {
		ids := make([]string, 0, len(batch))
		for _, n := range batch {
			ids = append(ids, n.ID)
		}
		out <- release{ids: ids, at: clk.Now()}
	}, WithClock(clk))
	t.Cleanup(func() { b.Stop() })
	return b, clk, out
}

func note(id string) notification.UnifiedNotification {
	return notification.UnifiedNotification{ID: id, Source: notification.SourceSystem}
}

func recv(t *testing.T, ch <-chan release) release {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for release")
		return release{}
	}
}

func expectNone(t *testing.T, ch <-chan release) {
	t.Helper()
	select {
	case r := <-ch:
		t.Fatalf("unexpected release %v", r.ids)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBurstReleasesAfterThird(t *testing.T) {
	b, clk, out := newTestBatcher(t)
	start := clk.Now()

	for i := 1; i <= 2; i++ {
		b.Add(note(fmt.Sprintf("n%d", i)))
		clk.Advance(10 * time.Millisecond)
	}
	expectNone(t, out)
	assert.Equal(t, 2, b.BatchSize())

	b.Add(note("n3"))
	assert.Equal(t, 0, b.BatchSize(), "burst drains the batch")

	first := recv(t, out)
	assert.Equal(t, []string{"n1"}, first.ids)
	assert.Equal(t, 20*time.Millisecond, first.at.Sub(start), "released on the third arrival, not at window end")

	clk.Advance(150 * time.Millisecond)
	assert.Equal(t, []string{"n2"}, recv(t, out).ids)
	clk.Advance(150 * time.Millisecond)
	assert.Equal(t, []string{"n3"}, recv(t, out).ids)

	// Arrivals 4 and 5 open a fresh window.
	b.Add(note("n4"))
	b.Add(note("n5"))
	expectNone(t, out)
	assert.Equal(t, 2, b.BatchSize())
}

func TestTwoArrivalsWaitForWindowThenStagger(t *testing.T) {
	b, clk, out := newTestBatcher(t)
	start := clk.Now()

	b.Add(note("a"))
	clk.Advance(10 * time.Millisecond)
	b.Add(note("b"))

	clk.Advance(289 * time.Millisecond)
	expectNone(t, out)

	clk.Advance(time.Millisecond)
	first := recv(t, out)
	assert.Equal(t, []string{"a"}, first.ids)
	assert.Equal(t, DefaultWindow, first.at.Sub(start))

	clk.Advance(149 * time.Millisecond)
	expectNone(t, out)
	clk.Advance(time.Millisecond)
	second := recv(t, out)
	assert.Equal(t, []string{"b"}, second.ids)
	assert.GreaterOrEqual(t, second.at.Sub(first.at), DefaultStagger)
}

func TestFlushCancelsWindow(t *testing.T) {
	b, clk, out := newTestBatcher(t)

	b.Add(note("x"))
	b.Flush()
	assert.Equal(t, []string{"x"}, recv(t, out).ids)

	clk.Advance(time.Second)
	expectNone(t, out)
	assert.Equal(t, 0, b.BatchSize())
}

func TestConsecutiveFlushesKeepSpacing(t *testing.T) {
	b, clk, out := newTestBatcher(t)

	b.Add(note("a"))
	b.Add(note("b"))
	b.Flush()
	assert.Equal(t, []string{"a"}, recv(t, out).ids)

	// A second flush right away queues behind b's slot.
	b.Add(note("c"))
	b.Flush()
	expectNone(t, out)

	clk.Advance(150 * time.Millisecond)
	assert.Equal(t, []string{"b"}, recv(t, out).ids)
	clk.Advance(150 * time.Millisecond)
	assert.Equal(t, []string{"c"}, recv(t, out).ids)
}

func TestStopDropsPending(t *testing.T) {
	b, clk, out := newTestBatcher(t)

	b.Add(note("a"))
	b.Add(note("b"))
	b.Add(note("c"))
	require.Equal(t, []string{"a"}, recv(t, out).ids)

	b.Add(note("ignored-after-stop-check"))
	dropped := b.Stop()
	assert.Equal(t, 3, dropped, "two staggered plus one pending")

	clk.Advance(time.Second)
	expectNone(t, out)

	b.Add(note("late"))
	assert.Equal(t, 0, b.BatchSize())
}
