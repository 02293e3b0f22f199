package wsbus

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsnotify/internal/leader"
	logx "opsnotify/pkg/logx"
)

func startRelay(t *testing.T) (*Hub, string) {
	t.Helper()
	hub := NewHub(logx.Nop(), nil)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func runClient(t *testing.T, url string) *Client {
	t.Helper()
	c := NewClient(url, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
		_ = c.Close()
	})
	require.Eventually(t, c.Connected, 2*time.Second, 10*time.Millisecond)
	return c
}

func TestRelayFansOutToOthers(t *testing.T) {
	hub, url := startRelay(t)
	a := runClient(t, url)
	b := runClient(t, url)
	require.Eventually(t, func() bool { return hub.Stats().Clients == 2 }, 2*time.Second, 10*time.Millisecond)

	fromA, unsubA, err := a.Subscribe(4)
	require.NoError(t, err)
	defer unsubA()
	fromB, unsubB, err := b.Subscribe(4)
	require.NoError(t, err)
	defer unsubB()

	msg := leader.Message{Type: leader.MsgClaim, TabID: "tab-a", TS: 1000, Since: 1000}
	require.NoError(t, a.Publish(context.Background(), msg))

	select {
	case got := <-fromB:
		assert.Equal(t, msg, got)
	case <-time.After(2 * time.Second):
		t.Fatal("message not relayed")
	}
	select {
	case got := <-fromA:
		t.Fatalf("sender received its own message: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, uint64(1), hub.Stats().Relayed)
}

func TestRelayRejectsInvalidFrames(t *testing.T) {
	hub, url := startRelay(t)
	b := runClient(t, url)
	fromB, unsub, err := b.Subscribe(4)
	require.NoError(t, err)
	defer unsub()

	raw, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer raw.Close()
	require.Eventually(t, func() bool { return hub.Stats().Clients == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte("not json")))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"data":{}}`)))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"topic":"other","data":{}}`)))
	require.NoError(t, raw.WriteMessage(websocket.TextMessage, []byte(`{"topic":"leader","data":{"type":"heartbeat","tabId":"x","ts":5}}`)))

	select {
	case got := <-fromB:
		assert.Equal(t, leader.MsgHeartbeat, got.Type)
		assert.Equal(t, "x", got.TabID)
	case <-time.After(2 * time.Second):
		t.Fatal("valid message not relayed")
	}
	// "other" is relayed but ignored by the client.
	assert.Equal(t, uint64(2), hub.Stats().Relayed)
}

func TestPublishWithoutConnection(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/bus", logx.Nop())
	err := c.Publish(context.Background(), leader.Message{Type: leader.MsgHeartbeat})
	assert.ErrorIs(t, err, ErrNotConnected)

	ch, _, err := c.Subscribe(1)
	require.NoError(t, err)
	require.NoError(t, c.Close())
	_, open := <-ch
	assert.False(t, open)

	_, _, err = c.Subscribe(1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Publish(context.Background(), leader.Message{}), ErrClosed)
}

func TestRunReturnsErrorWhenRelayDown(t *testing.T) {
	c := NewClient("ws://127.0.0.1:1/bus", logx.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	assert.Error(t, c.Run(ctx))
}
