package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opsnotify/internal/batcher"
	"opsnotify/internal/config"
	"opsnotify/internal/leader"
	"opsnotify/internal/metrics"
	"opsnotify/internal/pipeline"
	"opsnotify/internal/storage"
	"opsnotify/internal/transport/wsbus"
	logx "opsnotify/pkg/logx"
)

var t0 = time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)

type fixture struct {
	svc *pipeline.Service
	clk *clockwork.FakeClock
	srv *httptest.Server
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	clk := clockwork.NewFakeClockAt(t0)
	svc := pipeline.New(pipeline.Config{
		Batch:  batcher.Config{Stagger: -1},
		Leader: leader.Config{TabID: "tab-a"},
		Viewer: pipeline.Viewer{UserID: "u1", Roles: []string{"ops"}, WhatsAppAccess: true},
	}, pipeline.Deps{Store: storage.NewMemory()}, pipeline.WithClock(clk))
	opts = append([]Option{WithClock(clk), WithLogger(logx.Nop())}, opts...)
	api := New(config.HTTPSettings{Addr: "127.0.0.1:0"}, svc, opts...)
	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &fixture{svc: svc, clk: clk, srv: srv}
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, string) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(b)
}

func ids(t *testing.T, body string) []string {
	t.Helper()
	var list []struct {
		ID string `json:"id"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &list))
	out := make([]string, 0, len(list))
	for _, n := range list {
		out = append(out, n.ID)
	}
	return out
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp, body := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, body)
}

func TestSystemNoticeLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/system",
		`{"id":"n1","title":"Maintenance","message":"Tonight","type":"warning","createdAt":"2026-04-01T08:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, body)
	assert.JSONEq(t, `{"accepted":true}`, body)

	resp, body = f.do(t, http.MethodPost, "/api/system",
		`{"id":"n2","title":"Finance only","target":{"roles":["finance"]},"createdAt":"2026-04-01T08:00:00Z"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.JSONEq(t, `{"accepted":false}`, body)

	resp, _ = f.do(t, http.MethodPost, "/api/flush", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	f.svc.Tick()

	resp, body = f.do(t, http.MethodGet, "/api/notifications", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"n1"}, ids(t, body))

	resp, body = f.do(t, http.MethodGet, "/api/notifications/n1", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"title":"Maintenance"`)

	resp, _ = f.do(t, http.MethodPost, "/api/notifications/n1/mute", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	f.svc.Tick()
	_, body = f.do(t, http.MethodGet, "/api/notifications/pending", "")
	assert.Equal(t, []string{"n1"}, ids(t, body))

	_, body = f.do(t, http.MethodPost, "/api/notifications/n1/unmute", "")
	assert.JSONEq(t, `{"changed":true}`, body)
	f.svc.Tick()

	resp, _ = f.do(t, http.MethodPost, "/api/notifications/n1/dismiss", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	f.svc.Tick()
	_, body = f.do(t, http.MethodGet, "/api/notifications", "")
	assert.Equal(t, "[]\n", body)

	resp, body = f.do(t, http.MethodPost, "/api/notifications/missing/dismiss", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, body, "not found")

	resp, _ = f.do(t, http.MethodGet, "/api/notifications/missing", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestIngestRejectsBadInput(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/api/system", `{"id":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/system", `{"title":"no id"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := f.do(t, http.MethodPost, "/api/whatsapp", `{"message":{"id":"m1"}}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body, "conversationId")
}

func TestWhatsAppDecision(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	payload := `{"conversationId":"c1","userId":"u1","message":{"id":"m1","type":"text","content":"hi","direction":"incoming","timestamp":"2026-04-01T09:00:00Z","senderName":"Guest"}}`
	resp, body := f.do(t, http.MethodPost, "/api/whatsapp", payload)
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	var d leader.Decision
	require.NoError(t, json.Unmarshal([]byte(body), &d))
	assert.Equal(t, leader.OutcomeInApp, d.Outcome)

	// The same event again is a duplicate.
	_, body = f.do(t, http.MethodPost, "/api/whatsapp", payload)
	require.NoError(t, json.Unmarshal([]byte(body), &d))
	assert.Equal(t, leader.OutcomeSuppressed, d.Outcome)
	assert.Equal(t, leader.ReasonDuplicate, d.Reason)
}

func TestPresenceAndConversationState(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPut, "/api/presence", `{"visible":true,"activeConversation":" c1 ","onWhatsAppRoute":true}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	_, body := f.do(t, http.MethodGet, "/api/presence", "")
	assert.JSONEq(t, `{"visible":true,"activeConversation":"c1","onWhatsAppRoute":true,"permissionGranted":false}`, body)

	_, body = f.do(t, http.MethodPost, "/api/conversations/c1/read", "")
	assert.JSONEq(t, `{"lastReadAt":"2026-04-01T09:00:00Z"}`, body)
	// Read markers never move backwards.
	_, body = f.do(t, http.MethodPost, "/api/conversations/c1/read", `{"at":"2026-03-01T00:00:00Z"}`)
	assert.JSONEq(t, `{"lastReadAt":"2026-04-01T09:00:00Z"}`, body)

	resp, _ = f.do(t, http.MethodPost, "/api/conversations/c2/archive", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.True(t, f.svc.Presence().Archived("c2"))
	f.do(t, http.MethodPost, "/api/conversations/c2/archive", `{"archived":false}`)
	assert.False(t, f.svc.Presence().Archived("c2"))
}

func TestStatusEndpoints(t *testing.T) {
	t.Parallel()
	m := metrics.New(false)
	f := newFixture(t, WithMetrics(m.Handler()))

	_, body := f.do(t, http.MethodGet, "/api/leader", "")
	assert.Contains(t, body, `"tabId":"tab-a"`)
	assert.Contains(t, body, `"state":"unclaimed"`)

	resp, body := f.do(t, http.MethodGet, "/api/stats", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `"queue"`)

	_, body = f.do(t, http.MethodPost, "/api/maintenance", "")
	assert.JSONEq(t, `{"expired":0,"dedup":0,"marks":0}`, body)

	resp, _ = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestPprofOptIn(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodGet, "/debug/pprof/", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	clk := clockwork.NewFakeClockAt(t0)
	svc := pipeline.New(pipeline.Config{}, pipeline.Deps{}, pipeline.WithClock(clk))
	srv := httptest.NewServer(New(config.HTTPSettings{Pprof: true}, svc).Handler())
	defer srv.Close()
	resp2, err := http.Get(srv.URL + "/debug/pprof/")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusOK, resp2.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.srv.URL+"/api/system", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "http://localhost:5173", resp.Header.Get("Access-Control-Allow-Origin"))

	req.Header.Set("Origin", "https://evil.example")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Empty(t, resp2.Header.Get("Access-Control-Allow-Origin"))
}

func TestRelayMounted(t *testing.T) {
	t.Parallel()
	hub := wsbus.NewHub(logx.Nop(), nil)
	t.Cleanup(hub.Close)
	f := newFixture(t, WithRelay(hub))

	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/bus"
	conn, _, err := websocket.DefaultDialer.DialContext(context.Background(), url, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return hub.Stats().Clients == 1 }, 2*time.Second, 10*time.Millisecond)
}
