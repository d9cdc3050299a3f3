package chat

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/carelink/internal/model/chat"
	"github.com/zhouzirui/carelink/internal/service/auth"
	chatService "github.com/zhouzirui/carelink/internal/service/chat"
	"github.com/zhouzirui/carelink/internal/service/history"
	"github.com/zhouzirui/carelink/internal/service/transport"
)

type stubConn struct {
	mu     sync.Mutex
	sink   transport.EventSink
	open   bool
	sent   []string
	closed int
}

func (c *stubConn) Send(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.open {
		return &transport.NotConnectedError{State: "connecting"}
	}
	c.sent = append(c.sent, text)
	return nil
}

func (c *stubConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed++
	c.open = false
	return nil
}

func (c *stubConn) markOpen() {
	c.mu.Lock()
	c.open = true
	c.mu.Unlock()
	c.sink.OnOpen()
}

type stubDialer struct {
	mu    sync.Mutex
	conns []*stubConn
}

func (d *stubDialer) Dial(_ context.Context, _ transport.Target, sink transport.EventSink) (transport.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	conn := &stubConn{sink: sink}
	d.conns = append(d.conns, conn)
	return conn, nil
}

func (d *stubDialer) last() *stubConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[len(d.conns)-1]
}

type stubHistory []history.Entry

func (h stubHistory) Load(context.Context, string, string, string) []history.Entry {
	return h
}

func setupRouter(t *testing.T) (*chi.Mux, *Handler, *stubDialer) {
	t.Helper()
	dialer := &stubDialer{}
	svc, err := chatService.NewService(stubHistory{{SenderID: "doc-7", Content: "earlier"}}, dialer, chatService.Options{
		BaseURL: "http://clinic.test",
	})
	require.NoError(t, err)
	t.Cleanup(svc.CloseAll)

	store := auth.NewMemoryStore(&auth.Identity{
		User:  chat.Participant{ID: "pat-1", DisplayName: "Pat", Role: chat.RolePatient},
		Token: "tok",
	})
	h := New(svc, store)
	h.heartbeat = 20 * time.Millisecond

	r := chi.NewRouter()
	h.RegisterRoutes(r)
	return r, h, dialer
}

func do(r http.Handler, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	r.ServeHTTP(resp, req)
	return resp
}

const openBody = `{"partner":{"id":"doc-7","displayName":"Dr. Grey","role":"doctor"},"appointment":{"id":"appt-3","scheduledAt":"2026-03-02T10:00:00Z"}}`

func decodeSnapshot(t *testing.T, body []byte) chat.Snapshot {
	t.Helper()
	var snap chat.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	return snap
}

func TestOpenSessionUsesSignedInIdentity(t *testing.T) {
	r, _, dialer := setupRouter(t)

	resp := do(r, http.MethodPost, "/chat/session", openBody)
	require.Equal(t, http.StatusCreated, resp.Code, resp.Body.String())

	snap := decodeSnapshot(t, resp.Body.Bytes())
	assert.Equal(t, chat.StatusConnecting, snap.Status)
	assert.False(t, snap.CanSend)
	require.Len(t, snap.Messages, 1)
	assert.Equal(t, "earlier", snap.Messages[0].Content)
	assert.Len(t, dialer.conns, 1)
}

func TestOpenSessionMissingAppointment(t *testing.T) {
	r, _, dialer := setupRouter(t)

	resp := do(r, http.MethodPost, "/chat/session", `{"partner":{"id":"doc-7"}}`)
	require.Equal(t, http.StatusUnprocessableEntity, resp.Code)
	assert.Contains(t, resp.Body.String(), "missing appointment")
	assert.Empty(t, dialer.conns)

	resp = do(r, http.MethodPost, "/chat/reconnect", "")
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func TestOpenSessionBadBody(t *testing.T) {
	r, _, _ := setupRouter(t)
	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/chat/session", `{`).Code)
}

func TestNoActiveSession(t *testing.T) {
	r, _, _ := setupRouter(t)

	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/chat/session", "").Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodPost, "/chat/messages", `{"content":"hi"}`).Code)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodDelete, "/chat/session", "").Code)
}

func TestSendMessage(t *testing.T) {
	r, _, dialer := setupRouter(t)
	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/chat/session", openBody).Code)

	resp := do(r, http.MethodPost, "/chat/messages", `{"content":"hello"}`)
	assert.Equal(t, http.StatusConflict, resp.Code)

	dialer.last().markOpen()

	assert.Equal(t, http.StatusBadRequest, do(r, http.MethodPost, "/chat/messages", `{"content":"  "}`).Code)
	assert.Equal(t, http.StatusAccepted, do(r, http.MethodPost, "/chat/messages", `{"content":"hello"}`).Code)
	assert.Equal(t, []string{"doc-7: hello"}, dialer.last().sent)

	snap := decodeSnapshot(t, do(r, http.MethodGet, "/chat/session", "").Body.Bytes())
	assert.True(t, snap.CanSend)
	last := snap.Messages[len(snap.Messages)-1]
	assert.Equal(t, chat.OriginOutgoing, last.Origin)
	assert.Equal(t, "hello", last.Content)
}

func TestReconnect(t *testing.T) {
	r, _, dialer := setupRouter(t)
	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/chat/session", openBody).Code)
	first := dialer.last()
	first.markOpen()

	assert.Equal(t, http.StatusConflict, do(r, http.MethodPost, "/chat/reconnect", "").Code)

	first.sink.OnClose()
	resp := do(r, http.MethodPost, "/chat/reconnect", "")
	require.Equal(t, http.StatusAccepted, resp.Code)
	assert.Equal(t, chat.StatusConnecting, decodeSnapshot(t, resp.Body.Bytes()).Status)
	assert.Len(t, dialer.conns, 2)
	assert.Equal(t, 1, first.closed)
}

func TestOpenReplacesActiveSession(t *testing.T) {
	r, _, dialer := setupRouter(t)
	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/chat/session", openBody).Code)
	first := dialer.last()

	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/chat/session", openBody).Code)
	assert.Equal(t, 1, first.closed)

	require.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/chat/session", "").Code)
	assert.Equal(t, 1, dialer.last().closed)
	assert.Equal(t, http.StatusNotFound, do(r, http.MethodGet, "/chat/session", "").Code)
}

func TestStreamSendsSnapshots(t *testing.T) {
	r, _, dialer := setupRouter(t)
	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/chat/session", openBody).Code)

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/chat/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	events := make(chan string, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		var event string
		for scanner.Scan() {
			line := scanner.Text()
			switch {
			case strings.HasPrefix(line, "event: "):
				event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: ") && event == "snapshot":
				events <- strings.TrimPrefix(line, "data: ")
			}
		}
	}()

	next := func() chat.Snapshot {
		t.Helper()
		select {
		case data, ok := <-events:
			require.True(t, ok, "stream ended")
			return decodeSnapshot(t, []byte(data))
		case <-ctx.Done():
			t.Fatal("timed out waiting for snapshot")
			return chat.Snapshot{}
		}
	}

	assert.Equal(t, chat.StatusConnecting, next().Status)

	dialer.last().markOpen()
	for {
		if snap := next(); snap.Status == chat.StatusConnected {
			assert.True(t, snap.CanSend)
			break
		}
	}
}

func TestStreamEndsWhenSessionDeleted(t *testing.T) {
	r, h, _ := setupRouter(t)
	h.heartbeat = time.Hour
	require.Equal(t, http.StatusCreated, do(r, http.MethodPost, "/chat/session", openBody).Code)

	srv := httptest.NewServer(r)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/chat/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan string, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			if line := scanner.Text(); strings.HasPrefix(line, "event: ") {
				events <- strings.TrimPrefix(line, "event: ")
			}
		}
	}()

	require.Equal(t, "snapshot", <-events)
	require.Equal(t, http.StatusNoContent, do(r, http.MethodDelete, "/chat/session", "").Code)

	var seen []string
	for event := range events {
		seen = append(seen, event)
	}
	require.NoError(t, ctx.Err(), "stream stayed open after delete")
	require.NotEmpty(t, seen)
	assert.Equal(t, "closed", seen[len(seen)-1])
	assert.NotContains(t, seen, "heartbeat")
}
