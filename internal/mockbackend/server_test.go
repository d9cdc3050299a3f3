package mockbackend

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
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/carelink/internal/model/chat"
	chatService "github.com/zhouzirui/carelink/internal/service/chat"
	"github.com/zhouzirui/carelink/internal/service/history"
	"github.com/zhouzirui/carelink/internal/service/transport"
)

var testTokens = map[string]string{
	"pat-token": "pat-1",
	"doc-token": "doc-7",
}

func newTestServer(t *testing.T) (*Server, *httptest.Server, HistoryStore) {
	t.Helper()
	store := NewMemoryStore()
	s := NewServer(testTokens, store, Options{})
	srv := httptest.NewServer(s.Router())
	t.Cleanup(srv.Close)
	return s, srv, store
}

func dialRaw(t *testing.T, srv *httptest.Server, recipient, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws/" + recipient + "?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var out map[string]string
	require.NoError(t, conn.ReadJSON(&out))
	return out
}

func TestHistoryRequiresToken(t *testing.T) {
	_, srv, _ := newTestServer(t)

	for _, auth := range []string{"", "Bearer nope", "pat-token"} {
		req, err := http.NewRequest(http.MethodGet, srv.URL+"/chat/history/doc-7", nil)
		require.NoError(t, err)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, auth)
	}
}

func TestHistoryUsesNestedShape(t *testing.T) {
	_, srv, store := newTestServer(t)
	ctx := context.Background()
	require.NoError(t, store.Append(ctx, "pat-1", "doc-7", "pat-1: hello"))
	require.NoError(t, store.Append(ctx, "doc-7", "pat-1", "doc-7: hi"))

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/chat/history/doc-7", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer pat-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.JSONEq(t, `{"History":{"history":["pat-1: hello","doc-7: hi"]}}`, string(body))

	entries, err := history.Normalize(body, "pat-1", "doc-7")
	require.NoError(t, err)
	assert.Equal(t, []history.Entry{{SenderID: "pat-1", Content: "hello"}, {SenderID: "doc-7", Content: "hi"}}, entries)
}

func TestWebSocketRejectsUnknownToken(t *testing.T) {
	_, srv, _ := newTestServer(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws/doc-7?token=bad"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestRelayDeliversToRecipient(t *testing.T) {
	s, srv, store := newTestServer(t)
	patient := dialRaw(t, srv, "doc-7", "pat-token")
	doctor := dialRaw(t, srv, "pat-1", "doc-token")
	require.Eventually(t, func() bool { return s.Hub().ConnectionCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, patient.WriteMessage(websocket.TextMessage, []byte("doc-7: my head hurts: a lot")))
	assert.Equal(t, map[string]string{"message": "my head hurts: a lot"}, readJSON(t, doctor))

	lines, err := store.List(context.Background(), "pat-1", "doc-7")
	require.NoError(t, err)
	assert.Equal(t, []string{"pat-1: my head hurts: a lot"}, lines)

	// the sender gets nothing back
	require.NoError(t, patient.SetReadDeadline(time.Now().Add(100*time.Millisecond)))
	_, _, err = patient.ReadMessage()
	require.Error(t, err)
}

func TestRelayRejectsMalformedFrame(t *testing.T) {
	_, srv, store := newTestServer(t)
	patient := dialRaw(t, srv, "doc-7", "pat-token")

	require.NoError(t, patient.WriteMessage(websocket.TextMessage, []byte("no recipient here")))
	got := readJSON(t, patient)
	assert.Contains(t, got["error"], "malformed frame")

	lines, err := store.List(context.Background(), "pat-1", "doc-7")
	require.NoError(t, err)
	assert.Empty(t, lines)
}

func TestHubUnregisterOnDisconnect(t *testing.T) {
	s, srv, _ := newTestServer(t)
	conn := dialRaw(t, srv, "doc-7", "pat-token")
	require.Eventually(t, func() bool { return s.Hub().ConnectionCount() == 1 }, 2*time.Second, 10*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool { return s.Hub().ConnectionCount() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func newChatService(t *testing.T, baseURL string) *chatService.Service {
	t.Helper()
	svc, err := chatService.NewService(
		history.NewLoader(baseURL, time.Second),
		transport.NewWSDialer(nil),
		chatService.Options{BaseURL: baseURL, ConnectTimeout: 2 * time.Second},
	)
	require.NoError(t, err)
	t.Cleanup(svc.CloseAll)
	return svc
}

func waitStatus(t *testing.T, s *chatService.Session, want chat.Status) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Status() == want }, 3*time.Second, 10*time.Millisecond,
		"status %s, want %s", s.Status(), want)
}

func TestChatSessionsEndToEnd(t *testing.T) {
	_, srv, store := newTestServer(t)
	require.NoError(t, store.Append(context.Background(), "doc-7", "pat-1", "doc-7: how can I help?"))

	appt := &chat.Appointment{ID: "appt-3", ScheduledAt: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	patientCtx := chat.SessionContext{
		Self:        chat.Participant{ID: "pat-1", Role: chat.RolePatient},
		Partner:     chat.Participant{ID: "doc-7", DisplayName: "Dr. Grey", Role: chat.RoleDoctor},
		Appointment: appt,
		Token:       "pat-token",
	}
	doctorCtx := chat.SessionContext{
		Self:        chat.Participant{ID: "doc-7", Role: chat.RoleDoctor},
		Partner:     chat.Participant{ID: "pat-1", DisplayName: "Pat", Role: chat.RolePatient},
		Appointment: appt,
		Token:       "doc-token",
	}

	patient := newChatService(t, srv.URL).NewSession(patientCtx)
	doctor := newChatService(t, srv.URL).NewSession(doctorCtx)
	require.NoError(t, patient.Open(context.Background()))
	require.NoError(t, doctor.Open(context.Background()))
	waitStatus(t, patient, chat.StatusConnected)
	waitStatus(t, doctor, chat.StatusConnected)

	first := patient.Messages()[0]
	assert.Equal(t, chat.OriginIncoming, first.Origin)
	assert.Equal(t, "how can I help?", first.Content)

	require.NoError(t, patient.Send("I have a headache"))

	require.Eventually(t, func() bool {
		msgs := doctor.Messages()
		last := msgs[len(msgs)-1]
		return last.Origin == chat.OriginIncoming && last.Content == "I have a headache"
	}, 3*time.Second, 10*time.Millisecond)

	// the relay does not echo, so the patient's log has exactly one copy
	count := 0
	for _, m := range patient.Messages() {
		if m.Content == "I have a headache" {
			count++
		}
	}
	assert.Equal(t, 1, count)

	// history seen by the doctor attributes the line to the patient
	entries := history.NewLoader(srv.URL, time.Second).Load(context.Background(), "doc-7", "pat-1", "doc-token")
	require.Len(t, entries, 2)
	assert.Equal(t, history.Entry{SenderID: "pat-1", Content: "I have a headache"}, entries[1])

	patient.Close()
	waitStatus(t, patient, chat.StatusDisconnected)
	require.NoError(t, patient.Reconnect())
	waitStatus(t, patient, chat.StatusConnected)
}

func TestChatSessionRejectedToken(t *testing.T) {
	_, srv, _ := newTestServer(t)

	session := newChatService(t, srv.URL).NewSession(chat.SessionContext{
		Self:        chat.Participant{ID: "pat-1"},
		Partner:     chat.Participant{ID: "doc-7"},
		Appointment: &chat.Appointment{ID: "appt-3"},
		Token:       "stolen",
	})
	require.NoError(t, session.Open(context.Background()))
	waitStatus(t, session, chat.StatusConnectionError)

	snap := session.Snapshot()
	assert.True(t, snap.CanReconnect)
	assert.False(t, snap.CanSend)
	raw, err := json.Marshal(snap)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "stolen")
}
