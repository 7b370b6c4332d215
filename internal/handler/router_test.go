package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zhouzirui/medlink/backend/internal/identity"
	"github.com/zhouzirui/medlink/backend/internal/model/chat"
	"github.com/zhouzirui/medlink/backend/internal/realtime"
	"github.com/zhouzirui/medlink/backend/internal/service/assistant"
	"github.com/zhouzirui/medlink/backend/internal/service/escalation"
	"github.com/zhouzirui/medlink/backend/internal/store"
)

type envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func setupServer(t *testing.T) *httptest.Server {
	t.Helper()
	hub := realtime.NewHub(realtime.Options{})
	router := escalation.NewRouter(store.NewMemoryStore(), assistant.New(assistant.Config{}), hub)
	srv := httptest.NewServer(NewRouter(Deps{
		Router:     router,
		Hub:        hub,
		Identities: identity.NewHeaderResolver("secret"),
	}))
	t.Cleanup(func() {
		hub.CloseAll()
		srv.Close()
	})
	return srv
}

func dial(t *testing.T, srv *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, data any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(map[string]any{"type": event, "data": data}))
}

// expect reads until an event of the given type arrives.
func expect(t *testing.T, conn *websocket.Conn, event string) envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var env envelope
		require.NoError(t, conn.ReadJSON(&env), "waiting for %s", event)
		if env.Type == event {
			return env
		}
	}
}

func TestVisitorAndStaffOverWebsocket(t *testing.T) {
	srv := setupServer(t)
	sessionID := uuid.NewString()

	staff := dial(t, srv, "/api/staff/ws?staffId=s-1&staffName=Alice&token=secret")
	send(t, staff, escalation.EventJoinStaff, map[string]any{})
	expect(t, staff, escalation.EventEscalationSnapshot)

	visitor := dial(t, srv, "/api/chat/ws?userId=patient-1")
	send(t, visitor, escalation.EventRestoreSession, map[string]string{"sessionId": sessionID})
	expect(t, visitor, escalation.EventSessionRestored)
	greeting := expect(t, visitor, escalation.EventChatResponse)

	var resp escalation.ChatResponse
	require.NoError(t, json.Unmarshal(greeting.Data, &resp))
	assert.Equal(t, chat.SenderBot, resp.Sender)

	send(t, visitor, escalation.EventRequestHuman, map[string]any{})
	expect(t, visitor, escalation.EventChatEscalated)

	var esc escalation.NewEscalation
	require.NoError(t, json.Unmarshal(expect(t, staff, escalation.EventNewEscalation).Data, &esc))
	assert.Equal(t, sessionID, esc.SessionID)
	assert.Equal(t, "patient-1", esc.UserID)

	send(t, staff, escalation.EventStaffResponse, map[string]string{"targetSessionId": sessionID, "text": "Hello from Alice"})
	require.NoError(t, json.Unmarshal(expect(t, visitor, escalation.EventChatResponse).Data, &resp))
	assert.Equal(t, "Hello from Alice", resp.Text)
	assert.Equal(t, "Alice", resp.StaffName)

	// HTTP views agree with the websocket traffic
	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/staff/escalations", nil)
	req.Header.Set(identity.HeaderStaffID, "s-1")
	req.Header.Set(identity.HeaderToken, "secret")
	httpResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp.Body.Close()
	require.Equal(t, http.StatusOK, httpResp.StatusCode)

	var snapshot escalation.EscalationSnapshot
	require.NoError(t, json.NewDecoder(httpResp.Body).Decode(&snapshot))
	require.Len(t, snapshot.Escalations, 1)
	assert.Equal(t, chat.StateStaffConnected, snapshot.Escalations[0].State)
	assert.Equal(t, "s-1", snapshot.Escalations[0].AssignedStaffID)

	req, _ = http.NewRequest(http.MethodGet, srv.URL+"/api/staff/sessions/"+sessionID+"?staffId=s-1&token=secret", nil)
	httpResp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer httpResp2.Body.Close()
	require.Equal(t, http.StatusOK, httpResp2.StatusCode)

	var history escalation.SessionHistory
	require.NoError(t, json.NewDecoder(httpResp2.Body).Decode(&history))
	require.Len(t, history.Messages, 3)
	assert.Equal(t, chat.SenderSystem, history.Messages[1].Sender)
	assert.Equal(t, chat.SenderStaff, history.Messages[2].Sender)
}

func TestMalformedEventKeepsConnection(t *testing.T) {
	srv := setupServer(t)
	visitor := dial(t, srv, "/api/chat/ws")

	require.NoError(t, visitor.WriteMessage(websocket.TextMessage, []byte("{not json")))
	var payload realtime.ErrorPayload
	require.NoError(t, json.Unmarshal(expect(t, visitor, realtime.EventError).Data, &payload))
	assert.Equal(t, "bad_request", payload.Code)

	send(t, visitor, escalation.EventRestoreSession, map[string]string{"sessionId": uuid.NewString()})
	expect(t, visitor, escalation.EventSessionRestored)
}

func TestStaffEndpointsRequireIdentity(t *testing.T) {
	srv := setupServer(t)

	for _, path := range []string{
		"/api/staff/escalations",
		"/api/staff/escalations?staffId=s-1",
		"/api/staff/sessions/" + uuid.NewString() + "?staffId=s-1&token=nope",
	} {
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/staff/ws"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestSessionEndpointNotFound(t *testing.T) {
	srv := setupServer(t)
	resp, err := http.Get(srv.URL + "/api/staff/sessions/" + uuid.NewString() + "?staffId=s-1&token=secret")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHealthz(t *testing.T) {
	srv := setupServer(t)
	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
}
