package session

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/collabcore/server/internal/protocol"
)

func testServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := NewServer(Config{
		JoinDeadline:      2 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		HeartbeatTimeout:  90 * time.Second,
	}, nil, nil, nil)
	ts := httptest.NewServer(http.HandlerFunc(srv.HandleUpgrade))
	t.Cleanup(ts.Close)
	return ts
}

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("failed to dial test server: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendEnvelope(t *testing.T, conn *websocket.Conn, msgType protocol.MessageType, payload interface{}) {
	t.Helper()
	data, err := protocol.Encode(msgType, payload)
	if err != nil {
		t.Fatalf("failed to encode %s: %v", msgType, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("failed to write %s: %v", msgType, err)
	}
}

func readEnvelope(t *testing.T, conn *websocket.Conn) protocol.Envelope {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("failed to decode envelope: %v", err)
	}
	return env
}

func TestPingReceivesPong(t *testing.T) {
	ts := testServer(t)
	conn := dial(t, ts)

	sendEnvelope(t, conn, protocol.TypePing, struct{}{})
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypePong {
		t.Fatalf("expected pong, got %s", env.Type)
	}
}

func TestMessageBeforeJoinIsRejected(t *testing.T) {
	ts := testServer(t)
	conn := dial(t, ts)

	sendEnvelope(t, conn, protocol.TypeSyncStep1, protocol.SyncStep1Payload{})
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error, got %s", env.Type)
	}
	var errPayload protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &errPayload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if errPayload.Code != protocol.ErrNotInRoom {
		t.Fatalf("expected NotInRoom, got %s", errPayload.Code)
	}
}

func TestMalformedMessageYieldsServerError(t *testing.T) {
	ts := testServer(t)
	conn := dial(t, ts)

	if err := conn.WriteMessage(websocket.TextMessage, []byte("not json")); err != nil {
		t.Fatalf("failed to write malformed message: %v", err)
	}
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error, got %s", env.Type)
	}
	var errPayload protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &errPayload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if errPayload.Code != protocol.ErrServerError {
		t.Fatalf("expected ServerError, got %s", errPayload.Code)
	}
}

func TestUnknownMessageTypeYieldsServerError(t *testing.T) {
	ts := testServer(t)
	conn := dial(t, ts)

	sendEnvelope(t, conn, protocol.MessageType("bogus"), struct{}{})
	env := readEnvelope(t, conn)
	if env.Type != protocol.TypeError {
		t.Fatalf("expected error, got %s", env.Type)
	}
	var errPayload protocol.ErrorPayload
	if err := json.Unmarshal(env.Payload, &errPayload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if errPayload.Code != protocol.ErrServerError {
		t.Fatalf("expected ServerError, got %s", errPayload.Code)
	}
}
