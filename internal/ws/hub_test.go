package ws

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/toshokan-dev/toshokan/internal/progress"
)

func waitFor(t *testing.T, timeout time.Duration, ok func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if ok() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for condition after %s", timeout)
}

func wsURL(t *testing.T, baseURL string, params map[string]string) string {
	t.Helper()
	u, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse server URL: %v", err)
	}
	u.Scheme = "ws"
	if u.Path == "" {
		u.Path = "/"
	}
	q := u.Query()
	for k, v := range params {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func dialWS(t *testing.T, baseURL string, params map[string]string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL(t, baseURL, params), nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		_ = conn.Close()
		t.Fatalf("expected switching protocols, got %d", resp.StatusCode)
	}
	_ = resp.Body.Close()
	return conn
}

// readFrame reads one server message, failing the test if nothing arrives
// within two seconds.
func readFrame(t *testing.T, conn *websocket.Conn) serverMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg serverMessage
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket frame: %v", err)
	}
	return msg
}

// expectEstablished consumes the greeting every new connection receives.
func expectEstablished(t *testing.T, conn *websocket.Conn) string {
	t.Helper()
	msg := readFrame(t, conn)
	if msg.Type != MsgConnected {
		t.Fatalf("expected %s frame first, got %s", MsgConnected, msg.Type)
	}
	if msg.ConnectionID == "" {
		t.Fatal("expected connection id in greeting")
	}
	return msg.ConnectionID
}

func TestNewHub_InitialState(t *testing.T) {
	hub := NewHub(zap.NewNop())
	if got := hub.Count(); got != 0 {
		t.Fatalf("expected no clients initially, got %d", got)
	}
}

func TestHandleWS_ConnectAndDisconnect(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts.URL, nil)
	defer conn.Close()

	id := expectEstablished(t, conn)
	if id == "" {
		t.Fatal("expected non-empty connection id")
	}

	waitFor(t, time.Second, func() bool { return hub.Count() == 1 })

	if err := conn.Close(); err != nil {
		t.Fatalf("close websocket: %v", err)
	}
	waitFor(t, time.Second, func() bool { return hub.Count() == 0 })
}

func TestBroadcast_DeliversToAllClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	c1 := dialWS(t, ts.URL, nil)
	defer c1.Close()
	c2 := dialWS(t, ts.URL, nil)
	defer c2.Close()
	expectEstablished(t, c1)
	expectEstablished(t, c2)

	waitFor(t, time.Second, func() bool { return hub.Count() == 2 })

	hub.Broadcast(&progress.Event{
		OperationID:   "op-1",
		OperationType: "SEARCH",
		Type:          progress.EventProgress,
		Message:       "halfway",
		Timestamp:     time.Now().UTC(),
	})

	for _, conn := range []*websocket.Conn{c1, c2} {
		msg := readFrame(t, conn)
		if msg.Type != MsgProgressEvent {
			t.Fatalf("expected %s, got %s", MsgProgressEvent, msg.Type)
		}
		if msg.Event == nil || msg.Event.OperationID != "op-1" {
			t.Fatalf("expected event for op-1, got %+v", msg.Event)
		}
	}
}

func TestBroadcast_UserScopedConnection(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts.URL, map[string]string{"user_id": "alice"})
	defer conn.Close()
	expectEstablished(t, conn)
	waitFor(t, time.Second, func() bool { return hub.Count() == 1 })

	// Another user's event must be skipped; alice's own and untagged
	// events must arrive, in order.
	hub.Broadcast(&progress.Event{OperationID: "op-bob", UserID: "bob", Timestamp: time.Now().UTC()})
	hub.Broadcast(&progress.Event{OperationID: "op-alice", UserID: "alice", Timestamp: time.Now().UTC()})
	hub.Broadcast(&progress.Event{OperationID: "op-system", Timestamp: time.Now().UTC()})

	msg := readFrame(t, conn)
	if msg.Event == nil || msg.Event.OperationID != "op-alice" {
		t.Fatalf("expected op-alice first, got %+v", msg.Event)
	}
	msg = readFrame(t, conn)
	if msg.Event == nil || msg.Event.OperationID != "op-system" {
		t.Fatalf("expected op-system second, got %+v", msg.Event)
	}
}

func TestBroadcast_SessionScopedConnection(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts.URL, map[string]string{"session_id": "sess-1"})
	defer conn.Close()
	expectEstablished(t, conn)
	waitFor(t, time.Second, func() bool { return hub.Count() == 1 })

	hub.Broadcast(&progress.Event{OperationID: "op-other", SessionID: "sess-2", Timestamp: time.Now().UTC()})
	hub.Broadcast(&progress.Event{OperationID: "op-mine", SessionID: "sess-1", Timestamp: time.Now().UTC()})

	msg := readFrame(t, conn)
	if msg.Event == nil || msg.Event.OperationID != "op-mine" {
		t.Fatalf("expected op-mine, got %+v", msg.Event)
	}
}

func TestSubscribeOperation_FiltersDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts.URL, nil)
	defer conn.Close()
	expectEstablished(t, conn)
	waitFor(t, time.Second, func() bool { return hub.Count() == 1 })

	if err := conn.WriteJSON(clientMessage{Type: MsgSubscribeOp, OperationID: "op-want"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	echo := readFrame(t, conn)
	if echo.Type != MsgSubscribed || echo.OperationID != "op-want" {
		t.Fatalf("expected subscribed echo for op-want, got %+v", echo)
	}

	hub.Broadcast(&progress.Event{OperationID: "op-noise", Timestamp: time.Now().UTC()})
	hub.Broadcast(&progress.Event{OperationID: "op-want", Timestamp: time.Now().UTC()})

	msg := readFrame(t, conn)
	if msg.Type != MsgProgressEvent || msg.Event.OperationID != "op-want" {
		t.Fatalf("expected op-want frame, got %+v", msg)
	}
}

func TestSubscribeOperationType_FiltersDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts.URL, nil)
	defer conn.Close()
	expectEstablished(t, conn)
	waitFor(t, time.Second, func() bool { return hub.Count() == 1 })

	if err := conn.WriteJSON(clientMessage{Type: MsgSubscribeType, OperationType: "CHAPTER_DOWNLOAD"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	echo := readFrame(t, conn)
	if echo.Type != MsgSubscribed || echo.OperationType != "CHAPTER_DOWNLOAD" {
		t.Fatalf("expected subscribed echo, got %+v", echo)
	}

	hub.Broadcast(&progress.Event{OperationID: "op-1", OperationType: "HEALTH_CHECK", Timestamp: time.Now().UTC()})
	hub.Broadcast(&progress.Event{OperationID: "op-2", OperationType: "CHAPTER_DOWNLOAD", Timestamp: time.Now().UTC()})

	msg := readFrame(t, conn)
	if msg.Event == nil || msg.Event.OperationID != "op-2" {
		t.Fatalf("expected CHAPTER_DOWNLOAD event, got %+v", msg.Event)
	}
}

func TestUnsubscribe_RestoresUnfilteredDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts.URL, nil)
	defer conn.Close()
	expectEstablished(t, conn)
	waitFor(t, time.Second, func() bool { return hub.Count() == 1 })

	if err := conn.WriteJSON(clientMessage{Type: MsgSubscribeOp, OperationID: "op-1"}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	readFrame(t, conn) // subscribed echo

	if err := conn.WriteJSON(clientMessage{Type: MsgUnsubscribeOp, OperationID: "op-1"}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	echo := readFrame(t, conn)
	if echo.Type != MsgUnsubscribed || echo.OperationID != "op-1" {
		t.Fatalf("expected unsubscribed echo, got %+v", echo)
	}

	// With the set empty again, any operation is delivered.
	hub.Broadcast(&progress.Event{OperationID: "op-2", Timestamp: time.Now().UTC()})
	msg := readFrame(t, conn)
	if msg.Event == nil || msg.Event.OperationID != "op-2" {
		t.Fatalf("expected op-2 after unsubscribe, got %+v", msg.Event)
	}
}

func TestPing_RepliesPong(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts.URL, nil)
	defer conn.Close()
	expectEstablished(t, conn)

	if err := conn.WriteJSON(clientMessage{Type: MsgPing}); err != nil {
		t.Fatalf("write ping: %v", err)
	}
	msg := readFrame(t, conn)
	if msg.Type != MsgPong {
		t.Fatalf("expected %s, got %s", MsgPong, msg.Type)
	}
}

func TestMalformedJSONDoesNotBreakSession(t *testing.T) {
	hub := NewHub(zap.NewNop())
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts.URL, nil)
	defer conn.Close()
	expectEstablished(t, conn)

	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"bad":`)); err != nil {
		t.Fatalf("write malformed payload: %v", err)
	}
	if err := conn.WriteJSON(clientMessage{Type: MsgPing}); err != nil {
		t.Fatalf("write ping after malformed payload: %v", err)
	}

	msg := readFrame(t, conn)
	if msg.Type != MsgPong {
		t.Fatalf("expected session to survive malformed frame, got %s", msg.Type)
	}
}

func TestStop_ClosesConnections(t *testing.T) {
	hub := NewHub(zap.NewNop())
	if err := hub.Start(t.Context()); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	ts := httptest.NewServer(http.HandlerFunc(hub.HandleWS))
	defer ts.Close()

	conn := dialWS(t, ts.URL, nil)
	defer conn.Close()
	expectEstablished(t, conn)
	waitFor(t, time.Second, func() bool { return hub.Count() == 1 })

	hub.Stop()
	waitFor(t, time.Second, func() bool { return hub.Count() == 0 })

	_ = conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected read to fail after hub stop")
	}
}
