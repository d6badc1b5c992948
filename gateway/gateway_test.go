package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"

	"github.com/mshop/authrelay"
	"github.com/mshop/authrelay/bus"
)

type stubVerifier struct {
	subjects map[string]*authrelay.Subject
}

func (s *stubVerifier) Verify(ctx context.Context, token string) (*authrelay.Subject, error) {
	if subject, ok := s.subjects[token]; ok {
		return subject, nil
	}
	return nil, authrelay.ErrInvalidToken
}

type gatewayFixture struct {
	gw      *Gateway
	bus     *bus.SubPub
	server  *httptest.Server
	metrics *authrelay.Metrics
}

func newGatewayTest(t *testing.T) (*gatewayFixture, func()) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis start: %v", err)
	}
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := bus.New(rdb, "test-channel#", nil)

	verifier := &stubVerifier{subjects: map[string]*authrelay.Subject{
		"token-alice": {UserID: "u1", SessionID: "sid-alice", DeviceID: "dev-a"},
		"token-bob":   {UserID: "u2", SessionID: "sid-bob", DeviceID: "dev-b"},
	}}

	metrics := authrelay.NewMetrics(authrelay.MetricsConfig{Enabled: true})
	gw := New(Config{Metrics: metrics}, verifier, b, nil)
	if err := gw.Start(context.Background()); err != nil {
		t.Fatalf("gateway start: %v", err)
	}
	server := httptest.NewServer(gw)

	fixture := &gatewayFixture{gw: gw, bus: b, server: server, metrics: metrics}
	return fixture, func() {
		server.Close()
		gw.Close()
		b.Close()
		rdb.Close()
		mr.Close()
	}
}

func (f *gatewayFixture) dial(t *testing.T, query string, header http.Header) *websocket.Conn {
	t.Helper()

	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + query
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) Message {
	t.Helper()

	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := ws.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("decode frame %q: %v", data, err)
	}
	return msg
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestConnectWithQueryToken(t *testing.T) {
	f, done := newGatewayTest(t)
	defer done()

	ws := f.dial(t, "?token=token-alice", nil)
	defer ws.Close()

	if msg := readFrame(t, ws); msg.Type != MsgConnected {
		t.Fatalf("expected connected frame, got %q", msg.Type)
	}
	if !f.gw.SessionConnected("sid-alice") {
		t.Fatal("session should be registered")
	}
	if f.gw.ConnCount() != 1 {
		t.Fatalf("expected 1 connection, got %d", f.gw.ConnCount())
	}
}

func TestConnectWithAuthorizationHeader(t *testing.T) {
	f, done := newGatewayTest(t)
	defer done()

	header := http.Header{"Authorization": []string{"Bearer token-alice"}}
	ws := f.dial(t, "", header)
	defer ws.Close()

	if msg := readFrame(t, ws); msg.Type != MsgConnected {
		t.Fatalf("expected connected frame, got %q", msg.Type)
	}
}

func TestInvalidTokenGetsAuthFailedFrame(t *testing.T) {
	f, done := newGatewayTest(t)
	defer done()

	// The upgrade succeeds so the rejection reaches the client as a
	// frame instead of a lost HTTP error body.
	ws := f.dial(t, "?token=forged", nil)
	defer ws.Close()

	msg := readFrame(t, ws)
	if msg.Type != MsgAuthFailed {
		t.Fatalf("expected auth_failed frame, got %q", msg.Type)
	}
	if msg.Message == "" {
		t.Fatal("auth_failed frame must carry a message")
	}

	_ = ws.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Fatal("expected connection to be closed after auth_failed")
	}
	if f.gw.ConnCount() != 0 {
		t.Fatalf("rejected client must not be registered, got %d", f.gw.ConnCount())
	}
	if got := f.metrics.Get(authrelay.MetricGatewayAuthFailed); got != 1 {
		t.Fatalf("expected 1 auth failure counted, got %d", got)
	}
}

func TestRevokeEventKicksSession(t *testing.T) {
	f, done := newGatewayTest(t)
	defer done()

	alice := f.dial(t, "?token=token-alice", nil)
	defer alice.Close()
	bob := f.dial(t, "?token=token-bob", nil)
	defer bob.Close()

	readFrame(t, alice)
	readFrame(t, bob)

	err := f.bus.Publish(context.Background(), authrelay.TopicTokenExpired, authrelay.RevokeEvent{
		Kind:      authrelay.RevokeTokenExpired,
		UserID:    "u1",
		SessionID: "sid-alice",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}

	if msg := readFrame(t, alice); msg.Type != MsgSessionRevoked {
		t.Fatalf("expected session_revoked frame, got %q", msg.Type)
	}
	_ = alice.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := alice.ReadMessage(); err == nil {
		t.Fatal("expected kicked connection to be closed")
	}

	eventually(t, func() bool { return !f.gw.SessionConnected("sid-alice") },
		"kicked session should be unregistered")
	if !f.gw.SessionConnected("sid-bob") {
		t.Fatal("other sessions must stay connected")
	}
	if got := f.metrics.Get(authrelay.MetricGatewayKicked); got != 1 {
		t.Fatalf("expected 1 kicked connection counted, got %d", got)
	}
}

func TestDuplicateRevokeDeliveryIsHarmless(t *testing.T) {
	f, done := newGatewayTest(t)
	defer done()

	ws := f.dial(t, "?token=token-alice", nil)
	defer ws.Close()
	readFrame(t, ws)

	ev := authrelay.RevokeEvent{Kind: authrelay.RevokeTokenExpired, UserID: "u1", SessionID: "sid-alice"}
	ctx := context.Background()
	if err := f.bus.Publish(ctx, authrelay.TopicTokenExpired, ev); err != nil {
		t.Fatalf("first publish: %v", err)
	}
	if err := f.bus.Publish(ctx, authrelay.TopicTokenExpired, ev); err != nil {
		t.Fatalf("second publish: %v", err)
	}

	eventually(t, func() bool { return f.gw.ConnCount() == 0 },
		"connection should be gone after revoke")

	// Kicking a session nobody holds is a no-op.
	if n := f.gw.Kick("sid-unknown"); n != 0 {
		t.Fatalf("expected 0 kicked, got %d", n)
	}
}

func TestBroadcastReachesEveryConnection(t *testing.T) {
	f, done := newGatewayTest(t)
	defer done()

	alice := f.dial(t, "?token=token-alice", nil)
	defer alice.Close()
	bob := f.dial(t, "?token=token-bob", nil)
	defer bob.Close()

	readFrame(t, alice)
	readFrame(t, bob)

	if err := f.gw.Broadcast(context.Background(), map[string]string{"notice": "maintenance"}); err != nil {
		t.Fatalf("broadcast: %v", err)
	}

	for _, ws := range []*websocket.Conn{alice, bob} {
		msg := readFrame(t, ws)
		if msg.Type != MsgBroadcast {
			t.Fatalf("expected broadcast frame, got %q", msg.Type)
		}
		var payload map[string]string
		if err := json.Unmarshal(msg.Payload, &payload); err != nil {
			t.Fatalf("decode payload: %v", err)
		}
		if payload["notice"] != "maintenance" {
			t.Fatalf("unexpected payload: %v", payload)
		}
	}
}
