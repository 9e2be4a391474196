package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// testService is a minimal presence-service double: answers logon frames
// with a fixed result code and echoes persona pushes back as persona_info.
func testService(t *testing.T, logOnCode ResultCode) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var frame outboundFrame
			if err := json.Unmarshal(msg, &frame); err != nil {
				continue
			}
			switch frame.Type {
			case frameLogOn:
				reply, _ := json.Marshal(inboundFrame{Type: frameLogOnResult, Code: logOnCode})
				conn.WriteMessage(websocket.TextMessage, reply)
			case framePersona:
				reply, _ := json.Marshal(inboundFrame{Type: framePersonaInfo, Persona: frame.Persona})
				conn.WriteMessage(websocket.TextMessage, reply)
			}
		}
	}))
}

func waitEvent(t *testing.T, c *Client, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %v event", kind)
		}
	}
}

func TestConnectEmitsConnectedEvent(t *testing.T) {
	srv := testService(t, ResultOK)
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Disconnect()

	waitEvent(t, c, EventConnected)
	if !c.IsConnected() {
		t.Fatal("IsConnected() = false after Connect")
	}
}

func TestConnectWhileConnectedFails(t *testing.T) {
	srv := testService(t, ResultOK)
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()

	if err := c.Connect(context.Background()); err == nil {
		t.Fatal("second Connect should fail")
	}
}

func TestLogOnResultDelivered(t *testing.T) {
	srv := testService(t, ResultExpired)
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	waitEvent(t, c, EventConnected)

	if err := c.LogOn("alice", "stale-token"); err != nil {
		t.Fatalf("LogOn: %v", err)
	}

	ev := waitEvent(t, c, EventLogOnResult)
	if ev.Code != ResultExpired {
		t.Fatalf("Code = %q, want expired", ev.Code)
	}
}

func TestPersonaEcho(t *testing.T) {
	srv := testService(t, ResultOK)
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer c.Disconnect()
	waitEvent(t, c, EventConnected)

	if err := c.PushPersona("Playing Alpha"); err != nil {
		t.Fatalf("PushPersona: %v", err)
	}

	ev := waitEvent(t, c, EventPersonaInfo)
	if ev.Persona != "Playing Alpha" {
		t.Fatalf("Persona = %q, want Playing Alpha", ev.Persona)
	}
}

func TestDisconnectIsUserInitiated(t *testing.T) {
	srv := testService(t, ResultOK)
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, c, EventConnected)

	c.Disconnect()
	ev := waitEvent(t, c, EventDisconnected)
	if !ev.UserInitiated {
		t.Fatal("UserInitiated = false for explicit Disconnect")
	}
	if c.IsConnected() {
		t.Fatal("IsConnected() = true after Disconnect")
	}
}

func TestServerCloseIsNotUserInitiated(t *testing.T) {
	srv := testService(t, ResultOK)

	c := NewClient(Config{ServerURL: srv.URL})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, c, EventConnected)

	srv.CloseClientConnections()
	srv.Close()

	ev := waitEvent(t, c, EventDisconnected)
	if ev.UserInitiated {
		t.Fatal("UserInitiated = true for server-side drop")
	}
}

func TestSendWhileDisconnectedFails(t *testing.T) {
	c := NewClient(Config{ServerURL: "http://127.0.0.1:0"})
	if err := c.LogOn("alice", "tok"); err == nil {
		t.Fatal("LogOn without connection should fail")
	}
	if err := c.PushPersona("X"); err == nil {
		t.Fatal("PushPersona without connection should fail")
	}
}

func TestReconnectAfterDisconnect(t *testing.T) {
	srv := testService(t, ResultOK)
	defer srv.Close()

	c := NewClient(Config{ServerURL: srv.URL})
	if err := c.Connect(context.Background()); err != nil {
		t.Fatal(err)
	}
	waitEvent(t, c, EventConnected)
	c.Disconnect()
	waitEvent(t, c, EventDisconnected)

	// Same client can dial again on the shared event channel
	if err := c.Connect(context.Background()); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	defer c.Disconnect()
	waitEvent(t, c, EventConnected)
}

func TestResultCodeClassification(t *testing.T) {
	rejections := []ResultCode{ResultInvalidCredential, ResultAccessDenied, ResultExpired}
	for _, code := range rejections {
		if !code.IsTokenRejection() {
			t.Errorf("IsTokenRejection(%q) = false, want true", code)
		}
	}
	for _, code := range []ResultCode{ResultOK, ResultRateLimited, ResultServiceError} {
		if code.IsTokenRejection() {
			t.Errorf("IsTokenRejection(%q) = true, want false", code)
		}
	}
}
