package wsserver

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestBroadcastJSONSendsNamedEvent(t *testing.T) {
	hub := startHub(t)
	conn := dialHub(t, hub)
	defer func() {
		if err := conn.Close(); err != nil {
			t.Logf("conn.Close() error: %v", err)
		}
	}()

	hub.BroadcastJSON("pane_cwd_changed", map[string]string{"paneId": "1", "cwd": "/tmp"})

	if err := conn.SetReadDeadline(time.Now().Add(2 * time.Second)); err != nil {
		t.Fatalf("SetReadDeadline: %v", err)
	}
	msgType, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if msgType != websocket.TextMessage {
		t.Fatalf("got message type %d, want TextMessage", msgType)
	}

	var got namedEvent
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Event != "pane_cwd_changed" {
		t.Errorf("got event %q", got.Event)
	}
}

func TestBroadcastJSONNoConnectionIsNoop(t *testing.T) {
	hub := startHub(t)
	hub.BroadcastJSON("pane_cwd_changed", map[string]string{"paneId": "1"})
}
