package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ws "github.com/coder/websocket"
	"github.com/hotelkey/keyservice/internal/model"
)

// mockClient creates a Client with a send channel but no real connection.
func mockClient(hub *Hub, keyID string) *Client {
	return &Client{
		hub:   hub,
		conn:  nil,
		send:  make(chan []byte, sendBufferSize),
		keyID: keyID,
	}
}

func testEvent(keyID string, typ model.EventType) model.KeyEvent {
	return model.KeyEvent{
		ID:         "ev-" + keyID,
		KeyID:      keyID,
		Type:       typ,
		Outcome:    model.OutcomeSuccess,
		DeviceInfo: "staff:front-desk",
		CreatedAt:  time.Date(2025, 1, 10, 14, 0, 0, 0, time.UTC),
	}
}

func TestRegisterUnregister(t *testing.T) {
	hub := NewHub(slog.Default())

	c1 := mockClient(hub, "")
	c2 := mockClient(hub, "")

	hub.Register(c1)
	hub.Register(c2)

	if got := hub.ClientCount(); got != 2 {
		t.Fatalf("expected 2 clients, got %d", got)
	}

	hub.Unregister(c1)

	if got := hub.ClientCount(); got != 1 {
		t.Fatalf("expected 1 client after unregister, got %d", got)
	}

	hub.Unregister(c2)
	// Should not panic
	hub.Unregister(c2)

	if got := hub.ClientCount(); got != 0 {
		t.Fatalf("expected 0 clients, got %d", got)
	}
}

func TestPublishEvents(t *testing.T) {
	hub := NewHub(slog.Default())

	all := mockClient(hub, "")
	mine := mockClient(hub, "key-1")
	other := mockClient(hub, "key-2")
	for _, c := range []*Client{all, mine, other} {
		hub.Register(c)
	}

	hub.PublishEvents(testEvent("key-1", model.EventActivated))

	for _, c := range []*Client{all, mine} {
		select {
		case data := <-c.send:
			var got Message
			if err := json.Unmarshal(data, &got); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			if got.Type != "key_event" || got.Event != "activated" {
				t.Errorf("got %+v, want key_event/activated", got)
			}
			if got.KeyID != "key-1" || got.Actor != "staff:front-desk" {
				t.Errorf("got key %q actor %q", got.KeyID, got.Actor)
			}
		case <-time.After(100 * time.Millisecond):
			t.Fatal("timeout waiting for message")
		}
	}
	select {
	case <-other.send:
		t.Error("client filtered to key-2 received key-1 event")
	default:
	}
}

func TestBroadcastEmptyHub(t *testing.T) {
	hub := NewHub(slog.Default())
	// Should not panic
	hub.PublishEvents(testEvent("key-1", model.EventCreated))
}

func TestBroadcastFullBuffer(t *testing.T) {
	hub := NewHub(slog.Default())

	c := mockClient(hub, "")
	hub.Register(c)

	for i := 0; i < sendBufferSize; i++ {
		hub.PublishEvents(testEvent("key-1", model.EventAccessGranted))
	}

	// This should drop the message, not panic or block
	hub.PublishEvents(testEvent("key-1", model.EventAccessDenied))

	count := 0
	for {
		select {
		case <-c.send:
			count++
		default:
			goto done
		}
	}
done:
	if count != sendBufferSize {
		t.Errorf("expected %d messages, got %d", sendBufferSize, count)
	}

	hub.Unregister(c)
}

func TestConcurrentAccess(t *testing.T) {
	hub := NewHub(slog.Default())
	var wg sync.WaitGroup

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c := mockClient(hub, "")
			hub.Register(c)
			hub.PublishEvents(testEvent("key-1", model.EventCreated))
			for {
				select {
				case <-c.send:
				default:
					hub.Unregister(c)
					return
				}
			}
		}()
	}

	wg.Wait()

	if got := hub.ClientCount(); got != 0 {
		t.Errorf("expected 0 clients after concurrent test, got %d", got)
	}
}

func TestHandleWebSocket(t *testing.T) {
	hub := NewHub(slog.Default())
	srv := httptest.NewServer(HandleWebSocket(hub, nil, slog.Default()))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := ws.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"?key_id=key-1", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()

	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	hub.PublishEvents(testEvent("key-2", model.EventCreated), testEvent("key-1", model.EventDeactivated))

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Message
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.KeyID != "key-1" || got.Event != "deactivated" {
		t.Errorf("got %+v, want key-1 deactivated", got)
	}
}
