package network

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
)

func TestWebsocketProviderDeliversAndSends(t *testing.T) {
	received := make(chan []byte, 1)
	auths := make(chan string, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case auths <- r.Header.Get("Authorization"):
		default:
		}
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")

		frame, _ := NewFrame(EventMessageNew, "bob", "alice", map[string]string{"body": "hi"})
		data, _ := EncodeFrame(frame)
		if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
			return
		}
		_, msg, err := conn.Read(r.Context())
		if err != nil {
			return
		}
		select {
		case received <- msg:
		default:
		}
	}))
	defer srv.Close()

	provider, err := NewWebsocketProvider(WebsocketOptions{URL: srv.URL, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewWebsocketProvider failed: %v", err)
	}
	manager, err := NewManager(ManagerOptions{Provider: provider, Logger: zerolog.Nop()})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}

	inbound := make(chan Frame, 1)
	sub := manager.On(EventMessageNew, func(frame Frame) {
		select {
		case inbound <- frame:
		default:
		}
	})
	defer sub.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := manager.Connect(ctx, Identity{ID: "alice", Token: "tok"}); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer manager.Disconnect()

	select {
	case <-manager.Ready():
	case <-ctx.Done():
		t.Fatalf("transport never became ready")
	}

	select {
	case frame := <-inbound:
		if frame.From != "bob" || frame.To != "alice" {
			t.Fatalf("unexpected inbound frame %+v", frame)
		}
	case <-ctx.Done():
		t.Fatalf("no inbound frame delivered")
	}

	if err := manager.Emit(ctx, "bob", EventMessageRead, map[string]string{"message_id": "m-1"}); err != nil {
		t.Fatalf("Emit failed: %v", err)
	}
	select {
	case data := <-received:
		frame, err := DecodeFrame(data)
		if err != nil {
			t.Fatalf("DecodeFrame failed: %v", err)
		}
		if frame.Event != EventMessageRead || frame.From != "alice" {
			t.Fatalf("unexpected outbound frame %+v", frame)
		}
	case <-ctx.Done():
		t.Fatalf("server never received emitted frame")
	}
	if got := <-auths; got != "Bearer tok" {
		t.Fatalf("expected bearer token header, got %q", got)
	}
}

func TestNewWebsocketProviderRejectsBadScheme(t *testing.T) {
	if _, err := NewWebsocketProvider(WebsocketOptions{URL: "ftp://gateway"}); err == nil {
		t.Fatalf("expected unsupported scheme to fail")
	}
	if _, err := NewWebsocketProvider(WebsocketOptions{}); err == nil {
		t.Fatalf("expected empty url to fail")
	}
}

func TestReconnectorBacksOffWithCap(t *testing.T) {
	r := &reconnector{baseDelay: 100 * time.Millisecond, maxDelay: 300 * time.Millisecond}
	first := r.nextDelay()
	if first < 100*time.Millisecond || first > 150*time.Millisecond {
		t.Fatalf("unexpected first delay %v", first)
	}
	for i := 0; i < 5; i++ {
		r.nextDelay()
	}
	if d := r.nextDelay(); d != 300*time.Millisecond {
		t.Fatalf("expected delay capped at max, got %v", d)
	}
}
