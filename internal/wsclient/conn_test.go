package wsclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/resched/pkg/protocol"
)

func TestWebSocketURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "http://localhost:8080", want: "ws://localhost:8080/ws"},
		{in: "https://sched.example.com/", want: "wss://sched.example.com/ws"},
		{in: "ws://localhost:8080/base", want: "ws://localhost:8080/base/ws"},
		{in: "ftp://localhost", wantErr: true},
	}
	for _, tt := range tests {
		got, err := WebSocketURL(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("WebSocketURL(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("WebSocketURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// echoServer returns every text message it receives.
func echoServer(t *testing.T) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, msg); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConn_SendAndReceive(t *testing.T) {
	srv := echoServer(t)
	wsURL, err := WebSocketURL(srv.URL)
	if err != nil {
		t.Fatalf("WebSocketURL() error = %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if err := conn.SendMessage(protocol.TypeFetch, protocol.Fetch{RequestID: "r1", RouteID: 1, URL: "https://a.test/", Priority: "low"}); err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	got := make(chan protocol.Envelope, 1)
	readCtx, stop := context.WithCancel(ctx)
	defer stop()
	go conn.ReadLoop(readCtx, func(env protocol.Envelope) {
		select {
		case got <- env:
		default:
		}
	})

	select {
	case env := <-got:
		if env.Type != protocol.TypeFetch {
			t.Fatalf("Type = %s, want %s", env.Type, protocol.TypeFetch)
		}
		var f protocol.Fetch
		if err := env.DecodePayload(&f); err != nil {
			t.Fatalf("DecodePayload() error = %v", err)
		}
		if f.RequestID != "r1" {
			t.Errorf("RequestID = %s, want r1", f.RequestID)
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for echo")
	}
}

func TestConn_SendAfterClose(t *testing.T) {
	srv := echoServer(t)
	wsURL, _ := WebSocketURL(srv.URL)

	conn, err := Dial(context.Background(), wsURL, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	if err := conn.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := conn.SendMessage(protocol.TypeCancel, protocol.Cancel{RequestID: "r1"}); err != ErrClosed {
		t.Errorf("SendMessage() after Close error = %v, want ErrClosed", err)
	}
}

func TestDial_UpgradeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no renderers here", http.StatusForbidden)
	}))
	defer srv.Close()

	wsURL, _ := WebSocketURL(srv.URL)
	_, err := Dial(context.Background(), wsURL, nil)
	if err == nil {
		t.Fatal("expected upgrade failure")
	}
	if !strings.Contains(err.Error(), "403") || !strings.Contains(err.Error(), "no renderers here") {
		t.Errorf("error = %v, want status and body", err)
	}
}
