package asr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

// fakeRecognizer upgrades connections and replays scripted messages.
func fakeRecognizer(t *testing.T, script []string, dials *int32, closeAfterScript bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		atomic.AddInt32(dials, 1)
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, m := range script {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
				return
			}
		}
		if closeAfterScript {
			_ = conn.Close()
			return
		}
		// hold the connection open, draining client frames
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func waitEvent(t *testing.T, s *Stream, kind EventKind, max time.Duration) Event {
	t.Helper()
	deadline := time.After(max)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("event channel closed waiting for kind %d", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timeout waiting for event kind %d", kind)
		}
	}
}

func TestStream_InterimAndFinalEvents(t *testing.T) {
	var dials int32
	srv := fakeRecognizer(t, []string{
		`{"type":"Begin","id":"abc"}`,
		`{"type":"Turn","transcript":"check my","end_of_turn":false}`,
		`{"type":"Turn","transcript":"check my balance","end_of_turn":true}`,
	}, &dials, false)
	defer srv.Close()

	s := NewStream(Options{URL: wsURL(srv), APIKey: "key"}, nil)
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	in := waitEvent(t, s, EventInterim, time.Second)
	if in.Text != "check my" {
		t.Fatalf("interim text %q", in.Text)
	}
	fin := waitEvent(t, s, EventFinal, time.Second)
	if fin.Text != "check my balance" {
		t.Fatalf("final text %q", fin.Text)
	}
}

func TestStream_SendAudioWhileDisconnected(t *testing.T) {
	s := NewStream(Options{URL: "ws://127.0.0.1:1", APIKey: "key"}, nil)
	defer s.Close()
	if ok := s.SendAudio([]byte{1, 2, 3}); ok {
		t.Fatalf("expected SendAudio to report false while not connected")
	}
}

func TestStream_ConnectRequiresKey(t *testing.T) {
	s := NewStream(Options{URL: "ws://127.0.0.1:1"}, nil)
	defer s.Close()
	if err := s.Connect(context.Background()); err == nil {
		t.Fatalf("expected error with empty API key")
	}
}

func TestStream_ReconnectsAfterDrop(t *testing.T) {
	var dials int32
	srv := fakeRecognizer(t, []string{
		`{"type":"Turn","transcript":"hello","end_of_turn":true}`,
	}, &dials, true) // server drops after the script
	defer srv.Close()

	s := NewStream(Options{
		URL: wsURL(srv), APIKey: "key",
		MaxReconnects: 3, ReconnectStep: 10 * time.Millisecond,
	}, nil)
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	waitEvent(t, s, EventFinal, time.Second)
	waitEvent(t, s, EventDisconnected, time.Second)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if atomic.LoadInt32(&dials) >= 2 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected reconnect dial, got %d dials", atomic.LoadInt32(&dials))
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	s := NewStream(Options{URL: "ws://127.0.0.1:1", APIKey: "key"}, nil)
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	select {
	case <-s.Done():
	default:
		t.Fatalf("expected Done to be closed")
	}
}
