package httpserver

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/habibshahid/aiva-advanced-sub007/internal/session"
)

// echoRunner sends every inbound frame back out as an audio.delta.
type echoRunner struct {
	mu sync.Mutex
	ev session.Events
	n  int
}

func (r *echoRunner) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func (r *echoRunner) WriteAudio(frame []byte) {
	r.mu.Lock()
	r.n++
	r.mu.Unlock()
	r.ev.AudioDelta(frame)
}

func (r *echoRunner) frames() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func newTestServer(secret string) (*Server, *echoRunner) {
	runner := &echoRunner{}
	factory := func(callID string, ev session.Events) SessionRunner {
		runner.ev = ev
		return runner
	}
	return New(factory, func() string { return secret }, nil), runner
}

func TestServer_Healthz(t *testing.T) {
	srv, _ := newTestServer("")
	r := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func signWebhook(secret, fullURL string, params url.Values) string {
	data := fullURL
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	for _, k := range keys {
		data += k + params.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(secret))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func TestWebhook_ValidSignatureAccepted(t *testing.T) {
	srv, _ := newTestServer("tok3n")
	form := url.Values{}
	form.Set("CallSid", "CA123")

	r := httptest.NewRequest(http.MethodPost, "/hooks/call-status", strings.NewReader(form.Encode()))
	r.Host = "agent.example.com"
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Webhook-Signature",
		signWebhook("tok3n", "https://agent.example.com/hooks/call-status", form))
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
}

func TestWebhook_BodyReadableAfterValidation(t *testing.T) {
	srv, _ := newTestServer("tok3n")
	var sawSid string
	srv.Echo.POST("/hooks/echo-body", func(c echo.Context) error {
		// the middleware already consumed the body once to validate the
		// signature; FormValue must still see it
		sawSid = c.FormValue("CallSid")
		return c.NoContent(http.StatusNoContent)
	})

	form := url.Values{}
	form.Set("CallSid", "CA456")
	r := httptest.NewRequest(http.MethodPost, "/hooks/echo-body", strings.NewReader(form.Encode()))
	r.Host = "agent.example.com"
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Webhook-Signature",
		signWebhook("tok3n", "https://agent.example.com/hooks/echo-body", form))
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)

	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", w.Code, w.Body.String())
	}
	if sawSid != "CA456" {
		t.Fatalf("handler saw CallSid %q, want CA456", sawSid)
	}
}

func TestWebhook_InvalidSignatureRejected(t *testing.T) {
	srv, _ := newTestServer("tok3n")
	r := httptest.NewRequest(http.MethodPost, "/hooks/call-status", strings.NewReader("CallSid=CA123"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	r.Header.Set("X-Webhook-Signature", "bogus")
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestWebhook_MissingSecretIsServerError(t *testing.T) {
	srv, _ := newTestServer("")
	r := httptest.NewRequest(http.MethodPost, "/hooks/call-status", strings.NewReader(""))
	w := httptest.NewRecorder()
	srv.Echo.ServeHTTP(w, r)
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestCall_MediaRoundTrip(t *testing.T) {
	srv, runner := newTestServer("")
	ts := httptest.NewServer(srv.Echo)
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/call/CA999"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	frame := make([]byte, 160)
	for i := range frame {
		frame[i] = 0x7F
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var ev struct {
		Type  string `json:"type"`
		Audio string `json:"audio"`
	}
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if ev.Type != "audio.delta" {
		t.Fatalf("expected audio.delta, got %q", ev.Type)
	}
	got, err := base64.StdEncoding.DecodeString(ev.Audio)
	if err != nil || len(got) != 160 {
		t.Fatalf("bad audio payload: err=%v len=%d", err, len(got))
	}
	if runner.frames() != 1 {
		t.Fatalf("expected 1 inbound frame, got %d", runner.frames())
	}
}
