package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestClient_NoKey(t *testing.T) {
	c := New("http://127.0.0.1:1", "", "model", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := c.Complete(ctx, []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatalf("expected error with missing key")
	}
}

func TestClient_RetriesTransientFailure(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"  pong  "}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "model", nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := c.Complete(ctx, []Message{{Role: "user", Content: "ping"}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if out != "pong" {
		t.Fatalf("got %q", out)
	}
	if n := atomic.LoadInt32(&calls); n != 2 {
		t.Fatalf("expected 2 calls, got %d", n)
	}
}

func TestClient_ClientErrorNotRetried(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "model", nil)
	if _, err := c.Complete(context.Background(), []Message{{Role: "user", Content: "hi"}}); err == nil {
		t.Fatalf("expected error")
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("4xx must not be retried, got %d calls", n)
	}
}

func TestClient_BadResponses(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"bad_json", "not-json"},
		{"empty_choices", `{"choices":[]}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()
			c := New(srv.URL, "key", "model", nil)
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if _, err := c.Complete(ctx, []Message{{Role: "user", Content: "hi"}}); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestClient_CompleteJSONStripsFences(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"` +
			"```json\\n{\\\"answer\\\":42}\\n```" + `"}}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "key", "model", nil)
	var out struct {
		Answer int `json:"answer"`
	}
	if err := c.CompleteJSON(context.Background(), []Message{{Role: "user", Content: "hi"}}, &out); err != nil {
		t.Fatalf("complete json: %v", err)
	}
	if out.Answer != 42 {
		t.Fatalf("got %d", out.Answer)
	}
}
