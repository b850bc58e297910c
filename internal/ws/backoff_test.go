package ws

import (
	"net/url"
	"testing"
	"time"
)

func TestBackoff(t *testing.T) {
	base := 1000 * time.Millisecond
	max := 30000 * time.Millisecond

	tests := []struct {
		retry int
		want  time.Duration
	}{
		{retry: 0, want: time.Second},
		{retry: 1, want: 2 * time.Second},
		{retry: 2, want: 4 * time.Second},
		{retry: 3, want: 8 * time.Second},
		{retry: 4, want: 16 * time.Second},
		{retry: 5, want: 30 * time.Second},
		{retry: 6, want: 30 * time.Second},
		{retry: 200, want: 30 * time.Second},
		{retry: -1, want: time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(base, max, tt.retry); got != tt.want {
			t.Fatalf("Backoff(retry=%d) = %s, want %s", tt.retry, got, tt.want)
		}
	}

	if got := Backoff(time.Second, 0, 70); got <= 0 {
		t.Fatalf("uncapped backoff overflowed: %s", got)
	}
}

func TestIsRejection(t *testing.T) {
	for _, code := range []int{4000, 4001, 4004, 4400, 4500, 4999} {
		if !IsRejection(code) {
			t.Fatalf("expected %d to be a rejection", code)
		}
	}
	for _, code := range []int{1000, 1001, 1006, 1011, 3999, 5000} {
		if IsRejection(code) {
			t.Fatalf("expected %d not to be a rejection", code)
		}
	}
}

func TestParseInbound(t *testing.T) {
	in := parseInbound([]byte(` {"type":"waiting","position":2}`))
	if !in.Structured() || in.Type != "waiting" {
		t.Fatalf("expected structured waiting frame, got %+v", in)
	}
	var body struct {
		Position int `json:"position"`
	}
	if err := in.Decode(&body); err != nil || body.Position != 2 {
		t.Fatalf("decode failed: %v %+v", err, body)
	}

	for _, raw := range []string{"pong", `{"type":`, `[1,2]`, `{"type":5}`} {
		in := parseInbound([]byte(raw))
		if in.Structured() {
			t.Fatalf("expected %q to degrade to text", raw)
		}
		if in.Text != raw {
			t.Fatalf("expected raw text %q, got %q", raw, in.Text)
		}
	}
}

func TestEndpoint(t *testing.T) {
	got, err := Endpoint("http://localhost:8000/", "/ws/lobby/m1", url.Values{"role": {"host"}})
	if err != nil {
		t.Fatalf("Endpoint returned error: %v", err)
	}
	if got != "ws://localhost:8000/ws/lobby/m1?role=host" {
		t.Fatalf("unexpected endpoint: %s", got)
	}

	got, err = Endpoint("wss://meet.example.com/base", "ws/transcript/m1", nil)
	if err != nil {
		t.Fatalf("Endpoint returned error: %v", err)
	}
	if got != "wss://meet.example.com/base/ws/transcript/m1" {
		t.Fatalf("unexpected endpoint: %s", got)
	}

	if _, err := Endpoint("ftp://example.com", "x", nil); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}
