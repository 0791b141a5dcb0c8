package debughttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"ledgerd/pkg/logx"
)

func TestHandler(t *testing.T) {
	t.Parallel()
	status := func(context.Context) (any, error) { return map[string]int{"executed": 3}, nil }
	s := New(Config{}, status, logx.Nop())
	h := s.Handler(Config{Token: "s3cret", Prefix: "dbg"})

	tests := []struct {
		name   string
		target string
		auth   string
		code   int
	}{
		{"healthz open", "/healthz", "", http.StatusOK},
		{"status needs token", "/status", "", http.StatusUnauthorized},
		{"status bad token", "/status?token=nope", "", http.StatusUnauthorized},
		{"status query token", "/status?token=s3cret", "", http.StatusOK},
		{"status bearer", "/status", "Bearer s3cret", http.StatusOK},
		{"pprof prefix", "/dbg/", "Bearer s3cret", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.auth != "" {
				req.Header.Set("Authorization", tt.auth)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != tt.code {
				t.Fatalf("GET %s = %d, want %d", tt.target, rr.Code, tt.code)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/status?token=s3cret", nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	var doc map[string]int
	if err := json.Unmarshal(rr.Body.Bytes(), &doc); err != nil || doc["executed"] != 3 {
		t.Fatalf("status body = %q, %v", rr.Body.String(), err)
	}
}

func TestStatusError(t *testing.T) {
	t.Parallel()
	s := New(Config{}, func(context.Context) (any, error) { return nil, errors.New("store closed") }, logx.Nop())
	rr := httptest.NewRecorder()
	s.Handler(Config{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("code = %d", rr.Code)
	}
}

func TestStartServesAndStops(t *testing.T) {
	t.Parallel()
	s := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, nil, logx.Nop())
	s.Start(context.Background())

	var addr string
	deadline := time.Now().Add(5 * time.Second)
	for addr = s.Addr(); addr == ""; addr = s.Addr() {
		if time.Now().After(deadline) {
			t.Fatalf("server never bound")
		}
		time.Sleep(10 * time.Millisecond)
	}
	resp, err := http.Get("http://" + addr + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("healthz body = %q", body)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.Stop(ctx)
	if s.Addr() != "" {
		t.Fatalf("Addr still set after Stop")
	}
	if _, err := http.Get("http://" + addr + "/healthz"); err == nil {
		t.Fatalf("server still answering after Stop")
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	for addr, want := range map[string]bool{
		"127.0.0.1:6060": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":6060":          false,
		"0.0.0.0:6060":   false,
		"10.0.0.4:6060":  false,
		"garbage":        false,
	} {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
