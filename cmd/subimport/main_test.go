package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/John-Robertt/subimport/internal/config"
	"github.com/John-Robertt/subimport/internal/ingest"
	"github.com/John-Robertt/subimport/internal/model"
)

func TestDeriveHealthzURL_FromListenAddr(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"127.0.0.1:25500", "http://127.0.0.1:25500/healthz"},
		{"0.0.0.0:25500", "http://127.0.0.1:25500/healthz"},
		{":25500", "http://127.0.0.1:25500/healthz"},
		{"25500", "http://127.0.0.1:25500/healthz"},
		{"http://127.0.0.1:25500", "http://127.0.0.1:25500/healthz"},
		{"[::]:8080", "http://127.0.0.1:8080/healthz"},
		{"localhost:8080", "http://localhost:8080/healthz"},
	}
	for _, tt := range tests {
		got, err := deriveHealthzURL(tt.in)
		if err != nil {
			t.Fatalf("deriveHealthzURL(%q) unexpected err: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("deriveHealthzURL(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestRunHealthcheck_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/healthz" {
			http.NotFound(w, r)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	}))
	defer ts.Close()

	if err := runHealthcheck(ts.URL+"/healthz", 200*time.Millisecond); err != nil {
		t.Fatalf("runHealthcheck unexpected err: %v", err)
	}
}

func TestRunHealthcheck_StatusNotOK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	err := runHealthcheck(ts.URL, 200*time.Millisecond)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.Contains(err.Error(), "unexpected status") {
		t.Fatalf("err=%q, want contains %q", err.Error(), "unexpected status")
	}
}

func TestDeriveHealthzURL_Empty(t *testing.T) {
	if _, err := deriveHealthzURL("  "); err == nil {
		t.Fatalf("expected error")
	}
}

func TestNewLimiter(t *testing.T) {
	if l := newLimiter(0); l != nil {
		t.Fatalf("rate 0 should disable pacing")
	}
	l := newLimiter(2)
	if l == nil || l.Limit() != 2 || l.Burst() != 1 {
		t.Fatalf("limiter = %+v", l)
	}
}

type stubImporter struct {
	fail map[string]bool
}

func (s stubImporter) Import(ctx context.Context, src model.Source) (ingest.Report, error) {
	r := ingest.Report{Source: src.Name}
	if s.fail[src.Name] {
		r.Err = errors.New("boom")
	}
	return r, r.Err
}

func (s stubImporter) ImportAll(ctx context.Context, sources []model.Source) []ingest.Report {
	out := make([]ingest.Report, 0, len(sources))
	for _, src := range sources {
		r, _ := s.Import(ctx, src)
		out = append(out, r)
	}
	return out
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestImportOnce_FailsOnlyWhenAllFail(t *testing.T) {
	sources := []model.Source{{Name: "a"}, {Name: "b"}}
	log := quietLogger()

	if err := importOnce(context.Background(), stubImporter{fail: map[string]bool{"a": true}}, sources, log); err != nil {
		t.Fatalf("partial failure should succeed, got %v", err)
	}
	if err := importOnce(context.Background(), stubImporter{fail: map[string]bool{"a": true, "b": true}}, sources, log); err == nil {
		t.Fatalf("expected error when every source failed")
	}
	if err := importOnce(context.Background(), stubImporter{}, nil, log); err == nil {
		t.Fatalf("expected error with no sources")
	}
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	srv := &http.Server{Addr: addr, Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, srv, &ingest.Scheduler{}, time.Second, quietLogger())
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if err := runHealthcheck("http://"+addr+"/healthz", 200*time.Millisecond); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not come up")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("serve did not return after cancel")
	}
}

func TestSelectSources(t *testing.T) {
	cfg := &config.Config{Subscriptions: []model.Source{
		{Name: "a", URL: "https://a.example.com/"},
		{Name: "b", URL: "https://b.example.com/"},
	}}

	all, err := selectSources(cfg, "")
	if err != nil || len(all) != 2 {
		t.Fatalf("all = %+v, %v", all, err)
	}
	one, err := selectSources(cfg, " b ")
	if err != nil || len(one) != 1 || one[0].URL != "https://b.example.com/" {
		t.Fatalf("one = %+v, %v", one, err)
	}
	if _, err := selectSources(cfg, "missing"); err == nil {
		t.Fatalf("expected error for unknown subscription")
	}
}
