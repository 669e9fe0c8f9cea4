package client

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok"}`))
	})
	mux.HandleFunc("/domain", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"domain_id":7,"writer_count":2,"reader_count":1,"lease_count":3,"gc_pending":0}`))
	})
	mux.HandleFunc("/writers/missing", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":"writer not found"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestHealthzOK(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, time.Second)
	if err := c.Healthz(context.Background()); err != nil {
		t.Fatalf("Healthz: %v", err)
	}
}

func TestHealthzRejectsUnexpectedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("draining"))
	}))
	t.Cleanup(srv.Close)
	c := New(srv.URL, time.Second)
	if err := c.Healthz(context.Background()); err == nil {
		t.Fatal("expected an error for a non-ok healthz body")
	}
}

func TestDomainInfoDecodes(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, time.Second)
	info, err := c.DomainInfo(context.Background())
	if err != nil {
		t.Fatalf("DomainInfo: %v", err)
	}
	if info.DomainID != 7 || info.WriterCount != 2 || info.LeaseCount != 3 {
		t.Fatalf("unexpected decode: %+v", info)
	}
}

func TestGetWriterNotFound(t *testing.T) {
	srv := newTestServer(t)
	c := New(srv.URL, time.Second)
	if _, err := c.GetWriter(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
