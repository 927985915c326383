package names

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestResolveAuthenticated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agents/me" {
			http.NotFound(w, r)
			return
		}
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"agent":{"name":"sky-watcher"}}`))
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, "tok-1")
	if !r.Resolve(context.Background()) {
		t.Fatal("resolution failed")
	}
	if r.Name() != "sky-watcher" {
		t.Fatalf("name = %q", r.Name())
	}
	if r.NodeID("fallback") != "@sky-watcher" {
		t.Fatalf("node id = %q", r.NodeID("fallback"))
	}
}

func TestResolveUsernameFallbackField(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"username":"plain-user"}`))
	}))
	defer srv.Close()

	r := NewResolver(srv.URL, "tok-1")
	if !r.Resolve(context.Background()) || r.Name() != "plain-user" {
		t.Fatalf("name = %q", r.Name())
	}
}

func TestAnonymousFallbacks(t *testing.T) {
	// No token.
	r := NewResolver("http://unused", "")
	if r.Resolve(context.Background()) {
		t.Fatal("tokenless resolve succeeded")
	}
	if r.Name() != Anonymous || r.NodeID("node-1") != "node-1" {
		t.Fatalf("name = %q, id = %q", r.Name(), r.NodeID("node-1"))
	}

	// Rejected token.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}))
	defer srv.Close()

	r = NewResolver(srv.URL, "bad-token")
	if r.Resolve(context.Background()) {
		t.Fatal("rejected token resolved")
	}
	if r.Name() != Anonymous {
		t.Fatalf("name = %q", r.Name())
	}

	// Unreachable service.
	r = NewResolver("http://127.0.0.1:1", "tok")
	if r.Resolve(context.Background()) {
		t.Fatal("unreachable service resolved")
	}
}
