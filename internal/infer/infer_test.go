package infer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGenerate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			w.WriteHeader(http.StatusOK)
			return
		}
		var req generateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("streaming requested")
		}
		if req.Model != "test-model" || req.Prompt != "hello" {
			t.Errorf("request = %+v", req)
		}
		json.NewEncoder(w).Encode(generateResponse{Response: "world"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/generate", "test-model")
	if !c.Healthy(context.Background()) {
		t.Fatal("backend should be healthy")
	}

	out, err := c.Generate(context.Background(), "hello")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if out != "world" {
		t.Fatalf("output = %q", out)
	}
}

func TestGenerateBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/api/generate", "missing")
	if _, err := c.Generate(context.Background(), "hello"); err == nil {
		t.Fatal("expected error from failing backend")
	}
}

func TestGenerateUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1/api/generate", "test-model")
	if c.Healthy(context.Background()) {
		t.Fatal("unreachable backend reported healthy")
	}
	if _, err := c.Generate(context.Background(), "hello"); err == nil {
		t.Fatal("expected connection error")
	}
}

func TestDefaults(t *testing.T) {
	c := NewClient("", "")
	if c.url != DefaultURL || c.Model() != DefaultModel {
		t.Fatalf("defaults = %q, %q", c.url, c.Model())
	}
}
