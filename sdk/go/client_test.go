package poisdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClientSendsVersionAndDecodesConflict(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/pois/p1/status" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if r.Header.Get("X-Actor-Id") != "dev" {
			t.Errorf("missing actor header")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"conflict","message":"stale","details":{"current_version":7}}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.ActorID = "dev"
	_, err := c.ChangeStatus(context.Background(), "p1", Mutation{ExpectedVersion: 3, Retry: 2}, "in_progress", "")
	if err == nil {
		t.Fatalf("expected error")
	}
	if got["expected_version"] != float64(3) || got["retry"] != float64(2) || got["to"] != "in_progress" {
		t.Fatalf("unexpected request body %v", got)
	}
	v, ok := CurrentVersion(err)
	if !ok || v != 7 {
		t.Fatalf("expected current version 7, got %d %v (%v)", v, ok, err)
	}
}

func TestClientDecodesPOI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer token")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"p1","kind":"atm","status":"available","version":2,"details":{"bank":"B"},"author_id":"a"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	p, err := c.GetPOI(context.Background(), "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if p.ID != "p1" || p.Version != 2 || p.Details["bank"] != "B" {
		t.Fatalf("unexpected poi %+v", p)
	}
	if _, ok := CurrentVersion(err); ok {
		t.Fatalf("nil error has no version")
	}
}
