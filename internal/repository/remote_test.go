package repository

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestRemoteExecuteQueryRoundTrips(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/databases/kg_demo/query" {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		var req queryRequest
		json.NewDecoder(r.Body).Decode(&req)
		json.NewEncoder(w).Encode(queryResponse{Rows: []map[string]any{{"cypher": req.Cypher}}})
	}))
	defer srv.Close()

	client := NewAPIClient(srv.URL, "kg_demo", true, 0)
	remote := NewRemote(client)

	rows, err := remote.ExecuteQuery(context.Background(), "MATCH (n) RETURN n", nil)
	if err != nil {
		t.Fatalf("ExecuteQuery() error = %v", err)
	}
	if len(rows) != 1 || rows[0]["cypher"] != "MATCH (n) RETURN n" {
		t.Fatalf("unexpected rows: %#v", rows)
	}
}

func TestRemoteExecuteQueryPropagatesServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(queryResponse{Error: "graph not found"})
	}))
	defer srv.Close()

	client := NewAPIClient(srv.URL, "kg_demo", false, 0)
	remote := NewRemote(client)

	_, err := remote.ExecuteQuery(context.Background(), "MATCH (n) RETURN n", nil)
	if err == nil {
		t.Fatal("expected error from a response carrying an Error field")
	}
}

func TestRemoteHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"healthy": true})
	}))
	defer srv.Close()

	remote := NewRemote(NewAPIClient(srv.URL, "kg_demo", false, 0))
	status, err := remote.HealthCheck(context.Background())
	if err != nil || !status.Healthy {
		t.Fatalf("HealthCheck() = %v, %v", status, err)
	}
}

func TestRemoteKindIsAPI(t *testing.T) {
	remote := NewRemote(NewAPIClient("http://example.invalid", "kg_demo", false, 0))
	if remote.Kind() != KindRemote {
		t.Fatalf("Kind() = %v, want %v", remote.Kind(), KindRemote)
	}
	if remote.DatabaseName() != "kg_demo" {
		t.Fatalf("DatabaseName() = %v", remote.DatabaseName())
	}
}
