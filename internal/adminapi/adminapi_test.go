package adminapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/vflow-project/vflow/internal/registry"
)

func TestHandleJobsReturnsStoreContents(t *testing.T) {
	store := registry.NewMemoryStore()
	if err := store.UpsertJob(context.Background(), registry.JobRecord{ID: "job1", Name: "j", DatasetID: "ds", Status: "running"}); err != nil {
		t.Fatal(err)
	}
	srv := NewServer(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
	var jobs []registry.JobRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &jobs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != "job1" {
		t.Fatalf("want one job1 record, got %+v", jobs)
	}
}

func TestHandleNodesRequiresJobID(t *testing.T) {
	srv := NewServer(registry.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/v1/nodes", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("want 400, got %d", rec.Code)
	}
}

func TestHandleNodesReturnsScopedRecords(t *testing.T) {
	store := registry.NewMemoryStore()
	ctx := context.Background()
	if err := store.UpsertNode(ctx, registry.NodeRecord{JobID: "job1", Rank: 0}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertNode(ctx, registry.NodeRecord{JobID: "job2", Rank: 0}); err != nil {
		t.Fatal(err)
	}
	srv := NewServer(store)

	req := httptest.NewRequest(http.MethodGet, "/v1/nodes?job_id=job1", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)

	var nodes []registry.NodeRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &nodes); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(nodes) != 1 || nodes[0].JobID != "job1" {
		t.Fatalf("want one job1 node, got %+v", nodes)
	}
}

func TestHealthz(t *testing.T) {
	srv := NewServer(registry.NewMemoryStore())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("want 200, got %d", rec.Code)
	}
}
