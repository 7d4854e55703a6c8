package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/macjediwizard/daysync/internal/db"
)

func TestRemoteBackendPull(t *testing.T) {
	var gotCursor, gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/v1/changes" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		gotCursor = r.URL.Query().Get("cursor")
		gotAuth = r.Header.Get("Authorization")

		json.NewEncoder(w).Encode(changeFeed{
			Records: []*db.SyncableRecord{
				{ID: "r1", Kind: db.KindEvent, Title: "From backend", Version: 3},
			},
			Cursor: "cur-next",
		})
	}))
	defer server.Close()

	backend := NewRemoteBackend(server.URL, "tok-123")
	result, err := backend.Pull(context.Background(), "cur-prev")
	if err != nil {
		t.Fatalf("pull failed: %v", err)
	}

	if gotCursor != "cur-prev" {
		t.Errorf("cursor not sent: %q", gotCursor)
	}
	if gotAuth != "Bearer tok-123" {
		t.Errorf("auth header missing: %q", gotAuth)
	}
	if result.Cursor != "cur-next" {
		t.Errorf("new cursor not returned: %q", result.Cursor)
	}
	if len(result.Records) != 1 || result.Records[0].Origin != db.OriginRemote {
		t.Errorf("records missing backend origin: %+v", result.Records)
	}
}

func TestRemoteBackendPush(t *testing.T) {
	type seen struct {
		method, path string
		body         *db.SyncableRecord
	}
	var requests []seen

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s := seen{method: r.Method, path: r.URL.EscapedPath()}
		if r.Body != nil {
			rec := &db.SyncableRecord{}
			if err := json.NewDecoder(r.Body).Decode(rec); err == nil {
				s.body = rec
			}
		}
		requests = append(requests, s)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	backend := NewRemoteBackend(server.URL, "tok")
	ctx := context.Background()
	rec := &db.SyncableRecord{ID: "r one", Title: "Push me", Version: 2}

	if err := backend.Push(ctx, db.OpCreate, rec); err != nil {
		t.Fatalf("create push failed: %v", err)
	}
	if err := backend.Push(ctx, db.OpUpdate, rec); err != nil {
		t.Fatalf("update push failed: %v", err)
	}
	if err := backend.Push(ctx, db.OpDelete, rec); err != nil {
		t.Fatalf("delete push failed: %v", err)
	}

	if len(requests) != 3 {
		t.Fatalf("expected 3 requests, got %d", len(requests))
	}
	if requests[0].method != http.MethodPost || requests[0].path != "/v1/records" {
		t.Errorf("create mapped wrong: %s %s", requests[0].method, requests[0].path)
	}
	if requests[0].body == nil || requests[0].body.Title != "Push me" {
		t.Error("create body missing")
	}
	if requests[1].method != http.MethodPut || requests[1].path != "/v1/records/r%20one" {
		t.Errorf("update mapped wrong: %s %s", requests[1].method, requests[1].path)
	}
	if requests[2].method != http.MethodDelete {
		t.Errorf("delete mapped wrong: %s", requests[2].method)
	}
}

func TestRemoteBackendErrorMapping(t *testing.T) {
	cases := []struct {
		name   string
		status int
		want   error
	}{
		{"unauthorized", http.StatusUnauthorized, ErrUnauthorized},
		{"forbidden", http.StatusForbidden, ErrUnauthorized},
		{"server error", http.StatusInternalServerError, ErrUnavailable},
		{"bad gateway", http.StatusBadGateway, ErrUnavailable},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
			}))
			defer server.Close()

			backend := NewRemoteBackend(server.URL, "tok")
			_, err := backend.Pull(context.Background(), "")
			if !errors.Is(err, tc.want) {
				t.Errorf("status %d mapped to %v, want %v", tc.status, err, tc.want)
			}
		})
	}

	t.Run("delete of missing record succeeds", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer server.Close()

		backend := NewRemoteBackend(server.URL, "tok")
		rec := &db.SyncableRecord{ID: "gone"}
		if err := backend.Push(context.Background(), db.OpDelete, rec); err != nil {
			t.Errorf("delete of missing record should succeed: %v", err)
		}
	})

	t.Run("connection refused maps to unavailable", func(t *testing.T) {
		backend := NewRemoteBackend("http://127.0.0.1:1", "tok")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := backend.Pull(ctx, ""); !errors.Is(err, ErrUnavailable) {
			t.Errorf("expected ErrUnavailable, got %v", err)
		}
	})
}
