package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestFetchAdvancesCursor(t *testing.T) {
	var cursors []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		cursors = append(cursors, r.URL.Query().Get("cursor"))
		w.Header().Set(CursorHeader, "7")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"metrics":{"payments":3},"transactions":[{"id":"t1"}]}`))
	}))
	defer srv.Close()

	f := NewHTTP(srv.URL+"/api/v1/snapshot", "tok", srv.Client())
	for i := 0; i < 2; i++ {
		res, err := f.Fetch(context.Background())
		if err != nil {
			t.Fatalf("fetch %d: %v", i, err)
		}
		if string(res.Transactions) != `[{"id":"t1"}]` || len(res.Metrics) == 0 || res.Errors != nil {
			t.Fatalf("result = %+v", res)
		}
	}
	if len(cursors) != 2 || cursors[0] != "0" || cursors[1] != "7" {
		t.Fatalf("cursors = %v", cursors)
	}
	if f.Cursor() != 7 {
		t.Fatalf("cursor = %d", f.Cursor())
	}
}

func TestFetchErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("cursor") == "" {
			t.Error("cursor missing")
		}
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()

	if _, err := NewHTTP(srv.URL, "", srv.Client()).Fetch(context.Background()); err == nil {
		t.Fatal("expected status error")
	}

	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{not json`))
	}))
	defer bad.Close()
	if _, err := NewHTTP(bad.URL, "", bad.Client()).Fetch(context.Background()); err == nil {
		t.Fatal("expected decode error")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := NewHTTP(bad.URL, "", bad.Client()).Fetch(ctx); err == nil {
		t.Fatal("expected context error")
	}
}
