package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"videoSearch/config"
	"videoSearch/server"
)

func TestServerURL(t *testing.T) {
	tests := []struct {
		addr, want string
	}{
		{":8080", "http://localhost:8080"},
		{"0.0.0.0:9000", "http://localhost:9000"},
		{"10.0.0.5:8080", "http://10.0.0.5:8080"},
		{"https://search.example.com", "https://search.example.com"},
	}
	for _, tt := range tests {
		if got := serverURL(tt.addr); got != tt.want {
			t.Errorf("serverURL(%q) = %q, want %q", tt.addr, got, tt.want)
		}
	}
}

func TestAdminClientRebuildIndex(t *testing.T) {
	cfg := config.Default()
	cfg.Auth.JWTSecret = "test-secret"
	issuer := server.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, 0)

	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/admin/index/rebuild" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		claims, err := issuer.Parse(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
		if err != nil || !claims.Superuser {
			t.Errorf("token not accepted as superuser: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte(`{"entries": 7, "backend": "flat"}`))
			return
		}
		w.Write([]byte(`{"error": "index rebuild failed"}`))
	}))
	defer srv.Close()

	client, err := newAdminClient(cfg, srv.URL)
	if err != nil {
		t.Fatalf("newAdminClient() error = %v", err)
	}
	n, err := client.rebuildIndex(context.Background())
	if err != nil || n != 7 {
		t.Fatalf("rebuildIndex() = %d, %v, want 7", n, err)
	}

	status = http.StatusInternalServerError
	if _, err := client.rebuildIndex(context.Background()); err == nil || !strings.Contains(err.Error(), "index rebuild failed") {
		t.Errorf("rebuildIndex() error = %v, want server error", err)
	}

	cfg.Auth.JWTSecret = ""
	if _, err := newAdminClient(cfg, srv.URL); err == nil {
		t.Error("newAdminClient() without a secret should fail")
	}
}
