package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"videoSearch/config"
	"videoSearch/server"
)

// cliSubject is the token subject the CLI uses against a running server.
const cliSubject = "videosearch-cli"

// adminClient calls the admin API of a running server.
type adminClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newAdminClient(cfg *config.Config, baseURL string) (*adminClient, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("auth.jwt_secret (or JWT_SECRET) is required to call the server")
	}
	tok, err := server.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.Issuer, time.Minute).Issue(cliSubject, true)
	if err != nil {
		return nil, err
	}
	if baseURL == "" {
		baseURL = serverURL(cfg.Server.Addr)
	}
	return &adminClient{baseURL: strings.TrimRight(baseURL, "/"), token: tok, http: &http.Client{Timeout: 10 * time.Minute}}, nil
}

// serverURL turns a listen address into a URL reachable from the same host.
func serverURL(addr string) string {
	switch {
	case strings.Contains(addr, "://"):
		return addr
	case strings.HasPrefix(addr, ":"):
		return "http://localhost" + addr
	case strings.HasPrefix(addr, "0.0.0.0:"):
		return "http://localhost" + strings.TrimPrefix(addr, "0.0.0.0")
	default:
		return "http://" + addr
	}
}

// rebuildIndex asks the server to reload its vector index from the store.
func (c *adminClient) rebuildIndex(ctx context.Context) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v1/admin/index/rebuild", nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("request index rebuild: %w", err)
	}
	defer resp.Body.Close()

	var body struct {
		Entries int    `json:"entries"`
		Error   string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decode rebuild response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("index rebuild failed with status %d: %s", resp.StatusCode, body.Error)
	}
	return body.Entries, nil
}
