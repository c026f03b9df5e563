// Package auth is the client for the external auth service. The gateway
// trusts a verified identity but does not implement token cryptography;
// tokens are opaque strings minted, verified, renewed, and revoked by the
// auth service over HTTP.
package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/codepair/gateway/internal/slogging"
)

// ErrUnauthorized indicates the auth service rejected the token.
var ErrUnauthorized = errors.New("token rejected by auth service")

// Client talks to the auth service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Config holds auth client configuration.
type Config struct {
	// ServiceURL is the auth service base URL, e.g. http://auth:8081/api/auth
	ServiceURL string
	// Timeout bounds each request to the auth service
	Timeout time.Duration
}

// NewClient creates an auth service client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.ServiceURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// TokenPair is the result of generating tokens for a user.
type TokenPair struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
}

// Generate asks the auth service to mint a token pair for userID.
func (c *Client) Generate(ctx context.Context, userID string) (TokenPair, error) {
	var pair TokenPair
	err := c.post(ctx, "/generate", map[string]string{"userId": userID}, &pair)
	return pair, err
}

// Verify checks an access token against the auth service. A non-2xx
// response maps to ErrUnauthorized; transport failures are returned as-is
// so callers can distinguish "rejected" from "auth service unreachable".
func (c *Client) Verify(ctx context.Context, accessToken, userID string) error {
	err := c.post(ctx, "/verify", map[string]string{
		"accessToken": accessToken,
		"userId":      userID,
	}, nil)
	return err
}

// Renew exchanges a refresh token for a fresh access token.
func (c *Client) Renew(ctx context.Context, refreshToken string) (string, error) {
	var out struct {
		AccessToken string `json:"accessToken"`
	}
	if err := c.post(ctx, "/renew", map[string]string{"refreshToken": refreshToken}, &out); err != nil {
		return "", err
	}
	return out.AccessToken, nil
}

// Revoke invalidates a refresh token. Called on explicit logout.
func (c *Client) Revoke(ctx context.Context, refreshToken string) error {
	return c.post(ctx, "/revoke", map[string]string{"refreshToken": refreshToken}, nil)
}

func (c *Client) post(ctx context.Context, path string, body map[string]string, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal auth request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("auth service request failed: %w", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slogging.Get().Debug("Failed to close auth response body: %v", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Drain a bounded amount for the log, never echo tokens back
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		slogging.Get().Debug("Auth service rejected %s: status=%d body=%s", path, resp.StatusCode, string(snippet))
		return fmt.Errorf("%w: %s returned %d", ErrUnauthorized, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode auth response from %s: %w", path, err)
		}
	}
	return nil
}
