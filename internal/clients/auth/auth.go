package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ssuji15/jobrunner/model"
)

// Identity validates tokens against the auth service.
type Identity interface {
	GetUser(ctx context.Context, token string) (string, error)
	TokenExpiry(ctx context.Context, token string) (time.Time, error)
}

type Client struct {
	legacyURL string
	tokenURL  string
	http      *http.Client
}

// New takes the legacy login endpoint and the V2 token endpoint.
func New(legacyURL, tokenURL string) *Client {
	return &Client{
		legacyURL: legacyURL,
		tokenURL:  tokenURL,
		http: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

func (c *Client) GetUser(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token is empty: %w", model.ErrValidation)
	}
	form := url.Values{"token": {token}, "fields": {"user_id"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.legacyURL, strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out struct {
		UserID string `json:"user_id"`
		Error  any    `json:"error"`
	}
	if err := c.do(req, &out); err != nil {
		return "", err
	}
	if out.UserID == "" {
		return "", fmt.Errorf("token validation failed: %w", model.ErrValidation)
	}
	return out.UserID, nil
}

func (c *Client) TokenExpiry(ctx context.Context, token string) (time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tokenURL, nil)
	if err != nil {
		return time.Time{}, err
	}
	req.Header.Set("Authorization", token)

	var out struct {
		Expires int64  `json:"expires"`
		User    string `json:"user"`
	}
	if err := c.do(req, &out); err != nil {
		return time.Time{}, err
	}
	if out.Expires == 0 {
		return time.Time{}, fmt.Errorf("token lifetime missing from auth response")
	}
	return time.UnixMilli(out.Expires), nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("auth request: %v: %w", err, model.ErrTransient)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("auth response: %v: %w", err, model.ErrTransient)
	}
	switch {
	case resp.StatusCode >= http.StatusInternalServerError:
		return fmt.Errorf("auth service status %d: %w", resp.StatusCode, model.ErrTransient)
	case resp.StatusCode >= http.StatusBadRequest:
		return fmt.Errorf("auth service rejected token (status %d): %w", resp.StatusCode, model.ErrValidation)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("auth response: %w", err)
	}
	return nil
}
