// Package crm pulls registry records from the CRM HTTP API. The CRM is the
// source of truth for the client dimension; the pipeline only mirrors it.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const clientsPath = "/api/clients"

// ClientRecord is one registry entry as returned by the CRM API.
// Classification fields are optional.
type ClientRecord struct {
	ID        string    `json:"id"`
	Segment   *string   `json:"segment"`
	Country   *string   `json:"country"`
	Plan      *string   `json:"plan"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type Config struct {
	Logger  *slog.Logger
	BaseURL string
	Token   string

	// HTTPClient is optional; a 30s-timeout client is used by default.
	HTTPClient *http.Client
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.BaseURL == "" {
		return errors.New("base url is required")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

type Client struct {
	log *slog.Logger
	cfg Config
}

func NewClient(cfg Config) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Client{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// FetchUpdatedSince returns all registry records updated at or after the
// given bound. Client-side rejections (auth, bad request) are permanent and
// must not be retried; network failures and server errors are transient.
func (c *Client) FetchUpdatedSince(ctx context.Context, since time.Time) ([]ClientRecord, error) {
	u := c.cfg.BaseURL + clientsPath + "?updated_from=" + url.QueryEscape(since.UTC().Format(time.RFC3339))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to build crm request: %w", err))
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call crm api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("crm api returned status %d: %s", resp.StatusCode, string(body))
		if isPermanentStatus(resp.StatusCode) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	var payload struct {
		Clients []ClientRecord `json:"clients"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("failed to decode crm response: %w", err)
	}

	c.log.Debug("crm: fetched clients", "count", len(payload.Clients), "updatedFrom", since)
	return payload.Clients, nil
}

// isPermanentStatus reports whether a status code indicates a request that
// will fail the same way on retry. Timeouts and throttling are transient.
func isPermanentStatus(code int) bool {
	if code == http.StatusRequestTimeout || code == http.StatusTooManyRequests {
		return false
	}
	return code >= 400 && code < 500
}
