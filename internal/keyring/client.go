package keyring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const defaultTimeout = 5 * time.Second

// Client is the HTTP client for the key-pair registry.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

var _ Registry = (*Client)(nil)

// NewClient builds a client against the registry base URL.
func NewClient(base string) *Client {
	return &Client{
		base:    base,
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
}

func (c *Client) GetPublicKey(ctx context.Context, did string) (PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := fmt.Sprintf("%s/v1/keys/public?did=%s", c.base, url.QueryEscape(did))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return PublicKey{}, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return PublicKey{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return PublicKey{}, fmt.Errorf("%w: upstream status %d", ErrUnavailable, resp.StatusCode)
	}
	var out PublicKey
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PublicKey{}, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return out, nil
}

func (c *Client) GetPrivateKeys(ctx context.Context, ids []string, ownerDid string) ([]PrivateKey, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(map[string]any{"ids": ids, "ownerDid": ownerDid})
	if err != nil {
		return nil, err
	}
	u := c.base + "/v1/keys/private"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream status %d", ErrUnavailable, resp.StatusCode)
	}
	var payload struct {
		Keys []PrivateKey `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return payload.Keys, nil
}
