package trust

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"
)

const defaultTimeout = 5 * time.Second

// Client is the HTTP client for the trust-graph service.
type Client struct {
	base    string
	http    *http.Client
	timeout time.Duration
}

var _ Graph = (*Client)(nil)

// NewClient builds a client against the service base URL.
func NewClient(base string) *Client {
	return &Client{
		base:    base,
		http:    &http.Client{},
		timeout: defaultTimeout,
	}
}

func (c *Client) GetTrusted(ctx context.Context, authorDid, recipientDid string) ([]Relation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	u := fmt.Sprintf("%s/v1/trusted?author=%s&recipient=%s",
		c.base, url.QueryEscape(authorDid), url.QueryEscape(recipientDid))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: upstream status %d", ErrUnavailable, resp.StatusCode)
	}
	var payload struct {
		Trusted []Relation `json:"trusted"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode response: %v", ErrUnavailable, err)
	}
	return payload.Trusted, nil
}
