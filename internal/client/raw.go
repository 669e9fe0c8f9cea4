package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// GetRaw performs a GET to path and returns the response body verbatim.
// Used for endpoints whose body isn't the admin API's JSON shape, such
// as /healthz and the Prometheus text exposition on /metrics.
func (c *Client) GetRaw(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp); err != nil {
		return "", err
	}

	body, err := io.ReadAll(resp.Body)
	return string(body), err
}

// Healthz probes GET /healthz and returns nil iff the node reports
// itself healthy.
func (c *Client) Healthz(ctx context.Context) error {
	body, err := c.GetRaw(ctx, "/healthz")
	if err != nil {
		return fmt.Errorf("healthz: %w", err)
	}
	if !strings.Contains(body, `"ok"`) {
		return fmt.Errorf("healthz: unexpected response %q", body)
	}
	return nil
}
