// Package client provides a Go SDK for talking to one rtpsd node's
// admin HTTP surface.
//
// Instead of writing raw HTTP requests everywhere, callers get a clean
// Go API:
//
//	c := client.New("http://localhost:8080", 10*time.Second)
//	info, err := c.DomainInfo(ctx)
//	writers, err := c.ListWriters(ctx)
//
// This client only reads one node's admin introspection endpoints; it
// has no notion of a cluster, since a domain is a single process with
// no peer discovery in this engine's scope.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one rtpsd node's admin HTTP listener.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client. timeout protects every call from hanging
// forever against an unresponsive admin listener; it defaults to 10s.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// DomainInfoResponse mirrors api.Handler.DomainInfo's JSON shape.
type DomainInfoResponse struct {
	DomainID    uint32 `json:"domain_id"`
	Prefix      string `json:"prefix"`
	WriterCount int    `json:"writer_count"`
	ReaderCount int    `json:"reader_count"`
	LeaseCount  int    `json:"lease_count"`
	GCPending   int    `json:"gc_pending"`
}

// WriterStats mirrors domain.WriterStats's JSON shape.
type WriterStats struct {
	GUID       string `json:"GUID"`
	Topic      string `json:"Topic"`
	LastSeq    int64  `json:"LastSeq"`
	WHCLen     int    `json:"WHCLen"`
	MatchCount int    `json:"MatchCount"`
}

// ReaderStats mirrors domain.ReaderStats's JSON shape.
type ReaderStats struct {
	GUID             string `json:"GUID"`
	Topic            string `json:"Topic"`
	ProxyWriterCount int    `json:"ProxyWriterCount"`
	QueueLen         int    `json:"QueueLen"`
}

// LeasesResponse mirrors api.Handler.Leases's JSON shape.
type LeasesResponse struct {
	Count        int       `json:"count"`
	NextDeadline time.Time `json:"next_deadline,omitempty"`
	NextGUID     string    `json:"next_guid,omitempty"`
}

// DomainInfo fetches GET /domain.
func (c *Client) DomainInfo(ctx context.Context) (*DomainInfoResponse, error) {
	var out DomainInfoResponse
	if err := c.getJSON(ctx, "/domain", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListWriters fetches GET /writers.
func (c *Client) ListWriters(ctx context.Context) ([]WriterStats, error) {
	var out struct {
		Writers []WriterStats `json:"writers"`
	}
	if err := c.getJSON(ctx, "/writers", &out); err != nil {
		return nil, err
	}
	return out.Writers, nil
}

// GetWriter fetches GET /writers/:guid. It returns ErrNotFound if no
// writer with that GUID exists on the node.
func (c *Client) GetWriter(ctx context.Context, guid string) (*WriterStats, error) {
	var out WriterStats
	if err := c.getJSON(ctx, "/writers/"+guid, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListReaders fetches GET /readers.
func (c *Client) ListReaders(ctx context.Context) ([]ReaderStats, error) {
	var out struct {
		Readers []ReaderStats `json:"readers"`
	}
	if err := c.getJSON(ctx, "/readers", &out); err != nil {
		return nil, err
	}
	return out.Readers, nil
}

// GetReader fetches GET /readers/:guid. It returns ErrNotFound if no
// reader with that GUID exists on the node.
func (c *Client) GetReader(ctx context.Context, guid string) (*ReaderStats, error) {
	var out ReaderStats
	if err := c.getJSON(ctx, "/readers/"+guid, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Leases fetches GET /leases.
func (c *Client) Leases(ctx context.Context) (*LeasesResponse, error) {
	var out LeasesResponse
	if err := c.getJSON(ctx, "/leases", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) getJSON(ctx context.Context, path string, dst any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}

// ErrNotFound is returned when the requested entity does not exist on
// the node.
var ErrNotFound = fmt.Errorf("entity not found")

// APIError carries the HTTP status and the error message from the
// admin server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
}

// checkStatus converts non-2xx HTTP responses into a Go error,
// decoding the admin server's {"error": "..."} body when present.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	var apiErr struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(body, &apiErr)
	msg := apiErr.Error
	if msg == "" {
		msg = string(body)
	}
	return &APIError{Status: resp.StatusCode, Message: msg}
}
