// Package awclient provides a minimal client for the ActivityWatch
// server REST API: bucket registration and heartbeat delivery.
//
// Heartbeats are the server's merge-on-append primitive: an event
// posted with a pulsetime merges into the previous event when the data
// matches and the gap is within the window. The report stage also
// merges client-side; the server contract tolerates either.
package awclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog/log"
)

// defaultTimeout is the HTTP client timeout for API calls.
const defaultTimeout = 30 * time.Second

// Client talks to one ActivityWatch server.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// New creates a client for the server at host:port.
func New(host string, port int) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: defaultTimeout},
		baseURL:    fmt.Sprintf("http://%s:%d/api/0", host, port),
	}
}

// Bucket is the descriptor registered once at startup.
type Bucket struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Client   string `json:"client"`
	Hostname string `json:"hostname"`
}

// Event is one heartbeat payload. Duration is in seconds.
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Duration  float64   `json:"duration"`
	Data      any       `json:"data"`
}

// CreateBucket registers the bucket, idempotently: a 304 response
// means the bucket already exists and is treated as success.
func (c *Client) CreateBucket(ctx context.Context, b Bucket) error {
	body, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("marshal bucket: %w", err)
	}

	endpoint := fmt.Sprintf("%s/buckets/%s", c.baseURL, url.PathEscape(b.ID))
	resp, err := c.post(ctx, endpoint, body)
	if err != nil {
		return fmt.Errorf("create bucket %s: %w", b.ID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotModified {
		log.Debug().Str("bucket", b.ID).Msg("Bucket already exists")
		return nil
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("create bucket %s: %s", b.ID, responseError(resp))
	}

	log.Info().Str("bucket", b.ID).Msg("Bucket registered")
	return nil
}

// Heartbeat posts one event with the given pulsetime (seconds).
func (c *Client) Heartbeat(ctx context.Context, bucketID string, ev Event, pulsetime float64) error {
	ev.Timestamp = ev.Timestamp.UTC()
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}

	endpoint := fmt.Sprintf("%s/buckets/%s/heartbeat?pulsetime=%g", c.baseURL, url.PathEscape(bucketID), pulsetime)
	resp, err := c.post(ctx, endpoint, body)
	if err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("send heartbeat: %s", responseError(resp))
	}
	return nil
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.httpClient.Do(req)
}

// responseError summarises an error response for logging, keeping at
// most a short prefix of the body.
func responseError(resp *http.Response) string {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
	if len(body) == 0 {
		return resp.Status
	}
	return fmt.Sprintf("%s: %s", resp.Status, body)
}
