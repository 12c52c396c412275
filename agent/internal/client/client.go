// Package client provides the beatmon API client used by agents.
//
// # Operations
//
// - Beat: Record a beat for a device
// - UpdateStats: Recompute the fleet stats
// - UpdateDevice: Re-evaluate one device's overdue state
// - Devices, Device: Read per-device state
// - Info, Stats, Health: Public fleet summary
package client

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/pilot-net/beatmon/pkg/types"
)

// ErrNotFound is returned when the server does not know the device.
var ErrNotFound = errors.New("device not found")

// APIError is a non-2xx response from the server.
type APIError struct {
	Status  int
	Reason  string `json:"reason"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.Status)
	}
	return fmt.Sprintf("request failed with status %d: %s (%s)", e.Status, e.Message, e.Reason)
}

// Client communicates with the control plane.
type Client struct {
	baseURL    string
	httpClient *http.Client
	authToken  string
	userAgent  string
}

// Config for the client.
type Config struct {
	BaseURL            string
	AuthToken          string
	HTTPClient         *http.Client
	InsecureSkipVerify bool
	Timeout            time.Duration
	UserAgent          string
}

// NewClient creates a new control plane client.
func NewClient(cfg Config) *Client {
	if cfg.HTTPClient == nil {
		transport := &http.Transport{}
		if cfg.InsecureSkipVerify {
			transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
		}
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		cfg.HTTPClient = &http.Client{
			Timeout:   timeout,
			Transport: transport,
		}
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "beatmon-agent/1.0"
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: cfg.HTTPClient,
		authToken:  cfg.AuthToken,
		userAgent:  cfg.UserAgent,
	}
}

// BeatResult is the server's answer to a beat.
type BeatResult struct {
	TotalBeats int64
	// Accepted is false when the server already holds a newer beat.
	Accepted bool
}

// Beat records a beat for device. A zero at lets the server stamp it.
func (c *Client) Beat(ctx context.Context, device string, at time.Time) (*BeatResult, error) {
	hdr := http.Header{}
	hdr.Set("Device", device)
	if !at.IsZero() {
		hdr.Set("Timestamp", strconv.FormatInt(at.UnixMilli(), 10))
	}

	resp, err := c.doRequest(ctx, http.MethodPost, "/api/beat", hdr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.readError(resp)
	}

	var total int64
	if err := json.NewDecoder(resp.Body).Decode(&total); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	accepted := true
	if v := resp.Header.Get("X-Beat-Accepted"); v != "" {
		accepted, _ = strconv.ParseBool(v)
	}
	return &BeatResult{TotalBeats: total, Accepted: accepted}, nil
}

// UpdateStats asks the server to recompute the fleet stats.
func (c *Client) UpdateStats(ctx context.Context) (*types.Stats, error) {
	var st types.Stats
	if err := c.getJSON(ctx, http.MethodPost, "/api/update/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// UpdateDevice re-evaluates the overdue state of device.
func (c *Client) UpdateDevice(ctx context.Context, device string) (*types.Device, error) {
	hdr := http.Header{}
	hdr.Set("Device", device)
	var d types.Device
	if err := c.getJSON(ctx, http.MethodPost, "/api/update/devices", hdr, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Devices lists every known device.
func (c *Client) Devices(ctx context.Context) ([]types.Device, error) {
	var out []types.Device
	if err := c.getJSON(ctx, http.MethodGet, "/api/devices", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Device returns one device or ErrNotFound.
func (c *Client) Device(ctx context.Context, name string) (*types.Device, error) {
	var d types.Device
	if err := c.getJSON(ctx, http.MethodGet, "/api/devices/"+url.PathEscape(name), nil, &d); err != nil {
		return nil, err
	}
	return &d, nil
}

// Info returns the human-readable fleet summary.
func (c *Client) Info(ctx context.Context) (*types.Info, error) {
	var info types.Info
	if err := c.getJSON(ctx, http.MethodGet, "/api/info", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Stats returns the cached fleet stats.
func (c *Client) Stats(ctx context.Context) (*types.Stats, error) {
	var st types.Stats
	if err := c.getJSON(ctx, http.MethodGet, "/api/stats", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// Health returns the service health report.
func (c *Client) Health(ctx context.Context) (*types.ServiceHealth, error) {
	var h types.ServiceHealth
	if err := c.getJSON(ctx, http.MethodGet, "/api/health", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Ping tests connectivity to the control plane.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.Health(ctx)
	return err
}

func (c *Client) getJSON(ctx context.Context, method, path string, hdr http.Header, out any) error {
	resp, err := c.doRequest(ctx, method, path, hdr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.readError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// doRequest performs an HTTP request with standard headers.
func (c *Client) doRequest(ctx context.Context, method, path string, hdr http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	for k, v := range hdr {
		req.Header[k] = v
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.authToken != "" {
		req.Header.Set("Auth", c.authToken)
	}

	return c.httpClient.Do(req)
}

// readError extracts the server's error body from a failed response.
func (c *Client) readError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	apiErr := &APIError{Status: resp.StatusCode}
	if err := json.Unmarshal(body, apiErr); err != nil {
		apiErr.Message = string(body)
	}
	if resp.StatusCode == http.StatusNotFound {
		return fmt.Errorf("%w: %w", ErrNotFound, apiErr)
	}
	return apiErr
}
