package locator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrUnavailable indicates the device could not produce a position:
// permission denied, no fix, or the locator service is disabled. Callers
// must surface it, never substitute a default position.
var ErrUnavailable = errors.New("location unavailable")

// Fix is one device position report.
type Fix struct {
	Latitude       float64  `json:"latitude"`
	Longitude      float64  `json:"longitude"`
	AccuracyMeters *float64 `json:"accuracy,omitempty"`
}

// Client calls the device-location service, used when a scan submission
// defers the position fix to a trusted locator instead of self-reporting.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. skip disables the service entirely; Locate then
// fails with ErrUnavailable rather than inventing a position.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 10 * time.Second, // a GPS fix can take a few seconds
		},
	}
}

// Health checks the locator service.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("locator unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("locator unhealthy: %s", resp.Status)
	}
	return nil
}

// Locate requests the current position of a registered device. The call is
// opaque and may be abandoned via ctx; an abandoned fix that completes
// anyway must be discarded by the caller's staleness check.
func (c *Client) Locate(ctx context.Context, deviceID string) (Fix, error) {
	if c.Skip {
		return Fix{}, fmt.Errorf("%w: locator disabled", ErrUnavailable)
	}
	if deviceID == "" {
		return Fix{}, fmt.Errorf("%w: device id required", ErrUnavailable)
	}

	body, _ := json.Marshal(map[string]string{"device_id": deviceID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/locate", bytes.NewReader(body))
	if err != nil {
		return Fix{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Fix{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusNotFound {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Fix{}, fmt.Errorf("%w: %s", ErrUnavailable, string(bodyBytes))
	}
	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Fix{}, fmt.Errorf("locator error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Latitude  float64  `json:"latitude"`
		Longitude float64  `json:"longitude"`
		Accuracy  *float64 `json:"accuracy"`
		Status    string   `json:"status"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Fix{}, fmt.Errorf("decode locator response: %w", err)
	}
	if out.Status != "" && out.Status != "ok" {
		return Fix{}, fmt.Errorf("%w: %s", ErrUnavailable, out.Status)
	}
	return Fix{Latitude: out.Latitude, Longitude: out.Longitude, AccuracyMeters: out.Accuracy}, nil
}
