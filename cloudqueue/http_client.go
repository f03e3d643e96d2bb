package cloudqueue

import (
	"bytes"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
)

// HTTPClient is an HTTPS-backed CloudQueue using a bearer token and an
// apikey header, matching spec §4.9's "transport is HTTPS with a bearer
// token and an apikey header". Grounded on calnex/api/api.go's API struct:
// a single *http.Client wrapping a configurable *tls.Config, small
// path-building helpers, and a JSON Result envelope on writes.
type HTTPClient struct {
	Client      *http.Client
	baseURL     string
	bearerToken string
	apikey      string
}

// Option configures an HTTPClient at construction.
type Option func(*HTTPClient)

// WithCAPool pins the client to a specific CA pool instead of the default
// insecure-skip-verify behavior (spec.md §9 "Open question: TLS trust" —
// resolved to default-insecure, matching legacy behavior, with this escape
// hatch for integrators).
func WithCAPool(pool *x509.CertPool) Option {
	return func(c *HTTPClient) {
		c.Client.Transport = &http.Transport{
			TLSClientConfig: &tls.Config{RootCAs: pool},
		}
	}
}

// NewHTTPClient returns a CloudQueue client talking to baseURL. SSL
// verification is off by default (spec §4.9, §9), mirroring
// calnex/api.NewAPI's insecureTLS-by-default constructor.
func NewHTTPClient(baseURL, bearerToken, apikey string, opts ...Option) *HTTPClient {
	c := &HTTPClient{
		Client: &http.Client{
			Transport: &http.Transport{
				TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, //nolint:gosec
			},
			Timeout: 10 * time.Second,
		},
		baseURL:     baseURL,
		bearerToken: bearerToken,
		apikey:      apikey,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *HTTPClient) authHeaders(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	req.Header.Set("apikey", c.apikey)
}

// writeResult mirrors calnex/api.Result: a boolean outcome plus a message,
// returned by the mark_* endpoints.
type writeResult struct {
	Result  bool   `json:"result"`
	Message string `json:"message"`
}

// ListPending implements CloudQueue. It is skipped without error when free
// memory is below MinFreeBytesForTLS (spec §4.9).
func (c *HTTPClient) ListPending(deviceID string, max int) ([]Row, error) {
	if !memoryAvailable() {
		log.Debug("cloudqueue: skipping list_pending, free memory below floor")
		return nil, nil
	}
	u := fmt.Sprintf("%s/relay_commands?device_id=%s&status=Pending&order=created_at.asc&limit=%d",
		c.baseURL, url.QueryEscape(deviceID), max)
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.authHeaders(req)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.New(http.StatusText(resp.StatusCode))
	}

	var rows []Row
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("cloudqueue: decode list_pending response: %w", err)
	}
	return rows, nil
}

// MarkSent implements CloudQueue.
func (c *HTTPClient) MarkSent(rowID int64) error {
	return c.patchStatus(rowID, StatusSent, "")
}

// MarkCompleted implements CloudQueue.
func (c *HTTPClient) MarkCompleted(rowID int64) error {
	return c.patchStatus(rowID, StatusCompleted, "")
}

// MarkFailed implements CloudQueue.
func (c *HTTPClient) MarkFailed(rowID int64, reason string) error {
	return c.patchStatus(rowID, StatusFailed, reason)
}

func (c *HTTPClient) patchStatus(rowID int64, status Status, reason string) error {
	if !memoryAvailable() {
		log.Debugf("cloudqueue: skipping mark_%s for row %d, free memory below floor", status, rowID)
		return nil
	}
	body := map[string]any{"status": string(status)}
	if reason != "" {
		body["error_message"] = reason
	}
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return err
	}

	u := fmt.Sprintf("%s/relay_commands?id=eq.%d", c.baseURL, rowID)
	req, err := http.NewRequest(http.MethodPatch, u, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.authHeaders(req)

	resp, err := c.Client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return errors.New(http.StatusText(resp.StatusCode))
	}

	var r writeResult
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		return nil // empty body on 204 is fine
	}
	if !r.Result && r.Message != "" {
		return errors.New(r.Message)
	}
	return nil
}
