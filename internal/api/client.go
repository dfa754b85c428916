package api

// Package api is the client for the ingest backend: the two-step upload
// handshake (request, then confirm) and device pairing.

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TokenSource supplies the bearer token attached to every request.
// Authentication itself lives outside this daemon.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
}

// StaticToken is a TokenSource backed by a fixed API key.
type StaticToken string

func (t StaticToken) Token(context.Context) (string, error) {
	return string(t), nil
}

// StatusError is returned when the backend answers with an unexpected status.
type StatusError struct {
	Op         string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status %d: %s", e.Op, e.StatusCode, e.Body)
}

// Client is the HTTP client wrapper for the ingest backend.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Tokens     TokenSource // may be nil for unauthenticated calls such as pairing
}

// NewClient creates a client with the given request timeout and pooled connections.
func NewClient(baseURL string, timeout time.Duration, tokens TokenSource) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Tokens:  tokens,
		HTTPClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Ingest asks the backend for a presigned URL to upload one file to.
func (c *Client) Ingest(ctx context.Context, req IngestRequest) (*IngestResponse, error) {
	var ingestResp IngestResponse
	if err := c.postJSON(ctx, "ingest request", "/v1/ingest/request", req, http.StatusCreated, &ingestResp); err != nil {
		return nil, err
	}
	return &ingestResp, nil
}

// Confirm reports the outcome of an upload started with Ingest.
func (c *Client) Confirm(ctx context.Context, req ConfirmRequest) error {
	return c.postJSON(ctx, "confirm request", "/v1/ingest/confirm", req, http.StatusOK, nil)
}

// RequestPairingCode requests a new pairing code for the device.
func (c *Client) RequestPairingCode(ctx context.Context, deviceID string) (*PairingResponse, error) {
	var pairingResp PairingResponse
	req := PairingRequest{DeviceID: deviceID}
	if err := c.postJSON(ctx, "pairing request", "/v1/pairing/request", req, http.StatusOK, &pairingResp); err != nil {
		return nil, err
	}
	return &pairingResp, nil
}

// CheckPairingStatus checks if the device has been claimed.
func (c *Client) CheckPairingStatus(ctx context.Context, deviceID, code string) (*PairingStatusResponse, error) {
	q := url.Values{}
	q.Set("device_id", deviceID)
	q.Set("code", code)

	httpReq, err := c.newRequest(ctx, http.MethodGet, "/v1/pairing/status?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("failed to check pairing status: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return &PairingStatusResponse{Status: PairingStatusExpired}, nil
	case http.StatusAccepted:
		return &PairingStatusResponse{Status: PairingStatusWaiting}, nil
	default:
		return nil, statusError("check pairing status", resp)
	}

	var statusResp PairingStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&statusResp); err != nil {
		return nil, fmt.Errorf("failed to decode pairing status response: %w", err)
	}
	return &statusResp, nil
}

// Probe issues a HEAD against the base URL. Any HTTP answer counts as reachable.
func (c *Client) Probe(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodHead, c.BaseURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func (c *Client) postJSON(ctx context.Context, op, path string, in any, want int, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", op, err)
	}

	httpReq, err := c.newRequest(ctx, http.MethodPost, path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return statusError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", op, err)
	}
	return nil
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	httpReq, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.Tokens != nil {
		token, err := c.Tokens.Token(ctx)
		if err != nil {
			return nil, fmt.Errorf("obtain auth token: %w", err)
		}
		if token != "" {
			httpReq.Header.Set("Authorization", "Bearer "+token)
		}
	}
	return httpReq, nil
}

func statusError(op string, resp *http.Response) error {
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return &StatusError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
}
