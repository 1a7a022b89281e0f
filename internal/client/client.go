// Package client talks to the geometry server over HTTP. It implements the fetcher
// interfaces of the viewer.
package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/neuronviewer/server/internal/model"
)

// ErrStatus is wrapped by errors for non-success responses.
var ErrStatus = errors.New("unexpected status")

// StatusError carries the status code of a failed request.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s %d", ErrStatus, e.Code)
	}
	return fmt.Sprintf("%s %d: %s", ErrStatus, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return ErrStatus }

// Config contains client settings.
type Config struct {
	BaseURL string
	Timeout time.Duration
	// HTTPClient overrides the default transport.
	HTTPClient *http.Client
}

// Client is a geometry server client.
type Client struct {
	base *url.URL
	http *http.Client
}

// New creates a client for the server at cfg.BaseURL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/") + "/")
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("invalid base url %q: want http or https", cfg.BaseURL)
	}
	hc := cfg.HTTPClient
	if hc == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}
	return &Client{base: base, http: hc}, nil
}

func (c *Client) url(p string) string {
	return c.base.ResolveReference(&url.URL{Path: strings.TrimPrefix(p, "/")}).String()
}

func (c *Client) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(body))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		return nil, &StatusError{Code: resp.StatusCode, Body: msg}
	}
	return body, nil
}

func (c *Client) getJSON(ctx context.Context, p string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url(p), nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	body, err := c.do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", p, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("GET %s: decode: %w", p, err)
	}
	return nil
}

// FetchNeurons returns the neuron metadata of the server.
func (c *Client) FetchNeurons(ctx context.Context) ([]model.Neuron, error) {
	var neurons []model.Neuron
	if err := c.getJSON(ctx, "/api/neurons", &neurons); err != nil {
		return nil, err
	}
	return neurons, nil
}

// FetchCompartments returns the compartment catalog.
func (c *Client) FetchCompartments(ctx context.Context) ([]model.Compartment, error) {
	var compartments []model.Compartment
	if err := c.getJSON(ctx, "/api/compartments", &compartments); err != nil {
		return nil, err
	}
	return compartments, nil
}

// FetchTracingGeometry requests the full geometry of ids in one batch.
func (c *Client) FetchTracingGeometry(ctx context.Context, ids []string) (*model.TracingBatch, error) {
	payload, err := json.Marshal(model.TracingRequest{IDs: ids})
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url("/api/tracings"), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("POST /api/tracings: %w", err)
	}
	var batch model.TracingBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("POST /api/tracings: decode: %w", err)
	}
	return &batch, nil
}

// FetchCompartmentMesh downloads the mesh at the static path p (see model.MeshPath).
func (c *Client) FetchCompartmentMesh(ctx context.Context, p string) (*model.Mesh, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url("/meshes/"+p), nil)
	if err != nil {
		return nil, err
	}
	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("GET /meshes/%s: %w", p, err)
	}
	return &model.Mesh{Path: p, Data: body}, nil
}
