// Package apiclient builds requests against the conversational backend and
// owns the two shared HTTP clients: a bounded one for ordinary calls and an
// unbounded one for event streams.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const DefaultBaseURL = "https://pa.759800.com"

const (
	clientHeader   = "X-Client"
	clientIDHeader = "X-Client-Id"
	clientName     = "desktop"

	requestTimeout = 60 * time.Second
)

type Client struct {
	mu       sync.RWMutex
	baseURL  string
	clientID string
	http     *http.Client
	stream   *http.Client
}

// New returns a Client for baseURL. An empty baseURL selects DefaultBaseURL.
func New(baseURL, clientID string) *Client {
	c := &Client{clientID: strings.TrimSpace(clientID)}
	c.SetBaseURL(baseURL)
	return c
}

// SetBaseURL switches the backend at runtime. Both HTTP clients are rebuilt
// so the localhost proxy bypass follows the new address.
func (c *Client) SetBaseURL(raw string) {
	base := strings.TrimRight(strings.TrimSpace(raw), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := &http.Client{Transport: newTransport(base), Timeout: requestTimeout}
	// No overall timeout: a conversational stream may legitimately run for minutes.
	streamClient := &http.Client{Transport: newTransport(base)}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseURL = base
	c.http = httpClient
	c.stream = streamClient
}

func (c *Client) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

func (c *Client) ClientID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.clientID
}

// URL joins path onto the versioned API root.
func (c *Client) URL(path string) string {
	return c.BaseURL() + "/api/v1" + path
}

// NewRequest builds a JSON request for path with the desktop client headers
// and, when token is non-empty, a bearer credential. A nil body sends none.
func (c *Client) NewRequest(ctx context.Context, method, path string, body any, token string) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encode request body: %w", err)
		}
		r = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.URL(path), r)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.applyHeaders(req, token)
	return req, nil
}

// NewStreamRequest is NewRequest for an SSE endpoint.
func (c *Client) NewStreamRequest(ctx context.Context, method, path string, body any, token string) (*http.Request, error) {
	req, err := c.NewRequest(ctx, method, path, body, token)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	return req, nil
}

func (c *Client) applyHeaders(req *http.Request, token string) {
	req.Header.Set(clientHeader, clientName)
	if id := c.ClientID(); id != "" {
		req.Header.Set(clientIDHeader, id)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
}

// Do sends req on the bounded client.
func (c *Client) Do(req *http.Request) (*http.Response, error) {
	c.mu.RLock()
	hc := c.http
	c.mu.RUnlock()
	return hc.Do(req)
}

// DoStream sends req on the streaming client.
func (c *Client) DoStream(req *http.Request) (*http.Response, error) {
	c.mu.RLock()
	hc := c.stream
	c.mu.RUnlock()
	return hc.Do(req)
}

// IsLocalhost reports whether raw points at the local machine.
func IsLocalhost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// newTransport only bounds connection setup. Local backends skip any
// system proxy, which would otherwise intercept them.
func newTransport(base string) *http.Transport {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:   true,
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	if IsLocalhost(base) {
		tr.Proxy = nil
	}
	return tr
}
