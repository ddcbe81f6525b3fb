// Package gateway provides the HTTP client for the Resource Fetch Gateway:
// drive listings, knowledge-base status, and knowledge-base mutations.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/canopyhq/canopy/pkg/models"
	"github.com/canopyhq/canopy/pkg/protocol"
	"github.com/canopyhq/canopy/pkg/retry"
)

// Client talks to the Resource Fetch Gateway.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	retryConfig retry.Config

	mu        sync.RWMutex
	authToken string
}

// Config holds client configuration.
type Config struct {
	BaseURL     string
	Timeout     time.Duration
	RetryConfig retry.Config
	AuthToken   string
}

// New creates a new gateway client.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}

	return &Client{
		baseURL: cfg.BaseURL,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:        100,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		retryConfig: cfg.RetryConfig,
		authToken:   cfg.AuthToken,
	}
}

// SetAuthToken sets the bearer token for requests.
func (c *Client) SetAuthToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.authToken = token
}

// applyAuth adds the auth header to a request if a token is set.
func (c *Client) applyAuth(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}
}

// StatusError is returned for non-retryable API errors.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("gateway returned %d: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("gateway returned %d", e.Code)
}

// AsStatusError checks if an error is a StatusError and returns it.
func AsStatusError(err error) (*StatusError, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// checkResponse maps a non-2xx response to an error: 5xx errors are
// retryable, everything else is terminal.
func checkResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var errResp protocol.ErrorResponse
	_ = json.NewDecoder(resp.Body).Decode(&errResp)
	se := &StatusError{Code: resp.StatusCode, Message: errResp.Error}
	if resp.StatusCode >= 500 {
		return retry.Retryable(se)
	}
	return se
}

// ListChildren fetches the immediate children of a drive node. An empty
// parentID lists the drive root.
func (c *Client) ListChildren(ctx context.Context, parentID string) ([]models.Node, error) {
	u := c.baseURL + "/api/v1/children"
	if parentID != "" {
		u += "?parent_id=" + url.QueryEscape(parentID)
	}

	return retry.DoWithResult(ctx, c.retryConfig, func() ([]models.Node, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return nil, err
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		defer resp.Body.Close()

		if err := checkResponse(resp); err != nil {
			return nil, err
		}

		var out protocol.ChildrenResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, fmt.Errorf("decode children response: %w", err)
		}
		return out.Nodes, nil
	})
}

// ListStatus fetches indexing status for knowledge-base resources under the
// given path prefix. The call always hits the network; poll termination
// depends on fresh data, so no caching layer sits in front of it.
func (c *Client) ListStatus(ctx context.Context, kbID, prefix string) ([]protocol.NodeStatus, error) {
	u := fmt.Sprintf("%s/api/v1/kb/%s/status?prefix=%s",
		c.baseURL, url.PathEscape(kbID), url.QueryEscape(prefix))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkResponse(resp); err != nil {
		// The poll loop is the retry; unwrap the retryable marker.
		var re retry.RetryableError
		if errors.As(err, &re) {
			return nil, re.Err
		}
		return nil, err
	}

	var out protocol.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status response: %w", err)
	}
	return out.Nodes, nil
}

// CreateKnowledgeBase creates a knowledge base from the given resources and
// returns its handle.
func (c *Client) CreateKnowledgeBase(ctx context.Context, kbReq protocol.CreateKBRequest) (string, error) {
	body, err := json.Marshal(kbReq)
	if err != nil {
		return "", err
	}

	return retry.DoWithResult(ctx, c.retryConfig, func() (string, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			c.baseURL+"/api/v1/kb", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return "", retry.Retryable(err)
		}
		defer resp.Body.Close()

		if err := checkResponse(resp); err != nil {
			return "", err
		}

		var out protocol.CreateKBResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode create response: %w", err)
		}
		return out.ID, nil
	})
}

// SyncKnowledgeBase triggers asynchronous indexing of a knowledge base.
func (c *Client) SyncKnowledgeBase(ctx context.Context, kbID string) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		u := fmt.Sprintf("%s/api/v1/kb/%s/sync", c.baseURL, url.PathEscape(kbID))
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u, nil)
		if err != nil {
			return err
		}
		c.applyAuth(req)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		defer resp.Body.Close()

		return checkResponse(resp)
	})
}

// DeleteResource removes one resource from the knowledge base, keyed by its
// full path name. Deliberately not retried: the deletion batch records the
// outcome per candidate and moves on.
func (c *Client) DeleteResource(ctx context.Context, kbID, fullPath string) error {
	u := fmt.Sprintf("%s/api/v1/kb/%s/resource?path=%s",
		c.baseURL, url.PathEscape(kbID), url.QueryEscape(fullPath))

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, u, nil)
	if err != nil {
		return err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil // Already deleted
	}
	if err := checkResponse(resp); err != nil {
		var re retry.RetryableError
		if errors.As(err, &re) {
			return re.Err
		}
		return err
	}
	return nil
}
