package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/avielb/kolcast/internal/config"
	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// ErrUnauthorized is returned when a request fails with 401 even after a
// credential refresh. Local credentials are cleared before it is returned.
var ErrUnauthorized = errors.New("unauthorized")

// CredentialProvider is the capability consumed from the auth layer
type CredentialProvider interface {
	Bearer() string
	Refresh(ctx context.Context) error
	Clear() error
}

// APIError represents a non-2xx backend response
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API request failed with status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a backend 404
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// envelope is the generic response wrapper used by every backend endpoint
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

// Client handles communication with the streaming backend.
// Retry policy: exactly one retry after a credential refresh on 401, no retry
// on other 4xx, exponential backoff on network failures and 5xx.
type Client struct {
	baseURL    string
	creds      CredentialProvider
	httpClient *http.Client
	logger     *logrus.Logger
	maxRetries uint64
	baseDelay  time.Duration
}

// NewClient creates a new backend API client
func NewClient(cfg *config.Config, creds CredentialProvider, logger *logrus.Logger) *Client {
	return &Client{
		baseURL:    cfg.APIBaseURL,
		creds:      creds,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
		maxRetries: uint64(cfg.MaxRetries),
		baseDelay:  cfg.RetryBaseDelay,
	}
}

// do performs an authenticated request with retry, decoding the envelope's
// data field into result when non-nil
func (c *Client) do(ctx context.Context, method, path string, body, result interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	refreshed := false

	operation := func() error {
		status, respBody, err := c.attempt(ctx, method, path, payload)
		if err != nil {
			// Network-level failure, worth retrying
			c.logger.WithError(err).WithField("path", path).Debug("Request attempt failed")
			return err
		}

		switch {
		case status >= 200 && status < 300:
			return c.decode(status, respBody, result)

		case status == http.StatusUnauthorized:
			if refreshed {
				// Refresh already spent for this call, give up and drop credentials
				if clearErr := c.creds.Clear(); clearErr != nil {
					c.logger.WithError(clearErr).Warn("Failed to clear credentials")
				}
				return backoff.Permanent(ErrUnauthorized)
			}
			refreshed = true
			c.logger.WithField("path", path).Info("Got 401, refreshing credentials")
			if err := c.creds.Refresh(ctx); err != nil {
				if clearErr := c.creds.Clear(); clearErr != nil {
					c.logger.WithError(clearErr).Warn("Failed to clear credentials")
				}
				return backoff.Permanent(ErrUnauthorized)
			}
			return fmt.Errorf("retrying after credential refresh")

		case status >= 400 && status < 500:
			return backoff.Permanent(newAPIError(status, respBody))

		default:
			return newAPIError(status, respBody)
		}
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.baseDelay

	return backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, c.maxRetries), ctx))
}

// attempt performs a single HTTP round trip. The credential header is
// attached fresh per attempt since a 401 may mean the bearer just expired.
func (c *Client) attempt(ctx context.Context, method, path string, payload []byte) (int, []byte, error) {
	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	fullURL := c.baseURL + path
	c.logger.WithFields(logrus.Fields{
		"method": method,
		"url":    fullURL,
	}).Debug("Making backend API request")

	req, err := http.NewRequestWithContext(ctx, method, fullURL, reqBody)
	if err != nil {
		return 0, nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "kolcast/1.0")
	if bearer := c.creds.Bearer(); bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return resp.StatusCode, respBody, nil
}

// decode unwraps the response envelope into result
func (c *Client) decode(status int, respBody []byte, result interface{}) error {
	if result == nil || status == http.StatusNoContent || len(respBody) == 0 {
		return nil
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	if !env.Success {
		return backoff.Permanent(&APIError{Status: status, Message: env.Error})
	}
	if err := json.Unmarshal(env.Data, result); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to decode response data: %w", err))
	}
	return nil
}

func newAPIError(status int, respBody []byte) *APIError {
	var env envelope
	if err := json.Unmarshal(respBody, &env); err == nil && env.Error != "" {
		return &APIError{Status: status, Message: env.Error}
	}
	return &APIError{Status: status, Message: string(respBody)}
}
