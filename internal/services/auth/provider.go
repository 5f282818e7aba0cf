package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Provider supplies bearer credentials to the request client and refreshes
// them on demand. A missing token is not an error: the app is usable
// anonymously, callers just get an empty bearer.
type Provider struct {
	baseURL    string
	store      TokenStore
	httpClient *http.Client
	logger     *logrus.Logger
	mu         sync.Mutex
}

// NewProvider creates a new credential provider
func NewProvider(baseURL string, store TokenStore, logger *logrus.Logger) *Provider {
	return &Provider{
		baseURL:    baseURL,
		store:      store,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Bearer returns the current access token, or empty string when anonymous
func (p *Provider) Bearer() string {
	token, err := p.store.GetToken()
	if err != nil || token == nil {
		return ""
	}
	return token.AccessToken
}

// Authenticated reports whether a credential is currently stored
func (p *Provider) Authenticated() bool {
	return p.Bearer() != ""
}

// refreshResponse represents the response from the token refresh endpoint
type refreshResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

// Refresh exchanges the refresh token for a new access token
func (p *Provider) Refresh(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	token, err := p.store.GetToken()
	if err != nil {
		return fmt.Errorf("no token to refresh: %w", err)
	}

	refreshReq := map[string]string{
		"refresh_token": token.RefreshToken,
		"grant_type":    "refresh_token",
	}

	jsonData, err := json.Marshal(refreshReq)
	if err != nil {
		return fmt.Errorf("failed to marshal refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", p.baseURL+"/auth/refresh", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("refresh request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("refresh failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var tokenResp refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&tokenResp); err != nil {
		return fmt.Errorf("failed to decode refresh response: %w", err)
	}

	newToken := &Token{
		AccessToken:  tokenResp.AccessToken,
		RefreshToken: tokenResp.RefreshToken,
		ExpiresAt:    time.Now().Add(time.Duration(tokenResp.ExpiresIn) * time.Second),
	}

	if err := p.store.SaveToken(newToken); err != nil {
		return fmt.Errorf("failed to save refreshed token: %w", err)
	}

	p.logger.Info("Token refreshed successfully")
	return nil
}

// Clear removes local credentials, used when refresh is rejected by the backend
func (p *Provider) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.logger.Info("Clearing stored credentials")
	return p.store.Clear()
}
