package chatroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// TokenValidator reports how long an access token remains valid.
type TokenValidator interface {
	Validate(ctx context.Context, accessToken string) (time.Duration, error)
}

// TokenRefresher exchanges a refresh token for a new access token.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// IdentityClient talks to the identity provider's validate and token endpoints.
type IdentityClient struct {
	validateURL string
	oauth       *oauth2.Config
	client      *http.Client
}

// NewIdentityClient creates a client for the given endpoints.
func NewIdentityClient(clientID, clientSecret, tokenURL, validateURL string, httpClient *http.Client) *IdentityClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &IdentityClient{
		validateURL: validateURL,
		oauth: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  tokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		client: httpClient,
	}
}

type validateResponse struct {
	ClientID  string `json:"client_id"`
	Login     string `json:"login"`
	ExpiresIn int64  `json:"expires_in"`
}

// Validate returns the remaining lifetime of accessToken.
func (c *IdentityClient) Validate(ctx context.Context, accessToken string) (time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.validateURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create validate request: %w", err)
	}
	req.Header.Set("Authorization", "OAuth "+accessToken)

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to validate token: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return 0, domain.ErrTokenInvalid
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("token validation failed with status %d: %s", resp.StatusCode, body)
	}

	var out validateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("failed to decode validate response: %w", err)
	}
	return time.Duration(out.ExpiresIn) * time.Second, nil
}

// Refresh performs the refresh_token grant.
func (c *IdentityClient) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.client)
	// An empty access token forces the token source to hit the endpoint.
	tok, err := c.oauth.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}
	return tok, nil
}

// Credentials holds the current access and refresh tokens. Concurrent
// refreshes collapse into one identity-endpoint call.
type Credentials struct {
	mu      sync.RWMutex
	access  string
	refresh string

	validator TokenValidator
	refresher TokenRefresher
	minLife   time.Duration
	sf        singleflight.Group
}

// NewCredentials creates a credential holder. validator and refresher may
// be nil when no refresh token is configured.
func NewCredentials(accessToken, refreshToken string, v TokenValidator, r TokenRefresher, minLife time.Duration) *Credentials {
	return &Credentials{
		access:    accessToken,
		refresh:   refreshToken,
		validator: v,
		refresher: r,
		minLife:   minLife,
	}
}

// AccessToken returns the current access token.
func (c *Credentials) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.access
}

// CanRefresh reports whether rotation is possible.
func (c *Credentials) CanRefresh() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.refresh != "" && c.refresher != nil
}

// EnsureValid returns an access token that is good for at least the
// minimum lifetime, refreshing first if needed. Without rotation
// configured the static token is returned as is.
func (c *Credentials) EnsureValid(ctx context.Context) (string, error) {
	token := c.AccessToken()
	if !c.CanRefresh() {
		if token == "" {
			return "", domain.ErrNoRefreshCredential
		}
		return token, nil
	}

	if token != "" && c.validator != nil {
		remaining, err := c.validator.Validate(ctx, token)
		if err == nil && remaining >= c.minLife {
			return token, nil
		}
	}
	return c.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new access token and stores
// both. A rotated refresh token from the provider replaces the old one.
func (c *Credentials) Refresh(ctx context.Context) (string, error) {
	v, err, _ := c.sf.Do("refresh", func() (interface{}, error) {
		c.mu.RLock()
		refresh, refresher := c.refresh, c.refresher
		c.mu.RUnlock()

		if refresh == "" || refresher == nil {
			return "", domain.ErrNoRefreshCredential
		}

		tok, err := refresher.Refresh(ctx, refresh)
		if err != nil {
			return "", err
		}
		if tok.AccessToken == "" {
			return "", errors.New("identity endpoint returned an empty access token")
		}

		c.mu.Lock()
		c.access = tok.AccessToken
		if tok.RefreshToken != "" {
			c.refresh = tok.RefreshToken
		}
		c.mu.Unlock()
		return tok.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
