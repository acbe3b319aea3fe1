package chatroom

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/averyjennings/claw-stream-vision/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
)

type fakeValidator struct {
	remaining time.Duration
	err       error
	calls     int
}

func (v *fakeValidator) Validate(ctx context.Context, token string) (time.Duration, error) {
	v.calls++
	return v.remaining, v.err
}

type fakeRefresher struct {
	mu      sync.Mutex
	err     error
	next    int
	seen    []string
	rotates bool
}

func (r *fakeRefresher) Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, refreshToken)
	if r.err != nil {
		return nil, r.err
	}
	r.next++
	tok := &oauth2.Token{AccessToken: fmt.Sprintf("access-%d", r.next)}
	if r.rotates {
		tok.RefreshToken = fmt.Sprintf("refresh-%d", r.next)
	}
	return tok, nil
}

func (r *fakeRefresher) setErr(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

func (r *fakeRefresher) refreshTokens() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestCredentials_StaticToken(t *testing.T) {
	ctx := context.Background()

	c := NewCredentials("static", "", nil, nil, 30*time.Minute)
	token, err := c.EnsureValid(ctx)
	require.NoError(t, err)
	assert.Equal(t, "static", token)
	assert.False(t, c.CanRefresh())

	_, err = NewCredentials("", "", nil, nil, 0).EnsureValid(ctx)
	assert.ErrorIs(t, err, domain.ErrNoRefreshCredential)

	_, err = c.Refresh(ctx)
	assert.ErrorIs(t, err, domain.ErrNoRefreshCredential)
}

func TestCredentials_ValidTokenIsKept(t *testing.T) {
	v := &fakeValidator{remaining: 3 * time.Hour}
	r := &fakeRefresher{}
	c := NewCredentials("current", "refresh", v, r, 30*time.Minute)

	token, err := c.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "current", token)
	assert.Equal(t, 1, v.calls)
	assert.Empty(t, r.refreshTokens())
}

func TestCredentials_ShortLivedTokenIsRefreshed(t *testing.T) {
	v := &fakeValidator{remaining: 10 * time.Minute}
	r := &fakeRefresher{rotates: true}
	c := NewCredentials("old", "refresh-0", v, r, 30*time.Minute)

	token, err := c.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, "access-1", c.AccessToken())

	// the rotated refresh token is used next time
	_, err = c.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"refresh-0", "refresh-1"}, r.refreshTokens())
}

func TestCredentials_InvalidTokenIsRefreshed(t *testing.T) {
	v := &fakeValidator{err: domain.ErrTokenInvalid}
	r := &fakeRefresher{}
	c := NewCredentials("revoked", "refresh", v, r, 30*time.Minute)

	token, err := c.EnsureValid(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access-1", token)
	assert.Equal(t, []string{"refresh"}, r.refreshTokens(), "refresh token is kept when not rotated")
}

func TestCredentials_RefreshFailureKeepsOldToken(t *testing.T) {
	r := &fakeRefresher{err: errors.New("identity endpoint unreachable")}
	c := NewCredentials("old", "refresh", nil, r, 30*time.Minute)

	_, err := c.Refresh(context.Background())
	assert.Error(t, err)
	assert.Equal(t, "old", c.AccessToken())
}

func TestIdentityClient_ValidateAndRefresh(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/validate", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "OAuth good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"client_id": "cid", "login": "clawbot", "expires_in": 3600})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.PostForm.Get("grant_type"))
		assert.Equal(t, "r1", r.PostForm.Get("refresh_token"))
		assert.Equal(t, "cid", r.PostForm.Get("client_id"))
		assert.Equal(t, "secret", r.PostForm.Get("client_secret"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"access_token":  "a2",
			"refresh_token": "r2",
			"token_type":    "bearer",
			"expires_in":    14400,
		})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewIdentityClient("cid", "secret", srv.URL+"/token", srv.URL+"/validate", srv.Client())
	ctx := context.Background()

	remaining, err := c.Validate(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, time.Hour, remaining)

	_, err = c.Validate(ctx, "bad")
	assert.ErrorIs(t, err, domain.ErrTokenInvalid)

	tok, err := c.Refresh(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, "a2", tok.AccessToken)
	assert.Equal(t, "r2", tok.RefreshToken)
}
