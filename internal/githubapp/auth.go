package githubapp

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// assertionBackdate tolerates clock skew between us and the provider.
	assertionBackdate = 60 * time.Second
	assertionLifetime = 10 * time.Minute
	// cacheSlack expires cached installation tokens early so a token is
	// never handed out moments before the provider invalidates it.
	cacheSlack = 60 * time.Second
)

// TokenSource exchanges installation ids for short-lived access tokens.
type TokenSource interface {
	InstallationToken(ctx context.Context, installationID int64) (string, time.Time, error)
}

type cachedToken struct {
	token   string
	expires time.Time
}

// Authenticator mints app assertions and exchanges them for installation tokens.
type Authenticator struct {
	appID   string
	key     *rsa.PrivateKey
	baseURL string
	client  *http.Client
	now     func() time.Time

	mu    sync.Mutex
	cache map[int64]cachedToken
}

// New builds an Authenticator from the app id and a PEM-encoded RSA private key.
func New(appID string, privateKeyPEM []byte, baseURL string, timeout time.Duration) (*Authenticator, error) {
	if strings.TrimSpace(appID) == "" {
		return nil, errors.New("app id cannot be empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("parse app private key: %w", err)
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Authenticator{
		appID:   appID,
		key:     key,
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
		cache:   make(map[int64]cachedToken),
	}, nil
}

// MintAppAssertion issues the signed app-level JWT used to authenticate
// against the provider's app API.
func (a *Authenticator) MintAppAssertion() (string, error) {
	now := a.now()
	claims := jwt.RegisteredClaims{
		Issuer:    a.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-assertionBackdate)),
		ExpiresAt: jwt.NewNumericDate(now.Add(assertionLifetime)),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(a.key)
	if err != nil {
		return "", fmt.Errorf("sign app assertion: %w", err)
	}
	return signed, nil
}

// InstallationToken returns an installation-scoped access token, reusing a
// cached one until shortly before its expiry.
func (a *Authenticator) InstallationToken(ctx context.Context, installationID int64) (string, time.Time, error) {
	a.mu.Lock()
	if cached, ok := a.cache[installationID]; ok && a.now().Before(cached.expires.Add(-cacheSlack)) {
		a.mu.Unlock()
		return cached.token, cached.expires, nil
	}
	a.mu.Unlock()

	assertion, err := a.MintAppAssertion()
	if err != nil {
		return "", time.Time{}, err
	}

	url := fmt.Sprintf("%s/app/installations/%d/access_tokens", a.baseURL, installationID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Authorization", "Bearer "+assertion)
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("installation token exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", time.Time{}, fmt.Errorf("installation token exchange: status %d: %s",
			resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var payload struct {
		Token     string    `json:"token"`
		ExpiresAt time.Time `json:"expires_at"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", time.Time{}, fmt.Errorf("decode token response: %w", err)
	}
	if payload.Token == "" {
		return "", time.Time{}, errors.New("installation token exchange: empty token in response")
	}

	a.mu.Lock()
	a.cache[installationID] = cachedToken{token: payload.Token, expires: payload.ExpiresAt}
	a.mu.Unlock()

	return payload.Token, payload.ExpiresAt, nil
}
