package github

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	gogithub "github.com/google/go-github/v75/github"
)

// appTokenSource exchanges a GitHub App JWT for installation tokens and
// caches them until shortly before expiry. Installation tokens last an
// hour; refresh happens under the source's own lock so concurrent callers
// mint at most one token.
type appTokenSource struct {
	appID          int64
	installationID int64
	privateKey     []byte

	mu      sync.Mutex
	token   string
	expires time.Time
}

// tokenRefreshMargin refreshes tokens this long before they expire, so an
// in-flight request never carries a token that lapses mid-call.
const tokenRefreshMargin = 2 * time.Minute

func newAppTokenSource(appID, installationID int64, privateKeyPEM []byte) *appTokenSource {
	return &appTokenSource{
		appID:          appID,
		installationID: installationID,
		privateKey:     privateKeyPEM,
	}
}

// Token returns a live installation token, minting a fresh one when the
// cached token is absent or near expiry.
func (s *appTokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token != "" && time.Now().Before(s.expires.Add(-tokenRefreshMargin)) {
		return s.token, nil
	}

	appJWT, err := s.mintAppJWT()
	if err != nil {
		return "", fmt.Errorf("mint app JWT: %w", err)
	}

	appClient := gogithub.NewClient(nil).WithAuthToken(appJWT)
	tok, _, err := appClient.Apps.CreateInstallationToken(ctx, s.installationID, nil)
	if err != nil {
		return "", fmt.Errorf("exchange installation token: %w", err)
	}

	s.token = tok.GetToken()
	s.expires = tok.GetExpiresAt().Time
	return s.token, nil
}

// mintAppJWT signs a short-lived RS256 JWT identifying the App. GitHub
// rejects iat values in the future, so it is backdated a minute against
// clock skew.
func (s *appTokenSource) mintAppJWT() (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(s.privateKey)
	if err != nil {
		return "", fmt.Errorf("parse app private key: %w", err)
	}
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Issuer:    fmt.Sprintf("%d", s.appID),
		IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
		ExpiresAt: jwt.NewNumericDate(now.Add(9 * time.Minute)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
}

// NewTokenFunc returns a source of live installation tokens for
// collaborators that authenticate outside the REST client, such as worktree
// clones. The returned func shares one cached token across callers.
func NewTokenFunc(appID, installationID int64, privateKeyPEM []byte) func(ctx context.Context) (string, error) {
	source := newAppTokenSource(appID, installationID, privateKeyPEM)
	return source.Token
}

// installationTransport injects the current installation token into every
// request.
type installationTransport struct {
	source *appTokenSource
	base   http.RoundTripper
}

func (t *installationTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, err := t.source.Token(req.Context())
	if err != nil {
		return nil, err
	}
	clone := req.Clone(req.Context())
	clone.Header.Set("Authorization", "Bearer "+token)
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(clone)
}
