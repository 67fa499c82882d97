// Package github wraps the GitHub API with App authentication for the
// external-state poller.
package github

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"

	"github.com/p-blackswan/pipeline-sentinel/pkg/tokenstore"
)

// Client wraps the GitHub API with App authentication.
type Client struct {
	appID          int64
	installationID int64
	privateKey     *rsa.PrivateKey
	pat            string
	tokenStore     tokenstore.Store
	httpClient     *http.Client
	logger         zerolog.Logger
}

// NewAppClient creates a GitHub App client from a private key file.
func NewAppClient(appID, installationID int64, privateKeyPath string, store tokenstore.Store, logger zerolog.Logger) (*Client, error) {
	keyData, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("reading private key: %w", err)
	}
	return NewAppClientFromKeyBytes(appID, installationID, keyData, store, logger)
}

// NewAppClientFromKeyBytes creates a client from PEM key bytes (useful for testing).
func NewAppClientFromKeyBytes(appID, installationID int64, keyData []byte, store tokenstore.Store, logger zerolog.Logger) (*Client, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(keyData)
	if err != nil {
		return nil, fmt.Errorf("parsing private key: %w", err)
	}

	return &Client{
		appID:          appID,
		installationID: installationID,
		privateKey:     key,
		tokenStore:     store,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		logger:         logger.With().Str("component", "github").Logger(),
	}, nil
}

// NewTokenClient creates a client from a plain personal access token, for
// development environments without App credentials.
func NewTokenClient(token string, logger zerolog.Logger) *Client {
	return &Client{
		pat:        token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger.With().Str("component", "github").Logger(),
	}
}

// generateJWT creates a JWT for GitHub App authentication.
func (c *Client) generateJWT() (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		IssuedAt:  jwt.NewNumericDate(now.Add(-60 * time.Second)),
		ExpiresAt: jwt.NewNumericDate(now.Add(10 * time.Minute)),
		Issuer:    fmt.Sprintf("%d", c.appID),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	signed, err := token.SignedString(c.privateKey)
	if err != nil {
		return "", fmt.Errorf("signing JWT: %w", err)
	}
	return signed, nil
}

// API returns a go-github client authenticated for the configured
// installation (or PAT in development mode).
func (c *Client) API(ctx context.Context) (*github.Client, error) {
	token := c.pat
	if token == "" {
		var err error
		token, err = c.getInstallationToken(ctx)
		if err != nil {
			return nil, err
		}
	}

	client := github.NewClient(&http.Client{
		Transport: &tokenTransport{token: token, base: http.DefaultTransport},
		Timeout:   30 * time.Second,
	})
	return client, nil
}

type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req2 := req.Clone(req.Context())
	req2.Header.Set("Authorization", "token "+t.token)
	return t.base.RoundTrip(req2)
}
