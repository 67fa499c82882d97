package github

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/p-blackswan/pipeline-sentinel/pkg/tokenstore"
)

func testKeyPEM(t *testing.T) ([]byte, *rsa.PrivateKey) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	}), key
}

func TestNewAppClientFromKeyBytes(t *testing.T) {
	keyPEM, _ := testKeyPEM(t)
	c, err := NewAppClientFromKeyBytes(12345, 678, keyPEM, tokenstore.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	assert.NotNil(t, c)

	_, err = NewAppClientFromKeyBytes(12345, 678, []byte("not a key"), tokenstore.NewMemoryStore(), zerolog.Nop())
	assert.Error(t, err)
}

func TestGenerateJWT(t *testing.T) {
	keyPEM, key := testKeyPEM(t)
	c, err := NewAppClientFromKeyBytes(12345, 678, keyPEM, tokenstore.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)

	signed, err := c.generateJWT()
	require.NoError(t, err)

	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(signed, claims, func(tok *jwt.Token) (interface{}, error) {
		return &key.PublicKey, nil
	})
	require.NoError(t, err)
	assert.True(t, parsed.Valid)
	assert.Equal(t, "12345", claims.Issuer)
}

func TestTokenClientUsesPAT(t *testing.T) {
	c := NewTokenClient("ghp_dev", zerolog.Nop())
	api, err := c.API(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, api)
}
