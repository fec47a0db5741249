package upbit

import (
	"crypto/sha512"
	"encoding/hex"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// tokenClaims is the payload the exchange verifies on private endpoints
type tokenClaims struct {
	AccessKey    string `json:"access_key"`
	Nonce        string `json:"nonce"`
	QueryHash    string `json:"query_hash,omitempty"`
	QueryHashAlg string `json:"query_hash_alg,omitempty"`
	jwt.RegisteredClaims
}

// Signer builds bearer tokens for private requests
type Signer struct {
	accessKey string
	secretKey string
}

func NewSigner(accessKey, secretKey string) *Signer {
	return &Signer{accessKey: accessKey, secretKey: secretKey}
}

// Token signs {access_key, nonce} and, when query is non-empty,
// the SHA512 hash of the encoded query string.
func (s *Signer) Token(query string) (string, error) {
	if s.accessKey == "" || s.secretKey == "" {
		return "", fmt.Errorf("upbit credentials not configured")
	}

	claims := tokenClaims{
		AccessKey: s.accessKey,
		Nonce:     uuid.NewString(),
	}
	if query != "" {
		sum := sha512.Sum512([]byte(query))
		claims.QueryHash = hex.EncodeToString(sum[:])
		claims.QueryHashAlg = "SHA512"
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.secretKey))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// AuthorizationHeader returns the full header value for query
func (s *Signer) AuthorizationHeader(query string) (string, error) {
	token, err := s.Token(query)
	if err != nil {
		return "", err
	}
	return "Bearer " + token, nil
}
