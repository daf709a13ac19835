package gateway

import (
	"crypto/rand"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"pagepilot/internal/domain"
	"pagepilot/internal/usecase"
)

// Subprotocol tokens. A client offers "pagepilot.bridge, v1, <jwt>".
const (
	SubprotocolName    = "pagepilot.bridge"
	SubprotocolVersion = "v1"

	tokenIssuer     = "pagepilot"
	defaultTokenTTL = 5 * time.Minute
	credentialIndex = 2
)

// TokenIssuer mints and verifies the short-lived HS256 bridge tokens.
type TokenIssuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. An empty secret is replaced by 32 random
// bytes, so tokens do not survive a restart.
func NewTokenIssuer(secret string, ttl time.Duration) (*TokenIssuer, error) {
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("generate signing key: %w", err)
		}
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	return &TokenIssuer{secret: key, ttl: ttl, now: time.Now}, nil
}

// TTL returns the token lifetime.
func (ti *TokenIssuer) TTL() time.Duration { return ti.ttl }

// Issue returns a fresh token and its expiry.
func (ti *TokenIssuer) Issue() (string, time.Time, error) {
	now := ti.now()
	exp := now.Add(ti.ttl)
	claims := jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        usecase.NewID(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign bridge token: %w", err)
	}
	return signed, exp, nil
}

// Verify checks signature, algorithm, issuer and the time claims.
func (ti *TokenIssuer) Verify(token string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", domain.ErrGatewayAuthFailed)
	}
	_, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{},
		func(*jwt.Token) (any, error) { return ti.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(tokenIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(ti.now),
	)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayAuthFailed, err)
	}
	return nil
}

// subprotocolTokens returns every comma-separated token of the
// Sec-WebSocket-Protocol headers, in order.
func subprotocolTokens(r *http.Request) []string {
	var out []string
	for _, v := range r.Header.Values("Sec-WebSocket-Protocol") {
		for _, t := range strings.Split(v, ",") {
			if t = strings.TrimSpace(t); t != "" {
				out = append(out, t)
			}
		}
	}
	return out
}

// credential returns the bearer token carried as the third subprotocol token.
func credential(tokens []string) string {
	if len(tokens) <= credentialIndex {
		return ""
	}
	return tokens[credentialIndex]
}

// PairingSubprotocol renders the subprotocol string a client must offer.
func PairingSubprotocol(token string) string {
	return SubprotocolName + ", " + SubprotocolVersion + ", " + token
}
