// Package auth provides JWT verification for HTTP and WebSocket handshakes.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the identity carried by a bearer token.
type Claims struct {
	UserID string
	Role   string
}

// Verifier validates bearer tokens.
// Modes: dev (token format "userId:role", no crypto) and hmac (HS256).
type Verifier struct {
	Mode       string
	HMACSecret []byte
}

var ErrInvalidToken = errors.New("invalid token")

func NewVerifierFromEnv() *Verifier {
	mode := strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE")))
	if mode == "" {
		mode = "dev"
	}
	return &Verifier{Mode: mode, HMACSecret: []byte(os.Getenv("AUTH_HMAC_SECRET"))}
}

func (v *Verifier) Verify(token string) (Claims, error) {
	if v.Mode == "dev" {
		parts := strings.Split(token, ":")
		if len(parts) >= 2 && parts[0] != "" {
			return Claims{UserID: parts[0], Role: strings.ToLower(parts[1])}, nil
		}
		return Claims{}, fmt.Errorf("%w: expected userId:role", ErrInvalidToken)
	}
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.HMACSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	sub, _ := claims["id"].(string)
	if sub == "" {
		sub, _ = claims["sub"].(string)
	}
	if sub == "" {
		return Claims{}, fmt.Errorf("%w: missing subject", ErrInvalidToken)
	}
	role, _ := claims["role"].(string)
	return Claims{UserID: sub, Role: strings.ToLower(role)}, nil
}

// Sign issues an HS256 token for the given identity. Used by tests and the
// demo client; login itself lives in the CRUD layer.
func (v *Verifier) Sign(userID, role string, ttl time.Duration) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"id":   userID,
		"role": role,
		"iat":  time.Now().Unix(),
		"exp":  time.Now().Add(ttl).Unix(),
	})
	return tok.SignedString(v.HMACSecret)
}
