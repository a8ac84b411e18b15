package relay

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/perchlabs/perch/internal/store"
)

const jwtSecretKey = "jwt_secret"

// ClientClaims are the JWT claims for a client connection.
type ClientClaims struct {
	jwt.RegisteredClaims
	Device string `json:"device,omitempty"`
}

// GenerateOrLoadSecret returns the JWT signing secret.
// Priority: envSecret (from PERCH_JWT_SECRET / config) > meta table > auto-generate.
func GenerateOrLoadSecret(st *store.Store, envSecret string) ([]byte, error) {
	if envSecret != "" {
		return base64.StdEncoding.DecodeString(envSecret)
	}

	val, err := st.GetMeta(jwtSecretKey)
	if err != nil {
		return nil, err
	}
	if val != "" {
		return base64.StdEncoding.DecodeString(val)
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate jwt secret: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(secret)
	if err := st.SetMeta(jwtSecretKey, encoded); err != nil {
		return nil, err
	}
	return secret, nil
}

// IssueToken creates a signed JWT for a client.
func IssueToken(secret []byte, userID, device string, ttl time.Duration) (string, time.Time, error) {
	exp := time.Now().Add(ttl)
	claims := ClientClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Device: device,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign jwt: %w", err)
	}
	return signed, exp, nil
}

// ValidateToken verifies a JWT and returns the claims.
func ValidateToken(secret []byte, tokenString string) (*ClientClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &ClientClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse jwt: %w", err)
	}

	claims, ok := token.Claims.(*ClientClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid jwt claims")
	}
	return claims, nil
}
