// Package auth issues and checks the device token the status reporter
// presents to the management controller.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalid = errors.New("invalid token")

// ErrNoSecret is returned when signing without a secret.
var ErrNoSecret = errors.New("empty signing secret")

type Claims struct {
	DeviceID string `json:"did"`
	Hostname string `json:"host,omitempty"`
	jwt.RegisteredClaims
}

// Generate signs an HS256 token for deviceID valid for ttl.
func Generate(secret []byte, deviceID, hostname string, ttl time.Duration) (string, error) {
	if len(secret) == 0 {
		return "", ErrNoSecret
	}
	now := time.Now()
	claims := Claims{
		DeviceID: deviceID,
		Hostname: hostname,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   deviceID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Parse verifies tokenStr against secret and returns its claims.
func Parse(secret []byte, tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(_ *jwt.Token) (interface{}, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid {
		return nil, ErrInvalid
	}
	if claims, ok := token.Claims.(*Claims); ok && claims.DeviceID != "" {
		return claims, nil
	}
	return nil, ErrInvalid
}
