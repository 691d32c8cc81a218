// Package attest issues signed completion receipts for de-identification
// runs, so downstream consumers can check that a dataset went through the
// engine and under which configuration.
package attest

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/google/uuid"
)

var (
	ErrInvalidToken = errors.New("invalid attestation token")
	ErrNoSecret     = errors.New("attestation secret is not configured")
)

// Statement is the content an attestation vouches for. Counts only,
// never record content.
type Statement struct {
	RunID      string
	ConfigHash string
	Mode       string
	Accepted   int
	Rejected   int
	Failed     int
	Categories []string
}

type Claims struct {
	jwt.RegisteredClaims
	RunID      string   `json:"run_id"`
	ConfigHash string   `json:"config_hash"`
	Mode       string   `json:"mode"`
	Accepted   int      `json:"records_accepted"`
	Rejected   int      `json:"records_rejected"`
	Failed     int      `json:"records_failed"`
	Categories []string `json:"categories"`
}

type Signer struct {
	secret []byte
	ttl    time.Duration
}

func NewSigner(secret string, ttl time.Duration) (*Signer, error) {
	if secret == "" {
		return nil, ErrNoSecret
	}
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &Signer{secret: []byte(secret), ttl: ttl}, nil
}

func (s *Signer) Issue(st Statement) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
			Subject:   st.RunID,
			Issuer:    "deidentify",
		},
		RunID:      st.RunID,
		ConfigHash: st.ConfigHash,
		Mode:       st.Mode,
		Accepted:   st.Accepted,
		Rejected:   st.Rejected,
		Failed:     st.Failed,
		Categories: st.Categories,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

func (s *Signer) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})

	if err != nil {
		return nil, ErrInvalidToken
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}

	return nil, ErrInvalidToken
}
