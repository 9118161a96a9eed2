// Package ticket mints and verifies the short-lived RS256 authorizations
// that let a client reach a specific worker. Tickets are self-contained:
// workers verify them against the coordinator's public key without a
// callback, and the coordinator keeps no record of issued tickets.
package ticket

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Audience is the only audience workers accept.
const Audience = "troop-worker"

// Lifetime bounds how long a ticket authorizes access.
const Lifetime = 5 * time.Minute

// DefaultProject tags tickets minted without an explicit tier.
const DefaultProject = "free-tier"

// Claims carried by an authorization ticket.
type Claims struct {
	TargetNode string `json:"target_node"`
	Project    string `json:"project"`
	jwt.RegisteredClaims
}

// Service signs and verifies tickets.
type Service struct {
	private *rsa.PrivateKey
	public  *rsa.PublicKey
	now     func() time.Time
}

// New constructs a ticket service around the coordinator keypair.
func New(private *rsa.PrivateKey, public *rsa.PublicKey) *Service {
	return &Service{private: private, public: public, now: time.Now}
}

// Mint issues a ticket authorizing requester to reach nodeID until expiry.
func (s *Service) Mint(requester, nodeID, project string) (string, error) {
	if project == "" {
		project = DefaultProject
	}
	now := s.now()
	claims := Claims{
		TargetNode: nodeID,
		Project:    project,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   requester,
			Audience:  jwt.ClaimStrings{Audience},
			ExpiresAt: jwt.NewNumericDate(now.Add(Lifetime)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(s.private)
	if err != nil {
		return "", fmt.Errorf("sign ticket: %w", err)
	}
	return token, nil
}

// Verify decodes a ticket and enforces signature, audience, and expiry.
// Any failure yields a nil result.
func (s *Service) Verify(token string) *Claims {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.public, nil
	},
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	if err != nil || !parsed.Valid {
		return nil
	}
	return claims
}
