// Package hardware implements the proof-of-hardware protocol: seeded
// benchmark challenges and the multiplier assignment derived from the
// worker's submitted completion time.
package hardware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"time"

	"gorm.io/gorm"

	"github.com/monkey-troop/coordinator/kv"
	"github.com/monkey-troop/coordinator/ledger"
)

// Protocol constants. The baseline is calibrated so a reference RTX 3060
// finishing the 4096x4096 seeded multiplication in ~35 s earns 1.0x.
const (
	ChallengeTTL = 60 * time.Second
	MatrixSize   = 4096

	baselineSeconds = 35.0
	maxMultiplier   = 20.0

	challengeKeyPrefix = "challenge:"
)

// SystemOwnerKey owns nodes that verified hardware before any settlement
// attached them to a real account.
const SystemOwnerKey = "system-key"

// Performance tiers reported back to workers.
const (
	TierHighPerformance = "High Performance"
	TierStandard        = "Standard"
)

// Typed verification failures.
var (
	ErrChallengeExpired = errors.New("hardware: challenge expired or unknown")
	ErrBadProofFormat   = errors.New("hardware: proof hash must be 64 hex characters")
)

// Challenge is handed to a worker to run the seeded benchmark.
type Challenge struct {
	Token      string `json:"challenge_token"`
	Seed       string `json:"seed"`
	MatrixSize int    `json:"matrix_size"`
}

// Proof is a worker's submission for an outstanding challenge.
type Proof struct {
	NodeID         string  `json:"node_id"`
	ChallengeToken string  `json:"challenge_token"`
	ProofHash      string  `json:"proof_hash"`
	Duration       float64 `json:"duration"`
	DeviceName     string  `json:"device_name"`
}

// Verification is the outcome of a successful proof submission.
type Verification struct {
	Status     string  `json:"status"`
	Multiplier float64 `json:"assigned_multiplier"`
	Tier       string  `json:"tier"`
}

// Protocol issues challenges and verifies proofs.
type Protocol struct {
	store *kv.Store
	db    *gorm.DB
}

// New constructs the protocol over the ephemeral store and the ledger.
func New(store *kv.Store, db *gorm.DB) *Protocol {
	return &Protocol{store: store, db: db}
}

// IssueChallenge mints a fresh challenge for a node. Token and seed are
// independent 128-bit random values; the seed stays secret until the worker
// completes the benchmark, which is what makes precomputation useless.
func (p *Protocol) IssueChallenge(ctx context.Context, nodeID string) (Challenge, error) {
	token, err := randomHex()
	if err != nil {
		return Challenge{}, err
	}
	seed, err := randomHex()
	if err != nil {
		return Challenge{}, err
	}
	if err := p.store.Set(ctx, challengeKeyPrefix+token, seed, ChallengeTTL); err != nil {
		return Challenge{}, fmt.Errorf("store challenge: %w", err)
	}
	return Challenge{Token: token, Seed: seed, MatrixSize: MatrixSize}, nil
}

// VerifyProof checks a submission against its outstanding challenge, upserts
// the node with its new multiplier, and consumes the challenge. The
// coordinator does not re-run the benchmark; the proof hash is an opaque
// commitment whose strength comes from seed secrecy and the 60 s window.
func (p *Protocol) VerifyProof(ctx context.Context, proof Proof) (Verification, error) {
	key := challengeKeyPrefix + proof.ChallengeToken
	if _, err := p.store.Get(ctx, key); err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return Verification{}, ErrChallengeExpired
		}
		return Verification{}, fmt.Errorf("load challenge: %w", err)
	}

	if !validProofHash(proof.ProofHash) {
		return Verification{}, ErrBadProofFormat
	}

	multiplier := Multiplier(proof.Duration)
	now := time.Now().UTC()

	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node ledger.Node
		switch err := tx.Where("node_id = ?", proof.NodeID).First(&node).Error; {
		case errors.Is(err, gorm.ErrRecordNotFound):
			owner, err := p.ensureSystemOwner(tx, now)
			if err != nil {
				return err
			}
			node = ledger.Node{
				NodeID:         proof.NodeID,
				OwnerPublicKey: owner,
				CreatedAt:      now,
				LastSeen:       now,
			}
		case err != nil:
			return fmt.Errorf("load node: %w", err)
		}

		node.Multiplier = multiplier
		node.HardwareModel = proof.DeviceName
		node.BenchmarkScore = proof.Duration
		node.LastBenchmark = &now
		return tx.Save(&node).Error
	})
	if err != nil {
		return Verification{}, fmt.Errorf("persist verification: %w", err)
	}

	if err := p.store.Delete(ctx, key); err != nil {
		return Verification{}, fmt.Errorf("consume challenge: %w", err)
	}

	return Verification{Status: "verified", Multiplier: multiplier, Tier: Tier(multiplier)}, nil
}

// ensureSystemOwner lazily creates the zero-balance system account that owns
// auto-registered nodes. Not a starter-credit user: the system earns nothing.
func (p *Protocol) ensureSystemOwner(tx *gorm.DB, now time.Time) (string, error) {
	var user ledger.User
	err := tx.Where("public_key = ?", SystemOwnerKey).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		user = ledger.User{PublicKey: SystemOwnerKey, BalanceSeconds: 0, CreatedAt: now, LastActive: now}
		if err := tx.Create(&user).Error; err != nil {
			return "", fmt.Errorf("create system owner: %w", err)
		}
		return SystemOwnerKey, nil
	}
	if err != nil {
		return "", fmt.Errorf("load system owner: %w", err)
	}
	return user.PublicKey, nil
}

// Multiplier converts a benchmark duration into the node's credit multiplier:
// baseline/duration, capped at 20x, rounded to two decimals. Non-positive
// durations earn nothing.
func Multiplier(duration float64) float64 {
	if duration <= 0 {
		return 0
	}
	m := baselineSeconds / duration
	if m > maxMultiplier {
		m = maxMultiplier
	}
	return math.Round(m*100) / 100
}

// Tier buckets a multiplier for display.
func Tier(multiplier float64) string {
	if multiplier > 3 {
		return TierHighPerformance
	}
	return TierStandard
}

func validProofHash(hash string) bool {
	if len(hash) != 64 {
		return false
	}
	_, err := hex.DecodeString(hash)
	return err == nil
}

func randomHex() (string, error) {
	var buf [16]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("generate random value: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
