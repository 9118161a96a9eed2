// Package credit implements the coordinator's credit accounting: starter
// grants, reservations at authorization time, refunds, and settlement of
// signed job receipts. All balance mutations run inside a single ledger
// transaction with the affected user rows locked.
package credit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/monkey-troop/coordinator/ledger"
)

// Accounting constants, denominated in GPU-seconds.
const (
	StarterCredits       = 3600
	EstimatedJobDuration = 300
)

// Typed failures surfaced to the pipeline.
var (
	ErrInsufficientCredits = errors.New("credit: insufficient balance")
	ErrInvalidReceipt      = errors.New("credit: invalid receipt signature")
	ErrInvalidDuration     = errors.New("credit: duration must be positive")
	ErrUnknownNode         = errors.New("credit: worker node not found")
	ErrUnknownRequester    = errors.New("credit: requester not found")
	ErrDuplicateJob        = errors.New("credit: job already settled")
)

// Settlement summarizes a successful job settlement.
type Settlement struct {
	CreditsTransferred int64 `json:"credits_transferred"`
	RequesterBalance   int64 `json:"requester_balance"`
	WorkerBalance      int64 `json:"worker_balance"`
}

// Engine mediates every credit mutation against the ledger.
type Engine struct {
	db            *gorm.DB
	receiptSecret []byte
	now           func() time.Time
}

// New constructs the engine. receiptSecret is the HMAC key shared with
// workers for signing job receipts.
func New(db *gorm.DB, receiptSecret string) *Engine {
	return &Engine{db: db, receiptSecret: []byte(receiptSecret), now: time.Now}
}

// EnsureUser creates the account with starter credits on first sight, along
// with its starter-grant ledger row, in one transaction. Idempotent: a lost
// race against a concurrent create re-reads the winner's row.
func (e *Engine) EnsureUser(ctx context.Context, publicKey string) (ledger.User, error) {
	var user ledger.User
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("public_key = ?", publicKey).First(&user).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("load user: %w", err)
		}

		now := e.now().UTC()
		user = ledger.User{
			PublicKey:      publicKey,
			BalanceSeconds: StarterCredits,
			CreatedAt:      now,
			LastActive:     now,
		}
		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("create user: %w", err)
		}
		grant := ledger.Transaction{
			ToUser:             &user.PublicKey,
			DurationSeconds:    0,
			CreditsTransferred: StarterCredits,
			JobID:              ledger.JobIDStarterGrant,
			Timestamp:          now,
			Meta:               ledger.TxnMeta{Type: ledger.MetaStarterGrant},
		}
		return tx.Create(&grant).Error
	})
	if err != nil {
		// The unique index on public_key makes concurrent creates lose
		// cleanly; fall back to the committed row.
		var existing ledger.User
		if lookupErr := e.db.WithContext(ctx).Where("public_key = ?", publicKey).First(&existing).Error; lookupErr == nil {
			return existing, nil
		}
		return ledger.User{}, err
	}
	return user, nil
}

// Balance returns the user's balance in seconds, zero if the user is unknown.
func (e *Engine) Balance(ctx context.Context, publicKey string) (int64, error) {
	var user ledger.User
	err := e.db.WithContext(ctx).Where("public_key = ?", publicKey).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("load balance: %w", err)
	}
	return user.BalanceSeconds, nil
}

// HasBalance reports whether the user can cover amount.
func (e *Engine) HasBalance(ctx context.Context, publicKey string, amount int64) (bool, error) {
	balance, err := e.Balance(ctx, publicKey)
	if err != nil {
		return false, err
	}
	return balance >= amount, nil
}

// Reserve debits amount from the user's balance ahead of a job. The row is
// locked for the duration of the transaction so concurrent reservations for
// the same user serialize and can never overdraw.
func (e *Engine) Reserve(ctx context.Context, publicKey string, amount int64) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user ledger.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("public_key = ?", publicKey).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrInsufficientCredits
		}
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		if user.BalanceSeconds < amount {
			return ErrInsufficientCredits
		}
		user.BalanceSeconds -= amount
		user.LastActive = e.now().UTC()
		return tx.Save(&user).Error
	})
}

// Refund credits amount back to the user and appends a refund ledger row.
// Used when a job fails after its reservation was taken.
func (e *Engine) Refund(ctx context.Context, publicKey string, amount int64, jobID string) error {
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user ledger.User
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("public_key = ?", publicKey).First(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownRequester
		}
		if err != nil {
			return fmt.Errorf("lock user: %w", err)
		}
		user.BalanceSeconds += amount
		if err := tx.Save(&user).Error; err != nil {
			return err
		}
		refund := ledger.Transaction{
			ToUser:             &user.PublicKey,
			DurationSeconds:    0,
			CreditsTransferred: amount,
			JobID:              jobID,
			Timestamp:          e.now().UTC(),
			Meta:               ledger.TxnMeta{Type: ledger.MetaRefund},
		}
		return tx.Create(&refund).Error
	})
}

// Settle applies a signed job receipt: verifies the HMAC, credits the worker
// owner by duration * node multiplier, bumps node stats, and appends the
// job_completion ledger row. The requester's debit already happened at
// reservation time, so settlement only credits the worker side.
//
// The same job id settles at most once; the existence check runs inside the
// settlement transaction so a replayed receipt cannot race its original.
func (e *Engine) Settle(ctx context.Context, jobID, requesterKey, nodeID string, duration int64, receiptSignature string) (Settlement, error) {
	// The HMAC covers whatever duration the worker chose, so the sign check
	// alone cannot keep a negative credit out of the ledger.
	if duration <= 0 {
		return Settlement{}, ErrInvalidDuration
	}
	if !e.VerifyReceipt(jobID, nodeID, duration, receiptSignature) {
		return Settlement{}, ErrInvalidReceipt
	}

	var result Settlement
	err := e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var node ledger.Node
		err := tx.Where("node_id = ?", nodeID).First(&node).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownNode
		}
		if err != nil {
			return fmt.Errorf("load node: %w", err)
		}

		var settled int64
		if err := tx.Model(&ledger.Transaction{}).
			Where("job_id = ? AND metadata->>'type' = ?", jobID, ledger.MetaJobCompletion).
			Count(&settled).Error; err != nil {
			return fmt.Errorf("check prior settlement: %w", err)
		}
		if settled > 0 {
			return ErrDuplicateJob
		}

		var requester ledger.User
		err = tx.Where("public_key = ?", requesterKey).First(&requester).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrUnknownRequester
		}
		if err != nil {
			return fmt.Errorf("load requester: %w", err)
		}

		now := e.now().UTC()
		owner, err := e.ensureOwnerLocked(tx, node.OwnerPublicKey, now)
		if err != nil {
			return err
		}

		credits := int64(float64(duration) * node.Multiplier)
		owner.BalanceSeconds += credits
		if err := tx.Save(owner).Error; err != nil {
			return fmt.Errorf("credit owner: %w", err)
		}

		node.TotalJobsCompleted++
		node.LastSeen = now
		node.TrustScore = min(1.0, node.TrustScore+0.01)
		if err := tx.Save(&node).Error; err != nil {
			return fmt.Errorf("update node: %w", err)
		}

		multiplier := node.Multiplier
		row := ledger.Transaction{
			FromUser:           &requester.PublicKey,
			ToUser:             &owner.PublicKey,
			DurationSeconds:    duration,
			CreditsTransferred: credits,
			JobID:              jobID,
			NodeID:             &node.NodeID,
			Timestamp:          now,
			Meta:               ledger.TxnMeta{Type: ledger.MetaJobCompletion, Multiplier: &multiplier},
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("append ledger row: %w", err)
		}

		result = Settlement{
			CreditsTransferred: credits,
			RequesterBalance:   requester.BalanceSeconds,
			WorkerBalance:      owner.BalanceSeconds,
		}
		return nil
	})
	if err != nil {
		return Settlement{}, err
	}
	return result, nil
}

// ensureOwnerLocked loads the worker owner with a row lock, lazily creating
// the account (with starter credits and grant row) when the owner has never
// been seen before.
func (e *Engine) ensureOwnerLocked(tx *gorm.DB, publicKey string, now time.Time) (*ledger.User, error) {
	var owner ledger.User
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("public_key = ?", publicKey).First(&owner).Error
	if err == nil {
		return &owner, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("lock owner: %w", err)
	}

	owner = ledger.User{
		PublicKey:      publicKey,
		BalanceSeconds: StarterCredits,
		CreatedAt:      now,
		LastActive:     now,
	}
	if err := tx.Create(&owner).Error; err != nil {
		return nil, fmt.Errorf("create owner: %w", err)
	}
	grant := ledger.Transaction{
		ToUser:             &owner.PublicKey,
		DurationSeconds:    0,
		CreditsTransferred: StarterCredits,
		JobID:              ledger.JobIDStarterGrant,
		Timestamp:          now,
		Meta:               ledger.TxnMeta{Type: ledger.MetaStarterGrant},
	}
	if err := tx.Create(&grant).Error; err != nil {
		return nil, fmt.Errorf("record starter grant: %w", err)
	}
	return &owner, nil
}

// SignReceipt computes the HMAC-SHA256 receipt signature for a job. Workers
// hold the same shared secret and sign receipts the same way.
func (e *Engine) SignReceipt(jobID, nodeID string, duration int64) string {
	mac := hmac.New(sha256.New, e.receiptSecret)
	fmt.Fprintf(mac, "%s:%s:%d", jobID, nodeID, duration)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyReceipt checks a receipt signature in constant time.
func (e *Engine) VerifyReceipt(jobID, nodeID string, duration int64, signature string) bool {
	expected := e.SignReceipt(jobID, nodeID, duration)
	return hmac.Equal([]byte(expected), []byte(signature))
}

// History returns the most recent ledger rows touching the user, newest
// first.
func (e *Engine) History(ctx context.Context, publicKey string, limit int) ([]ledger.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows []ledger.Transaction
	err := e.db.WithContext(ctx).
		Where("from_user = ? OR to_user = ?", publicKey, publicKey).
		Order("timestamp DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	return rows, nil
}
