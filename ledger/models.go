// Package ledger defines the durable schema: users, nodes, the append-only
// transaction ledger, and audit records. Business rules live in the credit
// engine and proof-of-hardware packages; this package owns persistence only.
package ledger

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// Transaction meta tags. The ledger distinguishes system-origin credit
// creation (starter grants, refunds) from peer-to-peer job settlements.
const (
	MetaStarterGrant  = "starter_grant"
	MetaRefund        = "refund"
	MetaJobCompletion = "job_completion"
)

// JobIDStarterGrant marks the synthetic job id used for starter grants; it is
// the only job id allowed to repeat in the ledger.
const JobIDStarterGrant = "starter_grant"

// User is an account keyed by wallet public key with a credit balance
// denominated in GPU-seconds.
type User struct {
	ID             uint   `gorm:"primaryKey" json:"-"`
	PublicKey      string `gorm:"uniqueIndex;not null" json:"public_key"`
	BalanceSeconds int64  `gorm:"not null;default:0" json:"balance_seconds"`
	CreatedAt      time.Time
	LastActive     time.Time
}

// Node is a GPU worker registered through proof-of-hardware verification.
type Node struct {
	ID                 uint   `gorm:"primaryKey" json:"-"`
	NodeID             string `gorm:"size:64;uniqueIndex;not null" json:"node_id"`
	OwnerPublicKey     string `gorm:"index;not null" json:"owner_public_key"`
	Multiplier         float64 `gorm:"not null;default:1.0" json:"multiplier"`
	BenchmarkScore     float64 `json:"benchmark_score"`
	TrustScore         float64 `gorm:"not null;default:0.0" json:"trust_score"`
	TotalJobsCompleted int     `gorm:"not null;default:0" json:"total_jobs_completed"`
	HardwareModel      string  `gorm:"size:128" json:"hardware_model"`
	LastBenchmark      *time.Time `json:"last_benchmark"`
	LastSeen           time.Time  `json:"last_seen"`
	CreatedAt          time.Time
}

// Transaction is one append-only ledger row. from_user and to_user are user
// public keys; both are nullable because system grants and refunds have no
// counterparty.
type Transaction struct {
	ID                 uint      `gorm:"primaryKey" json:"id"`
	FromUser           *string   `gorm:"index" json:"from_user"`
	ToUser             *string   `gorm:"index" json:"to_user"`
	DurationSeconds    int64     `gorm:"not null" json:"duration"`
	CreditsTransferred int64     `gorm:"not null" json:"credits"`
	JobID              string    `gorm:"index" json:"job_id"`
	NodeID             *string   `json:"node_id"`
	Timestamp          time.Time `json:"timestamp"`
	Meta               TxnMeta   `gorm:"column:metadata;type:jsonb" json:"meta"`
}

// AuditLog is one security-relevant event mirrored from the audit file.
type AuditLog struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Timestamp time.Time `gorm:"index;not null" json:"timestamp"`
	EventType string    `gorm:"size:50;index;not null" json:"event_type"`
	UserID    *string   `gorm:"size:255;index" json:"user_id"`
	IPAddress *string   `gorm:"size:45" json:"ip_address"`
	Details   Details   `gorm:"type:jsonb" json:"details"`
}

// TxnMeta is the tagged variant stored in the transactions metadata column.
// Multiplier is only present on job_completion rows.
type TxnMeta struct {
	Type       string   `json:"type"`
	Multiplier *float64 `json:"multiplier,omitempty"`
}

// Value implements driver.Valuer. Encodes to a string so the JSON operators
// behave the same on Postgres jsonb and on the sqlite driver used in tests.
func (m TxnMeta) Value() (driver.Value, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (m *TxnMeta) Scan(value any) error {
	return scanJSON(value, m)
}

// Details is the free-form JSON payload attached to audit rows.
type Details map[string]any

// Value implements driver.Valuer.
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return nil, nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (d *Details) Scan(value any) error {
	return scanJSON(value, d)
}

func scanJSON(value, dest any) error {
	if value == nil {
		return nil
	}
	switch raw := value.(type) {
	case []byte:
		return json.Unmarshal(raw, dest)
	case string:
		return json.Unmarshal([]byte(raw), dest)
	default:
		return fmt.Errorf("ledger: cannot scan %T into JSON column", value)
	}
}

// AutoMigrate creates or updates the coordinator tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&User{}, &Node{}, &Transaction{}, &AuditLog{})
}
