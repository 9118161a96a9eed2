package hardware

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/monkey-troop/coordinator/kv"
	"github.com/monkey-troop/coordinator/ledger"
)

func setupProtocol(t *testing.T) (*Protocol, *miniredis.Miniredis, *gorm.DB) {
	t.Helper()
	mr := miniredis.RunT(t)
	store := kv.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}))

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return New(store, db), mr, db
}

func TestMultiplier(t *testing.T) {
	cases := []struct {
		duration float64
		want     float64
	}{
		{35.0, 1.0},
		{7.0, 5.0},
		{70.0, 0.5},
		{1.0, 20.0},  // capped
		{0.5, 20.0},  // capped
		{0, 0},
		{-3, 0},
		{33.3, 1.05}, // rounded to two decimals
	}
	for _, tc := range cases {
		if got := Multiplier(tc.duration); got != tc.want {
			t.Errorf("Multiplier(%v) = %v, want %v", tc.duration, got, tc.want)
		}
	}
}

func TestTier(t *testing.T) {
	if Tier(3.0) != TierStandard {
		t.Error("3.0x should be Standard")
	}
	if Tier(3.01) != TierHighPerformance {
		t.Error("3.01x should be High Performance")
	}
}

func TestIssueAndVerify(t *testing.T) {
	proto, _, db := setupProtocol(t)
	ctx := context.Background()

	challenge, err := proto.IssueChallenge(ctx, "n1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if len(challenge.Token) != 32 || len(challenge.Seed) != 32 {
		t.Fatalf("token/seed should be 128-bit hex, got %q / %q", challenge.Token, challenge.Seed)
	}
	if challenge.MatrixSize != 4096 {
		t.Fatalf("matrix size = %d, want 4096", challenge.MatrixSize)
	}

	result, err := proto.VerifyProof(ctx, Proof{
		NodeID:         "n1",
		ChallengeToken: challenge.Token,
		ProofHash:      strings.Repeat("a", 64),
		Duration:       7.0,
		DeviceName:     "RTX 4090",
	})
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if result.Status != "verified" || result.Multiplier != 5.0 || result.Tier != TierHighPerformance {
		t.Fatalf("unexpected verification %+v", result)
	}

	var node ledger.Node
	if err := db.Where("node_id = ?", "n1").First(&node).Error; err != nil {
		t.Fatalf("node row missing: %v", err)
	}
	if node.Multiplier != 5.0 || node.HardwareModel != "RTX 4090" || node.BenchmarkScore != 7.0 {
		t.Fatalf("node not updated: %+v", node)
	}
	if node.OwnerPublicKey != SystemOwnerKey {
		t.Fatalf("auto-registered node owner = %q, want system", node.OwnerPublicKey)
	}
	if node.LastBenchmark == nil {
		t.Fatal("last_benchmark not set")
	}

	var owner ledger.User
	if err := db.Where("public_key = ?", SystemOwnerKey).First(&owner).Error; err != nil {
		t.Fatalf("system owner missing: %v", err)
	}
	if owner.BalanceSeconds != 0 {
		t.Fatalf("system owner balance = %d, want 0", owner.BalanceSeconds)
	}

	// The challenge is consumed; replaying the proof fails.
	if _, err := proto.VerifyProof(ctx, Proof{
		NodeID:         "n1",
		ChallengeToken: challenge.Token,
		ProofHash:      strings.Repeat("a", 64),
		Duration:       7.0,
		DeviceName:     "RTX 4090",
	}); !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("replay should fail with ErrChallengeExpired, got %v", err)
	}
}

func TestVerifyExpiredChallenge(t *testing.T) {
	proto, mr, _ := setupProtocol(t)
	ctx := context.Background()

	challenge, err := proto.IssueChallenge(ctx, "n1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	mr.FastForward(ChallengeTTL + time.Second)

	_, err = proto.VerifyProof(ctx, Proof{
		NodeID:         "n1",
		ChallengeToken: challenge.Token,
		ProofHash:      strings.Repeat("a", 64),
		Duration:       35,
	})
	if !errors.Is(err, ErrChallengeExpired) {
		t.Fatalf("expected ErrChallengeExpired, got %v", err)
	}
}

func TestVerifyBadProofFormat(t *testing.T) {
	proto, _, _ := setupProtocol(t)
	ctx := context.Background()

	challenge, err := proto.IssueChallenge(ctx, "n1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	for _, hash := range []string{
		"short",
		strings.Repeat("a", 63),
		strings.Repeat("a", 65),
		strings.Repeat("z", 64), // not hex
	} {
		_, err := proto.VerifyProof(ctx, Proof{
			NodeID:         "n1",
			ChallengeToken: challenge.Token,
			ProofHash:      hash,
			Duration:       35,
		})
		if !errors.Is(err, ErrBadProofFormat) {
			t.Fatalf("hash %q: expected ErrBadProofFormat, got %v", hash, err)
		}
	}
}

func TestReVerifyKeepsOwner(t *testing.T) {
	proto, _, db := setupProtocol(t)
	ctx := context.Background()

	if err := db.Create(&ledger.Node{
		NodeID:         "n1",
		OwnerPublicKey: "owner-pk",
		Multiplier:     1.0,
		LastSeen:       time.Now().UTC(),
	}).Error; err != nil {
		t.Fatalf("seed node: %v", err)
	}

	challenge, err := proto.IssueChallenge(ctx, "n1")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	if _, err := proto.VerifyProof(ctx, Proof{
		NodeID:         "n1",
		ChallengeToken: challenge.Token,
		ProofHash:      strings.Repeat("b", 64),
		Duration:       17.5,
		DeviceName:     "RTX 3090",
	}); err != nil {
		t.Fatalf("verify: %v", err)
	}

	var node ledger.Node
	if err := db.Where("node_id = ?", "n1").First(&node).Error; err != nil {
		t.Fatalf("load node: %v", err)
	}
	if node.OwnerPublicKey != "owner-pk" {
		t.Fatalf("owner changed to %q", node.OwnerPublicKey)
	}
	if node.Multiplier != 2.0 {
		t.Fatalf("multiplier = %v, want 2.0", node.Multiplier)
	}
}
