package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/monkey-troop/coordinator/ledger"
)

func setupSink(t *testing.T) (*Sink, string, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := ledger.AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	path := filepath.Join(t.TempDir(), "audit.log")
	sink, err := New(path, db, nil)
	if err != nil {
		t.Fatalf("new sink: %v", err)
	}
	t.Cleanup(func() { _ = sink.Close() })
	return sink, path, db
}

func fileLines(t *testing.T, path string) []map[string]any {
	t.Helper()
	file, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer file.Close()

	var lines []map[string]any
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var entry map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			t.Fatalf("audit line is not valid JSON: %v", err)
		}
		lines = append(lines, entry)
	}
	return lines
}

func TestAuthorizationDualWrite(t *testing.T) {
	sink, path, db := setupSink(t)
	ctx := context.Background()

	sink.Authorization(ctx, "u1", "llama2:7b", "n1", "1.2.3.4", true, "")

	lines := fileLines(t, path)
	if len(lines) != 1 {
		t.Fatalf("file lines = %d, want 1", len(lines))
	}
	if lines[0]["event_type"] != EventAuthorization {
		t.Fatalf("file event_type = %v", lines[0]["event_type"])
	}

	var row ledger.AuditLog
	if err := db.First(&row).Error; err != nil {
		t.Fatalf("ledger row missing: %v", err)
	}
	if row.EventType != EventAuthorization {
		t.Fatalf("row event_type = %q", row.EventType)
	}
	if row.UserID == nil || *row.UserID != "u1" {
		t.Fatalf("row user_id = %v", row.UserID)
	}
	if row.Details["model"] != "llama2:7b" {
		t.Fatalf("row details = %v", row.Details)
	}
}

func TestSecurityEventCarriesUserID(t *testing.T) {
	sink, _, db := setupSink(t)
	ctx := context.Background()

	sink.Security(ctx, "invalid_receipt", "1.2.3.4", ledger.Details{
		"user_id": "u1",
		"job_id":  "j1",
	})

	var row ledger.AuditLog
	if err := db.Where("event_type = ?", EventSecurity).First(&row).Error; err != nil {
		t.Fatalf("security row missing: %v", err)
	}
	if row.UserID == nil || *row.UserID != "u1" {
		t.Fatalf("user_id = %v", row.UserID)
	}
	if row.Details["type"] != "invalid_receipt" {
		t.Fatalf("details = %v", row.Details)
	}
}

func TestRateLimitEventHasNoUser(t *testing.T) {
	sink, path, db := setupSink(t)
	ctx := context.Background()

	sink.RateLimit(ctx, "1.2.3.4", "/v1/models", 100, time.Hour)

	var row ledger.AuditLog
	if err := db.Where("event_type = ?", EventRateLimit).First(&row).Error; err != nil {
		t.Fatalf("rate limit row missing: %v", err)
	}
	if row.UserID != nil {
		t.Fatalf("user_id = %v, want nil", row.UserID)
	}
	if row.IPAddress == nil || *row.IPAddress != "1.2.3.4" {
		t.Fatalf("ip = %v", row.IPAddress)
	}
	if got := fileLines(t, path); len(got) != 1 {
		t.Fatalf("file lines = %d, want 1", len(got))
	}
}

func TestLogsFiltering(t *testing.T) {
	sink, _, _ := setupSink(t)
	ctx := context.Background()

	sink.Authorization(ctx, "u1", "m", "n1", "1.1.1.1", true, "")
	sink.Authorization(ctx, "u2", "m", "n1", "1.1.1.2", false, "insufficient_credits")
	sink.Transaction(ctx, "j1", "u1", "n1", 100, 100, "1.1.1.1")

	all, err := sink.Logs(ctx, 100, 0, "", "")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("len(all) = %d, want 3", len(all))
	}

	auths, err := sink.Logs(ctx, 100, 0, EventAuthorization, "")
	if err != nil {
		t.Fatalf("logs by type: %v", err)
	}
	if len(auths) != 2 {
		t.Fatalf("len(auths) = %d, want 2", len(auths))
	}

	u1, err := sink.Logs(ctx, 100, 0, "", "u1")
	if err != nil {
		t.Fatalf("logs by user: %v", err)
	}
	if len(u1) != 2 {
		t.Fatalf("len(u1) = %d, want 2", len(u1))
	}
}
