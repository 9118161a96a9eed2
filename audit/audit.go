// Package audit dual-writes security-relevant events to an append-only
// JSON-lines file and to the audit_logs table. The file write happens first
// and never blocks the primary operation; a failed ledger write is logged
// and swallowed.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/monkey-troop/coordinator/ledger"
)

// Event types recorded by the sink.
const (
	EventAuthorization = "authorization"
	EventTransaction   = "transaction"
	EventRateLimit     = "rate_limit"
	EventSecurity      = "security"
)

// Sink writes audit events.
type Sink struct {
	mu   sync.Mutex
	file *os.File
	db   *gorm.DB
	log  *slog.Logger
	now  func() time.Time
}

// New opens (creating if needed) the append-only audit file at path and
// returns a sink that mirrors events into db.
func New(path string, db *gorm.DB, log *slog.Logger) (*Sink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sink{file: file, db: db, log: log, now: time.Now}, nil
}

// Close releases the audit file handle.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// Authorization records an authorization attempt.
func (s *Sink) Authorization(ctx context.Context, requester, model, nodeID, ip string, success bool, reason string) {
	details := ledger.Details{
		"event":        EventAuthorization,
		"requester_id": requester,
		"model":        model,
		"node_id":      nodeID,
		"success":      success,
		"reason":       reason,
	}
	s.write(ctx, EventAuthorization, &requester, &ip, details)
}

// Transaction records a settled job.
func (s *Sink) Transaction(ctx context.Context, jobID, requester, nodeID string, duration, credits int64, ip string) {
	details := ledger.Details{
		"event":        EventTransaction,
		"job_id":       jobID,
		"requester_id": requester,
		"worker_id":    nodeID,
		"duration":     duration,
		"credits":      credits,
	}
	s.write(ctx, EventTransaction, &requester, &ip, details)
}

// RateLimit records a dropped request.
func (s *Sink) RateLimit(ctx context.Context, ip, endpoint string, limit int64, window time.Duration) {
	details := ledger.Details{
		"event":    EventRateLimit,
		"endpoint": endpoint,
		"limit":    limit,
		"window":   int64(window.Seconds()),
	}
	s.write(ctx, EventRateLimit, nil, &ip, details)
}

// Security records invalid receipts, forged tickets, and similar events.
func (s *Sink) Security(ctx context.Context, kind, ip string, details ledger.Details) {
	merged := ledger.Details{"event": EventSecurity, "type": kind}
	for k, v := range details {
		merged[k] = v
	}
	var userID *string
	if uid, ok := details["user_id"].(string); ok && uid != "" {
		userID = &uid
	}
	var ipPtr *string
	if ip != "" {
		ipPtr = &ip
	}
	s.write(ctx, EventSecurity, userID, ipPtr, merged)
}

// Logs returns audit rows from the ledger, newest first, optionally filtered
// by event type and user.
func (s *Sink) Logs(ctx context.Context, limit, offset int, eventType, userID string) ([]ledger.AuditLog, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := s.db.WithContext(ctx).Model(&ledger.AuditLog{})
	if eventType != "" {
		query = query.Where("event_type = ?", eventType)
	}
	if userID != "" {
		query = query.Where("user_id = ?", userID)
	}
	var logs []ledger.AuditLog
	if err := query.Order("timestamp DESC").Offset(offset).Limit(limit).Find(&logs).Error; err != nil {
		return nil, fmt.Errorf("load audit logs: %w", err)
	}
	return logs, nil
}

func (s *Sink) write(ctx context.Context, eventType string, userID, ip *string, details ledger.Details) {
	now := s.now().UTC()

	line := map[string]any{
		"timestamp":  now.Format(time.RFC3339Nano),
		"event_type": eventType,
		"details":    details,
	}
	if encoded, err := json.Marshal(line); err == nil {
		s.mu.Lock()
		if _, err := s.file.Write(append(encoded, '\n')); err != nil {
			s.log.Error("audit file write failed", "error", err)
		}
		s.mu.Unlock()
	}

	row := ledger.AuditLog{
		Timestamp: now,
		EventType: eventType,
		UserID:    userID,
		IPAddress: ip,
		Details:   details,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		s.log.Error("audit ledger write failed", "event_type", eventType, "error", err)
	}
}
