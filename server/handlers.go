package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/monkey-troop/coordinator/credit"
	"github.com/monkey-troop/coordinator/hardware"
	"github.com/monkey-troop/coordinator/ledger"
	"github.com/monkey-troop/coordinator/placement"
	"github.com/monkey-troop/coordinator/ratelimit"
	"github.com/monkey-troop/coordinator/registry"
)

// Machine-readable reasons attached to audited failures.
const (
	reasonInsufficientCredits = "insufficient_credits"
	reasonNoNodesAvailable    = "no_nodes_available"
	reasonInvalidReceipt      = "invalid_receipt_signature"
	reasonUnknownNode         = "unknown_node"
	reasonUnknownRequester    = "unknown_requester"
	reasonDuplicateJob        = "duplicate_job"
	reasonInvalidDuration     = "invalid_duration"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"service": ServiceName,
	})
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"public_key": string(s.publicKeyPEM),
	})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var hb registry.Heartbeat
	if err := json.NewDecoder(r.Body).Decode(&hb); err != nil || hb.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid heartbeat payload"})
		return
	}
	if err := s.registry.RecordHeartbeat(r.Context(), hb); err != nil {
		s.internalError(w, r, "record heartbeat", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "seen"})
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.registry.ListPeers(r.Context(), r.URL.Query().Get("model"))
	if err != nil {
		s.internalError(w, r, "list peers", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count": len(peers),
		"nodes": peers,
	})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.registry.ListModels(r.Context())
	if err != nil {
		s.internalError(w, r, "list models", err)
		return
	}
	data := make([]map[string]any, 0, len(models))
	for _, model := range models {
		data = append(data, map[string]any{
			"id":       model,
			"object":   "model",
			"owned_by": ModelOwner,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   data,
	})
}

func (s *Server) handleChallenge(w http.ResponseWriter, r *http.Request) {
	var req struct {
		NodeID string `json:"node_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "node_id is required"})
		return
	}
	challenge, err := s.hardware.IssueChallenge(r.Context(), req.NodeID)
	if err != nil {
		s.internalError(w, r, "issue challenge", err)
		return
	}
	s.log.Info("issued hardware challenge", "node_id", req.NodeID)
	writeJSON(w, http.StatusOK, challenge)
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	var proof hardware.Proof
	if err := json.NewDecoder(r.Body).Decode(&proof); err != nil || proof.NodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid proof payload"})
		return
	}

	result, err := s.hardware.VerifyProof(r.Context(), proof)
	switch {
	case errors.Is(err, hardware.ErrChallengeExpired):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "challenge expired or invalid"})
		return
	case errors.Is(err, hardware.ErrBadProofFormat):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid proof hash format"})
		return
	case err != nil:
		s.internalError(w, r, "verify proof", err)
		return
	}

	s.log.Info("hardware verified",
		"node_id", proof.NodeID,
		"duration", proof.Duration,
		"multiplier", result.Multiplier,
		"tier", result.Tier,
	)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model     string `json:"model"`
		Requester string `json:"requester"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model == "" || req.Requester == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "model and requester are required"})
		return
	}
	ctx := r.Context()
	ip := clientIP(r)

	// The middleware budget is per IP; the requester key gets its own so one
	// account cannot spread its load across addresses.
	if allowed, _, err := s.limiter.AllowInference(ctx, req.Requester); err != nil {
		s.log.Error("rate limit check failed", "requester", req.Requester, "error", err)
	} else if !allowed {
		s.audit.RateLimit(ctx, ip, r.URL.Path, ratelimit.InferenceLimit, ratelimit.Window)
		w.Header().Set("Retry-After", strconv.Itoa(int(ratelimit.Window.Seconds())))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":  "Rate limit exceeded",
			"limit":  ratelimit.InferenceLimit,
			"window": "1 hour",
		})
		return
	}

	if err := retryOnce(func() error {
		_, err := s.credits.EnsureUser(ctx, req.Requester)
		return err
	}, func(error) bool { return false }); err != nil {
		s.internalError(w, r, "ensure user", err)
		return
	}

	// The reservation commits before any ticket is returned; failures past
	// this point must hand the credits back.
	err := s.credits.Reserve(ctx, req.Requester, credit.EstimatedJobDuration)
	if errors.Is(err, credit.ErrInsufficientCredits) {
		s.audit.Authorization(ctx, req.Requester, req.Model, "", ip, false, reasonInsufficientCredits)
		writeJSON(w, http.StatusPaymentRequired, map[string]any{
			"error":  "insufficient credits",
			"reason": reasonInsufficientCredits,
		})
		return
	}
	if err != nil {
		s.internalError(w, r, "reserve credits", err)
		return
	}

	selected, err := s.placement.Select(ctx, req.Model)
	if errors.Is(err, placement.ErrNoCapableIdleWorker) {
		s.refundReservation(r, req.Requester)
		s.audit.Authorization(ctx, req.Requester, req.Model, "", ip, false, reasonNoNodesAvailable)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"error":  "no idle nodes found for model: " + req.Model,
			"reason": reasonNoNodesAvailable,
		})
		return
	}
	if err != nil {
		s.refundReservation(r, req.Requester)
		s.internalError(w, r, "select worker", err)
		return
	}

	token, err := s.tickets.Mint(req.Requester, selected.NodeID, "")
	if err != nil {
		s.refundReservation(r, req.Requester)
		s.internalError(w, r, "mint ticket", err)
		return
	}

	s.audit.Authorization(ctx, req.Requester, req.Model, selected.NodeID, ip, true, "")
	s.log.Info("authorized",
		"requester", req.Requester,
		"node_id", selected.NodeID,
		"target_ip", selected.MeshIP,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"target_ip":      selected.MeshIP,
		"token":          token,
		"estimated_cost": credit.EstimatedJobDuration,
	})
}

func (s *Server) refundReservation(r *http.Request, requester string) {
	if err := s.credits.Refund(r.Context(), requester, credit.EstimatedJobDuration, "authorization_failed"); err != nil {
		s.log.Error("refund after failed authorization", "requester", requester, "error", err)
	}
}

func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		JobID              string `json:"job_id"`
		RequesterPublicKey string `json:"requester_public_key"`
		WorkerNodeID       string `json:"worker_node_id"`
		DurationSeconds    int64  `json:"duration_seconds"`
		Signature          string `json:"signature"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.JobID == "" || req.WorkerNodeID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid settlement payload"})
		return
	}
	ctx := r.Context()
	ip := clientIP(r)

	var result credit.Settlement
	err := retryOnce(func() error {
		var settleErr error
		result, settleErr = s.credits.Settle(ctx, req.JobID, req.RequesterPublicKey, req.WorkerNodeID, req.DurationSeconds, req.Signature)
		return settleErr
	}, func(err error) bool {
		return errors.Is(err, credit.ErrInvalidReceipt) ||
			errors.Is(err, credit.ErrUnknownNode) ||
			errors.Is(err, credit.ErrUnknownRequester) ||
			errors.Is(err, credit.ErrDuplicateJob) ||
			errors.Is(err, credit.ErrInvalidDuration)
	})
	if err != nil {
		reason := ""
		switch {
		case errors.Is(err, credit.ErrInvalidReceipt):
			reason = reasonInvalidReceipt
		case errors.Is(err, credit.ErrUnknownNode):
			reason = reasonUnknownNode
		case errors.Is(err, credit.ErrUnknownRequester):
			reason = reasonUnknownRequester
		case errors.Is(err, credit.ErrDuplicateJob):
			reason = reasonDuplicateJob
		case errors.Is(err, credit.ErrInvalidDuration):
			reason = reasonInvalidDuration
		default:
			s.internalError(w, r, "settle", err)
			return
		}
		s.audit.Security(ctx, reason, ip, ledger.Details{
			"user_id": req.RequesterPublicKey,
			"job_id":  req.JobID,
			"node_id": req.WorkerNodeID,
		})
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"status": "error",
			"error":  reason,
		})
		return
	}

	s.audit.Transaction(ctx, req.JobID, req.RequesterPublicKey, req.WorkerNodeID, req.DurationSeconds, result.CreditsTransferred, ip)
	s.log.Info("job settled",
		"job_id", req.JobID,
		"node_id", req.WorkerNodeID,
		"credits", result.CreditsTransferred,
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":              "success",
		"credits_transferred": result.CreditsTransferred,
		"requester_balance":   result.RequesterBalance,
		"worker_balance":      result.WorkerBalance,
	})
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	publicKey := chi.URLParam(r, "publicKey")
	balance, err := s.credits.Balance(r.Context(), publicKey)
	if err != nil {
		s.internalError(w, r, "load balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"public_key":      publicKey,
		"balance_seconds": balance,
		"balance_hours":   float64(balance) / 3600.0,
	})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	publicKey := chi.URLParam(r, "publicKey")
	rows, err := s.credits.History(r.Context(), publicKey, 50)
	if err != nil {
		s.internalError(w, r, "load history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": rows})
}

func (s *Server) handleAuditLogs(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := queryInt(query.Get("limit"), 100)
	offset := queryInt(query.Get("offset"), 0)

	logs, err := s.audit.Logs(r.Context(), limit, offset, query.Get("event_type"), query.Get("user_id"))
	if err != nil {
		s.internalError(w, r, "load audit logs", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":   logs,
		"count":  len(logs),
		"limit":  limit,
		"offset": offset,
	})
}

func (s *Server) internalError(w http.ResponseWriter, r *http.Request, op string, err error) {
	s.log.Error(op, "path", r.URL.Path, "error", err)
	writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func queryInt(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
