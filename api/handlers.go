/*
handlers.go - HTTP API handlers for the referral engine

ENDPOINTS:
  Activation:
    POST   /api/signal                   Web app opened; grant if eligible
    POST   /api/join                     Register a join event from the bot

  Users:
    GET    /api/users/{id}               User record
    GET    /api/users/{id}/referrals     Rewards paid to this referrer
    GET    /api/users/{id}/link          Shareable referral link

  Ledger:
    GET    /api/ledger/{referredId}      Proof of payment for one referral

  Sweeps:
    GET    /api/sweeps/runs              Recent sweep runs
    POST   /api/sweeps/run               Run a sweep now

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Missing or malformed input (store untouched)
  - 404: Unknown user or ledger entry
  - 500: Corrupt record, unexpected failure
  - 503: Store unavailable (retryable)

SECURITY NOTE:
  No authentication middleware. Put the admin sweep endpoint behind the
  deployment's ingress rules.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/warp/referral-engine/notify"
	"github.com/warp/referral-engine/referral"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine     *referral.Engine
	Dispatcher *referral.Dispatcher
	Registrar  *referral.Registrar
	Store      referral.Store

	// Notifier sends the welcome message on join. Optional.
	Notifier referral.Notifier
	// Scheduler serializes manual sweeps with scheduled ones. Optional.
	Scheduler *SweepScheduler

	BotName      string
	WelcomeText  func(name string) string
	WelcomeImage string

	Logger *slog.Logger
}

// NewHandler creates a handler around an engine and registrar sharing one
// store.
func NewHandler(engine *referral.Engine, registrar *referral.Registrar, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Engine:     engine,
		Dispatcher: referral.NewDispatcher(engine, logger),
		Registrar:  registrar,
		Store:      engine.Store,
		Logger:     logger.With(slog.String("component", "api")),
	}
}

// =============================================================================
// ACTIVATION HANDLERS
// =============================================================================

// Signal marks the user activated and attempts the grant.
// POST /api/signal
func (h *Handler) Signal(w http.ResponseWriter, r *http.Request) {
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	userID := referral.UserID(strings.TrimSpace(string(req.UserID)))
	if userID.IsZero() {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}

	res, err := h.Dispatcher.Signal(r.Context(), userID)
	if err != nil {
		h.writeEngineError(w, "Signal failed", err)
		return
	}
	if res.Outcome == referral.OutcomeNotFound {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return
	}

	writeJSON(w, http.StatusOK, SignalResponse{
		Status:     signalStatus(res.Outcome),
		Outcome:    string(res.Outcome),
		UserID:     res.UserID.String(),
		ReferrerID: res.ReferrerID.String(),
		Amount:     res.Amount,
	})
}

// Join registers a join event and greets the user.
// POST /api/join
func (h *Handler) Join(w http.ResponseWriter, r *http.Request) {
	var req JoinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	userID := referral.UserID(strings.TrimSpace(string(req.UserID)))
	if userID.IsZero() {
		writeError(w, http.StatusBadRequest, "userId is required", nil)
		return
	}

	u, created, err := h.Registrar.RegisterOrTouch(r.Context(), referral.Registration{
		UserID:        userID,
		DisplayName:   strings.TrimSpace(req.DisplayName),
		AvatarRef:     req.AvatarRef,
		ReferralToken: req.ReferralToken,
	})
	if err != nil {
		h.writeEngineError(w, "Registration failed", err)
		return
	}

	resp := JoinResponse{
		User:     toUserDTO(u),
		Created:  created,
		Welcomed: h.welcome(r.Context(), u),
	}
	if h.BotName != "" {
		resp.Link = referral.ReferralLink(h.BotName, u.ID)
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

// welcome sends the join greeting. Failures are logged and never fail the
// request.
func (h *Handler) welcome(ctx context.Context, u *referral.UserRecord) bool {
	if h.Notifier == nil || h.WelcomeText == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.Engine.Config.NotifyTimeout)
	defer cancel()

	text := h.WelcomeText(u.DisplayName)
	var err error
	if ps, ok := h.Notifier.(notify.PhotoSender); ok && h.WelcomeImage != "" {
		err = ps.SendPhoto(ctx, u.ID, h.WelcomeImage, text)
	} else {
		err = h.Notifier.Send(ctx, u.ID, text)
	}
	if err != nil {
		h.Logger.Warn("welcome message failed",
			slog.String("user_id", u.ID.String()),
			slog.String("error", err.Error()))
		return false
	}
	return true
}

// =============================================================================
// USER HANDLERS
// =============================================================================

// GetUser returns one user record.
// GET /api/users/{id}
func (h *Handler) GetUser(w http.ResponseWriter, r *http.Request) {
	u, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toUserDTO(u))
}

// GetReferrals lists the rewards paid to a referrer.
// GET /api/users/{id}/referrals
func (h *Handler) GetReferrals(w http.ResponseWriter, r *http.Request) {
	u, ok := h.loadUser(w, r)
	if !ok {
		return
	}

	entries, err := h.Engine.Ledger.EntriesByReferrer(r.Context(), u.ID)
	if err != nil {
		h.writeEngineError(w, "Failed to list referrals", err)
		return
	}

	resp := ReferralsResponse{
		UserID:  u.ID.String(),
		Count:   len(entries),
		Entries: make([]LedgerEntryDTO, 0, len(entries)),
	}
	for _, e := range entries {
		resp.TotalPaid += e.Amount
		resp.Entries = append(resp.Entries, toLedgerEntryDTO(e))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetLink returns the user's shareable referral link.
// GET /api/users/{id}/link
func (h *Handler) GetLink(w http.ResponseWriter, r *http.Request) {
	if h.BotName == "" {
		writeError(w, http.StatusServiceUnavailable, "Referral links are not configured", nil)
		return
	}
	u, ok := h.loadUser(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, LinkResponse{
		UserID: u.ID.String(),
		Token:  referral.FormatReferralToken(u.ID),
		Link:   referral.ReferralLink(h.BotName, u.ID),
	})
}

func (h *Handler) loadUser(w http.ResponseWriter, r *http.Request) (*referral.UserRecord, bool) {
	id := referral.UserID(chi.URLParam(r, "id"))
	u, err := h.Store.GetUser(r.Context(), id)
	if errors.Is(err, referral.ErrUserNotFound) {
		writeError(w, http.StatusNotFound, "User not found", nil)
		return nil, false
	}
	if err != nil {
		h.writeEngineError(w, "Failed to get user", err)
		return nil, false
	}
	return u, true
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

// GetLedgerEntry returns the proof of payment for a referred user.
// GET /api/ledger/{referredId}
func (h *Handler) GetLedgerEntry(w http.ResponseWriter, r *http.Request) {
	id := referral.UserID(chi.URLParam(r, "referredId"))
	e, err := h.Engine.Ledger.Entry(r.Context(), id)
	if err != nil {
		h.writeEngineError(w, "Failed to get ledger entry", err)
		return
	}
	if e == nil {
		writeError(w, http.StatusNotFound, "Ledger entry not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerEntryDTO(*e))
}

// =============================================================================
// SWEEP HANDLERS
// =============================================================================

// ListSweepRuns returns sweep run history, newest first.
// GET /api/sweeps/runs?limit=N
func (h *Handler) ListSweepRuns(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer", err)
			return
		}
		limit = n
	}

	dtos := []SweepRunDTO{}
	if rs, ok := h.Store.(referral.RunStore); ok {
		runs, err := rs.ListSweepRuns(r.Context(), limit)
		if err != nil {
			h.writeEngineError(w, "Failed to get sweep runs", err)
			return
		}
		for _, run := range runs {
			dtos = append(dtos, toSweepRunDTO(run))
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": dtos})
}

// RunSweep runs one sweep synchronously.
// POST /api/sweeps/run
func (h *Handler) RunSweep(w http.ResponseWriter, r *http.Request) {
	var (
		run referral.SweepRun
		err error
	)
	if h.Scheduler != nil {
		run, err = h.Scheduler.RunNow(r.Context())
	} else {
		run, err = h.Dispatcher.Sweep(r.Context(), referral.TriggerManual)
	}
	if err != nil {
		h.writeEngineError(w, "Sweep failed", err)
		return
	}
	writeJSON(w, http.StatusOK, toSweepRunDTO(run))
}

// =============================================================================
// HEALTH
// =============================================================================

type pinger interface {
	Ping(ctx context.Context) error
}

// Health reports liveness, and store reachability when the store supports it.
// GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Store.(pinger); ok {
		ctx, cancel := context.WithTimeout(r.Context(), h.Engine.Config.StoreTimeout)
		defer cancel()
		if err := p.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "Store unreachable", err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeEngineError maps engine errors onto HTTP statuses.
func (h *Handler) writeEngineError(w http.ResponseWriter, message string, err error) {
	switch {
	case referral.IsClientError(err):
		writeError(w, http.StatusBadRequest, message, err)
	case referral.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		if errors.Is(err, referral.ErrCorruptRecord) || errors.Is(err, referral.ErrPartialGrant) {
			h.Logger.Error(message, slog.String("error", err.Error()))
		}
		writeError(w, http.StatusInternalServerError, message, err)
	}
}
