// Package api is the HTTP and WebSocket surface of the spin economy. It
// resolves the caller, signs them in to the engine and translates requests
// into controller, leaderboard and referral calls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/atmx/spin-economy/internal/calendar"
	"github.com/atmx/spin-economy/internal/engine"
	"github.com/atmx/spin-economy/internal/identity"
	"github.com/atmx/spin-economy/internal/leaderboard"
	"github.com/atmx/spin-economy/internal/metrics"
	"github.com/atmx/spin-economy/internal/model"
	"github.com/atmx/spin-economy/internal/referral"
	"github.com/atmx/spin-economy/internal/session"
	"github.com/atmx/spin-economy/internal/store"
)

const (
	defaultLeaderboardLimit = 50
	maxSpinsPerRequest      = 100
)

// Resolver identifies the caller of a request.
type Resolver interface {
	Resolve(r *http.Request) (model.Identity, error)
}

// Deps are the collaborators behind the handlers. Board, Referrals, Hub and
// Limiter are optional.
type Deps struct {
	Engine    *engine.Engine
	Identity  Resolver
	Board     *leaderboard.Board
	Referrals *referral.Ledger
	Hub       *Hub
	Limiter   *RateLimiter
	Location  *time.Location
	Now       func() time.Time
}

// Handler serves the API.
type Handler struct {
	deps Deps
}

// NewHandler creates a handler.
func NewHandler(deps Deps) *Handler {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handler{deps: deps}
}

// Router builds the complete route tree.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", identity.GuestHeader},
		MaxAge:         60 * 15,
	}))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":   "ok",
			"service":  "spin-economy",
			"sessions": h.deps.Engine.Active(),
		})
	})
	r.Handle("/metrics", metrics.Handler())

	r.Post("/api/v1/guests", h.CreateGuest)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(h.authenticate)
		if h.deps.Limiter != nil {
			r.Use(h.deps.Limiter.Middleware)
		}

		r.Get("/ws", h.ServeWS)

		r.Get("/account", h.GetAccount)
		r.Post("/spin", h.Spin)
		r.Post("/spins/request", h.RequestSpin)
		r.Post("/spins/settle", h.SettleSpin)
		r.Post("/convert", h.ConvertCoins)
		r.Post("/grant", h.GrantSpins)
		r.Post("/signout", h.SignOut)

		r.Get("/leaderboard", h.GetLeaderboard)
		r.Get("/leaderboard/rank", h.GetRank)

		r.Get("/referral/code", h.GetReferralCode)
		r.Post("/referral", h.ApplyReferral)
	})
	return r
}

type ctxKey int

const (
	keyIdentity ctxKey = iota
	keyController
)

func identityFrom(ctx context.Context) (model.Identity, bool) {
	id, ok := ctx.Value(keyIdentity).(model.Identity)
	return id, ok
}

func controllerFrom(ctx context.Context) *session.Controller {
	c, _ := ctx.Value(keyController).(*session.Controller)
	return c
}

// authenticate resolves the caller and signs them in.
func (h *Handler) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, err := h.deps.Identity.Resolve(r)
		if err != nil {
			writeError(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ctrl, err := h.deps.Engine.SignIn(r.Context(), id)
		if err != nil {
			slog.Error("sign in failed", "player", id.PlayerID, "err", err)
			writeError(w, "account unavailable", statusFor(err))
			return
		}

		ctx := context.WithValue(r.Context(), keyIdentity, id)
		ctx = context.WithValue(ctx, keyController, ctrl)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// --- Request/Response types ---

// SpinRequest is the JSON body for spin requests.
type SpinRequest struct {
	Count int `json:"count"`
}

// SettleRequest is the JSON body for POST /spins/settle.
type SettleRequest struct {
	BatchID string `json:"batch_id"`
}

// ConvertRequest is the JSON body for POST /convert.
type ConvertRequest struct {
	Coins int64 `json:"coins"`
}

// GrantRequest is the JSON body for POST /grant.
type GrantRequest struct {
	Spins int64 `json:"spins"`
}

// ReferralRequest is the JSON body for POST /referral.
type ReferralRequest struct {
	Code string `json:"code"`
}

// GuestResponse is returned from POST /guests.
type GuestResponse struct {
	GuestID string `json:"guest_id"`
}

// LeaderboardResponse is returned from GET /leaderboard.
type LeaderboardResponse struct {
	WeekID  string                   `json:"week_id"`
	Entries []model.LeaderboardEntry `json:"entries"`
}

// --- Handlers ---

// CreateGuest handles POST /api/v1/guests. The returned id is presented in
// the guest header on later requests.
func (h *Handler) CreateGuest(w http.ResponseWriter, r *http.Request) {
	id, err := h.deps.Engine.CreateGuest()
	if err != nil {
		slog.Error("guest creation failed", "err", err)
		writeError(w, "guest accounts unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, GuestResponse{GuestID: id})
}

// GetAccount handles GET /api/v1/account.
func (h *Handler) GetAccount(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, controllerFrom(r.Context()).Account())
}

// Spin handles POST /api/v1/spin: request and settle in one call.
func (h *Handler) Spin(w http.ResponseWriter, r *http.Request) {
	var req SpinRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Count > maxSpinsPerRequest {
		writeError(w, "too many spins in one request", http.StatusBadRequest)
		return
	}

	s, err := controllerFrom(r.Context()).Spin(r.Context(), req.Count)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// RequestSpin handles POST /api/v1/spins/request. The cost is deducted and
// the outcomes are returned for presentation before settlement.
func (h *Handler) RequestSpin(w http.ResponseWriter, r *http.Request) {
	var req SpinRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Count > maxSpinsPerRequest {
		writeError(w, "too many spins in one request", http.StatusBadRequest)
		return
	}

	batch, err := controllerFrom(r.Context()).RequestSpin(r.Context(), req.Count)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, batch)
}

// SettleSpin handles POST /api/v1/spins/settle.
func (h *Handler) SettleSpin(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if !decode(w, r, &req) {
		return
	}

	s, err := controllerFrom(r.Context()).Settle(r.Context(), &session.Batch{ID: req.BatchID})
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ConvertCoins handles POST /api/v1/convert.
func (h *Handler) ConvertCoins(w http.ResponseWriter, r *http.Request) {
	var req ConvertRequest
	if !decode(w, r, &req) {
		return
	}

	acc, err := controllerFrom(r.Context()).ConvertCoins(r.Context(), req.Coins)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GrantSpins handles POST /api/v1/grant. Admin only.
func (h *Handler) GrantSpins(w http.ResponseWriter, r *http.Request) {
	if id, _ := identityFrom(r.Context()); !id.Admin {
		writeError(w, "admin only", http.StatusForbidden)
		return
	}
	var req GrantRequest
	if !decode(w, r, &req) {
		return
	}

	acc, err := controllerFrom(r.Context()).GrantSpins(r.Context(), req.Spins)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// SignOut handles POST /api/v1/signout. When the request carries a guest
// id the guest account is returned.
func (h *Handler) SignOut(w http.ResponseWriter, r *http.Request) {
	id, _ := identityFrom(r.Context())
	guestID := r.Header.Get(identity.GuestHeader)
	if id.IsGuest {
		guestID = ""
	}

	guest, err := h.deps.Engine.SignOut(r.Context(), id.PlayerID, guestID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	if guest == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, guest.Account())
}

// GetLeaderboard handles GET /api/v1/leaderboard?week=&limit=.
func (h *Handler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	if h.deps.Board == nil {
		writeError(w, "leaderboard disabled", http.StatusNotFound)
		return
	}
	week, ok := h.weekParam(w, r)
	if !ok {
		return
	}
	limit := defaultLeaderboardLimit
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			writeError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := h.deps.Board.Top(r.Context(), week, limit)
	if err != nil {
		slog.Error("leaderboard query failed", "week", week, "err", err)
		writeError(w, "leaderboard unavailable", http.StatusServiceUnavailable)
		return
	}
	if entries == nil {
		entries = []model.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, LeaderboardResponse{WeekID: week, Entries: entries})
}

// GetRank handles GET /api/v1/leaderboard/rank?week=.
func (h *Handler) GetRank(w http.ResponseWriter, r *http.Request) {
	if h.deps.Board == nil {
		writeError(w, "leaderboard disabled", http.StatusNotFound)
		return
	}
	week, ok := h.weekParam(w, r)
	if !ok {
		return
	}
	id, _ := identityFrom(r.Context())

	rank, err := h.deps.Board.Position(r.Context(), week, id.PlayerID)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"week_id": week, "player_id": id.PlayerID, "rank": rank})
}

// GetReferralCode handles GET /api/v1/referral/code.
func (h *Handler) GetReferralCode(w http.ResponseWriter, r *http.Request) {
	id, ok := h.registered(w, r)
	if !ok {
		return
	}
	code, err := h.deps.Referrals.CodeFor(r.Context(), id.PlayerID)
	if err != nil {
		slog.Error("referral code failed", "player", id.PlayerID, "err", err)
		writeError(w, "referral code unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"code": code})
}

// ApplyReferral handles POST /api/v1/referral.
func (h *Handler) ApplyReferral(w http.ResponseWriter, r *http.Request) {
	id, ok := h.registered(w, r)
	if !ok {
		return
	}
	var req ReferralRequest
	if !decode(w, r, &req) {
		return
	}

	edge, err := h.deps.Referrals.ApplyReferral(r.Context(), id.PlayerID, req.Code)
	if err != nil {
		writeError(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusCreated, edge)
}

// ServeWS handles GET /api/v1/ws.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	if h.deps.Hub == nil {
		writeError(w, "websocket disabled", http.StatusNotFound)
		return
	}
	id, _ := identityFrom(r.Context())
	h.deps.Hub.serveWS(w, r, id.PlayerID)
}

// --- Helpers ---

func (h *Handler) registered(w http.ResponseWriter, r *http.Request) (model.Identity, bool) {
	if h.deps.Referrals == nil {
		writeError(w, "referrals disabled", http.StatusNotFound)
		return model.Identity{}, false
	}
	id, _ := identityFrom(r.Context())
	if id.IsGuest {
		writeError(w, "sign in to use referrals", http.StatusForbidden)
		return model.Identity{}, false
	}
	return id, true
}

func (h *Handler) weekParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	week := r.URL.Query().Get("week")
	if week == "" {
		return calendar.WeekID(h.deps.Now(), h.deps.Location), true
	}
	if _, _, err := calendar.ParseWeekID(week); err != nil {
		writeError(w, "invalid week", http.StatusBadRequest)
		return "", false
	}
	return week, true
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, session.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, session.ErrBusy),
		errors.Is(err, session.ErrClosed),
		errors.Is(err, referral.ErrAlreadyReferred):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidCount),
		errors.Is(err, session.ErrInvalidAmount),
		errors.Is(err, session.ErrNoPendingSpin),
		errors.Is(err, referral.ErrInvalidReferralCode),
		errors.Is(err, referral.ErrSelfReferral):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, leaderboard.ErrNotRanked),
		errors.Is(err, engine.ErrNotSignedIn):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrUnknownGuest):
		return http.StatusUnauthorized
	case errors.Is(err, store.ErrRemoteUnavailable),
		errors.Is(err, engine.ErrClosed),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
