package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/atmx/spin-economy/internal/api"
	"github.com/atmx/spin-economy/internal/engine"
	"github.com/atmx/spin-economy/internal/identity"
	"github.com/atmx/spin-economy/internal/leaderboard"
	"github.com/atmx/spin-economy/internal/local"
	"github.com/atmx/spin-economy/internal/mail"
	"github.com/atmx/spin-economy/internal/model"
	"github.com/atmx/spin-economy/internal/referral"
	"github.com/atmx/spin-economy/internal/reset"
	"github.com/atmx/spin-economy/internal/reward"
	"github.com/atmx/spin-economy/internal/session"
	"github.com/atmx/spin-economy/internal/store"
)

var fixedNow = time.Date(2026, 10, 18, 15, 0, 0, 0, time.UTC)

type testEnv struct {
	router chi.Router
	eng    *engine.Engine
	ids    *identity.Provider
	hub    *api.Hub
	outbox *mail.MemoryOutbox
}

// newTestEnv wires a handler over in-memory collaborators.
func newTestEnv(t *testing.T, limit api.RateLimit) *testEnv {
	t.Helper()
	ls, err := local.OpenMemory()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ls.Close() })

	sel, err := reward.NewSelectorWithSource(reward.DefaultTable(), func() float64 { return 0.1 })
	if err != nil {
		t.Fatal(err)
	}

	now := func() time.Time { return fixedNow }
	board := leaderboard.NewBoard(leaderboard.NewMemoryRepository(), leaderboard.NewRanker(leaderboard.DefaultBotPrefix))
	repo := referral.NewMemoryRepository()
	outbox := mail.NewMemoryOutbox()
	refs := referral.NewLedger(repo, repo, outbox, 500, 50)
	hub := api.NewHub()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	eng := engine.New(engine.Config{Location: time.UTC, StarterSpins: 10, Now: now}, engine.Deps{
		Store:     store.NewMemoryStore(),
		Local:     ls,
		Selector:  sel,
		Scheduler: reset.NewScheduler(time.UTC, time.Second, now, nil),
		Board:     board,
		Referrals: refs,
		Notifier:  hub,
	})
	t.Cleanup(eng.Close)

	ids := identity.NewProvider("test-secret")
	h := api.NewHandler(api.Deps{
		Engine:    eng,
		Identity:  ids,
		Board:     board,
		Referrals: refs,
		Hub:       hub,
		Limiter:   api.NewRateLimiter(limit),
		Location:  time.UTC,
		Now:       now,
	})
	return &testEnv{router: h.Router(), eng: eng, ids: ids, hub: hub, outbox: outbox}
}

func (e *testEnv) token(t *testing.T, playerID string, admin bool) string {
	t.Helper()
	tok, err := e.ids.Issue(playerID, playerID, admin, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + tok
}

func (e *testEnv) do(t *testing.T, method, path, auth string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	switch {
	case strings.HasPrefix(auth, "Bearer "):
		req.Header.Set("Authorization", auth)
	case auth != "":
		req.Header.Set(identity.GuestHeader, auth)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

// guest issues a guest id through the API.
func (e *testEnv) guest(t *testing.T) string {
	t.Helper()
	w := e.do(t, "POST", "/api/v1/guests", "", nil)
	if w.Code != http.StatusCreated {
		t.Fatalf("create guest: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	var resp api.GuestResponse
	decodeBody(t, w, &resp)
	return resp.GuestID
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	w := env.do(t, "GET", "/health", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
}

func TestUnauthenticated(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	w := env.do(t, "GET", "/api/v1/account", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", w.Code)
	}
	w = env.do(t, "GET", "/api/v1/account", "Bearer nope", nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for bad token, got %d", w.Code)
	}
}

func TestUnknownGuestRejected(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	if w := env.do(t, "GET", "/api/v1/account", "guest_made_up", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 for a guest id never issued, got %d", w.Code)
	}

	guest := env.guest(t)
	w := env.do(t, "GET", "/api/v1/account", guest, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for an issued guest, got %d: %s", w.Code, w.Body.String())
	}
	var acc model.PlayerAccount
	decodeBody(t, w, &acc)
	if acc.PlayerID != guest || acc.SpinBalance != 10 {
		t.Errorf("expected starter guest account, got %+v", acc)
	}
}

func TestSpin_Guest(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	guest := env.guest(t)
	w := env.do(t, "POST", "/api/v1/spin", guest, api.SpinRequest{Count: 3})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}

	var s session.Settlement
	decodeBody(t, w, &s)
	if len(s.Outcomes) != 3 || s.Account.SpinBalance != 7 || s.Account.SoftCurrency != 30 {
		t.Errorf("unexpected settlement %+v", s)
	}
}

func TestSpin_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	guest := env.guest(t)
	w := env.do(t, "POST", "/api/v1/spin", guest, api.SpinRequest{Count: 11})
	if w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402, got %d", w.Code)
	}
}

func TestSpin_InvalidInput(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	guest := env.guest(t)
	cases := []any{api.SpinRequest{Count: 0}, api.SpinRequest{Count: 1000}, "garbage"}
	for _, body := range cases {
		if w := env.do(t, "POST", "/api/v1/spin", guest, body); w.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for %v, got %d", body, w.Code)
		}
	}
}

func TestRequestAndSettle(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	auth := env.token(t, "bob", false)

	w := env.do(t, "POST", "/api/v1/spins/request", auth, api.SpinRequest{Count: 2})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var batch session.Batch
	decodeBody(t, w, &batch)

	if w := env.do(t, "POST", "/api/v1/spins/request", auth, api.SpinRequest{Count: 1}); w.Code != http.StatusConflict {
		t.Errorf("expected 409 while pending, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/spins/settle", auth, api.SettleRequest{BatchID: "other"}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for wrong batch, got %d", w.Code)
	}

	w = env.do(t, "POST", "/api/v1/spins/settle", auth, api.SettleRequest{BatchID: batch.ID})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var s session.Settlement
	decodeBody(t, w, &s)
	if s.Account.TotalSpinsLifetime != 2 || s.Account.SpinBalance != 8 {
		t.Errorf("unexpected account %+v", s.Account)
	}
}

func TestConvertCoins(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	guest := env.guest(t)
	env.do(t, "POST", "/api/v1/spin", guest, api.SpinRequest{Count: 10})

	w := env.do(t, "POST", "/api/v1/convert", guest, api.ConvertRequest{Coins: 100})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acc model.PlayerAccount
	decodeBody(t, w, &acc)
	if acc.SoftCurrency != 0 || acc.BonusCurrency != 1 {
		t.Errorf("expected 0 coins and 1 token, got %+v", acc)
	}

	if w := env.do(t, "POST", "/api/v1/convert", guest, api.ConvertRequest{Coins: 100}); w.Code != http.StatusPaymentRequired {
		t.Errorf("expected 402 without coins, got %d", w.Code)
	}
}

func TestGrantSpins_AdminOnly(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})

	if w := env.do(t, "POST", "/api/v1/grant", env.token(t, "bob", false), api.GrantRequest{Spins: 5}); w.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %d", w.Code)
	}

	w := env.do(t, "POST", "/api/v1/grant", env.token(t, "ops", true), api.GrantRequest{Spins: 5})
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var acc model.PlayerAccount
	decodeBody(t, w, &acc)
	if acc.SpinBalance != 15 {
		t.Errorf("expected 15 spins, got %d", acc.SpinBalance)
	}
}

func TestLeaderboardAndRank(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	guest := env.guest(t)
	env.do(t, "POST", "/api/v1/spin", env.token(t, "alice", false), api.SpinRequest{Count: 5})
	env.do(t, "POST", "/api/v1/spin", env.token(t, "bob", false), api.SpinRequest{Count: 2})
	env.do(t, "POST", "/api/v1/spin", env.token(t, "bot_1", false), api.SpinRequest{Count: 9})

	w := env.do(t, "GET", "/api/v1/leaderboard", guest, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp api.LeaderboardResponse
	decodeBody(t, w, &resp)
	if resp.WeekID != "2026-W42" || len(resp.Entries) != 2 || resp.Entries[0].PlayerID != "alice" {
		t.Errorf("unexpected leaderboard %+v", resp)
	}

	w = env.do(t, "GET", "/api/v1/leaderboard/rank", env.token(t, "bob", false), nil)
	var rank struct {
		Rank int `json:"rank"`
	}
	decodeBody(t, w, &rank)
	if rank.Rank != 2 {
		t.Errorf("expected bob ranked 2, got %d", rank.Rank)
	}

	if w := env.do(t, "GET", "/api/v1/leaderboard/rank", guest, nil); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unranked player, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/leaderboard?week=bogus", guest, nil); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad week, got %d", w.Code)
	}
}

func TestReferralFlow(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	guest := env.guest(t)
	alice, bob := env.token(t, "alice", false), env.token(t, "bob", false)

	w := env.do(t, "GET", "/api/v1/referral/code", alice, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var code map[string]string
	decodeBody(t, w, &code)

	if w := env.do(t, "POST", "/api/v1/referral", alice, api.ReferralRequest{Code: code["code"]}); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for self referral, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/referral", bob, api.ReferralRequest{Code: code["code"]}); w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if w := env.do(t, "POST", "/api/v1/referral", bob, api.ReferralRequest{Code: code["code"]}); w.Code != http.StatusConflict {
		t.Errorf("expected 409 when already referred, got %d", w.Code)
	}
	if w := env.do(t, "POST", "/api/v1/referral", guest, api.ReferralRequest{Code: code["code"]}); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for guests, got %d", w.Code)
	}
	if len(env.outbox.For("alice")) != 1 {
		t.Errorf("expected join reward for alice, got %+v", env.outbox.For("alice"))
	}
}

func TestSignOut_ReturnsGuest(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	guest := env.guest(t)
	bob := env.token(t, "bob", false)
	env.do(t, "GET", "/api/v1/account", bob, nil)

	req := httptest.NewRequest("POST", "/api/v1/signout", nil)
	req.Header.Set("Authorization", bob)
	req.Header.Set(identity.GuestHeader, guest)
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var acc model.PlayerAccount
	decodeBody(t, w, &acc)
	if acc.PlayerID != guest {
		t.Errorf("expected guest account, got %+v", acc)
	}
	if _, err := env.eng.Session("bob"); err == nil {
		t.Error("expected bob signed out")
	}
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{RequestsPerMinute: 1, Burst: 2})
	guest := env.guest(t)
	other := env.guest(t)

	for i := 0; i < 2; i++ {
		if w := env.do(t, "GET", "/api/v1/account", guest, nil); w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if w := env.do(t, "GET", "/api/v1/account", guest, nil); w.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", w.Code)
	}
	if w := env.do(t, "GET", "/api/v1/account", other, nil); w.Code != http.StatusOK {
		t.Errorf("expected other player unaffected, got %d", w.Code)
	}
}

func TestWebSocket_ReceivesOwnEvents(t *testing.T) {
	env := newTestEnv(t, api.RateLimit{})
	guest := env.guest(t)
	other := env.guest(t)
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, http.Header{identity.GuestHeader: {guest}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for env.hub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	env.do(t, "POST", "/api/v1/spin", other, api.SpinRequest{Count: 1})
	env.do(t, "POST", "/api/v1/spin", guest, api.SpinRequest{Count: 1})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev engine.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != engine.EventSpinSettled || ev.PlayerID != guest {
		t.Errorf("expected own settlement event, got %+v", ev)
	}
}
