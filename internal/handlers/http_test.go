package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/audit"
	"github.com/fianchetto/arbiter/internal/auth"
	"github.com/fianchetto/arbiter/internal/matchmaking"
	"github.com/fianchetto/arbiter/internal/middleware"
	"github.com/fianchetto/arbiter/internal/models"
	"github.com/fianchetto/arbiter/internal/session"
	"github.com/fianchetto/arbiter/internal/store"
)

// restRig mounts the REST surface the way cmd/server does, minus the
// rate limiting, which has tests of its own.
type restRig struct {
	router *mux.Router
	mm     *matchmaking.Matchmaker
}

func newRESTRig(t *testing.T) (*restRig, *memStore) {
	st := newMemStore()
	return newRESTRigWith(t, st, store.NoopCache{}, auth.NewGoogleOAuth("", "", "")), st
}

func newRESTRigWith(t *testing.T, st store.Store, cache store.Cache, google *auth.GoogleOAuth) *restRig {
	t.Helper()
	logger := zap.NewNop()

	hub := NewHub(HubConfig{IdleTimeout: time.Minute, SweepInterval: time.Minute}, logger)
	sessions := session.NewManager(st, cache, hub, logger, session.Options{
		TimerBroadcastInterval: time.Hour,
		RateAllDecisive:        true,
	})
	mm := matchmaking.NewMatchmaker(st, hub, sessions, hub, logger)

	tokens := auth.NewJWTService("test-secret")
	rest := NewHTTPHandler(st, cache, sessions, mm, hub, logger)
	accounts := NewAuthHandler(st, tokens, auth.NewPasswordService(), google,
		audit.NewRecorder(st, logger), "http://front.test", logger)
	authMW := middleware.NewAuthMiddleware(tokens, st)

	router := mux.NewRouter()
	router.HandleFunc("/health", rest.Health).Methods("GET")
	router.HandleFunc("/info", rest.Info).Methods("GET")

	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/auth/register", accounts.Register).Methods("POST")
	api.HandleFunc("/auth/login", accounts.Login).Methods("POST")
	api.HandleFunc("/auth/google", accounts.GoogleOAuth).Methods("GET")
	api.HandleFunc("/auth/google/callback", accounts.GoogleOAuthCallback).Methods("GET")
	api.Handle("/auth/me", authMW.RequireAuth(http.HandlerFunc(accounts.Me))).Methods("GET")
	api.HandleFunc("/leaderboard", rest.Leaderboard).Methods("GET")
	api.HandleFunc("/users/{id}/stats", rest.UserStats).Methods("GET")
	api.HandleFunc("/games", rest.Games).Methods("GET")
	api.HandleFunc("/games/{id}", rest.GameDetail).Methods("GET")

	return &restRig{router: router, mm: mm}
}

// doRequest runs one request through the router. A string body is sent
// raw, anything else non-nil is marshaled as JSON.
func doRequest(t *testing.T, router *mux.Router, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, target, reader)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), "body: %s", rec.Body.String())
	return body
}

func seedUser(t *testing.T, st *memStore, username string) *models.User {
	t.Helper()
	u, err := st.CreateUser(context.Background(), username, "x")
	require.NoError(t, err)
	return u
}

// seedFinishedGame persists a finished two-move game directly through
// the store, the same calls the session layer makes when a game ends.
func seedFinishedGame(t *testing.T, st *memStore, gameID string, whiteID, blackID int64) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InsertWaitingGame(ctx, gameID, whiteID, 10))
	require.NoError(t, st.PromoteToInProgress(ctx, gameID, blackID))
	require.NoError(t, st.AppendMove(ctx, gameID, 1, "e4", whiteID))
	require.NoError(t, st.AppendMove(ctx, gameID, 2, "e5", blackID))
	require.NoError(t, st.FinalizeGame(ctx, store.FinalizeParams{
		GameID:     gameID,
		WinnerID:   &whiteID,
		Reason:     models.EndResignation,
		TotalMoves: 2,
		Ratings: []store.RatingUpdate{
			{UserID: whiteID, Delta: 16, Won: true},
			{UserID: blackID, Delta: -16, Won: false},
		},
	}))
}

// deadPingStore reports a store outage while everything else works.
type deadPingStore struct{ *memStore }

func (deadPingStore) Ping(context.Context) error {
	return errors.New("sql: database is closed")
}

// deadCache reports a cache outage.
type deadCache struct{ store.NoopCache }

func (deadCache) Ping(context.Context) error {
	return errors.New("redis: connection refused")
}

func TestHealthEndpoint(t *testing.T) {
	t.Run("healthy", func(t *testing.T) {
		rig, _ := newRESTRig(t)
		rec := doRequest(t, rig.router, "GET", "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

		body := decodeBody(t, rec)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "ok", body["db"])
		assert.Equal(t, "ok", body["cache"])
	})

	t.Run("store outage degrades", func(t *testing.T) {
		rig := newRESTRigWith(t, deadPingStore{newMemStore()}, store.NoopCache{}, auth.NewGoogleOAuth("", "", ""))
		rec := doRequest(t, rig.router, "GET", "/health", nil)
		require.Equal(t, http.StatusServiceUnavailable, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, "degraded", body["status"])
		assert.Equal(t, "sql: database is closed", body["db"])
	})

	t.Run("cache outage does not fail the check", func(t *testing.T) {
		rig := newRESTRigWith(t, newMemStore(), deadCache{}, auth.NewGoogleOAuth("", "", ""))
		rec := doRequest(t, rig.router, "GET", "/health", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		body := decodeBody(t, rec)
		assert.Equal(t, "ok", body["status"])
		assert.Equal(t, "redis: connection refused", body["cache"])
	})
}

func TestInfoEndpoint(t *testing.T) {
	rig, _ := newRESTRig(t)
	rig.mm.CreateWaiting(context.Background(), session.Player{ID: 9, Username: "iris", Elo: 1200}, 15)

	rec := doRequest(t, rig.router, "GET", "/info", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.GreaterOrEqual(t, body["uptimeSeconds"].(float64), float64(0))
	assert.EqualValues(t, 0, body["connections"])
	assert.EqualValues(t, 0, body["activeGames"])
	assert.EqualValues(t, 1, body["waitingGames"])
}

func TestLeaderboardEndpoint(t *testing.T) {
	rig, st := newRESTRig(t)
	ctx := context.Background()

	seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	carol := seedUser(t, st, "carol")
	require.NoError(t, st.ApplyRatingDelta(ctx, store.RatingUpdate{UserID: carol.ID, Delta: 300, Won: true}))
	require.NoError(t, st.ApplyRatingDelta(ctx, store.RatingUpdate{UserID: bob.ID, Delta: -100}))

	rec := doRequest(t, rig.router, "GET", "/api/leaderboard", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.EqualValues(t, 3, body["total"])

	entries := body["entries"].([]any)
	require.Len(t, entries, 3)
	first := entries[0].(map[string]any)
	assert.EqualValues(t, 1, first["rank"])
	assert.Equal(t, "carol", first["username"])
	assert.EqualValues(t, 1500, first["elo"])
	assert.EqualValues(t, 1, first["gamesWon"])
	assert.Equal(t, "alice", entries[1].(map[string]any)["username"])
	third := entries[2].(map[string]any)
	assert.EqualValues(t, 3, third["rank"])
	assert.Equal(t, "bob", third["username"])

	t.Run("pagination keeps absolute ranks", func(t *testing.T) {
		rec := doRequest(t, rig.router, "GET", "/api/leaderboard?limit=2&offset=1", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		entries := decodeBody(t, rec)["entries"].([]any)
		require.Len(t, entries, 2)
		assert.Equal(t, "alice", entries[0].(map[string]any)["username"])
		assert.EqualValues(t, 2, entries[0].(map[string]any)["rank"])
		assert.EqualValues(t, 3, entries[1].(map[string]any)["rank"])
	})

	t.Run("out of range limit falls back to default", func(t *testing.T) {
		rec := doRequest(t, rig.router, "GET", "/api/leaderboard?limit=9999", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Len(t, decodeBody(t, rec)["entries"], 3)
	})
}

func TestUserStatsEndpoint(t *testing.T) {
	rig, st := newRESTRig(t)
	dave := seedUser(t, st, "dave")
	erin := seedUser(t, st, "erin")
	seedFinishedGame(t, st, "g-hist", dave.ID, erin.ID)

	rec := doRequest(t, rig.router, "GET", fmt.Sprintf("/api/users/%d/stats", dave.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	assert.Equal(t, "dave", body["username"])
	assert.EqualValues(t, 1216, body["elo"])
	assert.EqualValues(t, 1, body["gamesPlayed"])
	assert.EqualValues(t, 1, body["gamesWon"])

	games := body["recentGames"].([]any)
	require.Len(t, games, 1)
	game := games[0].(map[string]any)
	assert.Equal(t, "g-hist", game["id"])
	assert.Equal(t, "resignation", game["endReason"])
	assert.EqualValues(t, dave.ID, game["winnerId"])

	t.Run("unparseable id", func(t *testing.T) {
		rec := doRequest(t, rig.router, "GET", "/api/users/abc/stats", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid user id", decodeBody(t, rec)["error"])
	})

	t.Run("unknown user", func(t *testing.T) {
		rec := doRequest(t, rig.router, "GET", "/api/users/424242/stats", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "User not found", decodeBody(t, rec)["error"])
	})
}

func TestGamesEndpoint(t *testing.T) {
	rig, st := newRESTRig(t)
	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")

	require.NoError(t, st.InsertWaitingGame(context.Background(), "g-open", alice.ID, 15))
	seedFinishedGame(t, st, "g-done", alice.ID, bob.ID)

	rec := doRequest(t, rig.router, "GET", "/api/games", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.EqualValues(t, 2, decodeBody(t, rec)["total"])

	t.Run("waiting filter", func(t *testing.T) {
		rec := doRequest(t, rig.router, "GET", "/api/games?status=waiting", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		games := decodeBody(t, rec)["games"].([]any)
		require.Len(t, games, 1)
		open := games[0].(map[string]any)
		assert.Equal(t, "g-open", open["id"])
		assert.Equal(t, "alice", open["white"])
		assert.NotContains(t, open, "black")
		assert.EqualValues(t, 0, open["moveCount"])
		assert.EqualValues(t, 15, open["timeControlMinutes"])
	})

	t.Run("finished filter", func(t *testing.T) {
		rec := doRequest(t, rig.router, "GET", "/api/games?status=finished", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		games := decodeBody(t, rec)["games"].([]any)
		require.Len(t, games, 1)
		done := games[0].(map[string]any)
		assert.Equal(t, "g-done", done["id"])
		assert.Equal(t, "bob", done["black"])
		assert.EqualValues(t, 2, done["moveCount"])
	})

	t.Run("unknown filter rejected", func(t *testing.T) {
		rec := doRequest(t, rig.router, "GET", "/api/games?status=bogus", nil)
		require.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, "Invalid status filter", decodeBody(t, rec)["error"])
	})
}

func TestGameDetailEndpoint(t *testing.T) {
	rig, st := newRESTRig(t)
	alice := seedUser(t, st, "alice")
	bob := seedUser(t, st, "bob")
	seedFinishedGame(t, st, "g-detail", alice.ID, bob.ID)

	rec := doRequest(t, rig.router, "GET", "/api/games/g-detail", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	body := decodeBody(t, rec)
	game := body["game"].(map[string]any)
	assert.Equal(t, "g-detail", game["id"])
	assert.Equal(t, "finished", game["status"])
	assert.EqualValues(t, 2, game["totalMoves"])

	moves := body["moves"].([]any)
	require.Len(t, moves, 2)
	assert.Equal(t, "e4", moves[0].(map[string]any)["notation"])
	assert.Equal(t, "e5", moves[1].(map[string]any)["notation"])

	t.Run("unknown game", func(t *testing.T) {
		rec := doRequest(t, rig.router, "GET", "/api/games/ghost", nil)
		require.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "Game not found", decodeBody(t, rec)["error"])
	})
}
