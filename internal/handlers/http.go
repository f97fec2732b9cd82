package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/matchmaking"
	"github.com/fianchetto/arbiter/internal/models"
	"github.com/fianchetto/arbiter/internal/session"
	"github.com/fianchetto/arbiter/internal/store"
)

const (
	defaultLeaderboardLimit = 50
	maxLeaderboardLimit     = 100
)

// HTTPHandler serves the read-only REST surface: health, server info,
// leaderboard, player stats, and game history. Gameplay itself goes
// over the WebSocket.
type HTTPHandler struct {
	store      store.Store
	cache      store.Cache
	sessions   *session.Manager
	matchmaker *matchmaking.Matchmaker
	hub        *Hub
	log        *zap.Logger
	startedAt  time.Time
}

func NewHTTPHandler(st store.Store, cache store.Cache, sessions *session.Manager, mm *matchmaking.Matchmaker, hub *Hub, logger *zap.Logger) *HTTPHandler {
	return &HTTPHandler{
		store:      st,
		cache:      cache,
		sessions:   sessions,
		matchmaker: mm,
		hub:        hub,
		log:        logger,
		startedAt:  time.Now(),
	}
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

type HealthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db"`
	Cache  string `json:"cache"`
}

func (h *HTTPHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok", DB: "ok", Cache: "ok"}
	code := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.DB = err.Error()
		code = http.StatusServiceUnavailable
	}
	if err := h.cache.Ping(r.Context()); err != nil {
		// The cache is an accelerator. Losing it degrades nothing a
		// client can observe, so it never fails the health check.
		resp.Cache = err.Error()
	}

	respondWithJSON(w, code, resp)
}

type InfoResponse struct {
	UptimeSeconds int64 `json:"uptimeSeconds"`
	Connections   int   `json:"connections"`
	ActiveGames   int   `json:"activeGames"`
	WaitingGames  int   `json:"waitingGames"`
}

func (h *HTTPHandler) Info(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, InfoResponse{
		UptimeSeconds: int64(time.Since(h.startedAt) / time.Second),
		Connections:   h.hub.ClientCount(),
		ActiveGames:   h.sessions.Count(),
		WaitingGames:  h.matchmaker.WaitingCount(),
	})
}

type LeaderboardEntry struct {
	Rank        int    `json:"rank"`
	Username    string `json:"username"`
	Elo         int    `json:"elo"`
	GamesPlayed int    `json:"gamesPlayed"`
	GamesWon    int    `json:"gamesWon"`
}

type LeaderboardResponse struct {
	Entries []LeaderboardEntry `json:"entries"`
	Total   int                `json:"total"`
}

func (h *HTTPHandler) Leaderboard(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultLeaderboardLimit)
	if limit < 1 || limit > maxLeaderboardLimit {
		limit = defaultLeaderboardLimit
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	users, err := h.store.TopPlayers(r.Context(), limit, offset)
	if err != nil {
		h.log.Error("failed to fetch leaderboard", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to fetch leaderboard")
		return
	}

	entries := make([]LeaderboardEntry, 0, len(users))
	for i, u := range users {
		entries = append(entries, LeaderboardEntry{
			Rank:        offset + i + 1,
			Username:    u.Username,
			Elo:         u.Elo,
			GamesPlayed: u.GamesPlayed,
			GamesWon:    u.GamesWon,
		})
	}

	respondWithJSON(w, http.StatusOK, LeaderboardResponse{Entries: entries, Total: len(entries)})
}

type UserStatsResponse struct {
	ID          int64         `json:"id"`
	Username    string        `json:"username"`
	Elo         int           `json:"elo"`
	GamesPlayed int           `json:"gamesPlayed"`
	GamesWon    int           `json:"gamesWon"`
	CreatedAt   time.Time     `json:"createdAt"`
	RecentGames []models.Game `json:"recentGames"`
}

func (h *HTTPHandler) UserStats(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	userID, err := strconv.ParseInt(vars["id"], 10, 64)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid user id")
		return
	}

	user, err := h.store.GetUserByID(r.Context(), userID)
	if err != nil {
		if err == store.ErrNotFound {
			respondWithError(w, http.StatusNotFound, "User not found")
			return
		}
		h.log.Error("failed to fetch user", zap.Int64("userId", userID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to fetch user")
		return
	}

	recent, err := h.store.RecentGamesForUser(r.Context(), userID, 20)
	if err != nil {
		h.log.Error("failed to fetch recent games", zap.Int64("userId", userID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to fetch recent games")
		return
	}

	respondWithJSON(w, http.StatusOK, UserStatsResponse{
		ID:          user.ID,
		Username:    user.Username,
		Elo:         user.Elo,
		GamesPlayed: user.GamesPlayed,
		GamesWon:    user.GamesWon,
		CreatedAt:   user.CreatedAt,
		RecentGames: recent,
	})
}

type GamesResponse struct {
	Games []models.GameSummary `json:"games"`
	Total int                  `json:"total"`
}

// Games lists games, optionally filtered with ?status=waiting|inprogress|finished.
func (h *HTTPHandler) Games(w http.ResponseWriter, r *http.Request) {
	var statuses []models.GameStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.GameStatus(raw)
		switch status {
		case models.GameStatusWaiting, models.GameStatusInProgress, models.GameStatusFinished:
			statuses = append(statuses, status)
		default:
			respondWithError(w, http.StatusBadRequest, "Invalid status filter")
			return
		}
	}

	games, err := h.store.ListGames(r.Context(), statuses...)
	if err != nil {
		h.log.Error("failed to list games", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to list games")
		return
	}

	respondWithJSON(w, http.StatusOK, GamesResponse{Games: games, Total: len(games)})
}

type GameDetailResponse struct {
	Game  *models.Game        `json:"game"`
	Moves []models.MoveRecord `json:"moves"`
}

// GameDetail returns one persisted game with its full move list.
func (h *HTTPHandler) GameDetail(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	gameID := vars["id"]

	game, err := h.store.GetGame(r.Context(), gameID)
	if err != nil {
		if err == store.ErrNotFound {
			respondWithError(w, http.StatusNotFound, "Game not found")
			return
		}
		h.log.Error("failed to fetch game", zap.String("gameId", gameID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to fetch game")
		return
	}

	moves, err := h.store.GameMoves(r.Context(), gameID)
	if err != nil {
		h.log.Error("failed to fetch moves", zap.String("gameId", gameID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "Failed to fetch moves")
		return
	}

	respondWithJSON(w, http.StatusOK, GameDetailResponse{Game: game, Moves: moves})
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
