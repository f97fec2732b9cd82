package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/audit"
	"github.com/fianchetto/arbiter/internal/auth"
	"github.com/fianchetto/arbiter/internal/game"
	"github.com/fianchetto/arbiter/internal/matchmaking"
	"github.com/fianchetto/arbiter/internal/models"
	"github.com/fianchetto/arbiter/internal/protocol"
	"github.com/fianchetto/arbiter/internal/session"
	"github.com/fianchetto/arbiter/internal/store"
)

const requestTimeout = 5 * time.Second

// Router dispatches inbound WebSocket messages. Authentication events
// run against the store; game events resolve the live session and hand
// off to its actor, so the router itself never touches game state.
type Router struct {
	hub        *Hub
	store      store.Store
	sessions   *session.Manager
	matchmaker *matchmaking.Matchmaker
	passwords  *auth.PasswordService
	tokens     *auth.JWTService
	audit      *audit.Recorder
	log        *zap.Logger
}

func NewRouter(
	hub *Hub,
	st store.Store,
	sessions *session.Manager,
	mm *matchmaking.Matchmaker,
	passwords *auth.PasswordService,
	tokens *auth.JWTService,
	rec *audit.Recorder,
	logger *zap.Logger,
) *Router {
	return &Router{
		hub:        hub,
		store:      st,
		sessions:   sessions,
		matchmaker: mm,
		passwords:  passwords,
		tokens:     tokens,
		audit:      rec,
		log:        logger,
	}
}

// HandleMessage implements MessageHandler.
func (rt *Router) HandleMessage(c *Client, data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Send(protocol.NewError("Malformed message"))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	switch msg.Type {
	case protocol.TypeHeartbeat:
		// Liveness was already refreshed by the read pump.

	case protocol.TypeRegister:
		rt.handleRegister(ctx, c, msg)
	case protocol.TypeLogin:
		rt.handleLogin(ctx, c, msg)

	case protocol.TypeCreateGame:
		if player, ok := rt.playerFor(ctx, c); ok {
			rt.matchmaker.CreateWaiting(ctx, player, msg.TimeControl)
		}
	case protocol.TypeSearchForGame:
		if player, ok := rt.playerFor(ctx, c); ok {
			rt.matchmaker.Search(ctx, player)
		}
	case protocol.TypeCancelMatchmaking:
		if userID, ok := rt.requireAuth(c); ok {
			rt.matchmaker.Cancel(ctx, userID)
		}

	case protocol.TypeMove:
		rt.handleMove(c, msg)
	case protocol.TypeResign:
		rt.handleResign(c, msg)
	case protocol.TypeChat:
		rt.handleChat(c, msg)
	case protocol.TypeReconnectToGame:
		rt.handleSync(ctx, c, msg.GameID, true)
	case protocol.TypeRequestGameSync:
		rt.handleSync(ctx, c, msg.GameID, false)

	default:
		c.Send(protocol.NewError("Unknown message type"))
	}
}

// requireAuth rejects unauthenticated game commands.
func (rt *Router) requireAuth(c *Client) (int64, bool) {
	userID, _ := c.Identity()
	if userID == 0 {
		c.Send(protocol.NewError("Authentication required"))
		return 0, false
	}
	return userID, true
}

// playerFor loads the caller's current profile, so pairing and rating
// math always see post-previous-game numbers.
func (rt *Router) playerFor(ctx context.Context, c *Client) (session.Player, bool) {
	userID, ok := rt.requireAuth(c)
	if !ok {
		return session.Player{}, false
	}
	u, err := rt.store.GetUserByID(ctx, userID)
	if err != nil {
		rt.log.Error("profile load failed", zap.Int64("user_id", userID), zap.Error(err))
		c.Send(protocol.NewError("Failed to load profile"))
		return session.Player{}, false
	}
	return session.Player{
		ID:          u.ID,
		Username:    u.Username,
		Elo:         u.Elo,
		GamesPlayed: u.GamesPlayed,
		GamesWon:    u.GamesWon,
	}, true
}

func (rt *Router) handleRegister(ctx context.Context, c *Client, msg protocol.ClientMessage) {
	username := strings.TrimSpace(msg.Username)
	if err := auth.ValidateUsername(username); err != nil {
		c.Send(protocol.RegistrationFailure{Type: protocol.TypeRegistrationFailure, Reason: err.Error()})
		return
	}
	if err := auth.ValidatePassword(msg.Password); err != nil {
		c.Send(protocol.RegistrationFailure{Type: protocol.TypeRegistrationFailure, Reason: err.Error()})
		return
	}

	hash, err := rt.passwords.HashPassword(msg.Password)
	if err != nil {
		rt.log.Error("password hash failed", zap.Error(err))
		c.Send(protocol.RegistrationFailure{Type: protocol.TypeRegistrationFailure, Reason: "Registration failed"})
		return
	}

	u, err := rt.store.CreateUser(ctx, username, hash)
	if errors.Is(err, store.ErrUsernameTaken) {
		rt.audit.Record(audit.EventRegisterFail, username, nil, c.RemoteAddr(), "username taken")
		c.Send(protocol.RegistrationFailure{Type: protocol.TypeRegistrationFailure, Reason: "Username already taken"})
		return
	}
	if err != nil {
		rt.log.Error("user create failed", zap.String("username", username), zap.Error(err))
		c.Send(protocol.RegistrationFailure{Type: protocol.TypeRegistrationFailure, Reason: "Registration failed"})
		return
	}

	rt.audit.Record(audit.EventRegister, u.Username, &u.ID, c.RemoteAddr(), "")
	c.Send(protocol.RegistrationSuccess{
		Type:     protocol.TypeRegistrationSuccess,
		UserID:   u.ID,
		Username: u.Username,
	})
}

func (rt *Router) handleLogin(ctx context.Context, c *Client, msg protocol.ClientMessage) {
	if msg.Token != "" {
		rt.handleTokenLogin(ctx, c, msg.Token)
		return
	}

	username := strings.TrimSpace(msg.Username)
	u, err := rt.store.GetUserByUsername(ctx, username)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			rt.log.Error("login lookup failed", zap.String("username", username), zap.Error(err))
		}
		rt.failLogin(c, username, "Invalid username or password")
		return
	}
	// Google-only accounts have no password to compare.
	if u.PasswordHash == "" {
		rt.failLogin(c, username, "Invalid username or password")
		return
	}
	if err := rt.passwords.ComparePassword(u.PasswordHash, msg.Password); err != nil {
		rt.failLogin(c, username, "Invalid username or password")
		return
	}

	token, err := rt.tokens.GenerateToken(u.ID, u.Username)
	if err != nil {
		rt.log.Error("token issue failed", zap.Int64("user_id", u.ID), zap.Error(err))
		token = ""
	}
	rt.finishLogin(ctx, c, u, token, audit.EventLoginSuccess)
}

func (rt *Router) handleTokenLogin(ctx context.Context, c *Client, tokenString string) {
	claims, err := rt.tokens.ValidateToken(tokenString)
	if err != nil {
		rt.failLogin(c, "", "Invalid or expired token")
		return
	}
	u, err := rt.store.GetUserByID(ctx, claims.UserID)
	if err != nil {
		rt.failLogin(c, claims.Username, "Invalid or expired token")
		return
	}
	rt.finishLogin(ctx, c, u, "", audit.EventTokenLogin)
}

func (rt *Router) failLogin(c *Client, username, reason string) {
	rt.audit.Record(audit.EventLoginFailed, username, nil, c.RemoteAddr(), reason)
	c.Send(protocol.LoginFailure{Type: protocol.TypeLoginFailure, Reason: reason})
}

func (rt *Router) finishLogin(ctx context.Context, c *Client, u *models.User, token, auditEvent string) {
	rt.hub.Authenticate(c, u.ID, u.Username)
	if err := rt.store.UpdateLastLogin(ctx, u.ID); err != nil {
		rt.log.Warn("last login update failed", zap.Int64("user_id", u.ID), zap.Error(err))
	}
	rt.audit.Record(auditEvent, u.Username, &u.ID, c.RemoteAddr(), "")

	c.Send(protocol.LoginSuccess{
		Type:        protocol.TypeLoginSuccess,
		UserID:      u.ID,
		Username:    u.Username,
		Elo:         u.Elo,
		GamesPlayed: u.GamesPlayed,
		GamesWon:    u.GamesWon,
		Token:       token,
	})
}

func (rt *Router) liveSession(c *Client, gameID string) (*session.Session, int64, bool) {
	userID, ok := rt.requireAuth(c)
	if !ok {
		return nil, 0, false
	}
	if gameID == "" {
		c.Send(protocol.NewError("Missing gameId"))
		return nil, 0, false
	}
	s, ok := rt.sessions.Get(gameID)
	if !ok {
		c.Send(protocol.NewError("Game is not active"))
		return nil, 0, false
	}
	return s, userID, true
}

func (rt *Router) handleMove(c *Client, msg protocol.ClientMessage) {
	s, userID, ok := rt.liveSession(c, msg.GameID)
	if !ok {
		return
	}
	desc, err := protocol.ParseMove(msg.Move)
	if err != nil {
		c.Send(protocol.NewInvalidMove("Invalid move"))
		return
	}
	if !s.ApplyMove(userID, desc) {
		c.Send(protocol.NewError("Game is not active"))
	}
}

func (rt *Router) handleResign(c *Client, msg protocol.ClientMessage) {
	s, userID, ok := rt.liveSession(c, msg.GameID)
	if !ok {
		return
	}
	if !s.Resign(userID) {
		c.Send(protocol.NewError("Game is not active"))
	}
}

func (rt *Router) handleChat(c *Client, msg protocol.ClientMessage) {
	s, userID, ok := rt.liveSession(c, msg.GameID)
	if !ok {
		return
	}
	if !s.Chat(userID, msg.Message) {
		c.Send(protocol.NewError("Game is not active"))
	}
}

// handleSync serves reconnect_to_game and request_game_sync. A live
// game answers from its actor; a finished one gets a snapshot rebuilt
// from the durable record, so late reconnects always learn the result.
func (rt *Router) handleSync(ctx context.Context, c *Client, gameID string, rejoin bool) {
	userID, ok := rt.requireAuth(c)
	if !ok {
		return
	}
	if gameID == "" {
		c.Send(protocol.NewError("Missing gameId"))
		return
	}

	if s, live := rt.sessions.Get(gameID); live {
		if userID != s.White.ID && userID != s.Black.ID {
			c.Send(protocol.NewError("You are not a player in this game"))
			return
		}
		if rejoin {
			rt.hub.JoinGame(gameID, userID)
		}
		if !s.RequestSync(userID) {
			c.Send(protocol.NewError("Game is not active"))
		}
		return
	}

	rt.sendFinishedSnapshot(ctx, c, userID, gameID)
}

func (rt *Router) sendFinishedSnapshot(ctx context.Context, c *Client, userID int64, gameID string) {
	g, err := rt.store.GetGame(ctx, gameID)
	if errors.Is(err, store.ErrNotFound) {
		c.Send(protocol.NewError("Game not found"))
		return
	}
	if err != nil {
		rt.log.Error("game load failed", zap.String("game_id", gameID), zap.Error(err))
		c.Send(protocol.NewError("Failed to load game"))
		return
	}

	isWhite := userID == g.PlayerWhiteID
	isBlack := g.PlayerBlackID != nil && userID == *g.PlayerBlackID
	if !isWhite && !isBlack {
		c.Send(protocol.NewError("You are not a player in this game"))
		return
	}
	if g.Status != models.GameStatusFinished {
		c.Send(protocol.NewError("Game has not started"))
		return
	}

	records, err := rt.store.GameMoves(ctx, gameID)
	if err != nil {
		rt.log.Error("move load failed", zap.String("game_id", gameID), zap.Error(err))
		c.Send(protocol.NewError("Failed to load game"))
		return
	}

	board := game.NewBoard()
	sans := make([]string, 0, len(records))
	for _, rec := range records {
		if _, err := board.Apply(game.MoveDescriptor{SAN: rec.Notation}); err != nil {
			rt.log.Error("move replay failed",
				zap.String("game_id", gameID),
				zap.Int("move_number", rec.MoveNumber),
				zap.Error(err))
			break
		}
		sans = append(sans, rec.Notation)
	}

	c.Send(protocol.GameStateSync{
		Type:          protocol.TypeGameStateSync,
		GameID:        gameID,
		FEN:           board.FEN(),
		Turn:          string(board.Turn()),
		Moves:         sans,
		IsPlayerWhite: isWhite,
		TimerData: protocol.TimerData{
			ServerTimestamp: protocol.NowMillis(),
		},
		GameStatus: string(models.GameStatusFinished),
	})
}
