// Package store is the persistence gateway: a durable relational store
// for users, games and move records, plus a best-effort ephemeral cache
// holding the live position of active games.
package store

import (
	"context"
	"errors"

	"github.com/fianchetto/arbiter/internal/models"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// RatingUpdate is one user's post-game adjustment. The rating floor is
// applied inside the write: elo = MAX(floor, elo + Delta).
type RatingUpdate struct {
	UserID int64
	Delta  int
	Won    bool
}

// FinalizeParams records a game's terminal state together with the
// rating updates that settle it. Applied as a single transaction; a
// game already finished is left untouched and its ratings are never
// applied twice.
type FinalizeParams struct {
	GameID     string
	WinnerID   *int64
	Reason     models.EndReason
	TotalMoves int
	Ratings    []RatingUpdate
}

// Store is the durable side of the gateway. Writes for one game id are
// issued by that game's session actor, so they arrive serialized;
// writes across games interleave freely.
type Store interface {
	CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error)
	CreateGoogleUser(ctx context.Context, username, googleID string) (*models.User, error)
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByGoogleID(ctx context.Context, googleID string) (*models.User, error)
	UpdateLastLogin(ctx context.Context, userID int64) error
	ApplyRatingDelta(ctx context.Context, u RatingUpdate) error

	InsertWaitingGame(ctx context.Context, gameID string, creatorID int64, timeControlMinutes int) error
	PromoteToInProgress(ctx context.Context, gameID string, blackID int64) error
	DeleteWaitingGame(ctx context.Context, gameID string) error
	AppendMove(ctx context.Context, gameID string, moveNumber int, notation string, playerID int64) error
	FinalizeGame(ctx context.Context, p FinalizeParams) error
	GetGame(ctx context.Context, gameID string) (*models.Game, error)
	GameMoves(ctx context.Context, gameID string) ([]models.MoveRecord, error)

	TopPlayers(ctx context.Context, limit, offset int) ([]models.User, error)
	RecentGamesForUser(ctx context.Context, userID int64, limit int) ([]models.Game, error)
	ListGames(ctx context.Context, statuses ...models.GameStatus) ([]models.GameSummary, error)

	InsertAuthEvent(ctx context.Context, e models.AuthEvent) error

	// CleanupAbandoned reconciles rows orphaned by a previous process:
	// waiting games are deleted, in-progress games are closed out.
	CleanupAbandoned(ctx context.Context) (waitingDeleted, gamesAbandoned int64, err error)

	Ping(ctx context.Context) error
	Close() error
}

// Cache is the ephemeral side. Every operation is best effort: the
// implementation logs failures and moves on, and reads tolerate
// absence. The session's in-memory state is the sole authority during
// play; the cache only serves observers and reconnects.
type Cache interface {
	PutPosition(ctx context.Context, gameID, fen string)
	PutTurn(ctx context.Context, gameID string, turn models.Color)
	GetPosition(ctx context.Context, gameID string) (string, bool)
	Clear(ctx context.Context, gameID string)
	Ping(ctx context.Context) error
}
