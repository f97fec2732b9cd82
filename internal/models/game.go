package models

import "time"

type Color string

const (
	White Color = "white"
	Black Color = "black"
)

// Opponent returns the other side.
func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

func (c Color) Valid() bool {
	return c == White || c == Black
}

type GameStatus string

const (
	GameStatusWaiting    GameStatus = "waiting"    // waiting for a second player
	GameStatusInProgress GameStatus = "inprogress" // both players assigned, clocks running
	GameStatusFinished   GameStatus = "finished"   // terminal, durably recorded
)

// EndReason records why a game terminated.
type EndReason string

const (
	EndCheckmate            EndReason = "checkmate"
	EndStalemate            EndReason = "stalemate"
	EndInsufficientMaterial EndReason = "insufficient-material"
	EndThreefold            EndReason = "threefold"
	EndFiftyMove            EndReason = "fifty-move"
	EndResignation          EndReason = "resignation"
	EndTimeout              EndReason = "timeout"
	EndAgreedDraw           EndReason = "agreed-draw"
)

// Decisive reports whether the reason produces a winner.
func (r EndReason) Decisive() bool {
	switch r {
	case EndCheckmate, EndResignation, EndTimeout:
		return true
	}
	return false
}

type Game struct {
	ID                 string     `db:"id" json:"id"`
	PlayerWhiteID      int64      `db:"player_white_id" json:"playerWhiteId"`
	PlayerBlackID      *int64     `db:"player_black_id" json:"playerBlackId,omitempty"`
	Status             GameStatus `db:"status" json:"status"`
	WinnerID           *int64     `db:"winner_id" json:"winnerId,omitempty"`
	EndReason          *EndReason `db:"end_reason" json:"endReason,omitempty"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
	FinishedAt         *time.Time `db:"finished_at" json:"finishedAt,omitempty"`
	TotalMoves         int        `db:"total_moves" json:"totalMoves"`
	TimeControlMinutes int        `db:"time_control_minutes" json:"timeControlMinutes"`
}

// GameSummary is the listing shape used by the HTTP surface: a game row
// joined with its live half-move count and player names.
type GameSummary struct {
	ID                 string     `db:"id" json:"id"`
	White              string     `db:"white" json:"white"`
	Black              *string    `db:"black" json:"black,omitempty"`
	Status             GameStatus `db:"status" json:"status"`
	MoveCount          int        `db:"move_count" json:"moveCount"`
	TimeControlMinutes int        `db:"time_control_minutes" json:"timeControlMinutes"`
	CreatedAt          time.Time  `db:"created_at" json:"createdAt"`
}

// MoveRecord is one half-move in the append-only move log.
// MoveNumber is 1-based and dense within a game.
type MoveRecord struct {
	ID         int64     `db:"id" json:"id"`
	GameID     string    `db:"game_id" json:"gameId"`
	MoveNumber int       `db:"move_number" json:"moveNumber"`
	Notation   string    `db:"move_notation" json:"notation"`
	PlayerID   int64     `db:"player_id" json:"playerId"`
	Timestamp  time.Time `db:"timestamp" json:"timestamp"`
}

// AuthEvent is a best-effort audit record of an authentication action.
type AuthEvent struct {
	ID         int64     `db:"id" json:"id"`
	Event      string    `db:"event" json:"event"`
	Username   string    `db:"username" json:"username"`
	UserID     *int64    `db:"user_id" json:"userId,omitempty"`
	RemoteAddr string    `db:"remote_addr" json:"remoteAddr"`
	Detail     string    `db:"detail" json:"detail,omitempty"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// Starting position in FEN notation
const InitialBoardFEN = "rnbqkbnr/pppppppp/8/8/8/8/PPPPPPPP/RNBQKBNR w KQkq - 0 1"

const (
	DefaultTimeControlMinutes = 30
	MaxTimeControlMinutes     = 180
)

// NormalizeTimeControl clamps a requested per-side budget to the supported
// range, substituting the default when the client sends none.
func NormalizeTimeControl(minutes int) int {
	if minutes <= 0 {
		return DefaultTimeControlMinutes
	}
	if minutes > MaxTimeControlMinutes {
		return MaxTimeControlMinutes
	}
	return minutes
}
