// Package protocol defines the client-facing event vocabulary: the
// inbound message envelope and every server-originated payload. All
// clock values on the wire are whole seconds; all timestamps are Unix
// milliseconds.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fianchetto/arbiter/internal/game"
)

// Client-to-server event types.
const (
	TypeRegister          = "register"
	TypeLogin             = "login"
	TypeHeartbeat         = "heartbeat"
	TypeCreateGame        = "create_game"
	TypeSearchForGame     = "search_for_game"
	TypeCancelMatchmaking = "cancel_matchmaking"
	TypeMove              = "move"
	TypeResign            = "resign"
	TypeChat              = "chat"
	TypeReconnectToGame   = "reconnect_to_game"
	TypeRequestGameSync   = "request_game_sync"
)

// Server-to-client event types. TypeChat is used in both directions.
const (
	TypeConnectionConfirmed  = "connection_confirmed"
	TypeRegistrationSuccess  = "registration_success"
	TypeRegistrationFailure  = "registration_failure"
	TypeLoginSuccess         = "login_success"
	TypeLoginFailure         = "login_failure"
	TypeWaitingForOpponent   = "waiting_for_opponent"
	TypeNoGamesFound         = "no_games_found"
	TypeMatchFound           = "match_found"
	TypeMoveMade             = "move_made"
	TypeInvalidMove          = "invalid_move"
	TypeTimerUpdate          = "timer_update"
	TypeGameOver             = "game_over"
	TypeGameStateSync        = "game_state_sync"
	TypeMatchmakingCancelled = "matchmaking_cancelled"
	TypeError                = "error"
)

// MaxChatLength is the cap applied to chat messages after trimming.
const MaxChatLength = 200

// ClientMessage is the inbound envelope. Fields beyond Type are
// populated per event; unknown fields are ignored.
type ClientMessage struct {
	Type        string          `json:"type"`
	Username    string          `json:"username,omitempty"`
	Password    string          `json:"password,omitempty"`
	Token       string          `json:"token,omitempty"`
	GameID      string          `json:"gameId,omitempty"`
	TimeControl int             `json:"timeControl,omitempty"`
	Move        json.RawMessage `json:"move,omitempty"`
	Message     string          `json:"message,omitempty"`
}

// ParseMove accepts the two on-wire move forms: a bare SAN string, or a
// {from,to,promotion?} object.
func ParseMove(raw json.RawMessage) (game.MoveDescriptor, error) {
	if len(raw) == 0 {
		return game.MoveDescriptor{}, errors.New("missing move")
	}

	var san string
	if err := json.Unmarshal(raw, &san); err == nil {
		if strings.TrimSpace(san) == "" {
			return game.MoveDescriptor{}, errors.New("empty move")
		}
		return game.MoveDescriptor{SAN: san}, nil
	}

	var coords struct {
		From      string `json:"from"`
		To        string `json:"to"`
		Promotion string `json:"promotion"`
	}
	if err := json.Unmarshal(raw, &coords); err != nil {
		return game.MoveDescriptor{}, fmt.Errorf("malformed move: %w", err)
	}
	if coords.From == "" || coords.To == "" {
		return game.MoveDescriptor{}, errors.New("move requires from and to")
	}
	return game.MoveDescriptor{From: coords.From, To: coords.To, Promotion: coords.Promotion}, nil
}

// NowMillis is the timestamp format used across the protocol.
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

type ConnectionConfirmed struct {
	Type      string `json:"type"`
	SocketID  string `json:"socketId"`
	Server    string `json:"server"`
	Timestamp int64  `json:"timestamp"`
}

type RegistrationSuccess struct {
	Type     string `json:"type"`
	UserID   int64  `json:"userId"`
	Username string `json:"username"`
}

type RegistrationFailure struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type LoginSuccess struct {
	Type        string `json:"type"`
	UserID      int64  `json:"userId"`
	Username    string `json:"username"`
	Elo         int    `json:"elo"`
	GamesPlayed int    `json:"gamesPlayed"`
	GamesWon    int    `json:"gamesWon"`
	Token       string `json:"token,omitempty"`
}

type LoginFailure struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

type WaitingForOpponent struct {
	Type        string `json:"type"`
	GameID      string `json:"gameId"`
	TimeControl int    `json:"timeControl"`
	Position    string `json:"position"`
}

type NoGamesFound struct {
	Type string `json:"type"`
}

type Opponent struct {
	Username string `json:"username"`
	Elo      int    `json:"elo"`
}

type MatchFound struct {
	Type        string   `json:"type"`
	GameID      string   `json:"gameId"`
	YourColor   string   `json:"yourColor"`
	Opponent    Opponent `json:"opponent"`
	TimeControl int      `json:"timeControl"`
}

type MoveMade struct {
	Type   string `json:"type"`
	GameID string `json:"gameId"`
	SAN    string `json:"san"`
	From   string `json:"from"`
	To     string `json:"to"`
	FEN    string `json:"fen"`
	// Turn is the side to move after this move; Player the side that
	// made it. PlayerTimeRemaining is the mover's clock.
	Turn                  string `json:"turn"`
	Player                string `json:"player"`
	PlayerTimeRemaining   int64  `json:"playerTimeRemaining"`
	OpponentTimeRemaining int64  `json:"opponentTimeRemaining"`
	ServerTimestamp       int64  `json:"serverTimestamp"`
	LastOpponentMove      string `json:"lastOpponentMove,omitempty"`
}

type InvalidMove struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// TimerUpdate reports both clocks; player1 is always white.
type TimerUpdate struct {
	Type            string `json:"type"`
	GameID          string `json:"gameId"`
	Player1Time     int64  `json:"player1Time"`
	Player2Time     int64  `json:"player2Time"`
	CurrentPlayer   string `json:"currentPlayer"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

type ChatMessage struct {
	Type      string `json:"type"`
	GameID    string `json:"gameId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

type GameOver struct {
	Type   string `json:"type"`
	GameID string `json:"gameId"`
	Result string `json:"result"`
	// Winner is a username, explicitly null on draws.
	Winner         *string        `json:"winner"`
	Reason         string         `json:"reason"`
	FinalFEN       string         `json:"finalFen,omitempty"`
	TotalMoves     int            `json:"totalMoves,omitempty"`
	GameDuration   int64          `json:"gameDuration,omitempty"`
	EloChanges     map[string]int `json:"eloChanges,omitempty"`
	ResignedPlayer string         `json:"resignedPlayer,omitempty"`
	TimedOutPlayer string         `json:"timedOutPlayer,omitempty"`
}

// TimerData is the clock block embedded in a game_state_sync; player1 is
// always white.
type TimerData struct {
	Player1Time     int64  `json:"player1Time"`
	Player2Time     int64  `json:"player2Time"`
	CurrentPlayer   string `json:"currentPlayer"`
	ServerTimestamp int64  `json:"serverTimestamp"`
}

type GameStateSync struct {
	Type          string    `json:"type"`
	GameID        string    `json:"gameId"`
	FEN           string    `json:"fen"`
	Turn          string    `json:"turn"`
	Moves         []string  `json:"moves"`
	IsPlayerWhite bool      `json:"isPlayerWhite"`
	TimerData     TimerData `json:"timerData"`
	GameStatus    string    `json:"gameStatus"`
}

type MatchmakingCancelled struct {
	Type string `json:"type"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

func NewError(message string) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message}
}

func NewInvalidMove(reason string) InvalidMove {
	return InvalidMove{Type: TypeInvalidMove, Reason: reason}
}

func NewNoGamesFound() NoGamesFound {
	return NoGamesFound{Type: TypeNoGamesFound}
}

func NewMatchmakingCancelled() MatchmakingCancelled {
	return MatchmakingCancelled{Type: TypeMatchmakingCancelled}
}
