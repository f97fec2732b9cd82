// Package session hosts the authoritative state of live games. Each
// game runs as one actor: a goroutine draining a command inbox, so
// every rule check, clock touch and broadcast for that game is
// serialized without locks. Cross-game work never contends.
package session

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/game"
	"github.com/fianchetto/arbiter/internal/models"
	"github.com/fianchetto/arbiter/internal/protocol"
	"github.com/fianchetto/arbiter/internal/store"
)

// Player is the immutable identity of one seat, captured at pairing
// time. Elo and game counts are the pre-game values used for the
// post-game rating math.
type Player struct {
	ID          int64
	Username    string
	Elo         int
	GamesPlayed int
	GamesWon    int
}

// Emitter delivers server events to connected clients. The hub
// implements it; tests substitute a recorder.
type Emitter interface {
	SendToUser(userID int64, payload any)
	BroadcastToGame(gameID string, payload any)
	JoinGame(gameID string, userID int64)
	RemoveGame(gameID string)
}

// Outcome is the terminal verdict a session hands to its manager.
// Winner is nil on draws.
type Outcome struct {
	Reason         models.EndReason
	Winner         *models.Color
	ResignedPlayer string
	TimedOutPlayer string
}

type finishFunc func(*Session, Outcome)

type command interface{ cmd() }

type moveCmd struct {
	playerID int64
	desc     game.MoveDescriptor
}

type resignCmd struct{ playerID int64 }

type flagCmd struct{ loser models.Color }

type syncCmd struct{ playerID int64 }

type chatCmd struct {
	playerID int64
	text     string
}

func (moveCmd) cmd()   {}
func (resignCmd) cmd() {}
func (flagCmd) cmd()   {}
func (syncCmd) cmd()   {}
func (chatCmd) cmd()   {}

const (
	inboxDepth     = 64
	persistTimeout = 5 * time.Second
)

type deps struct {
	store         store.Store
	cache         store.Cache
	emitter       Emitter
	finish        finishFunc
	log           *zap.Logger
	timerInterval time.Duration
}

// Session is one live game. Exported fields are fixed at construction;
// everything else belongs to the actor goroutine.
type Session struct {
	ID          string
	White       Player
	Black       Player
	TimeControl int // minutes per side

	board     *game.Board
	clock     *game.Clock
	startedAt time.Time
	lastSAN   string
	moveCount int
	finished  bool

	inbox     chan command
	done      chan struct{}
	postMu    sync.RWMutex
	accepting bool

	deps deps
}

// newSession builds the actor and starts its clock. White's clock runs
// from this instant; the caller starts the run loop.
func newSession(id string, white, black Player, timeControlMinutes int, d deps) *Session {
	s := &Session{
		ID:          id,
		White:       white,
		Black:       black,
		TimeControl: timeControlMinutes,
		board:       game.NewBoard(),
		startedAt:   time.Now(),
		inbox:       make(chan command, inboxDepth),
		done:        make(chan struct{}),
		accepting:   true,
		deps:        d,
	}
	s.clock = game.NewClock(timeControlMinutes, func(loser models.Color) {
		s.post(flagCmd{loser: loser})
	})
	return s
}

// post enqueues a command unless the session has stopped accepting.
// The enqueue is non-blocking: a saturated inbox rejects rather than
// stalling the caller's read loop.
func (s *Session) post(c command) bool {
	s.postMu.RLock()
	defer s.postMu.RUnlock()
	if !s.accepting {
		return false
	}
	select {
	case s.inbox <- c:
		return true
	default:
		return false
	}
}

// ApplyMove submits a move on behalf of a player. The return value only
// reports acceptance into the inbox; validation results arrive as
// events.
func (s *Session) ApplyMove(playerID int64, desc game.MoveDescriptor) bool {
	return s.post(moveCmd{playerID: playerID, desc: desc})
}

// Resign submits a resignation. Valid on either player's turn.
func (s *Session) Resign(playerID int64) bool {
	return s.post(resignCmd{playerID: playerID})
}

// RequestSync asks for a full game_state_sync snapshot.
func (s *Session) RequestSync(playerID int64) bool {
	return s.post(syncCmd{playerID: playerID})
}

// Chat relays a chat line to the game group.
func (s *Session) Chat(playerID int64, text string) bool {
	return s.post(chatCmd{playerID: playerID, text: text})
}

// Done is closed when the session has been evicted.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// StartedAt is the pairing instant; clocks run from here.
func (s *Session) StartedAt() time.Time {
	return s.startedAt
}

// MoveCount returns the number of accepted half-moves. Safe only on the
// actor goroutine or after eviction.
func (s *Session) MoveCount() int {
	return s.moveCount
}

// FEN returns the current position. Safe only on the actor goroutine or
// after eviction.
func (s *Session) FEN() string {
	return s.board.FEN()
}

// PlayerFor returns the seat holding the given color.
func (s *Session) PlayerFor(c models.Color) Player {
	if c == models.White {
		return s.White
	}
	return s.Black
}

func (s *Session) colorOf(playerID int64) (models.Color, bool) {
	switch playerID {
	case s.White.ID:
		return models.White, true
	case s.Black.ID:
		return models.Black, true
	}
	return "", false
}

// run is the actor loop. It exits after the finish callback has
// persisted and announced the outcome, rejecting whatever commands
// were still queued.
func (s *Session) run() {
	ticker := time.NewTicker(s.deps.timerInterval)
	defer ticker.Stop()

	for {
		select {
		case c := <-s.inbox:
			s.handle(c)
			if s.finished {
				s.stopAccepting()
				s.drain()
				return
			}
		case <-ticker.C:
			s.broadcastTimers()
		}
	}
}

// stopAccepting flips the gate so post fails fast, then closes done.
// Waiting for in-flight readers means no command can slip in after the
// drain below.
func (s *Session) stopAccepting() {
	s.postMu.Lock()
	s.accepting = false
	s.postMu.Unlock()
	close(s.done)
}

func (s *Session) drain() {
	for {
		select {
		case c := <-s.inbox:
			s.reject(c)
		default:
			return
		}
	}
}

func (s *Session) reject(c command) {
	var playerID int64
	switch c := c.(type) {
	case moveCmd:
		playerID = c.playerID
	case resignCmd:
		playerID = c.playerID
	case syncCmd:
		playerID = c.playerID
	case chatCmd:
		playerID = c.playerID
	default:
		return
	}
	s.deps.emitter.SendToUser(playerID, protocol.NewError("Game is no longer active"))
}

func (s *Session) handle(c command) {
	switch c := c.(type) {
	case moveCmd:
		s.handleMove(c)
	case resignCmd:
		s.handleResign(c)
	case flagCmd:
		s.finalizeTimeout(c.loser)
	case syncCmd:
		s.handleSync(c)
	case chatCmd:
		s.handleChat(c)
	}
}

func (s *Session) handleMove(c moveCmd) {
	color, ok := s.colorOf(c.playerID)
	if !ok {
		s.deps.emitter.SendToUser(c.playerID, protocol.NewError("You are not a player in this game"))
		return
	}
	if s.board.Turn() != color {
		s.deps.emitter.SendToUser(c.playerID, protocol.NewInvalidMove("Not your turn"))
		return
	}

	// The clock outranks the move: a move that arrives after the
	// mover's own budget hit zero loses on time, even if the watcher
	// has not fired yet.
	if s.clock.Snapshot().Remaining(color) <= 0 {
		s.finalizeTimeout(color)
		return
	}

	res, err := s.board.Apply(c.desc)
	if err != nil {
		s.deps.emitter.SendToUser(c.playerID, protocol.NewInvalidMove("Invalid move"))
		return
	}

	snap := s.clock.Switch()
	if snap.Flagged {
		s.finalizeTimeout(snap.Loser)
		return
	}

	s.moveCount++
	prevSAN := s.lastSAN
	s.lastSAN = res.SAN

	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	if err := s.deps.store.AppendMove(ctx, s.ID, s.moveCount, res.SAN, c.playerID); err != nil {
		// The in-memory session stays authoritative; a lost row costs
		// replay fidelity, not correctness.
		s.deps.log.Error("move append failed",
			zap.String("game_id", s.ID),
			zap.Int("move_number", s.moveCount),
			zap.Error(err))
	}
	s.deps.cache.PutPosition(ctx, s.ID, s.board.FEN())
	s.deps.cache.PutTurn(ctx, s.ID, s.board.Turn())
	cancel()

	if reason, over := s.board.Terminal(); over {
		s.finalizeNatural(reason, color)
		return
	}

	s.deps.emitter.BroadcastToGame(s.ID, protocol.MoveMade{
		Type:                  protocol.TypeMoveMade,
		GameID:                s.ID,
		SAN:                   res.SAN,
		From:                  res.From,
		To:                    res.To,
		FEN:                   s.board.FEN(),
		Turn:                  string(s.board.Turn()),
		Player:                string(color),
		PlayerTimeRemaining:   snap.Seconds(color),
		OpponentTimeRemaining: snap.Seconds(color.Opponent()),
		ServerTimestamp:       protocol.NowMillis(),
		LastOpponentMove:      prevSAN,
	})
}

func (s *Session) handleResign(c resignCmd) {
	color, ok := s.colorOf(c.playerID)
	if !ok {
		s.deps.emitter.SendToUser(c.playerID, protocol.NewError("You are not a player in this game"))
		return
	}
	winner := color.Opponent()
	s.finalize(Outcome{
		Reason:         models.EndResignation,
		Winner:         &winner,
		ResignedPlayer: s.PlayerFor(color).Username,
	})
}

func (s *Session) finalizeTimeout(loser models.Color) {
	winner := loser.Opponent()
	s.finalize(Outcome{
		Reason:         models.EndTimeout,
		Winner:         &winner,
		TimedOutPlayer: s.PlayerFor(loser).Username,
	})
}

// finalizeNatural closes a game the board itself ended. mover is the
// side whose move produced the terminal position.
func (s *Session) finalizeNatural(reason models.EndReason, mover models.Color) {
	var winner *models.Color
	if reason == models.EndCheckmate {
		w := mover
		winner = &w
	}
	s.finalize(Outcome{Reason: reason, Winner: winner})
}

func (s *Session) finalize(o Outcome) {
	s.finished = true
	s.clock.Stop()
	s.deps.finish(s, o)
}

func (s *Session) handleSync(c syncCmd) {
	color, ok := s.colorOf(c.playerID)
	if !ok {
		s.deps.emitter.SendToUser(c.playerID, protocol.NewError("You are not a player in this game"))
		return
	}
	snap := s.clock.Snapshot()
	s.deps.emitter.SendToUser(c.playerID, protocol.GameStateSync{
		Type:          protocol.TypeGameStateSync,
		GameID:        s.ID,
		FEN:           s.board.FEN(),
		Turn:          string(s.board.Turn()),
		Moves:         s.board.History(),
		IsPlayerWhite: color == models.White,
		TimerData: protocol.TimerData{
			Player1Time:     snap.Seconds(models.White),
			Player2Time:     snap.Seconds(models.Black),
			CurrentPlayer:   string(snap.Running),
			ServerTimestamp: protocol.NowMillis(),
		},
		GameStatus: "active",
	})
}

func (s *Session) handleChat(c chatCmd) {
	color, ok := s.colorOf(c.playerID)
	if !ok {
		s.deps.emitter.SendToUser(c.playerID, protocol.NewError("You are not a player in this game"))
		return
	}
	text := strings.TrimSpace(c.text)
	if text == "" {
		return
	}
	if runes := []rune(text); len(runes) > protocol.MaxChatLength {
		text = string(runes[:protocol.MaxChatLength])
	}
	s.deps.emitter.BroadcastToGame(s.ID, protocol.ChatMessage{
		Type:      protocol.TypeChat,
		GameID:    s.ID,
		Username:  s.PlayerFor(color).Username,
		Message:   text,
		Timestamp: protocol.NowMillis(),
	})
}

func (s *Session) broadcastTimers() {
	snap := s.clock.Snapshot()
	if snap.Flagged {
		// The flag command is already queued; the next handle call
		// ends the game.
		return
	}
	s.deps.emitter.BroadcastToGame(s.ID, protocol.TimerUpdate{
		Type:            protocol.TypeTimerUpdate,
		GameID:          s.ID,
		Player1Time:     snap.Seconds(models.White),
		Player2Time:     snap.Seconds(models.Black),
		CurrentPlayer:   string(snap.Running),
		ServerTimestamp: protocol.NowMillis(),
	})
}
