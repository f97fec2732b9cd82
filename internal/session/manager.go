package session

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/elo"
	"github.com/fianchetto/arbiter/internal/models"
	"github.com/fianchetto/arbiter/internal/protocol"
	"github.com/fianchetto/arbiter/internal/store"
)

const finalizeDeadline = 10 * time.Second

// Options tune manager behavior; zero values take the defaults used in
// production.
type Options struct {
	// TimerBroadcastInterval is the cadence of timer_update events.
	TimerBroadcastInterval time.Duration
	// RateAllDecisive applies Elo to resignations and flag falls as
	// well as checkmates. Draws never move ratings.
	RateAllDecisive bool
}

// Manager owns the lifecycle of every live session: creation at pairing
// time, lookup for command routing, and the persist-announce-evict
// sequence when a game ends.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session

	store   store.Store
	cache   store.Cache
	emitter Emitter
	calc    *elo.Calculator
	log     *zap.Logger
	opts    Options
}

func NewManager(st store.Store, cache store.Cache, emitter Emitter, logger *zap.Logger, opts Options) *Manager {
	if opts.TimerBroadcastInterval <= 0 {
		opts.TimerBroadcastInterval = 5 * time.Second
	}
	return &Manager{
		sessions: make(map[string]*Session),
		store:    st,
		cache:    cache,
		emitter:  emitter,
		calc:     elo.NewCalculator(),
		log:      logger,
		opts:     opts,
	}
}

// StartSession spins up the actor for a freshly paired game. White's
// clock starts now.
func (m *Manager) StartSession(id string, white, black Player, timeControlMinutes int) *Session {
	s := newSession(id, white, black, timeControlMinutes, deps{
		store:         m.store,
		cache:         m.cache,
		emitter:       m.emitter,
		finish:        m.finalize,
		log:           m.log,
		timerInterval: m.opts.TimerBroadcastInterval,
	})

	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()

	go s.run()

	m.log.Info("session started",
		zap.String("game_id", id),
		zap.String("white", white.Username),
		zap.String("black", black.Username),
		zap.Int("time_control_minutes", timeControlMinutes))
	return s
}

// Get returns the live session for a game, if any.
func (m *Manager) Get(gameID string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[gameID]
	return s, ok
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// BootCleanup reconciles games orphaned by a previous process. Run once
// before accepting connections.
func (m *Manager) BootCleanup(ctx context.Context) error {
	_, _, err := m.store.CleanupAbandoned(ctx)
	return err
}

// finalize runs on the session's own goroutine, so it is serialized
// with the game's command stream: the game_over broadcast is the last
// event any client sees for this game.
func (m *Manager) finalize(s *Session, o Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeDeadline)
	defer cancel()

	totalMoves := s.MoveCount()
	duration := int64(time.Since(s.StartedAt()) / time.Second)

	var winnerID *int64
	var winnerName *string
	if o.Winner != nil {
		w := s.PlayerFor(*o.Winner)
		winnerID = &w.ID
		winnerName = &w.Username
	}

	ratings, eloChanges := m.ratingUpdates(s, o)

	params := store.FinalizeParams{
		GameID:     s.ID,
		WinnerID:   winnerID,
		Reason:     o.Reason,
		TotalMoves: totalMoves,
		Ratings:    ratings,
	}
	if err := m.store.FinalizeGame(ctx, params); err != nil {
		m.log.Error("game finalize failed, retrying",
			zap.String("game_id", s.ID), zap.Error(err))
		if err := m.store.FinalizeGame(ctx, params); err != nil {
			// The session is evicted regardless; boot cleanup picks up
			// whatever this leaves behind.
			m.log.Error("game finalize failed permanently",
				zap.String("game_id", s.ID), zap.Error(err))
		}
	}
	m.cache.Clear(ctx, s.ID)

	m.emitter.BroadcastToGame(s.ID, protocol.GameOver{
		Type:           protocol.TypeGameOver,
		GameID:         s.ID,
		Result:         resultString(o.Reason),
		Winner:         winnerName,
		Reason:         string(o.Reason),
		FinalFEN:       s.FEN(),
		TotalMoves:     totalMoves,
		GameDuration:   duration,
		EloChanges:     eloChanges,
		ResignedPlayer: o.ResignedPlayer,
		TimedOutPlayer: o.TimedOutPlayer,
	})

	m.mu.Lock()
	delete(m.sessions, s.ID)
	m.mu.Unlock()
	m.emitter.RemoveGame(s.ID)

	m.log.Info("game over",
		zap.String("game_id", s.ID),
		zap.String("reason", string(o.Reason)),
		zap.Int("total_moves", totalMoves),
		zap.Int64("duration_seconds", duration))
}

// ratingUpdates builds the per-player settlement. Every finished game
// counts toward games_played; Elo only moves on rated outcomes.
func (m *Manager) ratingUpdates(s *Session, o Outcome) ([]store.RatingUpdate, map[string]int) {
	if o.Winner == nil {
		return []store.RatingUpdate{
			{UserID: s.White.ID, Delta: 0, Won: false},
			{UserID: s.Black.ID, Delta: 0, Won: false},
		}, nil
	}

	winner := s.PlayerFor(*o.Winner)
	loser := s.PlayerFor(o.Winner.Opponent())

	if !m.shouldRate(o.Reason) {
		return []store.RatingUpdate{
			{UserID: winner.ID, Delta: 0, Won: true},
			{UserID: loser.ID, Delta: 0, Won: false},
		}, nil
	}

	dw, dl := m.calc.Deltas(winner.Elo, winner.GamesPlayed, loser.Elo, loser.GamesPlayed, elo.Win)
	ratings := []store.RatingUpdate{
		{UserID: winner.ID, Delta: dw, Won: true},
		{UserID: loser.ID, Delta: dl, Won: false},
	}
	return ratings, map[string]int{winner.Username: dw, loser.Username: dl}
}

func (m *Manager) shouldRate(reason models.EndReason) bool {
	if !reason.Decisive() {
		return false
	}
	return m.opts.RateAllDecisive || reason == models.EndCheckmate
}

func resultString(r models.EndReason) string {
	switch r {
	case models.EndCheckmate:
		return "checkmate"
	case models.EndResignation:
		return "resignation"
	case models.EndTimeout:
		return "timeout"
	default:
		return "draw"
	}
}
