// Package matchmaking pairs players through a pool of waiting games.
// Creating a game parks its creator in the pool as white; searching
// scans the pool in widening rating bands and seats the searcher as
// black in the closest-rated game.
package matchmaking

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/models"
	"github.com/fianchetto/arbiter/internal/protocol"
	"github.com/fianchetto/arbiter/internal/session"
	"github.com/fianchetto/arbiter/internal/store"
)

// searchBands are the rating windows tried in order; the final zero
// means unbounded, so a lone waiting game is always reachable.
var searchBands = [...]int{100, 200, 400, 0}

// purgeInterval is how often waiting games whose creators have dropped
// off are swept out of the pool.
const purgeInterval = 60 * time.Second

// Presence answers whether a user still has a live connection. The
// client registry implements it.
type Presence interface {
	IsConnected(userID int64) bool
}

// SessionStarter spins up the live session once a pair is formed.
type SessionStarter interface {
	StartSession(id string, white, black session.Player, timeControlMinutes int) *session.Session
}

// Notifier delivers matchmaking events and joins matched players to
// their game group.
type Notifier interface {
	SendToUser(userID int64, payload any)
	JoinGame(gameID string, userID int64)
}

type waitingGame struct {
	gameID      string
	creator     session.Player
	timeControl int
	createdAt   time.Time
}

// Matchmaker keeps the waiting pool in memory, mirrored to the store so
// games survive as rows while they wait. One waiting game per creator:
// creating again replaces the previous one.
type Matchmaker struct {
	mu      sync.Mutex
	waiting map[string]*waitingGame
	byOwner map[int64]string

	store    store.Store
	presence Presence
	sessions SessionStarter
	notify   Notifier
	log      *zap.Logger

	ticker *time.Ticker
	stopCh chan struct{}
}

func NewMatchmaker(st store.Store, presence Presence, sessions SessionStarter, notify Notifier, logger *zap.Logger) *Matchmaker {
	return &Matchmaker{
		waiting:  make(map[string]*waitingGame),
		byOwner:  make(map[int64]string),
		store:    st,
		presence: presence,
		sessions: sessions,
		notify:   notify,
		log:      logger,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background purge loop
func (m *Matchmaker) Start() {
	m.ticker = time.NewTicker(purgeInterval)
	go m.purgeLoop()
	m.log.Info("matchmaker started")
}

// Stop halts the background purge loop
func (m *Matchmaker) Stop() {
	if m.ticker != nil {
		m.ticker.Stop()
	}
	close(m.stopCh)
	m.log.Info("matchmaker stopped")
}

// WaitingCount returns the number of games currently waiting for an
// opponent.
func (m *Matchmaker) WaitingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.waiting)
}

// CreateWaiting parks a new game in the pool with the creator as white.
// A previous waiting game by the same creator is replaced.
func (m *Matchmaker) CreateWaiting(ctx context.Context, creator session.Player, timeControlMinutes int) {
	tc := models.NormalizeTimeControl(timeControlMinutes)
	gameID := uuid.NewString()

	m.mu.Lock()
	replaced := m.removeByOwnerLocked(creator.ID)
	m.waiting[gameID] = &waitingGame{
		gameID:      gameID,
		creator:     creator,
		timeControl: tc,
		createdAt:   time.Now(),
	}
	m.byOwner[creator.ID] = gameID
	m.mu.Unlock()

	if replaced != "" {
		m.deleteWaitingRow(ctx, replaced)
	}
	if err := m.store.InsertWaitingGame(ctx, gameID, creator.ID, tc); err != nil {
		m.mu.Lock()
		delete(m.waiting, gameID)
		delete(m.byOwner, creator.ID)
		m.mu.Unlock()
		m.log.Error("waiting game insert failed",
			zap.String("game_id", gameID), zap.Error(err))
		m.notify.SendToUser(creator.ID, protocol.NewError("Failed to create game"))
		return
	}

	m.notify.SendToUser(creator.ID, protocol.WaitingForOpponent{
		Type:        protocol.TypeWaitingForOpponent,
		GameID:      gameID,
		TimeControl: tc,
		Position:    string(models.White),
	})
	m.log.Info("waiting game created",
		zap.String("game_id", gameID),
		zap.String("creator", creator.Username),
		zap.Int("time_control_minutes", tc))
}

// Search pairs the joiner with the closest-rated waiting game, trying
// each band in turn. Within a band the smallest rating gap wins; ties
// go to the oldest game. The joiner's own waiting game never matches
// and is withdrawn once a pair forms.
func (m *Matchmaker) Search(ctx context.Context, joiner session.Player) {
	m.mu.Lock()
	best := m.pickLocked(joiner)
	if best == nil {
		m.mu.Unlock()
		m.notify.SendToUser(joiner.ID, protocol.NewNoGamesFound())
		return
	}
	delete(m.waiting, best.gameID)
	delete(m.byOwner, best.creator.ID)
	ownID := m.removeByOwnerLocked(joiner.ID)
	m.mu.Unlock()

	if ownID != "" {
		m.deleteWaitingRow(ctx, ownID)
	}

	if err := m.store.PromoteToInProgress(ctx, best.gameID, joiner.ID); err != nil {
		// The row vanished under us (cancelled or reaped); the pool
		// entry is already gone, so just report an empty pool.
		m.log.Warn("waiting game promote failed",
			zap.String("game_id", best.gameID), zap.Error(err))
		m.notify.SendToUser(joiner.ID, protocol.NewNoGamesFound())
		return
	}

	m.sessions.StartSession(best.gameID, best.creator, joiner, best.timeControl)
	m.notify.JoinGame(best.gameID, best.creator.ID)
	m.notify.JoinGame(best.gameID, joiner.ID)

	m.notify.SendToUser(best.creator.ID, protocol.MatchFound{
		Type:        protocol.TypeMatchFound,
		GameID:      best.gameID,
		YourColor:   string(models.White),
		Opponent:    protocol.Opponent{Username: joiner.Username, Elo: joiner.Elo},
		TimeControl: best.timeControl,
	})
	m.notify.SendToUser(joiner.ID, protocol.MatchFound{
		Type:        protocol.TypeMatchFound,
		GameID:      best.gameID,
		YourColor:   string(models.Black),
		Opponent:    protocol.Opponent{Username: best.creator.Username, Elo: best.creator.Elo},
		TimeControl: best.timeControl,
	})

	m.log.Info("players matched",
		zap.String("game_id", best.gameID),
		zap.String("white", best.creator.Username),
		zap.Int("white_elo", best.creator.Elo),
		zap.String("black", joiner.Username),
		zap.Int("black_elo", joiner.Elo))
}

// pickLocked implements the banded search. Callers hold m.mu.
func (m *Matchmaker) pickLocked(joiner session.Player) *waitingGame {
	for _, band := range searchBands {
		var best *waitingGame
		bestDiff := 0
		for _, w := range m.waiting {
			if w.creator.ID == joiner.ID {
				continue
			}
			if !m.presence.IsConnected(w.creator.ID) {
				continue
			}
			diff := w.creator.Elo - joiner.Elo
			if diff < 0 {
				diff = -diff
			}
			if band > 0 && diff > band {
				continue
			}
			if best == nil || diff < bestDiff ||
				(diff == bestDiff && w.createdAt.Before(best.createdAt)) {
				best = w
				bestDiff = diff
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

// Cancel withdraws the caller's waiting game. Always answered with
// matchmaking_cancelled, even when nothing was waiting.
func (m *Matchmaker) Cancel(ctx context.Context, userID int64) {
	m.mu.Lock()
	gameID := m.removeByOwnerLocked(userID)
	m.mu.Unlock()

	if gameID != "" {
		m.deleteWaitingRow(ctx, gameID)
		m.log.Info("matchmaking cancelled",
			zap.String("game_id", gameID), zap.Int64("user_id", userID))
	}
	m.notify.SendToUser(userID, protocol.NewMatchmakingCancelled())
}

// RemoveFor silently withdraws a user's waiting game. Called by the
// registry when a connection dies.
func (m *Matchmaker) RemoveFor(ctx context.Context, userID int64) {
	m.mu.Lock()
	gameID := m.removeByOwnerLocked(userID)
	m.mu.Unlock()

	if gameID != "" {
		m.deleteWaitingRow(ctx, gameID)
		m.log.Info("waiting game withdrawn on disconnect",
			zap.String("game_id", gameID), zap.Int64("user_id", userID))
	}
}

// removeByOwnerLocked drops a creator's entry from both maps and
// returns the removed game id, or "". Callers hold m.mu.
func (m *Matchmaker) removeByOwnerLocked(userID int64) string {
	gameID, ok := m.byOwner[userID]
	if !ok {
		return ""
	}
	delete(m.byOwner, userID)
	delete(m.waiting, gameID)
	return gameID
}

func (m *Matchmaker) deleteWaitingRow(ctx context.Context, gameID string) {
	if err := m.store.DeleteWaitingGame(ctx, gameID); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.log.Warn("waiting game delete failed",
			zap.String("game_id", gameID), zap.Error(err))
	}
}

func (m *Matchmaker) purgeLoop() {
	for {
		select {
		case <-m.ticker.C:
			m.purgeDisconnected()
		case <-m.stopCh:
			return
		}
	}
}

// purgeDisconnected sweeps waiting games whose creators no longer hold
// a connection, so searchers never match into a dead seat.
func (m *Matchmaker) purgeDisconnected() {
	m.mu.Lock()
	var stale []string
	for id, w := range m.waiting {
		if !m.presence.IsConnected(w.creator.ID) {
			stale = append(stale, id)
			delete(m.byOwner, w.creator.ID)
		}
	}
	for _, id := range stale {
		delete(m.waiting, id)
	}
	m.mu.Unlock()

	if len(stale) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range stale {
		m.deleteWaitingRow(ctx, id)
	}
	m.log.Info("purged abandoned waiting games", zap.Int("count", len(stale)))
}
