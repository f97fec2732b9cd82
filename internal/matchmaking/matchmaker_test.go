package matchmaking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/models"
	"github.com/fianchetto/arbiter/internal/protocol"
	"github.com/fianchetto/arbiter/internal/session"
	"github.com/fianchetto/arbiter/internal/store"
)

type insertedRow struct {
	gameID    string
	creatorID int64
	tc        int
}

type promotedRow struct {
	gameID  string
	blackID int64
}

// fakeStore records the pool's row mirroring; everything else is a
// stub.
type fakeStore struct {
	mu         sync.Mutex
	inserted   []insertedRow
	deleted    []string
	promoted   []promotedRow
	insertErr  error
	promoteErr error
}

func (f *fakeStore) InsertWaitingGame(_ context.Context, gameID string, creatorID int64, tc int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, insertedRow{gameID, creatorID, tc})
	return nil
}

func (f *fakeStore) DeleteWaitingGame(_ context.Context, gameID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, gameID)
	return nil
}

func (f *fakeStore) PromoteToInProgress(_ context.Context, gameID string, blackID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.promoteErr != nil {
		return f.promoteErr
	}
	f.promoted = append(f.promoted, promotedRow{gameID, blackID})
	return nil
}

func (f *fakeStore) insertedRows() []insertedRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]insertedRow(nil), f.inserted...)
}

func (f *fakeStore) deletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deleted...)
}

func (f *fakeStore) promotions() []promotedRow {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]promotedRow(nil), f.promoted...)
}

func (f *fakeStore) CreateUser(context.Context, string, string) (*models.User, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) CreateGoogleUser(context.Context, string, string) (*models.User, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) GetUserByUsername(context.Context, string) (*models.User, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) GetUserByID(context.Context, int64) (*models.User, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) GetUserByGoogleID(context.Context, string) (*models.User, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) UpdateLastLogin(context.Context, int64) error               { return nil }
func (f *fakeStore) ApplyRatingDelta(context.Context, store.RatingUpdate) error { return nil }
func (f *fakeStore) AppendMove(context.Context, string, int, string, int64) error {
	return nil
}
func (f *fakeStore) FinalizeGame(context.Context, store.FinalizeParams) error { return nil }
func (f *fakeStore) GetGame(context.Context, string) (*models.Game, error) {
	return nil, store.ErrNotFound
}
func (f *fakeStore) GameMoves(context.Context, string) ([]models.MoveRecord, error) {
	return nil, nil
}
func (f *fakeStore) TopPlayers(context.Context, int, int) ([]models.User, error) { return nil, nil }
func (f *fakeStore) RecentGamesForUser(context.Context, int64, int) ([]models.Game, error) {
	return nil, nil
}
func (f *fakeStore) ListGames(context.Context, ...models.GameStatus) ([]models.GameSummary, error) {
	return nil, nil
}
func (f *fakeStore) InsertAuthEvent(context.Context, models.AuthEvent) error { return nil }
func (f *fakeStore) CleanupAbandoned(context.Context) (int64, int64, error)  { return 0, 0, nil }
func (f *fakeStore) Ping(context.Context) error                              { return nil }
func (f *fakeStore) Close() error                                            { return nil }

type fakePresence struct {
	mu   sync.Mutex
	down map[int64]bool
}

func (p *fakePresence) IsConnected(userID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.down[userID]
}

func (p *fakePresence) setDown(userID int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.down == nil {
		p.down = make(map[int64]bool)
	}
	p.down[userID] = true
}

type startedGame struct {
	gameID      string
	white       session.Player
	black       session.Player
	timeControl int
}

type fakeStarter struct {
	mu      sync.Mutex
	started []startedGame
}

func (f *fakeStarter) StartSession(id string, white, black session.Player, tc int) *session.Session {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, startedGame{id, white, black, tc})
	return nil
}

func (f *fakeStarter) startedGames() []startedGame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]startedGame(nil), f.started...)
}

type sentEvent struct {
	userID  int64
	payload any
}

type joinEvent struct {
	gameID string
	userID int64
}

type fakeNotifier struct {
	mu    sync.Mutex
	sent  []sentEvent
	joins []joinEvent
}

func (f *fakeNotifier) SendToUser(userID int64, payload any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{userID, payload})
}

func (f *fakeNotifier) JoinGame(gameID string, userID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins = append(f.joins, joinEvent{gameID, userID})
}

func (f *fakeNotifier) eventsFor(userID int64) []any {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []any
	for _, e := range f.sent {
		if e.userID == userID {
			out = append(out, e.payload)
		}
	}
	return out
}

func (f *fakeNotifier) joinedUsers(gameID string) []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []int64
	for _, j := range f.joins {
		if j.gameID == gameID {
			out = append(out, j.userID)
		}
	}
	return out
}

type harness struct {
	m        *Matchmaker
	store    *fakeStore
	presence *fakePresence
	starter  *fakeStarter
	notify   *fakeNotifier
}

// newHarness builds a matchmaker without the purge loop; every call
// under test runs synchronously.
func newHarness() *harness {
	h := &harness{
		store:    &fakeStore{},
		presence: &fakePresence{},
		starter:  &fakeStarter{},
		notify:   &fakeNotifier{},
	}
	h.m = NewMatchmaker(h.store, h.presence, h.starter, h.notify, zap.NewNop())
	return h
}

func player(id int64, name string, rating int) session.Player {
	return session.Player{ID: id, Username: name, Elo: rating}
}

func lastEventFor(t *testing.T, n *fakeNotifier, userID int64) any {
	t.Helper()
	events := n.eventsFor(userID)
	require.NotEmpty(t, events, "no events delivered to user %d", userID)
	return events[len(events)-1]
}

func matchFoundFor(t *testing.T, n *fakeNotifier, userID int64) protocol.MatchFound {
	t.Helper()
	for _, e := range n.eventsFor(userID) {
		if mf, ok := e.(protocol.MatchFound); ok {
			return mf
		}
	}
	t.Fatalf("no match_found delivered to user %d", userID)
	return protocol.MatchFound{}
}

func TestCreateWaitingParksCreator(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.m.CreateWaiting(ctx, player(1, "alice", 1200), 0)

	assert.Equal(t, 1, h.m.WaitingCount())

	rows := h.store.insertedRows()
	require.Len(t, rows, 1)
	assert.Equal(t, int64(1), rows[0].creatorID)
	assert.Equal(t, 30, rows[0].tc, "a zero time control takes the default")

	w, ok := lastEventFor(t, h.notify, 1).(protocol.WaitingForOpponent)
	require.True(t, ok)
	assert.Equal(t, rows[0].gameID, w.GameID)
	assert.Equal(t, 30, w.TimeControl)
	assert.Equal(t, "white", w.Position)
}

func TestCreateWaitingReplacesPrevious(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := player(1, "alice", 1200)

	h.m.CreateWaiting(ctx, alice, 30)
	h.m.CreateWaiting(ctx, alice, 15)

	assert.Equal(t, 1, h.m.WaitingCount(), "one waiting game per creator")

	rows := h.store.insertedRows()
	require.Len(t, rows, 2)
	assert.Contains(t, h.store.deletedIDs(), rows[0].gameID, "the replaced row is withdrawn")
	assert.Equal(t, 15, rows[1].tc)
}

func TestCreateWaitingClampsTimeControl(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.m.CreateWaiting(ctx, player(1, "alice", 1200), 999)
	w, ok := lastEventFor(t, h.notify, 1).(protocol.WaitingForOpponent)
	require.True(t, ok)
	assert.Equal(t, 180, w.TimeControl)

	h.m.CreateWaiting(ctx, player(2, "bob", 1200), -5)
	w, ok = lastEventFor(t, h.notify, 2).(protocol.WaitingForOpponent)
	require.True(t, ok)
	assert.Equal(t, 30, w.TimeControl)
}

func TestCreateWaitingInsertFailureRollsBack(t *testing.T) {
	h := newHarness()
	h.store.insertErr = errors.New("disk full")

	h.m.CreateWaiting(context.Background(), player(1, "alice", 1200), 30)

	assert.Zero(t, h.m.WaitingCount())
	ev, ok := lastEventFor(t, h.notify, 1).(protocol.ErrorEvent)
	require.True(t, ok)
	assert.Equal(t, "Failed to create game", ev.Message)
}

func TestSearchPairsClosestRating(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.m.CreateWaiting(ctx, player(10, "carla", 1180), 30)
	h.m.CreateWaiting(ctx, player(11, "dan", 1300), 30)
	h.m.CreateWaiting(ctx, player(12, "eve", 1600), 30)

	h.m.Search(ctx, player(20, "zoe", 1210))

	started := h.starter.startedGames()
	require.Len(t, started, 1)
	assert.Equal(t, "carla", started[0].white.Username, "1180 is 30 away, 1300 is 90")
	assert.Equal(t, "zoe", started[0].black.Username)
	assert.Equal(t, 30, started[0].timeControl)

	promos := h.store.promotions()
	require.Len(t, promos, 1)
	assert.Equal(t, started[0].gameID, promos[0].gameID)
	assert.Equal(t, int64(20), promos[0].blackID)

	assert.ElementsMatch(t, []int64{10, 20}, h.notify.joinedUsers(started[0].gameID))

	creatorMatch := matchFoundFor(t, h.notify, 10)
	assert.Equal(t, "white", creatorMatch.YourColor)
	assert.Equal(t, "zoe", creatorMatch.Opponent.Username)
	assert.Equal(t, 1210, creatorMatch.Opponent.Elo)

	joinerMatch := matchFoundFor(t, h.notify, 20)
	assert.Equal(t, "black", joinerMatch.YourColor)
	assert.Equal(t, "carla", joinerMatch.Opponent.Username)
	assert.Equal(t, 1180, joinerMatch.Opponent.Elo)
	assert.Equal(t, started[0].gameID, joinerMatch.GameID)

	assert.Equal(t, 2, h.m.WaitingCount(), "unmatched creators stay in the pool")
}

func TestSearchWidensToUnboundedBand(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.m.CreateWaiting(ctx, player(10, "vet", 1650), 30)
	h.m.Search(ctx, player(20, "novice", 1200))

	started := h.starter.startedGames()
	require.Len(t, started, 1, "a 450 point gap still matches through the unbounded band")
	assert.Equal(t, "vet", started[0].white.Username)
	assert.Zero(t, h.m.WaitingCount())
}

func TestSearchPrefersOldestOnEqualGap(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.m.CreateWaiting(ctx, player(10, "older", 1100), 30)
	time.Sleep(2 * time.Millisecond)
	h.m.CreateWaiting(ctx, player(11, "newer", 1300), 30)

	h.m.Search(ctx, player(20, "zoe", 1200))

	started := h.starter.startedGames()
	require.Len(t, started, 1)
	assert.Equal(t, "older", started[0].white.Username)
}

func TestSearchBandWalk(t *testing.T) {
	// Searchers of very different strengths against the same pool:
	// carla 1180, dan 1300, eve 1600, parked in that order.
	cases := []struct {
		name        string
		searcher    int
		wantCreator string
	}{
		{"closest seat inside the first band", 1210, "carla"},
		{"equal gap resolves to the older seat", 1450, "dan"},
		{"third band reaches 300 points out", 1900, "eve"},
		{"unbounded fallback takes whoever is closest", 3000, "eve"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness()
			ctx := context.Background()
			h.m.CreateWaiting(ctx, player(10, "carla", 1180), 30)
			time.Sleep(2 * time.Millisecond)
			h.m.CreateWaiting(ctx, player(11, "dan", 1300), 30)
			time.Sleep(2 * time.Millisecond)
			h.m.CreateWaiting(ctx, player(12, "eve", 1600), 30)

			h.m.Search(ctx, player(20, "zoe", tc.searcher))

			started := h.starter.startedGames()
			require.Len(t, started, 1)
			assert.Equal(t, tc.wantCreator, started[0].white.Username)
		})
	}
}

func TestSearchEmptyPool(t *testing.T) {
	h := newHarness()

	h.m.Search(context.Background(), player(20, "zoe", 1200))

	assert.IsType(t, protocol.NoGamesFound{}, lastEventFor(t, h.notify, 20))
	assert.Empty(t, h.starter.startedGames())
}

func TestSearchNeverMatchesOwnGame(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := player(1, "alice", 1200)

	h.m.CreateWaiting(ctx, alice, 30)
	h.m.Search(ctx, alice)

	assert.IsType(t, protocol.NoGamesFound{}, lastEventFor(t, h.notify, 1))
	assert.Equal(t, 1, h.m.WaitingCount(), "searching leaves the caller's own game parked")
}

func TestSearchSkipsDisconnectedCreators(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.m.CreateWaiting(ctx, player(10, "ghost", 1200), 30)
	h.presence.setDown(10)

	h.m.Search(ctx, player(20, "zoe", 1200))

	assert.IsType(t, protocol.NoGamesFound{}, lastEventFor(t, h.notify, 20))
	assert.Empty(t, h.starter.startedGames())
}

func TestSearchWithdrawsOwnWaitingGame(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := player(1, "alice", 1200)

	h.m.CreateWaiting(ctx, alice, 30)
	h.m.CreateWaiting(ctx, player(2, "bob", 1220), 30)

	h.m.Search(ctx, alice)

	require.Len(t, h.starter.startedGames(), 1)
	assert.Equal(t, "bob", h.starter.startedGames()[0].white.Username)
	assert.Zero(t, h.m.WaitingCount())

	rows := h.store.insertedRows()
	require.Len(t, rows, 2)
	assert.Contains(t, h.store.deletedIDs(), rows[0].gameID, "the searcher's own game is withdrawn")
}

func TestSearchPromoteFailureReportsEmptyPool(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.m.CreateWaiting(ctx, player(10, "carla", 1200), 30)
	h.store.promoteErr = store.ErrNotFound

	h.m.Search(ctx, player(20, "zoe", 1200))

	assert.IsType(t, protocol.NoGamesFound{}, lastEventFor(t, h.notify, 20))
	assert.Empty(t, h.starter.startedGames(), "no session without a promoted row")
	assert.Zero(t, h.m.WaitingCount(), "the dead entry is consumed, not recycled")
}

func TestCancelAlwaysAcknowledges(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := player(1, "alice", 1200)

	h.m.CreateWaiting(ctx, alice, 30)
	gameID := h.store.insertedRows()[0].gameID

	h.m.Cancel(ctx, alice.ID)
	assert.Zero(t, h.m.WaitingCount())
	assert.Contains(t, h.store.deletedIDs(), gameID)
	assert.IsType(t, protocol.MatchmakingCancelled{}, lastEventFor(t, h.notify, 1))

	// Cancelling with nothing waiting still answers.
	h.m.Cancel(ctx, alice.ID)
	cancelled := 0
	for _, e := range h.notify.eventsFor(1) {
		if _, ok := e.(protocol.MatchmakingCancelled); ok {
			cancelled++
		}
	}
	assert.Equal(t, 2, cancelled)
}

func TestRemoveForIsSilent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	alice := player(1, "alice", 1200)

	h.m.CreateWaiting(ctx, alice, 30)
	gameID := h.store.insertedRows()[0].gameID

	h.m.RemoveFor(ctx, alice.ID)

	assert.Zero(t, h.m.WaitingCount())
	assert.Contains(t, h.store.deletedIDs(), gameID)
	require.Len(t, h.notify.eventsFor(1), 1, "only the original waiting_for_opponent")
	assert.IsType(t, protocol.WaitingForOpponent{}, h.notify.eventsFor(1)[0])
}

func TestPurgeDisconnected(t *testing.T) {
	h := newHarness()
	ctx := context.Background()

	h.m.CreateWaiting(ctx, player(1, "alice", 1200), 30)
	h.m.CreateWaiting(ctx, player(2, "ghost", 1200), 30)
	ghostGame := h.store.insertedRows()[1].gameID

	h.presence.setDown(2)
	h.m.purgeDisconnected()

	assert.Equal(t, 1, h.m.WaitingCount())
	assert.Contains(t, h.store.deletedIDs(), ghostGame)

	// The survivor is still matchable.
	h.m.Search(ctx, player(20, "zoe", 1200))
	require.Len(t, h.starter.startedGames(), 1)
	assert.Equal(t, "alice", h.starter.startedGames()[0].white.Username)
}
