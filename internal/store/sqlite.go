package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/fianchetto/arbiter/internal/elo"
	"github.com/fianchetto/arbiter/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS users (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	username      TEXT NOT NULL UNIQUE,
	password_hash TEXT NOT NULL DEFAULT '',
	google_id     TEXT,
	elo           INTEGER NOT NULL DEFAULT 1200,
	games_played  INTEGER NOT NULL DEFAULT 0,
	games_won     INTEGER NOT NULL DEFAULT 0,
	created_at    DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	last_login    DATETIME
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_users_google_id
	ON users(google_id) WHERE google_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS games (
	id                   TEXT PRIMARY KEY,
	player_white_id      INTEGER NOT NULL REFERENCES users(id),
	player_black_id      INTEGER REFERENCES users(id),
	status               TEXT NOT NULL CHECK (status IN ('waiting','inprogress','finished')),
	winner_id            INTEGER REFERENCES users(id),
	end_reason           TEXT,
	created_at           DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	finished_at          DATETIME,
	total_moves          INTEGER NOT NULL DEFAULT 0,
	time_control_minutes INTEGER NOT NULL DEFAULT 30
);

CREATE INDEX IF NOT EXISTS idx_games_status  ON games(status);
CREATE INDEX IF NOT EXISTS idx_games_players ON games(player_white_id, player_black_id);

CREATE TABLE IF NOT EXISTS game_moves (
	id            INTEGER PRIMARY KEY AUTOINCREMENT,
	game_id       TEXT NOT NULL REFERENCES games(id),
	move_number   INTEGER NOT NULL,
	move_notation TEXT NOT NULL,
	player_id     INTEGER NOT NULL REFERENCES users(id),
	timestamp     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_game_moves_game ON game_moves(game_id, move_number);

CREATE TABLE IF NOT EXISTS auth_events (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	event       TEXT NOT NULL,
	username    TEXT,
	user_id     INTEGER,
	remote_addr TEXT,
	detail      TEXT,
	created_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// SQLite implements Store on a single-file database. WAL keeps readers
// off the writer's lock and busy_timeout absorbs the rest.
type SQLite struct {
	db  *sqlx.DB
	log *zap.Logger
}

func NewSQLite(path string, logger *zap.Logger) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	dsn := path + "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on"
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	logger.Info("sqlite store ready", zap.String("path", path))
	return &SQLite{db: db, log: logger}, nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	return errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintUnique
}

func (s *SQLite) CreateUser(ctx context.Context, username, passwordHash string) (*models.User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, elo, created_at) VALUES (?, ?, ?, ?)`,
		username, passwordHash, models.DefaultEloRating, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read user id: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

func (s *SQLite) CreateGoogleUser(ctx context.Context, username, googleID string) (*models.User, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, google_id, elo, created_at) VALUES (?, ?, ?, ?)`,
		username, googleID, models.DefaultEloRating, time.Now().UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrUsernameTaken
		}
		return nil, fmt.Errorf("insert google user: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("read user id: %w", err)
	}
	return s.GetUserByID(ctx, id)
}

const userColumns = `id, username, password_hash, google_id, elo, games_played, games_won, created_at, last_login`

func (s *SQLite) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	return &u, nil
}

func (s *SQLite) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %d: %w", id, err)
	}
	return &u, nil
}

func (s *SQLite) GetUserByGoogleID(ctx context.Context, googleID string) (*models.User, error) {
	var u models.User
	err := s.db.GetContext(ctx, &u,
		`SELECT `+userColumns+` FROM users WHERE google_id = ?`, googleID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user by google id: %w", err)
	}
	return &u, nil
}

func (s *SQLite) UpdateLastLogin(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE users SET last_login = ? WHERE id = ?`, time.Now().UTC(), userID)
	if err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

// ratingSQL applies the floor at write time so concurrent finalizations
// can never push a rating below the minimum.
const ratingSQL = `UPDATE users
	SET elo = MAX(?, elo + ?),
	    games_played = games_played + 1,
	    games_won = games_won + ?
	WHERE id = ?`

func (s *SQLite) ApplyRatingDelta(ctx context.Context, u RatingUpdate) error {
	won := 0
	if u.Won {
		won = 1
	}
	if _, err := s.db.ExecContext(ctx, ratingSQL, elo.MinRating, u.Delta, won, u.UserID); err != nil {
		return fmt.Errorf("apply rating delta for user %d: %w", u.UserID, err)
	}
	return nil
}

func (s *SQLite) InsertWaitingGame(ctx context.Context, gameID string, creatorID int64, timeControlMinutes int) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO games (id, player_white_id, status, created_at, time_control_minutes)
		 VALUES (?, ?, ?, ?, ?)`,
		gameID, creatorID, models.GameStatusWaiting, time.Now().UTC(), timeControlMinutes)
	if err != nil {
		return fmt.Errorf("insert waiting game: %w", err)
	}
	return nil
}

func (s *SQLite) PromoteToInProgress(ctx context.Context, gameID string, blackID int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE games SET status = ?, player_black_id = ? WHERE id = ? AND status = ?`,
		models.GameStatusInProgress, blackID, gameID, models.GameStatusWaiting)
	if err != nil {
		return fmt.Errorf("promote game %s: %w", gameID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("promote game %s: %w", gameID, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) DeleteWaitingGame(ctx context.Context, gameID string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM games WHERE id = ? AND status = ?`, gameID, models.GameStatusWaiting)
	if err != nil {
		return fmt.Errorf("delete waiting game %s: %w", gameID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete waiting game %s: %w", gameID, err)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) AppendMove(ctx context.Context, gameID string, moveNumber int, notation string, playerID int64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO game_moves (game_id, move_number, move_notation, player_id, timestamp)
		 VALUES (?, ?, ?, ?, ?)`,
		gameID, moveNumber, notation, playerID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("append move %d to game %s: %w", moveNumber, gameID, err)
	}
	return nil
}

func (s *SQLite) FinalizeGame(ctx context.Context, p FinalizeParams) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin finalize: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE games
		 SET status = ?, winner_id = ?, end_reason = ?, finished_at = ?, total_moves = ?
		 WHERE id = ? AND status != ?`,
		models.GameStatusFinished, p.WinnerID, string(p.Reason), time.Now().UTC(),
		p.TotalMoves, p.GameID, models.GameStatusFinished)
	if err != nil {
		return fmt.Errorf("finalize game %s: %w", p.GameID, err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("finalize game %s: %w", p.GameID, err)
	}
	if rows == 0 {
		// Already finished. Ratings were settled by whoever got here
		// first, so applying them again would double-count.
		return nil
	}
	for _, u := range p.Ratings {
		won := 0
		if u.Won {
			won = 1
		}
		if _, err := tx.ExecContext(ctx, ratingSQL, elo.MinRating, u.Delta, won, u.UserID); err != nil {
			return fmt.Errorf("apply rating for user %d: %w", u.UserID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit finalize: %w", err)
	}
	return nil
}

func (s *SQLite) GetGame(ctx context.Context, gameID string) (*models.Game, error) {
	var g models.Game
	err := s.db.GetContext(ctx, &g,
		`SELECT id, player_white_id, player_black_id, status, winner_id, end_reason,
		        created_at, finished_at, total_moves, time_control_minutes
		 FROM games WHERE id = ?`, gameID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get game %s: %w", gameID, err)
	}
	return &g, nil
}

func (s *SQLite) GameMoves(ctx context.Context, gameID string) ([]models.MoveRecord, error) {
	var moves []models.MoveRecord
	err := s.db.SelectContext(ctx, &moves,
		`SELECT id, game_id, move_number, move_notation, player_id, timestamp
		 FROM game_moves WHERE game_id = ? ORDER BY move_number`, gameID)
	if err != nil {
		return nil, fmt.Errorf("load moves for game %s: %w", gameID, err)
	}
	return moves, nil
}

func (s *SQLite) TopPlayers(ctx context.Context, limit, offset int) ([]models.User, error) {
	var users []models.User
	err := s.db.SelectContext(ctx, &users,
		`SELECT `+userColumns+` FROM users
		 ORDER BY elo DESC, games_won DESC, username ASC
		 LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("top players: %w", err)
	}
	return users, nil
}

func (s *SQLite) RecentGamesForUser(ctx context.Context, userID int64, limit int) ([]models.Game, error) {
	var games []models.Game
	err := s.db.SelectContext(ctx, &games,
		`SELECT id, player_white_id, player_black_id, status, winner_id, end_reason,
		        created_at, finished_at, total_moves, time_control_minutes
		 FROM games
		 WHERE status = ? AND (player_white_id = ? OR player_black_id = ?)
		 ORDER BY finished_at DESC
		 LIMIT ?`, models.GameStatusFinished, userID, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("recent games for user %d: %w", userID, err)
	}
	return games, nil
}

func (s *SQLite) ListGames(ctx context.Context, statuses ...models.GameStatus) ([]models.GameSummary, error) {
	if len(statuses) == 0 {
		statuses = []models.GameStatus{models.GameStatusWaiting, models.GameStatusInProgress, models.GameStatusFinished}
	}
	query, args, err := sqlx.In(
		`SELECT g.id, w.username AS white, b.username AS black, g.status,
		        COUNT(m.id) AS move_count, g.time_control_minutes, g.created_at
		 FROM games g
		 JOIN users w ON w.id = g.player_white_id
		 LEFT JOIN users b ON b.id = g.player_black_id
		 LEFT JOIN game_moves m ON m.game_id = g.id
		 WHERE g.status IN (?)
		 GROUP BY g.id
		 ORDER BY g.created_at DESC
		 LIMIT 100`, statuses)
	if err != nil {
		return nil, fmt.Errorf("build game list query: %w", err)
	}
	var summaries []models.GameSummary
	if err := s.db.SelectContext(ctx, &summaries, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list games: %w", err)
	}
	return summaries, nil
}

func (s *SQLite) InsertAuthEvent(ctx context.Context, e models.AuthEvent) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_events (event, username, user_id, remote_addr, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		e.Event, e.Username, e.UserID, e.RemoteAddr, e.Detail, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert auth event: %w", err)
	}
	return nil
}

// CleanupAbandoned runs once at boot. Waiting rows belong to creators
// whose connections died with the previous process; in-progress rows
// lost their session actors and cannot be resumed, so they are closed
// out as timeouts with no winner and no rating movement.
func (s *SQLite) CleanupAbandoned(ctx context.Context) (int64, int64, error) {
	delRes, err := s.db.ExecContext(ctx,
		`DELETE FROM games WHERE status = ?`, models.GameStatusWaiting)
	if err != nil {
		return 0, 0, fmt.Errorf("delete orphaned waiting games: %w", err)
	}
	waiting, _ := delRes.RowsAffected()

	updRes, err := s.db.ExecContext(ctx,
		`UPDATE games SET status = ?, end_reason = ?, finished_at = ? WHERE status = ?`,
		models.GameStatusFinished, string(models.EndTimeout), time.Now().UTC(),
		models.GameStatusInProgress)
	if err != nil {
		return waiting, 0, fmt.Errorf("abandon orphaned games: %w", err)
	}
	abandoned, _ := updRes.RowsAffected()

	if waiting > 0 || abandoned > 0 {
		s.log.Info("cleaned up abandoned games",
			zap.Int64("waiting_deleted", waiting),
			zap.Int64("games_abandoned", abandoned))
	}
	return waiting, abandoned, nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.db.Close()
}
