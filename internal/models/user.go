package models

import "time"

type User struct {
	ID           int64      `db:"id" json:"id"`
	Username     string     `db:"username" json:"username"`
	PasswordHash string     `db:"password_hash" json:"-"` // never sent to clients
	GoogleID     *string    `db:"google_id" json:"-"`
	Elo          int        `db:"elo" json:"elo"`
	GamesPlayed  int        `db:"games_played" json:"gamesPlayed"`
	GamesWon     int        `db:"games_won" json:"gamesWon"`
	CreatedAt    time.Time  `db:"created_at" json:"createdAt"`
	LastLogin    *time.Time `db:"last_login" json:"lastLogin,omitempty"`
}

// WinRate returns wins over games played, 0 for fresh accounts.
func (u *User) WinRate() float64 {
	if u.GamesPlayed == 0 {
		return 0
	}
	return float64(u.GamesWon) / float64(u.GamesPlayed)
}

const DefaultEloRating = 1200
