package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/fianchetto/arbiter/internal/config"
)

// Wipes game history while keeping accounts. Intended for dev resets.
func main() {
	cfg, err := config.Load(config.GetEnv())
	if err != nil {
		cfg = config.Default()
	}

	db, err := sqlx.Connect("sqlite3", cfg.SQLite.Path)
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()

	movesResult, err := db.ExecContext(ctx, "DELETE FROM game_moves")
	if err != nil {
		log.Fatalf("Failed to delete moves: %v", err)
	}
	moves, _ := movesResult.RowsAffected()
	fmt.Printf("Deleted %d moves\n", moves)

	gamesResult, err := db.ExecContext(ctx, "DELETE FROM games")
	if err != nil {
		log.Fatalf("Failed to delete games: %v", err)
	}
	games, _ := gamesResult.RowsAffected()
	fmt.Printf("Deleted %d games\n", games)

	// Drop cached positions too, so nothing stale survives the wipe.
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
	defer rdb.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		fmt.Println("Redis unreachable, skipping cache wipe")
		fmt.Println("Database cleared successfully")
		return
	}

	var deleted int64
	iter := rdb.Scan(ctx, 0, "game:*", 100).Iterator()
	for iter.Next(ctx) {
		if err := rdb.Del(ctx, iter.Val()).Err(); err == nil {
			deleted++
		}
	}
	if err := iter.Err(); err != nil {
		log.Fatalf("Failed to scan cache keys: %v", err)
	}
	fmt.Printf("Deleted %d cached keys\n", deleted)

	fmt.Println("Database cleared successfully")
}
