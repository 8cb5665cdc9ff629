// Command migrate applies the escrow schema with goose.
//
//	migrate up | down | status | version | redo | up-to <v> | down-to <v>
//
// DATABASE_URL is read from the environment or a local .env file.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"

	"github.com/parv3213/flight-escrow/internal/logging"
	"github.com/parv3213/flight-escrow/internal/retry"
	"github.com/parv3213/flight-escrow/migrations"
)

const usage = "usage: migrate up | down | status | version | redo | up-to <version> | down-to <version>"

func main() {
	if err := run(os.Args[1:]); err != nil {
		logging.New(os.Getenv("LOG_LEVEL"), "text").Error("migration failed", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()

	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	if err := retry.Do(ctx, 5, 500*time.Millisecond, func() error { return db.PingContext(ctx) }); err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	return migrations.Run(ctx, db, args[0], args[1:]...)
}
