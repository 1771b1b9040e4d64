// Command migrate applies the embedded goose migrations.
//
//	migrate up | down | status | version | redo | up-to N | down-to N
package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mulehunter/mulehunter/internal/logging"
	"github.com/mulehunter/mulehunter/migrations"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: migrate <up|down|status|version|redo|up-to N|down-to N>")
		os.Exit(2)
	}
	_ = godotenv.Load()
	logger := logging.New(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Getenv("DATABASE_URL"), os.Args[1], os.Args[2:]); err != nil {
		logger.Error("migration failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
	logger.Info("migration complete", "command", os.Args[1])
}

func run(ctx context.Context, dsn, command string, args []string) error {
	if dsn == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.RunContext(ctx, command, db, ".", args...)
}
