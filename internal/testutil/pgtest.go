// Package testutil provides shared infrastructure for integration tests.
package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/mulehunter/mulehunter/migrations"
)

// Postgres returns a migrated database whose application tables are
// truncated when the test finishes.
//
// The database comes from POSTGRES_URL. Without it, MULEHUNTER_TESTCONTAINERS=1
// starts one disposable container per test binary; otherwise the test is
// skipped.
func Postgres(t *testing.T) *sql.DB {
	t.Helper()

	dsn := os.Getenv("POSTGRES_URL")
	if dsn == "" {
		if os.Getenv("MULEHUNTER_TESTCONTAINERS") != "1" {
			t.Skip("POSTGRES_URL not set, skipping integration test")
		}
		var err error
		if dsn, err = sharedContainer(); err != nil {
			t.Fatalf("testutil: postgres container: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("testutil: open: %v", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		t.Fatalf("testutil: ping: %v", err)
	}
	if _, err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		t.Fatalf("testutil: migrate: %v", err)
	}

	t.Cleanup(func() {
		if err := truncate(context.Background(), db); err != nil {
			t.Logf("testutil: truncate: %v", err)
		}
		_ = db.Close()
	})
	return db
}

var container struct {
	once sync.Once
	dsn  string
	err  error
}

// sharedContainer starts Postgres once. The testcontainers reaper removes
// it when the test binary exits.
func sharedContainer() (string, error) {
	container.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		ctr, err := tcpostgres.Run(ctx, "postgres:16-alpine",
			tcpostgres.WithDatabase("mulehunter"),
			tcpostgres.WithUsername("mulehunter"),
			tcpostgres.WithPassword("mulehunter"),
			tcpostgres.BasicWaitStrategies(),
		)
		if err != nil {
			if ctr != nil {
				_ = testcontainers.TerminateContainer(ctr)
			}
			container.err = err
			return
		}
		container.dsn, container.err = ctr.ConnectionString(ctx, "sslmode=disable")
	})
	return container.dsn, container.err
}

func truncate(ctx context.Context, db *sql.DB) error {
	rows, err := db.QueryContext(ctx, `
		SELECT quote_ident(tablename) FROM pg_tables
		WHERE schemaname = 'public' AND tablename <> 'goose_db_version'`)
	if err != nil {
		return err
	}
	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			_ = rows.Close()
			return err
		}
		tables = append(tables, name)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil || len(tables) == 0 {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("TRUNCATE %s CASCADE", strings.Join(tables, ", ")))
	return err
}
