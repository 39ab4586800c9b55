package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"

	"github.com/G-Research/historian/internal/common/util"
)

const testConnectionString = "host=localhost port=5432 user=postgres password=psw sslmode=disable"

// SkipWithoutPostgres skips the test when no postgres is listening on localhost.
func SkipWithoutPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := pgx.Connect(ctx, testConnectionString)
	if err != nil {
		t.Skipf("postgres unavailable: %v", err)
	}
	_ = conn.Close(ctx)
}

// WithTestDb creates a dedicated database on the local postgres, runs action against it and drops it again.
func WithTestDb(action func(db *pgxpool.Pool) error) error {
	ctx := context.Background()

	// Connect and create a dedicated database for the test
	dbName := "test_" + util.NewULID().String()
	db, err := pgx.Connect(ctx, testConnectionString)
	if err != nil {
		return errors.WithStack(err)
	}
	defer db.Close(ctx)

	_, err = db.Exec(ctx, fmt.Sprintf(`CREATE DATABASE "%s"`, dbName))
	if err != nil {
		return errors.WithStack(err)
	}

	// Connect again: this time to the database we just created.  This is the database we use for tests
	testDbPool, err := pgxpool.Connect(ctx, testConnectionString+fmt.Sprintf(" dbname='%s'", dbName))
	if err != nil {
		return errors.WithStack(err)
	}

	defer func() {
		testDbPool.Close()
		// disconnect all db user before cleanup
		_, err = db.Exec(ctx,
			`SELECT pg_terminate_backend(pg_stat_activity.pid)
			 FROM pg_stat_activity WHERE pg_stat_activity.datname = $1;`, dbName)
		if err != nil {
			fmt.Println("Failed to disconnect users")
		}

		_, err = db.Exec(ctx, fmt.Sprintf(`DROP DATABASE "%s"`, dbName))
		if err != nil {
			fmt.Println("Failed to drop database")
		}
	}()

	return action(testDbPool)
}
