package database

import (
	"context"
	"fmt"
	"strings"

	"github.com/avast/retry-go"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/historian/internal/common/util"
)

// CreateConnectionString renders libpq key/value connection parameters. Keys are sorted so the result is stable.
func CreateConnectionString(values map[string]string) string {
	// https://www.postgresql.org/docs/10/libpq-connect.html#id-1.7.3.8.3.5
	keys := maps.Keys(values)
	slices.Sort(keys)
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"='"+replacer.Replace(values[k])+"'")
	}
	return strings.Join(parts, " ")
}

// OpenPgxPool connects to postgres, retrying with exponential backoff until the database answers a ping or
// config.ConnectAttempts is exhausted.
func OpenPgxPool(ctx context.Context, config PostgresConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(CreateConnectionString(config.Connection))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	if config.MaxOpenConns > 0 {
		poolConfig.MaxConns = config.MaxOpenConns
	}

	var db *pgxpool.Pool
	err = retry.Do(
		func() error {
			pool, err := pgxpool.ConnectConfig(ctx, poolConfig)
			if err != nil {
				return err
			}
			if err := pool.Ping(ctx); err != nil {
				pool.Close()
				return err
			}
			db = pool
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(config.ConnectAttempts),
		retry.Delay(config.ConnectRetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Connection attempt %d to postgres %v failed", n+1, config.Redacted())
		}),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "could not connect to postgres after %d attempts", config.ConnectAttempts)
	}
	return db, nil
}

// UniqueTableName returns table suffixed with a fresh ulid, for temporary tables that must not clash between
// concurrent transactions.
func UniqueTableName(table string) string {
	suffix := strings.ToLower(util.NewULID().String())
	return fmt.Sprintf("%s_%s", table, suffix)
}
