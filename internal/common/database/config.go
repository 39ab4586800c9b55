package database

import (
	"time"

	"golang.org/x/exp/maps"
)

type PostgresConfig struct {
	// libpq connection parameters, e.g. host, port, user, password, dbname, sslmode.
	Connection map[string]string `validate:"required"`
	// Upper bound on pooled connections. Zero leaves the pgxpool default.
	MaxOpenConns int32 `validate:"gte=0"`
	// Attempts made to reach the database at startup before giving up.
	ConnectAttempts uint `validate:"gte=1"`
	// Delay before the first reconnect attempt. Doubles after every failure.
	ConnectRetryDelay time.Duration
}

// Redacted returns a copy of the connection parameters safe to log.
func (c PostgresConfig) Redacted() map[string]string {
	redacted := maps.Clone(c.Connection)
	if _, ok := redacted["password"]; ok {
		redacted["password"] = "******"
	}
	return redacted
}
