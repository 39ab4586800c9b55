// Package sqlstore stores records in SQL databases. PostgresStore and SqliteStore implement the same Store
// contract: an idempotent batch write, the read path and retention.
package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/historian/internal/common/database"
	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/model"
)

const (
	TypePostgres = "postgresql"
	TypeSqlite   = "sqlite"
)

type Store interface {
	WriteBatch(ctx context.Context, key string, records []model.Record) (model.Commit, error)
	TopicList(ctx context.Context) ([]string, error)
	TopicsByPattern(ctx context.Context, pattern string) (map[string]int64, error)
	TopicsMetadata(ctx context.Context, topics []string) (map[string]map[string]string, error)
	Query(ctx context.Context, req QueryRequest) (QueryResult, error)
	// DeleteBefore removes every data row older than before and returns how many were removed.
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
	Close() error
}

// Connection selects the backend. Params are libpq parameters for postgresql; sqlite reads the database file
// from the "database" param.
type Connection struct {
	Type   string            `validate:"oneof=postgresql sqlite"`
	Params map[string]string `validate:"required"`
}

// String renders the connection with its password masked.
func (c Connection) String() string {
	params := maps.Clone(c.Params)
	if _, ok := params["password"]; ok {
		params["password"] = "******"
	}
	keys := maps.Keys(params)
	slices.Sort(keys)
	s := c.Type + ":"
	for _, k := range keys {
		s += fmt.Sprintf(" %s=%s", k, params[k])
	}
	return s
}

type Options struct {
	Tables TablesDef
	// Number of topic ids kept in memory.
	TopicCacheSize int `validate:"gt=0"`
	// How long written metadata is remembered. Metadata equal to the remembered value is not rewritten.
	MetadataCacheExpiry time.Duration `validate:"gt=0"`
}

func (o Options) Validate() error {
	if o.TopicCacheSize <= 0 {
		return &historianerrors.ErrInvalidArgument{Name: "TopicCacheSize", Value: fmt.Sprint(o.TopicCacheSize), Message: "must be positive"}
	}
	if o.MetadataCacheExpiry <= 0 {
		return &historianerrors.ErrInvalidArgument{Name: "MetadataCacheExpiry", Value: o.MetadataCacheExpiry.String(), Message: "must be positive"}
	}
	return o.Tables.Validate()
}

type Config struct {
	Connection        Connection
	Options           Options
	ConnectAttempts   uint `validate:"gte=1"`
	ConnectRetryDelay time.Duration
	MaxOpenConns      int32 `validate:"gte=0"`
}

// Open connects to the configured backend and makes sure its tables exist.
func Open(ctx context.Context, config Config, m *metrics.Metrics) (Store, error) {
	switch config.Connection.Type {
	case TypePostgres:
		db, err := database.OpenPgxPool(ctx, database.PostgresConfig{
			Connection:        config.Connection.Params,
			MaxOpenConns:      config.MaxOpenConns,
			ConnectAttempts:   config.ConnectAttempts,
			ConnectRetryDelay: config.ConnectRetryDelay,
		})
		if err != nil {
			m.RecordDBError(metrics.DBOperationConnect)
			return nil, err
		}
		store, err := NewPostgresStore(ctx, db, config.Options, m)
		if err != nil {
			db.Close()
			return nil, err
		}
		return store, nil
	case TypeSqlite:
		store, err := OpenSqliteStore(ctx, config.Connection.Params["database"], config.Options, m)
		if err != nil {
			m.RecordDBError(metrics.DBOperationConnect)
			return nil, err
		}
		return store, nil
	default:
		return nil, &historianerrors.ErrInvalidArgument{
			Name:    "connection.type",
			Value:   config.Connection.Type,
			Message: fmt.Sprintf("must be %s or %s", TypePostgres, TypeSqlite),
		}
	}
}

type dataRow struct {
	ts      time.Time
	topicId int64
	value   string
}

// dataRows maps records to rows of the data table. Records that collide once their timestamp is truncated to
// precision are conflated, keeping the later one.
func dataRows(ids map[string]int64, records []model.Record, precision time.Duration) []dataRow {
	type rowKey struct {
		topicId int64
		ts      int64
	}
	index := make(map[rowKey]int, len(records))
	rows := make([]dataRow, 0, len(records))
	for _, r := range records {
		row := dataRow{
			ts:      r.Timestamp.Truncate(precision),
			topicId: ids[lowerTopic(r.Topic)],
			value:   string(r.Value),
		}
		key := rowKey{topicId: row.topicId, ts: row.ts.UnixNano()}
		if i, ok := index[key]; ok {
			rows[i] = row
			continue
		}
		index[key] = len(rows)
		rows = append(rows, row)
	}
	return rows
}

// retentionStatements returns the statements deleting data rows and ledger entries older than before.
func retentionStatements(dialect goqu.DialectWrapper, tables TablesDef, before interface{}) ([]string, [][]interface{}, error) {
	dataSql, dataArgs, err := dialect.Delete(tables.Data).Where(goqu.C("ts").Lt(before)).Prepared(true).ToSQL()
	if err != nil {
		return nil, nil, err
	}
	ledgerSql, ledgerArgs, err := dialect.Delete(tables.Batches).Where(goqu.C("committed_at").Lt(before)).Prepared(true).ToSQL()
	if err != nil {
		return nil, nil, err
	}
	return []string{dataSql, ledgerSql}, [][]interface{}{dataArgs, ledgerArgs}, nil
}
