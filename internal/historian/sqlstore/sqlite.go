package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"

	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/writer"
)

// Rows per INSERT statement. Three bound values per row keeps well below sqlite's variable limit.
const sqliteInsertChunk = 500

type SqliteStore struct {
	reader
	db    *sql.DB
	cache *topicCache
}

// OpenSqliteStore opens, creating it if needed, the sqlite database at path.
func OpenSqliteStore(ctx context.Context, path string, options Options, m *metrics.Metrics) (*SqliteStore, error) {
	if path == "" {
		return nil, &historianerrors.ErrInvalidArgument{Name: "database", Value: path, Message: "sqlite needs a database path"}
	}
	if err := options.Validate(); err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "could not create directory for sqlite database %s", path)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "error opening sqlite database %s", path)
	}
	// A single connection serialises writers, so sqlite never reports the database as busy to ourselves.
	db.SetMaxOpenConns(1)

	store, err := newSqliteStore(ctx, db, options, m)
	if err != nil {
		if closeErr := db.Close(); closeErr != nil {
			log.WithError(closeErr).Warn("error closing sqlite database")
		}
		return nil, err
	}
	return store, nil
}

func newSqliteStore(ctx context.Context, db *sql.DB, options Options, m *metrics.Metrics) (*SqliteStore, error) {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			return nil, errors.Wrapf(err, "%s failed", pragma)
		}
	}
	ddl, err := schema("sqlite", options.Tables)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return nil, errors.Wrap(err, "could not create historian tables")
	}
	cache, err := newTopicCache(options.TopicCacheSize, options.MetadataCacheExpiry)
	if err != nil {
		return nil, err
	}
	return &SqliteStore{
		reader: reader{
			dialect:   goqu.Dialect("sqlite3"),
			tables:    options.Tables.Resolved(),
			query:     sqlQuery(db),
			timestamp: func(t time.Time) interface{} { return t.UnixNano() },
			metrics:   m,
		},
		db:    db,
		cache: cache,
	}, nil
}

// WriteBatch writes records in a single transaction unless key is already in the ledger. When sqlite rejects
// the data, each record is retried alone under a savepoint to find the offending ones.
func (s *SqliteStore) WriteBatch(ctx context.Context, key string, records []model.Record) (model.Commit, error) {
	commit, updates, err := s.write(ctx, key, records)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationWrite)
		writeErr := classifySqlite(err)
		if writeErr.Kind == writer.Malformed && ctx.Err() == nil {
			writeErr.Reasons = s.rejectedRows(ctx, records)
		}
		return model.Commit{}, writeErr
	}
	if updates != nil {
		s.cache.apply(updates)
	}
	return commit, nil
}

func (s *SqliteStore) write(ctx context.Context, key string, records []model.Record) (model.Commit, *cacheUpdates, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return model.Commit{}, nil, errors.WithStack(err)
	}
	defer rollback(tx)

	var rowCount int
	var committedAt int64
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT row_count, committed_at FROM %s WHERE idempotency_key = ?", s.tables.Batches),
		key).Scan(&rowCount, &committedAt)
	if err == nil {
		commit := model.Commit{IdempotencyKey: key, Rows: rowCount, Duplicate: true, CommittedAt: time.Unix(0, committedAt).UTC()}
		return commit, nil, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return model.Commit{}, nil, errors.WithStack(err)
	}

	ids, updates, err := resolveTopics(ctx, sqliteTopicWriter{tx: tx, tables: s.tables}, s.cache, records)
	if err != nil {
		return model.Commit{}, nil, err
	}
	rows := dataRows(ids, records, time.Nanosecond)
	for start := 0; start < len(rows); start += sqliteInsertChunk {
		end := start + sqliteInsertChunk
		if end > len(rows) {
			end = len(rows)
		}
		if err := s.insertRows(ctx, tx, rows[start:end]); err != nil {
			return model.Commit{}, nil, err
		}
	}

	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx,
		fmt.Sprintf("INSERT INTO %s (idempotency_key, row_count, committed_at) VALUES (?, ?, ?)", s.tables.Batches),
		key, len(rows), now.UnixNano())
	if err != nil {
		return model.Commit{}, nil, errors.WithStack(err)
	}
	if err := tx.Commit(); err != nil {
		return model.Commit{}, nil, errors.WithStack(err)
	}
	return model.Commit{IdempotencyKey: key, Rows: len(rows), CommittedAt: now}, updates, nil
}

func (s *SqliteStore) insertRows(ctx context.Context, tx *sql.Tx, rows []dataRow) error {
	values := make([][]interface{}, 0, len(rows))
	for _, row := range rows {
		values = append(values, []interface{}{row.ts.UnixNano(), row.topicId, row.value})
	}
	query, args, err := s.dialect.
		Insert(s.tables.Data).
		Cols("ts", "topic_id", "value_string").
		Vals(values...).
		OnConflict(goqu.DoUpdate("topic_id, ts", goqu.Record{"value_string": goqu.L("excluded.value_string")})).
		Prepared(true).
		ToSQL()
	if err != nil {
		return errors.WithStack(err)
	}
	_, err = tx.ExecContext(ctx, query, args...)
	return errors.WithStack(err)
}

// rejectedRows writes each record on its own under a savepoint and returns why sqlite rejected the ones it did.
// Nothing is committed. It returns nil if the rejected records could not be told apart.
func (s *SqliteStore) rejectedRows(ctx context.Context, records []model.Record) map[uint64]string {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		log.WithError(err).Warn("Could not isolate the records sqlite rejected")
		return nil
	}
	defer rollback(tx)

	reasons := map[uint64]string{}
	w := sqliteTopicWriter{tx: tx, tables: s.tables}
	for _, r := range records {
		if _, err := tx.ExecContext(ctx, "SAVEPOINT row_check"); err != nil {
			log.WithError(err).Warn("Could not isolate the records sqlite rejected")
			return nil
		}
		err := s.writeOne(ctx, w, r)
		if err != nil {
			if classifySqlite(err).Kind != writer.Malformed {
				log.WithError(err).Warn("Could not isolate the records sqlite rejected")
				return nil
			}
			reasons[r.SequenceId] = err.Error()
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO row_check"); err != nil {
				log.WithError(err).Warn("Could not isolate the records sqlite rejected")
				return nil
			}
		}
		if _, err := tx.ExecContext(ctx, "RELEASE row_check"); err != nil {
			log.WithError(err).Warn("Could not isolate the records sqlite rejected")
			return nil
		}
	}
	if len(reasons) == 0 {
		return nil
	}
	return reasons
}

func (s *SqliteStore) writeOne(ctx context.Context, w sqliteTopicWriter, r model.Record) error {
	id, err := w.upsertTopic(ctx, r.Topic)
	if err != nil {
		return err
	}
	if r.Metadata != nil {
		encoded, err := encodeMetadata(r.Metadata)
		if err != nil {
			return err
		}
		if err := w.upsertMetadata(ctx, id, encoded); err != nil {
			return err
		}
	}
	return s.insertRows(ctx, w.tx, []dataRow{{ts: r.Timestamp, topicId: id, value: string(r.Value)}})
}

func (s *SqliteStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	deleted, err := s.deleteBefore(ctx, before)
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationRetention)
		return 0, err
	}
	s.metrics.RecordRetentionDeleted(deleted)
	return deleted, nil
}

func (s *SqliteStore) deleteBefore(ctx context.Context, before time.Time) (int64, error) {
	statements, args, err := retentionStatements(s.dialect, s.tables, before.UnixNano())
	if err != nil {
		return 0, errors.WithStack(err)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer rollback(tx)

	var deleted int64
	for i, statement := range statements {
		result, err := tx.ExecContext(ctx, statement, args[i]...)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		if i == 0 {
			if deleted, err = result.RowsAffected(); err != nil {
				return 0, errors.WithStack(err)
			}
		}
	}
	return deleted, errors.WithStack(tx.Commit())
}

func (s *SqliteStore) Close() error {
	return errors.WithStack(s.db.Close())
}

type sqliteTopicWriter struct {
	tx     *sql.Tx
	tables TablesDef
}

func (w sqliteTopicWriter) upsertTopic(ctx context.Context, name string) (int64, error) {
	_, err := w.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (topic_name) VALUES (?)
			ON CONFLICT (topic_name) DO UPDATE SET topic_name = excluded.topic_name`, w.tables.Topics),
		name)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var id int64
	err = w.tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT topic_id FROM %s WHERE topic_name = ?", w.tables.Topics),
		name).Scan(&id)
	return id, errors.WithStack(err)
}

func (w sqliteTopicWriter) upsertMetadata(ctx context.Context, id int64, metadata string) error {
	_, err := w.tx.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (topic_id, metadata) VALUES (?, ?)
			ON CONFLICT (topic_id) DO UPDATE SET metadata = excluded.metadata`, w.tables.Meta),
		id, metadata)
	return errors.WithStack(err)
}

func rollback(tx *sql.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		log.WithError(err).Warn("error rolling back sqlite transaction")
	}
}

func sqlQuery(db *sql.DB) queryFunc {
	return func(ctx context.Context, query string, args []interface{}, each func(rowScanner) error) error {
		rows, err := db.QueryContext(ctx, query, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			if err := each(rows); err != nil {
				return err
			}
		}
		return rows.Err()
	}
}
