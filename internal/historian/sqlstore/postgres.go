package sqlstore

import (
	"context"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/G-Research/historian/internal/common/database"
	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/writer"
)

// postgres stores timestamps with microsecond precision.
const postgresPrecision = time.Microsecond

var errRowCheckDone = errors.New("row check finished")

type PostgresStore struct {
	reader
	db    *pgxpool.Pool
	cache *topicCache
}

// NewPostgresStore creates the historian tables in db if needed. The store takes ownership of db.
func NewPostgresStore(ctx context.Context, db *pgxpool.Pool, options Options, m *metrics.Metrics) (*PostgresStore, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	tables := options.Tables.Resolved()
	ddl, err := schema("postgres", options.Tables)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(ctx, ddl); err != nil {
		return nil, errors.Wrap(err, "could not create historian tables")
	}
	cache, err := newTopicCache(options.TopicCacheSize, options.MetadataCacheExpiry)
	if err != nil {
		return nil, err
	}
	return &PostgresStore{
		reader: reader{
			dialect:   goqu.Dialect("postgres"),
			tables:    tables,
			query:     pgQuery(db),
			timestamp: func(t time.Time) interface{} { return t.UTC() },
			metrics:   m,
		},
		db:    db,
		cache: cache,
	}, nil
}

// WriteBatch writes records in a single transaction unless key is already in the ledger. Rows are staged in a
// temporary table with COPY and upserted from there. When postgres rejects the data, each record is retried
// alone under a savepoint to find the offending ones.
func (s *PostgresStore) WriteBatch(ctx context.Context, key string, records []model.Record) (model.Commit, error) {
	var commit model.Commit
	var updates *cacheUpdates
	err := s.db.BeginTxFunc(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	}, func(tx pgx.Tx) error {
		var found bool
		var err error
		commit, found, err = s.ledgerLookup(ctx, tx, key)
		if err != nil || found {
			return err
		}

		ids, u, err := resolveTopics(ctx, pgTopicWriter{tx: tx, tables: s.tables}, s.cache, records)
		if err != nil {
			return err
		}
		rows := dataRows(ids, records, postgresPrecision)
		if err := s.copyData(ctx, tx, rows); err != nil {
			return err
		}

		var committedAt time.Time
		err = tx.QueryRow(ctx,
			fmt.Sprintf(`INSERT INTO %s (idempotency_key, row_count, committed_at) VALUES ($1, $2, now()) RETURNING committed_at`, s.tables.Batches),
			key, len(rows)).Scan(&committedAt)
		if err != nil {
			return errors.WithStack(err)
		}
		commit = model.Commit{IdempotencyKey: key, Rows: len(rows), CommittedAt: committedAt.UTC()}
		updates = u
		return nil
	})
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationWrite)
		writeErr := classifyPostgres(err)
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

func (s *PostgresStore) ledgerLookup(ctx context.Context, tx pgx.Tx, key string) (model.Commit, bool, error) {
	var rows int
	var committedAt time.Time
	err := tx.QueryRow(ctx,
		fmt.Sprintf(`SELECT row_count, committed_at FROM %s WHERE idempotency_key = $1`, s.tables.Batches),
		key).Scan(&rows, &committedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Commit{}, false, nil
	}
	if err != nil {
		return model.Commit{}, false, errors.WithStack(err)
	}
	return model.Commit{IdempotencyKey: key, Rows: rows, Duplicate: true, CommittedAt: committedAt.UTC()}, true, nil
}

func (s *PostgresStore) copyData(ctx context.Context, tx pgx.Tx, rows []dataRow) error {
	tmpTable := database.UniqueTableName("tmp_data")

	_, err := tx.Exec(ctx, fmt.Sprintf(`
		CREATE TEMPORARY TABLE %s (
			ts           timestamptz,
			topic_id     integer,
			value_string text
		) ON COMMIT DROP;`, tmpTable))
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = tx.CopyFrom(ctx,
		pgx.Identifier{tmpTable},
		[]string{"ts", "topic_id", "value_string"},
		pgx.CopyFromSlice(len(rows), func(i int) ([]interface{}, error) {
			return []interface{}{rows[i].ts, rows[i].topicId, rows[i].value}, nil
		}),
	)
	if err != nil {
		return errors.WithStack(err)
	}

	_, err = tx.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (ts, topic_id, value_string)
		SELECT ts, topic_id, value_string FROM %s
		ON CONFLICT (topic_id, ts) DO UPDATE SET value_string = EXCLUDED.value_string`,
		s.tables.Data, tmpTable))
	return errors.WithStack(err)
}

// rejectedRows writes each record on its own under a savepoint and returns why postgres rejected the ones it did.
// Nothing is committed. It returns nil if the rejected records could not be told apart.
func (s *PostgresStore) rejectedRows(ctx context.Context, records []model.Record) map[uint64]string {
	reasons := map[uint64]string{}
	err := s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		for _, r := range records {
			err := tx.BeginFunc(ctx, func(savepoint pgx.Tx) error {
				return s.writeOne(ctx, pgTopicWriter{tx: savepoint, tables: s.tables}, r)
			})
			if err == nil {
				continue
			}
			if classifyPostgres(err).Kind != writer.Malformed {
				return err
			}
			reasons[r.SequenceId] = rejectionReason(err)
		}
		return errRowCheckDone
	})
	if !errors.Is(err, errRowCheckDone) {
		log.WithError(err).Warn("Could not isolate the records postgres rejected")
		return nil
	}
	if len(reasons) == 0 {
		return nil
	}
	return reasons
}

func (s *PostgresStore) writeOne(ctx context.Context, w pgTopicWriter, r model.Record) error {
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
	_, err = w.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (ts, topic_id, value_string) VALUES ($1, $2, $3)
			ON CONFLICT (topic_id, ts) DO UPDATE SET value_string = EXCLUDED.value_string`, s.tables.Data),
		r.Timestamp.Truncate(postgresPrecision), id, string(r.Value))
	return errors.WithStack(err)
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	statements, args, err := retentionStatements(s.dialect, s.tables, before.UTC())
	if err != nil {
		return 0, errors.WithStack(err)
	}
	var deleted int64
	err = s.db.BeginFunc(ctx, func(tx pgx.Tx) error {
		for i, statement := range statements {
			tag, err := tx.Exec(ctx, statement, args[i]...)
			if err != nil {
				return errors.WithStack(err)
			}
			if i == 0 {
				deleted = tag.RowsAffected()
			}
		}
		return nil
	})
	if err != nil {
		s.metrics.RecordDBError(metrics.DBOperationRetention)
		return 0, err
	}
	s.metrics.RecordRetentionDeleted(deleted)
	return deleted, nil
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

type pgTopicWriter struct {
	tx     pgx.Tx
	tables TablesDef
}

func (w pgTopicWriter) upsertTopic(ctx context.Context, name string) (int64, error) {
	var id int64
	err := w.tx.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO %s (topic_name) VALUES ($1)
			ON CONFLICT ((lower(topic_name))) DO UPDATE SET topic_name = EXCLUDED.topic_name
			RETURNING topic_id`, w.tables.Topics),
		name).Scan(&id)
	return id, errors.WithStack(err)
}

func (w pgTopicWriter) upsertMetadata(ctx context.Context, id int64, metadata string) error {
	_, err := w.tx.Exec(ctx,
		fmt.Sprintf(`INSERT INTO %s (topic_id, metadata) VALUES ($1, $2)
			ON CONFLICT (topic_id) DO UPDATE SET metadata = EXCLUDED.metadata`, w.tables.Meta),
		id, metadata)
	return errors.WithStack(err)
}

func pgQuery(db *pgxpool.Pool) queryFunc {
	return func(ctx context.Context, sql string, args []interface{}, each func(rowScanner) error) error {
		rows, err := db.Query(ctx, sql, args...)
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
