package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/historian/model"
)

func openTestSqliteStore(t *testing.T, path string, options Options) *SqliteStore {
	store, err := OpenSqliteStore(context.Background(), path, options, testMetrics())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSqliteStore(t *testing.T) {
	for _, tc := range storeTests {
		t.Run(tc.name, func(t *testing.T) {
			store := openTestSqliteStore(t, filepath.Join(t.TempDir(), "historian.sqlite"), testOptions)
			exec := func(query string) {
				_, err := store.db.Exec(query)
				require.NoError(t, err)
			}
			tc.run(t, &harness{
				store: store,
				exec:  exec,
				rejectValue: func(value string) {
					exec(fmt.Sprintf(`CREATE TRIGGER reject_value BEFORE INSERT ON data
						WHEN NEW.value_string = '%s'
						BEGIN SELECT RAISE(ABORT, 'value rejected'); END;`, value))
				},
			})
		})
	}
}

func TestSqliteStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "historian.sqlite")

	store, err := OpenSqliteStore(ctx, path, testOptions, testMetrics())
	require.NoError(t, err)
	_, err = store.WriteBatch(ctx, "key-1", []model.Record{record(1, "a/b", baseTime, `1`, map[string]string{"units": "C"})})
	require.NoError(t, err)
	require.NoError(t, store.Close())

	reopened := openTestSqliteStore(t, path, testOptions)
	commit, err := reopened.WriteBatch(ctx, "key-1", []model.Record{record(1, "a/b", baseTime, `1`, nil)})
	require.NoError(t, err)
	assert.True(t, commit.Duplicate)

	// A cold topic cache still resolves the existing topic.
	_, err = reopened.WriteBatch(ctx, "key-2", []model.Record{record(2, "a/b", baseTime.Add(time.Second), `2`, nil)})
	require.NoError(t, err)
	topics, err := reopened.TopicList(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a/b"}, topics)

	result, err := reopened.Query(ctx, QueryRequest{Topics: []string{"a/b"}})
	require.NoError(t, err)
	assert.Len(t, result.Values["a/b"], 2)
	assert.Equal(t, map[string]string{"units": "C"}, result.Metadata["a/b"])
}

func TestSqliteStore_TablePrefix(t *testing.T) {
	options := testOptions
	options.Tables.Prefix = "hist"
	store := openTestSqliteStore(t, filepath.Join(t.TempDir(), "historian.sqlite"), options)

	_, err := store.WriteBatch(context.Background(), "key-1", []model.Record{record(1, "a/b", baseTime, `1`, nil)})
	require.NoError(t, err)

	var count int
	require.NoError(t, store.db.QueryRow("SELECT COUNT(*) FROM hist_data").Scan(&count))
	assert.Equal(t, 1, count)
	err = store.db.QueryRow("SELECT COUNT(*) FROM data").Scan(&count)
	assert.Error(t, err)
	assert.NotErrorIs(t, err, sql.ErrNoRows)
}

func TestSqliteStore_StoresNanoseconds(t *testing.T) {
	ctx := context.Background()
	store := openTestSqliteStore(t, filepath.Join(t.TempDir(), "historian.sqlite"), testOptions)
	ts := baseTime.Add(123 * time.Nanosecond)

	_, err := store.WriteBatch(ctx, "key-1", []model.Record{record(1, "a/b", ts, `1`, nil)})
	require.NoError(t, err)
	result, err := store.Query(ctx, QueryRequest{Topics: []string{"a/b"}})
	require.NoError(t, err)
	require.Len(t, result.Values["a/b"], 1)
	assert.Equal(t, ts, result.Values["a/b"][0].Timestamp)
}

func TestOpenSqliteStore_Invalid(t *testing.T) {
	_, err := OpenSqliteStore(context.Background(), "", testOptions, testMetrics())
	var invalid *historianerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)

	options := testOptions
	options.Tables.Data = "data; DROP TABLE x"
	_, err = OpenSqliteStore(context.Background(), filepath.Join(t.TempDir(), "h.sqlite"), options, testMetrics())
	assert.ErrorAs(t, err, &invalid)
}

func TestOpen_Sqlite(t *testing.T) {
	store, err := Open(context.Background(), Config{
		Connection: Connection{Type: TypeSqlite, Params: map[string]string{"database": filepath.Join(t.TempDir(), "h.sqlite")}},
		Options:    testOptions,
	}, testMetrics())
	require.NoError(t, err)
	defer store.Close()
	assert.IsType(t, &SqliteStore{}, store)
}

func TestOpen_UnknownType(t *testing.T) {
	_, err := Open(context.Background(), Config{Connection: Connection{Type: "mysql"}}, testMetrics())
	var invalid *historianerrors.ErrInvalidArgument
	assert.ErrorAs(t, err, &invalid)
}

func TestConnection_String(t *testing.T) {
	c := Connection{Type: TypePostgres, Params: map[string]string{"host": "db", "password": "secret", "user": "historian"}}
	assert.Equal(t, "postgresql: host=db password=****** user=historian", c.String())
	assert.Equal(t, "secret", c.Params["password"])
}
