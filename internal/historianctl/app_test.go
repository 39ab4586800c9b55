package historianctl

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/queue"
	"github.com/G-Research/historian/internal/historian/sqlstore"
)

var baseTime = time.Date(2023, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestApp() (*App, *bytes.Buffer) {
	buf := new(bytes.Buffer)
	return &App{Out: buf}, buf
}

// field returns the value printed after label on its own line.
func field(t *testing.T, out string, label string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, label) {
			return strings.TrimSpace(strings.TrimPrefix(line, label))
		}
	}
	t.Fatalf("no %q line in output:\n%s", label, out)
	return ""
}

func queueOptions(dir string) queue.Options {
	return queue.Options{Dir: dir, MaxRecords: 100, MaxBytes: 1024 * 1024, SegmentSize: 64 * 1024}
}

func fillQueue(t *testing.T, options queue.Options, n int) []model.Record {
	q, err := queue.Open(options, clock.RealClock{})
	require.NoError(t, err)
	defer q.Close()
	records := make([]model.Record, n)
	for i := range records {
		records[i], err = q.Enqueue(model.NewRecord("campus/rtu1/temp", baseTime.Add(time.Duration(i)*time.Second), []byte(`21.5`), nil))
		require.NoError(t, err)
	}
	require.NoError(t, q.Quarantine(records[0], "value out of range"))
	return records
}

func TestQueueStatus(t *testing.T) {
	options := queueOptions(t.TempDir())
	fillQueue(t, options, 3)

	app, buf := newTestApp()
	require.NoError(t, app.QueueStatus(options))
	out := buf.String()

	assert.Len(t, field(t, out, "Queue id:"), 26)
	assert.Equal(t, "0", field(t, out, "Cursor:"))
	assert.Equal(t, "4", field(t, out, "Next sequence id:"))
	// the quarantined record is no longer pending
	assert.Equal(t, "2 / 100", field(t, out, "Pending records:"))
	assert.Equal(t, "1", field(t, out, "Segments:"))
	assert.True(t, strings.HasPrefix(field(t, out, "Oldest pending:"), "2 enqueued "))
	assert.Equal(t, "1", field(t, out, "Quarantined:"))
}

func TestQueueStatus_LockedWhileOpen(t *testing.T) {
	options := queueOptions(t.TempDir())
	q, err := queue.Open(options, clock.RealClock{})
	require.NoError(t, err)
	defer q.Close()

	app, _ := newTestApp()
	assert.Error(t, app.QueueStatus(options))
}

func TestQuarantine(t *testing.T) {
	options := queueOptions(t.TempDir())
	fillQueue(t, options, 2)

	app, buf := newTestApp()
	require.NoError(t, app.Quarantine(options.Dir))
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, []string{"SEQ", "TOPIC", "TIMESTAMP", "QUARANTINED", "AT", "REASON", "VALUE"}, strings.Fields(lines[0]))
	row := strings.Fields(lines[1])
	assert.Equal(t, "1", row[0])
	assert.Equal(t, "campus/rtu1/temp", row[1])
	assert.Equal(t, "2023-03-01T10:00:00Z", row[2])
	assert.Contains(t, lines[1], "value out of range")
	assert.Equal(t, "21.5", row[len(row)-1])
}

func TestQuarantine_Empty(t *testing.T) {
	dir := t.TempDir()
	app, buf := newTestApp()
	require.NoError(t, app.Quarantine(dir))
	assert.Equal(t, "No quarantined records in "+dir+"\n", buf.String())
}

func openTestStore(t *testing.T) sqlstore.Store {
	t.Helper()
	options := sqlstore.Options{
		Tables:              sqlstore.DefaultTablesDef(),
		TopicCacheSize:      100,
		MetadataCacheExpiry: time.Minute,
	}
	store, err := sqlstore.OpenSqliteStore(context.Background(), filepath.Join(t.TempDir(), "historian.sqlite"), options, metrics.New(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	records := []model.Record{
		model.NewRecord("campus/rtu1/temp", baseTime, []byte(`21.5`), map[string]string{"units": "degC"}).WithSequenceId(1),
		model.NewRecord("campus/rtu1/temp", baseTime.Add(time.Minute), []byte(`22`), nil).WithSequenceId(2),
		model.NewRecord("campus/rtu2/temp", baseTime, []byte(`19`), nil).WithSequenceId(3),
		model.NewRecord("campus/meter/kw", baseTime, []byte(`140.2`), nil).WithSequenceId(4),
	}
	_, err = store.WriteBatch(context.Background(), "1-4", records)
	require.NoError(t, err)
	return store
}

func TestTopics(t *testing.T) {
	store := openTestStore(t)
	app, buf := newTestApp()
	require.NoError(t, app.Topics(context.Background(), store, "TEMP$"))
	assert.Equal(t, "campus/rtu1/temp\ncampus/rtu2/temp\n", buf.String())
}

func TestQuery(t *testing.T) {
	store := openTestStore(t)
	app, buf := newTestApp()
	err := app.Query(context.Background(), store, sqlstore.QueryRequest{
		Topics: []string{"campus/rtu1/temp", "campus/none"},
		Order:  sqlstore.LastToFirst,
	})
	require.NoError(t, err)

	expected := []string{
		"campus/rtu1/temp (2 points)",
		"2023-03-01T10:01:00Z 22",
		"2023-03-01T10:00:00Z 21.5",
		"meta units degC",
		"campus/none: unknown topic",
	}
	var actual []string
	for _, line := range strings.Split(buf.String(), "\n") {
		if fields := strings.Fields(line); len(fields) > 0 {
			actual = append(actual, strings.Join(fields, " "))
		}
	}
	assert.Equal(t, expected, actual)
}

func TestPrune(t *testing.T) {
	store := openTestStore(t)
	app, buf := newTestApp()
	require.NoError(t, app.Prune(context.Background(), store, baseTime.Add(time.Second)))
	assert.Equal(t, "Deleted 3 points older than 2023-03-01T10:00:01Z\n", buf.String())

	result, err := store.Query(context.Background(), sqlstore.QueryRequest{Topics: []string{"campus/rtu1/temp"}})
	require.NoError(t, err)
	require.Len(t, result.Values["campus/rtu1/temp"], 1)
}
