package sqlstore

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/maps"

	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/common/util"
	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/writer"
)

var (
	baseTime    = time.Date(2023, 3, 1, 10, 0, 0, 0, time.UTC)
	testOptions = Options{
		Tables:              DefaultTablesDef(),
		TopicCacheSize:      100,
		MetadataCacheExpiry: time.Minute,
	}
)

// harness gives the shared store tests access to the backend under test.
type harness struct {
	store Store
	// exec runs raw sql against the backing database.
	exec func(sql string)
	// rejectValue makes the backend refuse rows whose value_string is value.
	rejectValue func(value string)
}

type storeTest struct {
	name string
	run  func(t *testing.T, h *harness)
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func record(seq uint64, topic string, ts time.Time, value string, meta map[string]string) model.Record {
	return model.NewRecord(topic, ts, []byte(value), meta).WithSequenceId(seq)
}

func points(ts ...time.Time) func(values ...string) []Point {
	return func(values ...string) []Point {
		result := make([]Point, len(ts))
		for i := range ts {
			result[i] = Point{Timestamp: ts[i], Value: json.RawMessage(values[i])}
		}
		return result
	}
}

var storeTests = []storeTest{
	{
		name: "WritesAndReads",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			commit, err := h.store.WriteBatch(ctx, "key-1", []model.Record{
				record(1, "campus/building/temp", baseTime, `21.5`, map[string]string{"units": "C"}),
				record(2, "campus/building/temp", baseTime.Add(time.Second), `22`, nil),
				record(3, "campus/building/humidity", baseTime, `{"v":40}`, nil),
			})
			require.NoError(t, err)
			assert.Equal(t, "key-1", commit.IdempotencyKey)
			assert.Equal(t, 3, commit.Rows)
			assert.False(t, commit.Duplicate)
			assert.False(t, commit.CommittedAt.IsZero())

			topics, err := h.store.TopicList(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"campus/building/humidity", "campus/building/temp"}, topics)

			result, err := h.store.Query(ctx, QueryRequest{Topics: []string{"campus/building/temp", "campus/building/humidity"}})
			require.NoError(t, err)
			assert.Equal(t, points(baseTime, baseTime.Add(time.Second))(`21.5`, `22`), result.Values["campus/building/temp"])
			assert.Equal(t, points(baseTime)(`{"v":40}`), result.Values["campus/building/humidity"])
			assert.Equal(t, map[string]map[string]string{"campus/building/temp": {"units": "C"}}, result.Metadata)
		},
	},
	{
		name: "SameSequenceRangeFromTwoQueues",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			fromA := model.NewBatch(util.NewULID(), []model.Record{
				record(1, "site-a/temp", baseTime, `1`, nil),
				record(2, "site-a/temp", baseTime.Add(time.Second), `2`, nil),
			})
			fromA.QueueId = util.NewULID().String()
			fromB := model.NewBatch(util.NewULID(), []model.Record{
				record(1, "site-b/temp", baseTime, `10`, nil),
				record(2, "site-b/temp", baseTime.Add(time.Second), `20`, nil),
			})
			fromB.QueueId = util.NewULID().String()
			require.NotEqual(t, fromA.IdempotencyKey(), fromB.IdempotencyKey())

			first, err := h.store.WriteBatch(ctx, fromA.IdempotencyKey(), fromA.Records)
			require.NoError(t, err)
			assert.False(t, first.Duplicate)
			second, err := h.store.WriteBatch(ctx, fromB.IdempotencyKey(), fromB.Records)
			require.NoError(t, err)
			assert.False(t, second.Duplicate)
			assert.Equal(t, 2, second.Rows)

			result, err := h.store.Query(ctx, QueryRequest{Topics: []string{"site-a/temp", "site-b/temp"}})
			require.NoError(t, err)
			assert.Equal(t, points(baseTime, baseTime.Add(time.Second))(`1`, `2`), result.Values["site-a/temp"])
			assert.Equal(t, points(baseTime, baseTime.Add(time.Second))(`10`, `20`), result.Values["site-b/temp"])
		},
	},
	{
		name: "DuplicateKeyIsNotWrittenTwice",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			records := []model.Record{record(1, "a/b", baseTime, `1`, nil), record(2, "a/b", baseTime.Add(time.Second), `2`, nil)}
			first, err := h.store.WriteBatch(ctx, "key-1", records)
			require.NoError(t, err)

			// A changed value under the same key must not be applied.
			records[0] = record(1, "a/b", baseTime, `100`, nil)
			second, err := h.store.WriteBatch(ctx, "key-1", records)
			require.NoError(t, err)
			assert.True(t, second.Duplicate)
			assert.Equal(t, first.Rows, second.Rows)
			assert.Equal(t, first.CommittedAt.Truncate(time.Microsecond), second.CommittedAt.Truncate(time.Microsecond))

			result, err := h.store.Query(ctx, QueryRequest{Topics: []string{"a/b"}})
			require.NoError(t, err)
			assert.Equal(t, points(baseTime, baseTime.Add(time.Second))(`1`, `2`), result.Values["a/b"])
		},
	},
	{
		name: "LaterWriteOverwritesSameTopicAndTimestamp",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			_, err := h.store.WriteBatch(ctx, "key-1", []model.Record{record(1, "a/b", baseTime, `1`, nil)})
			require.NoError(t, err)
			_, err = h.store.WriteBatch(ctx, "key-2", []model.Record{record(2, "a/b", baseTime, `2`, nil)})
			require.NoError(t, err)

			result, err := h.store.Query(ctx, QueryRequest{Topics: []string{"a/b"}})
			require.NoError(t, err)
			assert.Equal(t, points(baseTime)(`2`), result.Values["a/b"])
		},
	},
	{
		name: "TopicCaseChangeRenamesTopic",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			_, err := h.store.WriteBatch(ctx, "key-1", []model.Record{record(1, "Campus/Temp", baseTime, `1`, nil)})
			require.NoError(t, err)
			_, err = h.store.WriteBatch(ctx, "key-2", []model.Record{record(2, "campus/temp", baseTime.Add(time.Second), `2`, nil)})
			require.NoError(t, err)

			topics, err := h.store.TopicList(ctx)
			require.NoError(t, err)
			assert.Equal(t, []string{"campus/temp"}, topics)

			result, err := h.store.Query(ctx, QueryRequest{Topics: []string{"CAMPUS/TEMP"}})
			require.NoError(t, err)
			assert.Equal(t, points(baseTime, baseTime.Add(time.Second))(`1`, `2`), result.Values["CAMPUS/TEMP"])
		},
	},
	{
		name: "MetadataFollowsLatestWrite",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			_, err := h.store.WriteBatch(ctx, "key-1", []model.Record{record(1, "a/b", baseTime, `1`, map[string]string{"units": "C"})})
			require.NoError(t, err)
			_, err = h.store.WriteBatch(ctx, "key-2", []model.Record{record(2, "a/b", baseTime.Add(time.Second), `2`, map[string]string{"units": "F"})})
			require.NoError(t, err)
			// Records without metadata leave it alone.
			_, err = h.store.WriteBatch(ctx, "key-3", []model.Record{record(3, "a/b", baseTime.Add(2*time.Second), `3`, nil)})
			require.NoError(t, err)

			metadata, err := h.store.TopicsMetadata(ctx, []string{"A/B", "unknown"})
			require.NoError(t, err)
			assert.Equal(t, map[string]map[string]string{"A/B": {"units": "F"}}, metadata)
		},
	},
	{
		name: "MalformedRecordIsNamed",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			h.rejectValue(`"bad"`)
			records := []model.Record{
				record(1, "a/b", baseTime, `1`, nil),
				record(2, "a/b", baseTime.Add(1*time.Second), `2`, nil),
				record(3, "a/b", baseTime.Add(2*time.Second), `"bad"`, nil),
				record(4, "a/b", baseTime.Add(3*time.Second), `4`, nil),
				record(5, "a/b", baseTime.Add(4*time.Second), `5`, nil),
			}
			_, err := h.store.WriteBatch(ctx, "key-1", records)
			writeErr := writer.Classify(err)
			assert.Equal(t, writer.Malformed, writeErr.Kind)
			assert.Equal(t, []uint64{3}, writeErr.Offending())

			result, err := h.store.Query(ctx, QueryRequest{Topics: []string{"a/b"}})
			require.NoError(t, err)
			assert.Empty(t, result.Values["a/b"])

			// Without the offending record the rest goes through.
			commit, err := h.store.WriteBatch(ctx, "key-2", append(records[:2:2], records[3:]...))
			require.NoError(t, err)
			assert.Equal(t, 4, commit.Rows)
		},
	},
	{
		name: "MissingTableIsFatal",
		run: func(t *testing.T, h *harness) {
			h.exec("DROP TABLE data")
			_, err := h.store.WriteBatch(context.Background(), "key-1", []model.Record{record(1, "a/b", baseTime, `1`, nil)})
			assert.Equal(t, writer.Fatal, writer.Classify(err).Kind)
		},
	},
	{
		name: "QueryWindow",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			var records []model.Record
			for i := 0; i < 10; i++ {
				records = append(records, record(uint64(i+1), "a/b", baseTime.Add(time.Duration(i)*time.Minute), strconv.Itoa(i), nil))
			}
			_, err := h.store.WriteBatch(ctx, "key-1", records)
			require.NoError(t, err)

			at := func(i int) time.Time { return baseTime.Add(time.Duration(i) * time.Minute) }
			tests := map[string]struct {
				req      QueryRequest
				expected []Point
			}{
				"start inclusive, end exclusive": {
					req:      QueryRequest{Start: at(2), End: at(5)},
					expected: points(at(2), at(3), at(4))(`2`, `3`, `4`),
				},
				"count": {
					req:      QueryRequest{Count: 2},
					expected: points(at(0), at(1))(`0`, `1`),
				},
				"skip without count": {
					req:      QueryRequest{Skip: 8},
					expected: points(at(8), at(9))(`8`, `9`),
				},
				"last to first": {
					req:      QueryRequest{Order: LastToFirst, Skip: 1, Count: 2},
					expected: points(at(8), at(7))(`8`, `7`),
				},
				"empty window": {
					req:      QueryRequest{Start: at(20)},
					expected: []Point{},
				},
			}
			for name, tc := range tests {
				t.Run(name, func(t *testing.T) {
					tc.req.Topics = []string{"a/b"}
					result, err := h.store.Query(ctx, tc.req)
					require.NoError(t, err)
					assert.Equal(t, tc.expected, result.Values["a/b"])
				})
			}
		},
	},
	{
		name: "QueryRejectsBadRequests",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			for _, req := range []QueryRequest{
				{Topics: []string{"a"}, Skip: -1},
				{Topics: []string{"a"}, Count: -1},
				{Topics: []string{"a"}, Start: baseTime, End: baseTime.Add(-time.Second)},
			} {
				_, err := h.store.Query(ctx, req)
				var invalid *historianerrors.ErrInvalidArgument
				assert.ErrorAs(t, err, &invalid)
			}

			result, err := h.store.Query(ctx, QueryRequest{Topics: []string{"unknown"}})
			require.NoError(t, err)
			assert.Empty(t, result.Values)
		},
	},
	{
		name: "TopicsByPattern",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			_, err := h.store.WriteBatch(ctx, "key-1", []model.Record{
				record(1, "campus/b1/temp", baseTime, `1`, nil),
				record(2, "campus/b2/Temp", baseTime, `1`, nil),
				record(3, "campus/b1/humidity", baseTime, `1`, nil),
			})
			require.NoError(t, err)

			topics, err := h.store.TopicsByPattern(ctx, `temp$`)
			require.NoError(t, err)
			assert.ElementsMatch(t, []string{"campus/b1/temp", "campus/b2/Temp"}, maps.Keys(topics))

			_, err = h.store.TopicsByPattern(ctx, `(`)
			var invalid *historianerrors.ErrInvalidArgument
			assert.ErrorAs(t, err, &invalid)
		},
	},
	{
		name: "DeleteBefore",
		run: func(t *testing.T, h *harness) {
			ctx := context.Background()
			_, err := h.store.WriteBatch(ctx, "key-1", []model.Record{
				record(1, "a/b", baseTime, `1`, nil),
				record(2, "a/b", baseTime.Add(time.Hour), `2`, nil),
				record(3, "a/c", baseTime.Add(30*time.Minute), `3`, nil),
			})
			require.NoError(t, err)

			deleted, err := h.store.DeleteBefore(ctx, baseTime.Add(time.Hour))
			require.NoError(t, err)
			assert.Equal(t, int64(2), deleted)

			result, err := h.store.Query(ctx, QueryRequest{Topics: []string{"a/b", "a/c"}})
			require.NoError(t, err)
			assert.Equal(t, points(baseTime.Add(time.Hour))(`2`), result.Values["a/b"])
			assert.Empty(t, result.Values["a/c"])
		},
	},
}
