package sqlstore

import (
	"context"
	"encoding/json"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/doug-martin/goqu/v9/exp"
	"github.com/pkg/errors"

	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/historian/metrics"
)

type Order int

const (
	FirstToLast Order = iota
	LastToFirst
)

func (o Order) String() string {
	if o == LastToFirst {
		return "LAST_TO_FIRST"
	}
	return "FIRST_TO_LAST"
}

func ParseOrder(s string) (Order, error) {
	switch strings.ToUpper(s) {
	case "", "FIRST_TO_LAST":
		return FirstToLast, nil
	case "LAST_TO_FIRST":
		return LastToFirst, nil
	default:
		return FirstToLast, &historianerrors.ErrInvalidArgument{
			Name:    "order",
			Value:   s,
			Message: "must be FIRST_TO_LAST or LAST_TO_FIRST",
		}
	}
}

type QueryRequest struct {
	Topics []string
	// Inclusive lower bound. Zero means unbounded.
	Start time.Time
	// Exclusive upper bound. Zero means unbounded.
	End  time.Time
	Skip int
	// Maximum number of points returned per topic. Zero means no limit.
	Count int
	Order Order
}

type Point struct {
	Timestamp time.Time       `json:"ts"`
	Value     json.RawMessage `json:"value"`
}

type QueryResult struct {
	// Points per requested topic, spelled as requested. Unknown topics are absent.
	Values   map[string][]Point
	Metadata map[string]map[string]string
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

// queryFunc runs sql and calls each for every row returned.
type queryFunc func(ctx context.Context, sql string, args []interface{}, each func(rowScanner) error) error

// reader implements the read path on top of a dialect and a queryFunc, so both backends share it.
type reader struct {
	dialect goqu.DialectWrapper
	tables  TablesDef
	query   queryFunc
	// Converts a timestamp to the value stored in the ts column.
	timestamp func(time.Time) interface{}
	metrics   *metrics.Metrics
}

// TopicList returns the name of every known topic in alphabetical order.
func (r *reader) TopicList(ctx context.Context) ([]string, error) {
	sql, args, err := r.dialect.
		From(r.tables.Topics).
		Select("topic_name").
		Order(goqu.C("topic_name").Asc()).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	topics := []string{}
	err = r.run(ctx, sql, args, func(row rowScanner) error {
		var name string
		if err := row.Scan(&name); err != nil {
			return err
		}
		topics = append(topics, name)
		return nil
	})
	return topics, err
}

// TopicsByPattern returns the id of every topic matching the regular expression pattern, ignoring case.
func (r *reader) TopicsByPattern(ctx context.Context, pattern string) (map[string]int64, error) {
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, &historianerrors.ErrInvalidArgument{Name: "pattern", Value: pattern, Message: err.Error()}
	}
	sql, args, err := r.dialect.
		From(r.tables.Topics).
		Select("topic_id", "topic_name").
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	topics := map[string]int64{}
	err = r.run(ctx, sql, args, func(row rowScanner) error {
		var id int64
		var name string
		if err := row.Scan(&id, &name); err != nil {
			return err
		}
		if re.MatchString(name) {
			topics[name] = id
		}
		return nil
	})
	return topics, err
}

// TopicsMetadata returns the metadata last stored for each of topics, keyed as requested. Topics without
// metadata are absent.
func (r *reader) TopicsMetadata(ctx context.Context, topics []string) (map[string]map[string]string, error) {
	requested := byLowerCase(topics)
	result := map[string]map[string]string{}
	if len(requested) == 0 {
		return result, nil
	}
	t := goqu.T(r.tables.Topics).As("t")
	m := goqu.T(r.tables.Meta).As("m")
	sql, args, err := r.dialect.
		From(t).
		InnerJoin(m, goqu.On(goqu.I("t.topic_id").Eq(goqu.I("m.topic_id")))).
		Select(goqu.I("t.topic_name"), goqu.I("m.metadata")).
		Where(lowerIn(goqu.I("t.topic_name"), requested)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = r.run(ctx, sql, args, func(row rowScanner) error {
		var name, encoded string
		if err := row.Scan(&name, &encoded); err != nil {
			return err
		}
		metadata, err := decodeMetadata(encoded)
		if err != nil {
			return err
		}
		result[requested[strings.ToLower(name)]] = metadata
		return nil
	})
	return result, err
}

// Query returns the points of each requested topic in [Start, End), ordered by timestamp, after skipping Skip
// points and returning at most Count.
func (r *reader) Query(ctx context.Context, req QueryRequest) (QueryResult, error) {
	if req.Skip < 0 {
		return QueryResult{}, &historianerrors.ErrInvalidArgument{Name: "skip", Value: strconv.Itoa(req.Skip), Message: "must not be negative"}
	}
	if req.Count < 0 {
		return QueryResult{}, &historianerrors.ErrInvalidArgument{Name: "count", Value: strconv.Itoa(req.Count), Message: "must not be negative"}
	}
	if !req.Start.IsZero() && !req.End.IsZero() && req.End.Before(req.Start) {
		return QueryResult{}, &historianerrors.ErrInvalidArgument{
			Name:    "end",
			Value:   req.End,
			Message: "must not be before start",
		}
	}

	ids, err := r.topicIds(ctx, req.Topics)
	if err != nil {
		return QueryResult{}, err
	}
	result := QueryResult{Values: map[string][]Point{}}
	for topic, id := range ids {
		points, err := r.points(ctx, id, req)
		if err != nil {
			return QueryResult{}, err
		}
		result.Values[topic] = points
	}
	result.Metadata, err = r.TopicsMetadata(ctx, req.Topics)
	if err != nil {
		return QueryResult{}, err
	}
	return result, nil
}

// topicIds looks topics up ignoring case and returns their ids keyed by the requested spelling.
func (r *reader) topicIds(ctx context.Context, topics []string) (map[string]int64, error) {
	requested := byLowerCase(topics)
	ids := map[string]int64{}
	if len(requested) == 0 {
		return ids, nil
	}
	sql, args, err := r.dialect.
		From(r.tables.Topics).
		Select("topic_id", "topic_name").
		Where(lowerIn(goqu.C("topic_name"), requested)).
		Prepared(true).
		ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}
	err = r.run(ctx, sql, args, func(row rowScanner) error {
		var id int64
		var name string
		if err := row.Scan(&id, &name); err != nil {
			return err
		}
		ids[requested[strings.ToLower(name)]] = id
		return nil
	})
	return ids, err
}

func (r *reader) points(ctx context.Context, topicId int64, req QueryRequest) ([]Point, error) {
	conditions := []exp.Expression{goqu.C("topic_id").Eq(topicId)}
	if !req.Start.IsZero() {
		conditions = append(conditions, goqu.C("ts").Gte(r.timestamp(req.Start)))
	}
	if !req.End.IsZero() {
		conditions = append(conditions, goqu.C("ts").Lt(r.timestamp(req.End)))
	}
	order := goqu.C("ts").Asc()
	if req.Order == LastToFirst {
		order = goqu.C("ts").Desc()
	}
	ds := r.dialect.
		From(r.tables.Data).
		Select("ts", "value_string").
		Where(conditions...).
		Order(order)
	if req.Count > 0 {
		ds = ds.Limit(uint(req.Count))
	} else if req.Skip > 0 {
		// sqlite only accepts OFFSET after a LIMIT.
		ds = ds.Limit(math.MaxInt32)
	}
	if req.Skip > 0 {
		ds = ds.Offset(uint(req.Skip))
	}
	sql, args, err := ds.Prepared(true).ToSQL()
	if err != nil {
		return nil, errors.WithStack(err)
	}

	points := []Point{}
	err = r.run(ctx, sql, args, func(row rowScanner) error {
		var ts interface{}
		var value string
		if err := row.Scan(&ts, &value); err != nil {
			return err
		}
		t, err := toTime(ts)
		if err != nil {
			return err
		}
		points = append(points, Point{Timestamp: t, Value: json.RawMessage(value)})
		return nil
	})
	return points, err
}

func (r *reader) run(ctx context.Context, sql string, args []interface{}, each func(rowScanner) error) error {
	err := r.query(ctx, sql, args, each)
	if err != nil {
		r.metrics.RecordDBError(metrics.DBOperationRead)
		return errors.Wrapf(err, "query %q failed", sql)
	}
	return nil
}

func toTime(v interface{}) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC(), nil
	case int64:
		return time.Unix(0, t).UTC(), nil
	default:
		return time.Time{}, errors.Errorf("unexpected timestamp type %T", v)
	}
}

func byLowerCase(topics []string) map[string]string {
	lowered := make(map[string]string, len(topics))
	for _, topic := range topics {
		lowered[strings.ToLower(topic)] = topic
	}
	return lowered
}

func lowerIn(col exp.IdentifierExpression, lowered map[string]string) exp.Expression {
	values := make([]interface{}, 0, len(lowered))
	for lower := range lowered {
		values = append(values, lower)
	}
	return goqu.Func("LOWER", col).In(values...)
}
