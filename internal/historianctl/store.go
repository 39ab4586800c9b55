package historianctl

import (
	"context"
	"time"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"github.com/G-Research/historian/internal/historian/sqlstore"
)

// Topics prints every stored topic matching pattern, a case-insensitive regular expression.
func (a *App) Topics(ctx context.Context, store Store, pattern string) error {
	ids, err := store.TopicsByPattern(ctx, pattern)
	if err != nil {
		return err
	}
	topics := maps.Keys(ids)
	slices.Sort(topics)
	for _, topic := range topics {
		a.printf("%s\n", topic)
	}
	return nil
}

// Query prints the points of each requested topic, followed by its metadata.
func (a *App) Query(ctx context.Context, store Store, req sqlstore.QueryRequest) error {
	result, err := store.Query(ctx, req)
	if err != nil {
		return err
	}
	for _, topic := range req.Topics {
		points, ok := result.Values[topic]
		if !ok {
			a.printf("%s: unknown topic\n\n", topic)
			continue
		}
		a.printf("%s (%d points)\n", topic, len(points))
		table := newTable()
		for _, p := range points {
			table.Writef("  %s\t%s\n", formatTime(p.Timestamp), p.Value)
		}
		meta := result.Metadata[topic]
		keys := maps.Keys(meta)
		slices.Sort(keys)
		for _, k := range keys {
			table.Writef("  meta %s\t%s\n", k, meta[k])
		}
		a.printf("%s\n", table.String())
	}
	return nil
}

// Prune deletes every stored point older than before.
func (a *App) Prune(ctx context.Context, store Store, before time.Time) error {
	deleted, err := store.DeleteBefore(ctx, before)
	if err != nil {
		return err
	}
	a.printf("Deleted %d points older than %s\n", deleted, formatTime(before))
	return nil
}
