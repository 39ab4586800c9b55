package sqlstore

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/patrickmn/go-cache"
	"github.com/pkg/errors"

	"github.com/G-Research/historian/internal/historian/model"
)

type topicEntry struct {
	id   int64
	name string
}

// topicCache remembers topic ids by lower-cased name and the last metadata written per topic id. It is only
// updated once the transaction that produced the values has committed.
type topicCache struct {
	topics   *lru.Cache
	metadata *cache.Cache
}

func newTopicCache(size int, metadataExpiry time.Duration) (*topicCache, error) {
	topics, err := lru.New(size)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &topicCache{
		topics:   topics,
		metadata: cache.New(metadataExpiry, metadataExpiry),
	}, nil
}

func (c *topicCache) topic(lower string) (topicEntry, bool) {
	v, ok := c.topics.Get(lower)
	if !ok {
		return topicEntry{}, false
	}
	return v.(topicEntry), true
}

func (c *topicCache) meta(id int64) (string, bool) {
	v, ok := c.metadata.Get(metadataKey(id))
	if !ok {
		return "", false
	}
	return v.(string), true
}

func (c *topicCache) apply(u *cacheUpdates) {
	for lower, entry := range u.topics {
		c.topics.Add(lower, entry)
	}
	for id, meta := range u.meta {
		c.metadata.SetDefault(metadataKey(id), meta)
	}
}

func metadataKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// cacheUpdates collects what a transaction learned about topics, to be applied on commit.
type cacheUpdates struct {
	topics map[string]topicEntry
	meta   map[int64]string
}

func newCacheUpdates() *cacheUpdates {
	return &cacheUpdates{
		topics: map[string]topicEntry{},
		meta:   map[int64]string{},
	}
}

// topicWriter performs the per-topic statements of a write within one transaction.
type topicWriter interface {
	// upsertTopic inserts name, or renames the existing topic whose name only differs in case, and returns its id.
	upsertTopic(ctx context.Context, name string) (int64, error)
	upsertMetadata(ctx context.Context, id int64, metadata string) error
}

// resolveTopics returns the topic id of every distinct topic in records keyed by lower-cased name, creating and
// renaming topics and writing changed metadata through w. Cached topics whose spelling is unchanged cost nothing.
func resolveTopics(ctx context.Context, w topicWriter, c *topicCache, records []model.Record) (map[string]int64, *cacheUpdates, error) {
	updates := newCacheUpdates()
	names := map[string]string{}
	metadata := map[string]map[string]string{}
	for _, r := range records {
		lower := lowerTopic(r.Topic)
		names[lower] = r.Topic
		if r.Metadata != nil {
			metadata[lower] = r.Metadata
		}
	}

	ids := make(map[string]int64, len(names))
	for lower, name := range names {
		if entry, ok := c.topic(lower); ok && entry.name == name {
			ids[lower] = entry.id
			continue
		}
		id, err := w.upsertTopic(ctx, name)
		if err != nil {
			return nil, nil, err
		}
		ids[lower] = id
		updates.topics[lower] = topicEntry{id: id, name: name}
	}

	for lower, meta := range metadata {
		encoded, err := encodeMetadata(meta)
		if err != nil {
			return nil, nil, err
		}
		id := ids[lower]
		if cached, ok := c.meta(id); ok && cached == encoded {
			continue
		}
		if err := w.upsertMetadata(ctx, id, encoded); err != nil {
			return nil, nil, err
		}
		updates.meta[id] = encoded
	}
	return ids, updates, nil
}

func lowerTopic(topic string) string {
	return strings.ToLower(topic)
}

// encodeMetadata renders metadata as json with sorted keys, so equal maps encode equally.
func encodeMetadata(metadata map[string]string) (string, error) {
	b, err := json.Marshal(metadata)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return string(b), nil
}

func decodeMetadata(s string) (map[string]string, error) {
	var metadata map[string]string
	if err := json.Unmarshal([]byte(s), &metadata); err != nil {
		return nil, errors.WithStack(err)
	}
	return metadata, nil
}
