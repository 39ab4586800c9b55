package historian

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common/agentcontext"
	"github.com/G-Research/historian/internal/common/logging"
	"github.com/G-Research/historian/internal/historian/configuration"
)

type deleter interface {
	DeleteBefore(ctx context.Context, before time.Time) (int64, error)
}

// retention deletes data older than the history limit, once at startup and then every interval.
type retention struct {
	store  deleter
	config configuration.RetentionConfig
	clock  clock.WithTicker
}

func newRetention(store deleter, config configuration.RetentionConfig, clock clock.WithTicker) *retention {
	return &retention{store: store, config: config, clock: clock}
}

func (r *retention) Run(ctx *agentcontext.Context) error {
	ctx = agentcontext.WithLogField(ctx, "historyLimit", r.config.HistoryLimit)
	ticker := r.clock.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		r.deleteOld(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
		}
	}
}

// deleteOld logs failures and carries on; the next tick tries again.
func (r *retention) deleteOld(ctx *agentcontext.Context) {
	before := r.clock.Now().Add(-r.config.HistoryLimit)
	start := r.clock.Now()
	deleted, err := r.store.DeleteBefore(ctx, before)
	if err != nil {
		if ctx.Err() == nil {
			logging.WithStacktrace(ctx.Log, err).Warn("Failed to delete old data")
		}
		return
	}
	if deleted > 0 {
		ctx.Log.Infof("Deleted %d rows older than %s in %s", deleted, before.Format(time.RFC3339), r.clock.Since(start))
	}
}
