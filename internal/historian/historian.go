// Package historian wires the durable queue, the SQL store, the ingest pipeline and a bus subscriber into the
// sqlhistorian agent.
package historian

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common/agentcontext"
	"github.com/G-Research/historian/internal/common/app"
	"github.com/G-Research/historian/internal/common/health"
	"github.com/G-Research/historian/internal/common/serve"
	"github.com/G-Research/historian/internal/common/util"
	"github.com/G-Research/historian/internal/historian/batcher"
	"github.com/G-Research/historian/internal/historian/bus"
	"github.com/G-Research/historian/internal/historian/configuration"
	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/pipeline"
	"github.com/G-Research/historian/internal/historian/queue"
	"github.com/G-Research/historian/internal/historian/retry"
	"github.com/G-Research/historian/internal/historian/sqlstore"
	"github.com/G-Research/historian/internal/historian/writer"
)

// Run starts the agent and blocks until ctx is cancelled or one of its components fails. Records still in the
// queue when Run returns are written by the next run.
func Run(ctx *agentcontext.Context, config configuration.Configuration) error {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)
	clk := clock.RealClock{}

	ctx.Log.Infof("Opening durable queue in %s", config.Queue.Dir)
	q, err := queue.Open(config.QueueOptions(), clk)
	if err != nil {
		return errors.WithMessage(err, "error opening durable queue")
	}
	defer util.CloseResource("durable queue", q)

	ctx.Log.Infof("Connecting to %s", config.Database.Connection)
	store, err := sqlstore.Open(ctx, config.StoreConfig(), m)
	if err != nil {
		return errors.WithMessage(err, "error opening historian database")
	}
	defer util.CloseResource("historian database", store)

	w := writer.New(store, config.WriterOptions(), clk)
	controller, err := retry.NewController(w, q, config.RetryOptions(), clk, m, q.Cursor())
	if err != nil {
		return err
	}
	b := batcher.New(q, config.BatcherOptions(), clk, q.Cursor())
	p, err := pipeline.New(q, b, controller, config.PipelineOptions(), clk, m)
	if err != nil {
		return err
	}

	checker := health.NewMultiChecker(health.CheckerFunc(p.Check))
	// The default gatherer carries the go runtime collectors and the log line counters.
	server := serve.NewHttpServer(config.HttpPort, checker, prometheus.Gatherers{registry, prometheus.DefaultGatherer})

	app.OnReloadSignal(ctx, p.Reset)

	g, gctx := agentcontext.ErrGroup(ctx)
	g.Go(func() error { return serve.ListenAndServe(gctx, server) })
	g.Go(func() error { return p.Run(gctx) })
	if subscriber := newSubscriber(config, p, clk, m); subscriber != nil {
		g.Go(func() error { return subscriber.Run(gctx) })
	} else {
		ctx.Log.Warn("No bus configured; only records already queued will be written")
	}
	if config.Retention.HistoryLimit > 0 {
		retention := newRetention(store, config.Retention, clk)
		g.Go(func() error { return retention.Run(gctx) })
	}
	return g.Wait()
}

func newSubscriber(config configuration.Configuration, sink bus.Sink, clk clock.Clock, m *metrics.Metrics) bus.Subscriber {
	converter := bus.NewConverter(config.Bus.Capture, clk)
	switch config.Bus.Type {
	case configuration.BusTypePulsar:
		return bus.NewPulsarSubscriber(config.Bus.Pulsar, sink, converter, clk, m)
	case configuration.BusTypeJetStream:
		return bus.NewJetStreamSubscriber(config.Bus.JetStream, sink, converter, clk, m)
	default:
		return nil
	}
}
