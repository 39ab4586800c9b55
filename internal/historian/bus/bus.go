// Package bus feeds messages from the message bus into the ingest pipeline. A subscriber receives a message,
// converts it to records, enqueues every record and only then acknowledges the message, so the bus keeps anything
// the durable queue has not accepted yet.
package bus

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common/agentcontext"
	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/common/logging"
	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/queue"
)

// Sink accepts records for durable storage. The ingest pipeline is the production implementation.
type Sink interface {
	Enqueue(record model.Record) (model.Record, error)
	Backpressured() bool
}

// Subscriber receives messages from the bus until ctx is cancelled.
type Subscriber interface {
	Run(ctx *agentcontext.Context) error
}

// Message is a bus message in transport independent form.
type Message struct {
	Topic       string
	Payload     []byte
	Headers     map[string]string
	PublishTime time.Time
}

// deliverer is shared by the subscribers: it converts a message and pushes its records into the sink, waiting out
// backpressure.
type deliverer struct {
	sink      Sink
	converter *Converter
	// How long to wait before enqueueing again after the queue was full, and between backpressure checks
	pause   time.Duration
	clock   clock.Clock
	metrics *metrics.Metrics
}

func newDeliverer(sink Sink, converter *Converter, pause time.Duration, clock clock.Clock, m *metrics.Metrics) *deliverer {
	return &deliverer{
		sink:      sink,
		converter: converter,
		pause:     pause,
		clock:     clock,
		metrics:   m,
	}
}

// deliver enqueues every record of msg. A message that cannot be converted is logged, counted and dropped, since
// redelivering it cannot help. Other enqueue failures are retried. The only error returned is ctx's, in which case
// the message must not be acked.
func (d *deliverer) deliver(ctx *agentcontext.Context, msg Message) error {
	records, err := d.converter.Convert(msg)
	if err != nil {
		d.metrics.RecordBusMessageError(metrics.BusMessageErrorParse)
		logging.WithStacktrace(ctx.Log, err).
			WithField("topic", msg.Topic).
			Warn("dropping bus message that could not be converted")
		return nil
	}
	for _, record := range records {
		if err := d.enqueue(ctx, record); err != nil {
			return err
		}
	}
	return nil
}

func (d *deliverer) enqueue(ctx *agentcontext.Context, record model.Record) error {
	for {
		_, err := d.sink.Enqueue(record)
		if err == nil {
			return nil
		}
		var invalid *historianerrors.ErrInvalidArgument
		switch {
		case errors.As(err, &invalid):
			d.metrics.RecordBusMessageError(metrics.BusMessageErrorParse)
			logging.WithStacktrace(ctx.Log, err).
				WithField("topic", record.Topic).
				Warn("dropping record rejected by the ingest pipeline")
			return nil
		case errors.Is(err, queue.ErrQueueFull):
			ctx.Log.WithField("topic", record.Topic).Debugf("queue full; retrying enqueue in %s", d.pause)
		default:
			logging.WithStacktrace(ctx.Log, err).
				WithField("topic", record.Topic).
				Warnf("enqueue failed; retrying in %s", d.pause)
		}
		if err := d.sleep(ctx); err != nil {
			return err
		}
	}
}

// waitForCapacity blocks while the sink reports backpressure.
func (d *deliverer) waitForCapacity(ctx *agentcontext.Context) error {
	logged := false
	for d.sink.Backpressured() {
		if !logged {
			ctx.Log.Info("ingest pipeline is backpressured; pausing bus receive")
			logged = true
		}
		if err := d.sleep(ctx); err != nil {
			return err
		}
	}
	if logged {
		ctx.Log.Info("ingest pipeline accepting records again; resuming bus receive")
	}
	return ctx.Err()
}

func (d *deliverer) sleep(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-d.clock.After(d.pause):
		return nil
	}
}
