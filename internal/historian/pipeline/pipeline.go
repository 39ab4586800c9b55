// Package pipeline ties the durable queue, the batcher and the retry controller together. The ingest flow calls
// Enqueue from the bus subscribers; the drain flow runs in Run, cutting batches and driving them to the backend.
package pipeline

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common/agentcontext"
	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/common/logging"
	"github.com/G-Research/historian/internal/historian/batcher"
	"github.com/G-Research/historian/internal/historian/metrics"
	"github.com/G-Research/historian/internal/historian/model"
	"github.com/G-Research/historian/internal/historian/queue"
	"github.com/G-Research/historian/internal/historian/retry"
)

// How long the drain flow waits before retrying after failing to persist the queue cursor.
const persistRetryInterval = time.Second

type Options struct {
	// Upper bound on batches admitted to the retry controller and not yet resolved
	MaxInFlightBatches int
	// Fraction of the queue's record capacity at which the pipeline reports backpressure
	HighWatermark float64
	// Time an in-flight write is given to finish after shutdown starts
	ShutdownGracePeriod time.Duration
}

func (o Options) Validate() error {
	if o.MaxInFlightBatches < 1 {
		return &historianerrors.ErrInvalidArgument{
			Name:    "MaxInFlightBatches",
			Value:   strconv.Itoa(o.MaxInFlightBatches),
			Message: "must be at least 1",
		}
	}
	if o.HighWatermark <= 0 || o.HighWatermark > 1 {
		return &historianerrors.ErrInvalidArgument{
			Name:    "HighWatermark",
			Value:   strconv.FormatFloat(o.HighWatermark, 'g', -1, 64),
			Message: "must be in (0, 1]",
		}
	}
	return nil
}

type Pipeline struct {
	queue      *queue.Queue
	batcher    *batcher.Batcher
	controller *retry.Controller
	options    Options
	clock      clock.Clock
	metrics    *metrics.Metrics
	watermark  int
	reset      chan struct{}

	mu sync.Mutex
	// Set when the last enqueue was rejected; cleared by a successful enqueue or once the cursor moves.
	full bool
}

func New(
	q *queue.Queue,
	batcher *batcher.Batcher,
	controller *retry.Controller,
	options Options,
	clock clock.Clock,
	metrics *metrics.Metrics,
) (*Pipeline, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}
	return &Pipeline{
		queue:      q,
		batcher:    batcher,
		controller: controller,
		options:    options,
		clock:      clock,
		metrics:    metrics,
		watermark:  int(math.Ceil(options.HighWatermark * float64(q.Capacity()))),
		reset:      make(chan struct{}, 1),
	}, nil
}

// Enqueue durably stores record. It returns queue.ErrQueueFull when the queue is saturated, in which case the
// caller should back off and try again.
func (p *Pipeline) Enqueue(record model.Record) (model.Record, error) {
	stored, err := p.queue.Enqueue(record)
	p.mu.Lock()
	p.full = errors.Is(err, queue.ErrQueueFull)
	p.mu.Unlock()
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			p.metrics.RecordQueueFull()
		}
		return model.Record{}, err
	}
	p.metrics.RecordEnqueued()
	return stored, nil
}

// Backpressured reports whether producers should hold off: the queue is at or above the high watermark, or the
// last enqueue found it full.
func (p *Pipeline) Backpressured() bool {
	p.mu.Lock()
	full := p.full
	p.mu.Unlock()
	return full || p.queue.Len() >= p.watermark
}

func (p *Pipeline) Health() Health {
	if halted, _ := p.controller.Halted(); halted {
		return Halted
	}
	if p.Backpressured() {
		return Backpressured
	}
	return Healthy
}

// Check implements health.Checker. Only states that need an operator are failures; backpressure clears itself.
func (p *Pipeline) Check() error {
	if halted, err := p.controller.Halted(); halted {
		return errors.WithMessage(err, "ingest pipeline is halted")
	}
	if n := p.controller.Abandoned(); n > 0 {
		return errors.Errorf("%d batches exhausted their write attempts", n)
	}
	return nil
}

// Reset clears a halt and re-pends abandoned batches.
func (p *Pipeline) Reset() {
	if p.controller.Reset() {
		log.Info("Ingest pipeline reset")
	}
	select {
	case p.reset <- struct{}{}:
	default:
	}
}

// Run drains the queue to the backend until ctx is cancelled. After cancellation no new batch is started; a write
// in progress is given ShutdownGracePeriod to finish before its context is cancelled too.
func (p *Pipeline) Run(ctx *agentcontext.Context) error {
	if oldest, ok := p.queue.OldestAfter(p.queue.Cursor()); ok {
		ctx.Log.Infof("Starting with %d records (%d bytes) pending in the durable queue, oldest sequence id %d",
			p.queue.Len(), p.queue.Bytes(), oldest.SequenceId)
	}

	writeCtx, cancelWrites := agentcontext.WithCancel(agentcontext.New(context.Background(), ctx.Log))
	defer cancelWrites()
	go func() {
		select {
		case <-ctx.Done():
		case <-writeCtx.Done():
			return
		}
		select {
		case <-p.clock.After(p.options.ShutdownGracePeriod):
			ctx.Log.Warnf("Write still in progress %s after shutdown; cancelling it", p.options.ShutdownGracePeriod)
			cancelWrites()
		case <-writeCtx.Done():
		}
	}()

	lastCursor := p.queue.Cursor()
	for ctx.Err() == nil {
		if err := p.admit(); err != nil {
			return err
		}
		attempted, err := p.controller.Step(writeCtx)
		if cursor := p.queue.Cursor(); cursor != lastCursor {
			lastCursor = cursor
			p.clearFull()
		}
		p.updateMetrics()
		if err != nil {
			logging.WithStacktrace(ctx.Log, err).Error("Error persisting progress")
			p.wait(ctx, p.clock.Now().Add(persistRetryInterval), true)
			continue
		}
		if attempted {
			continue
		}
		wake, ok := p.nextWake()
		p.wait(ctx, wake, ok)
	}

	resolved := p.controller.Drop()
	p.batcher.Rewind(resolved)
	ctx.Log.Infof("Ingest pipeline stopped; resolved up to sequence id %d", resolved)
	return nil
}

// admit moves due batches into the controller, up to MaxInFlightBatches.
func (p *Pipeline) admit() error {
	for p.controller.InFlight() < p.options.MaxInFlightBatches {
		batch, err := p.batcher.NextBatch()
		if err != nil {
			return err
		}
		if batch == nil {
			return nil
		}
		p.controller.Admit(batch)
	}
	return nil
}

// nextWake returns the earliest time at which the drain flow has work to do, if any.
func (p *Pipeline) nextWake() (time.Time, bool) {
	wake, ok := p.controller.NextWake()
	if p.controller.InFlight() < p.options.MaxInFlightBatches {
		if deadline, due := p.batcher.Deadline(); due && (!ok || deadline.Before(wake)) {
			wake, ok = deadline, true
		}
	}
	return wake, ok
}

// wait blocks until wake (if set), new data arrives, a reset is requested or ctx is done.
func (p *Pipeline) wait(ctx context.Context, wake time.Time, hasWake bool) {
	var timeout <-chan time.Time
	if hasWake {
		d := wake.Sub(p.clock.Now())
		if d <= 0 {
			return
		}
		timer := p.clock.NewTimer(d)
		defer timer.Stop()
		timeout = timer.C()
	}
	select {
	case <-p.queue.Notify():
	case <-timeout:
	case <-p.reset:
	case <-ctx.Done():
	}
}

func (p *Pipeline) clearFull() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.full = false
}

func (p *Pipeline) updateMetrics() {
	p.metrics.SetQueueDepth(p.queue.Len(), p.queue.Bytes())
	p.metrics.SetHealth(p.Health().String(), allHealthStates)
}
