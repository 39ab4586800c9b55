package bus

import (
	"context"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common/agentcontext"
	"github.com/G-Research/historian/internal/common/logging"
	"github.com/G-Research/historian/internal/historian/metrics"
)

// Attempts made to ack a message before giving up on it; jetstream redelivers unacked messages.
const ackAttempts = 3

type JetStreamConfig struct {
	Servers []string `validate:"required,min=1"`
	// Stream to bind to; if empty the stream is looked up by subject
	Stream string
	// Subject filter of the consumer, e.g. "historian.>"
	Subject string `validate:"required"`
	// Removed from the front of subjects before they are mapped to topics, e.g. "historian."
	SubjectPrefix string
	// Name of the durable pull consumer
	Durable string `validate:"required"`
	// Upper bound on messages requested by one fetch
	FetchBatch int `validate:"gte=1"`
	// How long a fetch waits for messages before checking for shutdown and backpressure
	FetchTimeout time.Duration `validate:"gt=0"`
	ConnTimeout  time.Duration `validate:"gt=0"`
	// How long to wait after a fetch failure
	BackoffTime time.Duration `validate:"gt=0"`
}

type jetStreamMessage interface {
	message() Message
	ack() error
	nak() error
}

type pullSource interface {
	fetch(ctx context.Context, batch int) ([]jetStreamMessage, error)
}

type pullAdapter struct {
	sub *nats.Subscription
}

func (a pullAdapter) fetch(ctx context.Context, batch int) ([]jetStreamMessage, error) {
	msgs, err := a.sub.Fetch(batch, nats.Context(ctx))
	out := make([]jetStreamMessage, len(msgs))
	for i, msg := range msgs {
		out[i] = natsMessage{msg: msg}
	}
	return out, err
}

type natsMessage struct {
	msg *nats.Msg
}

func (m natsMessage) message() Message {
	headers := make(map[string]string, len(m.msg.Header))
	for k := range m.msg.Header {
		headers[k] = m.msg.Header.Get(k)
	}
	var published time.Time
	if meta, err := m.msg.Metadata(); err == nil {
		published = meta.Timestamp
	}
	return Message{
		Topic:       topicFromName(m.msg.Subject),
		Payload:     m.msg.Data,
		Headers:     headers,
		PublishTime: published,
	}
}

func (m natsMessage) ack() error {
	return m.msg.Ack()
}

func (m natsMessage) nak() error {
	return m.msg.Nak()
}

// JetStreamSubscriber reads from a durable pull consumer. Messages are acked once all their records are in the
// durable queue; on shutdown the rest of a fetched batch is nak'ed for redelivery.
type JetStreamSubscriber struct {
	config    JetStreamConfig
	prefix    string
	deliverer *deliverer
	metrics   *metrics.Metrics
}

func NewJetStreamSubscriber(
	config JetStreamConfig,
	sink Sink,
	converter *Converter,
	clock clock.Clock,
	m *metrics.Metrics,
) *JetStreamSubscriber {
	return &JetStreamSubscriber{
		config:    config,
		prefix:    topicFromName(config.SubjectPrefix),
		deliverer: newDeliverer(sink, converter, config.BackoffTime, clock, m),
		metrics:   m,
	}
}

func (s *JetStreamSubscriber) Run(ctx *agentcontext.Context) error {
	conn, err := nats.Connect(
		strings.Join(s.config.Servers, ","),
		nats.Name("sqlhistorian"),
		nats.Timeout(s.config.ConnTimeout),
		nats.MaxReconnects(-1),
	)
	if err != nil {
		s.metrics.RecordBusConnectionError()
		return errors.Wrapf(err, "could not connect to nats at %s", strings.Join(s.config.Servers, ","))
	}
	defer conn.Close()

	js, err := conn.JetStream()
	if err != nil {
		return errors.WithStack(err)
	}
	var opts []nats.SubOpt
	if s.config.Stream != "" {
		opts = append(opts, nats.BindStream(s.config.Stream))
	}
	sub, err := js.PullSubscribe(s.config.Subject, s.config.Durable, opts...)
	if err != nil {
		s.metrics.RecordBusConnectionError()
		return errors.Wrapf(err, "could not create pull subscription %s on %s", s.config.Durable, s.config.Subject)
	}

	ctx = agentcontext.WithLogField(ctx, "durable", s.config.Durable)
	ctx.Log.Infof("subscribed to jetstream subject %s", s.config.Subject)
	err = s.consume(ctx, pullAdapter{sub: sub})
	// Acks and naks are buffered by the connection.
	if flushErr := conn.FlushTimeout(s.config.ConnTimeout); flushErr != nil {
		logging.WithStacktrace(ctx.Log, flushErr).Warn("could not flush jetstream acknowledgements")
	}
	return err
}

func (s *JetStreamSubscriber) consume(ctx *agentcontext.Context, source pullSource) error {
	for {
		if err := s.deliverer.waitForCapacity(ctx); err != nil {
			ctx.Log.Info("shutting down jetstream receiver")
			return nil
		}

		fetchCtx, cancel := context.WithTimeout(ctx, s.config.FetchTimeout)
		msgs, err := source.fetch(fetchCtx, s.config.FetchBatch)
		cancel()
		if ctx.Err() != nil {
			s.nakAll(msgs)
			ctx.Log.Info("shutting down jetstream receiver")
			return nil
		}
		if len(msgs) == 0 {
			if err != nil && !isFetchTimeout(err) {
				s.metrics.RecordBusConnectionError()
				logging.
					WithStacktrace(ctx.Log, err).
					Warnf("jetstream fetch failed; backing off for %s", s.config.BackoffTime)
				if err := s.deliverer.sleep(ctx); err != nil {
					return nil
				}
			}
			continue
		}

		for i, msg := range msgs {
			s.metrics.RecordBusMessage()
			message := msg.message()
			message.Topic = strings.TrimPrefix(message.Topic, s.prefix)
			if err := s.deliverer.deliver(ctx, message); err != nil {
				s.nakAll(msgs[i:])
				ctx.Log.Info("shutting down jetstream receiver")
				return nil
			}
			s.acknowledge(ctx, msg)
		}
	}
}

// acknowledge acks msg, retrying briefly. A message whose ack is lost is redelivered and written again, which the
// backend upsert makes harmless.
func (s *JetStreamSubscriber) acknowledge(ctx *agentcontext.Context, msg jetStreamMessage) {
	err := retry.Do(
		msg.ack,
		retry.Context(ctx),
		retry.Attempts(ackAttempts),
		retry.Delay(s.config.BackoffTime),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		s.metrics.RecordBusMessageError(metrics.BusMessageErrorAck)
		logging.WithStacktrace(ctx.Log, err).Warn("jetstream ack failed; message will be redelivered")
	}
}

// nakAll asks for redelivery of msgs.
func (s *JetStreamSubscriber) nakAll(msgs []jetStreamMessage) {
	for _, msg := range msgs {
		if err := msg.nak(); err != nil {
			s.metrics.RecordBusMessageError(metrics.BusMessageErrorAck)
		}
	}
}

func isFetchTimeout(err error) bool {
	return errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded)
}
