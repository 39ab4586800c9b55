package bus

import (
	"context"
	"regexp"
	"strings"
	"time"

	"github.com/apache/pulsar-client-go/pulsar"
	pulsarlog "github.com/apache/pulsar-client-go/pulsar/log"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common/agentcontext"
	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/common/logging"
	"github.com/G-Research/historian/internal/historian/metrics"
)

// Message property naming the historian topic when it cannot be expressed as a pulsar topic name.
const topicProperty = "topic"

var partitionSuffix = regexp.MustCompile(`-partition-\d+$`)

type PulsarConfig struct {
	// Pulsar URL
	URL string `validate:"required"`
	// Topics to subscribe to; either Topics or TopicsPattern must be set
	Topics        []string
	TopicsPattern string
	// Name of the failover subscription shared by historian replicas
	SubscriptionName string `validate:"required"`
	// Path to the trusted TLS certificate file (must exist)
	TLSTrustCertsFilePath string
	// Whether Pulsar client accept untrusted TLS certificate from broker
	TLSAllowInsecureConnection bool
	// Whether the Pulsar client will validate the hostname in the broker's TLS Cert matches the actual hostname.
	TLSValidateHostname bool
	// Max number of connections to a single broker that will be kept in the pool. (Default: 1 connection)
	MaxConnectionsPerBroker int
	// Whether Pulsar authentication is enabled
	AuthenticationEnabled bool
	// Authentication type. For now only "JWT" auth is valid
	AuthenticationType string
	// Path to the JWT token (must exist). This must be set if AuthenticationType is "JWT"
	JwtTokenPath string
	// How long a single receive waits for a message before checking for shutdown and backpressure
	ReceiveTimeout time.Duration `validate:"gt=0"`
	// How long to wait after a receive failure
	BackoffTime time.Duration `validate:"gt=0"`
}

func (c PulsarConfig) Validate() error {
	if len(c.Topics) == 0 && c.TopicsPattern == "" {
		return errors.WithStack(&historianerrors.ErrInvalidArgument{
			Name:    "pulsar.Topics",
			Value:   c.Topics,
			Message: "either topics or a topics pattern must be given",
		})
	}
	if c.AuthenticationEnabled {
		if _, err := tokenPath(c); err != nil {
			return err
		}
	}
	return nil
}

// pulsarConsumer is the part of pulsar.Consumer the subscriber uses.
type pulsarConsumer interface {
	receive(ctx context.Context) (pulsar.Message, error)
	ack(msg pulsar.Message)
	nack(msg pulsar.Message)
}

type consumerAdapter struct {
	consumer pulsar.Consumer
}

func (a consumerAdapter) receive(ctx context.Context) (pulsar.Message, error) {
	return a.consumer.Receive(ctx)
}

func (a consumerAdapter) ack(msg pulsar.Message) {
	a.consumer.Ack(msg)
}

func (a consumerAdapter) nack(msg pulsar.Message) {
	a.consumer.Nack(msg)
}

// PulsarSubscriber reads from a failover subscription. A message is acked once all its records are in the durable
// queue and nacked if the agent shuts down before that.
type PulsarSubscriber struct {
	config    PulsarConfig
	deliverer *deliverer
	clock     clock.Clock
	metrics   *metrics.Metrics
}

func NewPulsarSubscriber(
	config PulsarConfig,
	sink Sink,
	converter *Converter,
	clock clock.Clock,
	m *metrics.Metrics,
) *PulsarSubscriber {
	return &PulsarSubscriber{
		config:    config,
		deliverer: newDeliverer(sink, converter, config.BackoffTime, clock, m),
		clock:     clock,
		metrics:   m,
	}
}

func (s *PulsarSubscriber) Run(ctx *agentcontext.Context) error {
	client, err := newPulsarClient(s.config)
	if err != nil {
		return err
	}
	defer client.Close()

	consumer, err := client.Subscribe(pulsar.ConsumerOptions{
		Topics:                      s.config.Topics,
		TopicsPattern:               s.config.TopicsPattern,
		SubscriptionName:            s.config.SubscriptionName,
		Type:                        pulsar.Failover,
		SubscriptionInitialPosition: pulsar.SubscriptionPositionEarliest,
	})
	if err != nil {
		s.metrics.RecordBusConnectionError()
		return errors.Wrapf(err, "could not subscribe to pulsar as %s", s.config.SubscriptionName)
	}
	defer consumer.Close()

	ctx = agentcontext.WithLogField(ctx, "subscription", s.config.SubscriptionName)
	ctx.Log.Infof("subscribed to pulsar at %s", s.config.URL)
	return s.consume(ctx, consumerAdapter{consumer: consumer})
}

func (s *PulsarSubscriber) consume(ctx *agentcontext.Context, consumer pulsarConsumer) error {
	// Periodically log the number of processed messages.
	logInterval := 60 * time.Second
	lastLogged := s.clock.Now()
	numReceived := 0
	var lastMessageId pulsar.MessageID

	for {
		if s.clock.Since(lastLogged) > logInterval {
			ctx.Log.WithFields(logrus.Fields{
				"received":      numReceived,
				"interval":      logInterval,
				"lastMessageId": lastMessageId,
			}).Info("message statistics")
			numReceived = 0
			lastLogged = s.clock.Now()
		}

		if err := s.deliverer.waitForCapacity(ctx); err != nil {
			ctx.Log.Info("shutting down pulsar receiver")
			return nil
		}

		receiveCtx, cancel := context.WithTimeout(ctx, s.config.ReceiveTimeout)
		msg, err := consumer.receive(receiveCtx)
		cancel()
		if ctx.Err() != nil {
			if err == nil {
				consumer.nack(msg)
			}
			ctx.Log.Info("shutting down pulsar receiver")
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) {
			ctx.Log.Debug("no message received")
			continue
		}
		if err != nil {
			s.metrics.RecordBusConnectionError()
			logging.
				WithStacktrace(ctx.Log, err).
				WithField("lastMessageId", lastMessageId).
				Warnf("pulsar receive failed; backing off for %s", s.config.BackoffTime)
			if err := s.deliverer.sleep(ctx); err != nil {
				return nil
			}
			continue
		}

		numReceived++
		lastMessageId = msg.ID()
		s.metrics.RecordBusMessage()
		if err := s.deliverer.deliver(ctx, pulsarMessage(msg)); err != nil {
			consumer.nack(msg)
			ctx.Log.Info("shutting down pulsar receiver")
			return nil
		}
		consumer.ack(msg)
	}
}

func pulsarMessage(msg pulsar.Message) Message {
	properties := msg.Properties()
	topic := properties[topicProperty]
	if topic == "" {
		topic = topicFromName(pulsarLocalName(msg.Topic()))
	}
	return Message{
		Topic:       topic,
		Payload:     msg.Payload(),
		Headers:     properties,
		PublishTime: msg.PublishTime(),
	}
}

// pulsarLocalName returns the last element of a fully qualified pulsar topic, without any partition suffix.
func pulsarLocalName(name string) string {
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	return partitionSuffix.ReplaceAllString(name, "")
}

// topicFromName maps a dot separated bus name, such as a NATS subject, to a slash separated historian topic.
func topicFromName(name string) string {
	return strings.ReplaceAll(name, ".", "/")
}

func newPulsarClient(config PulsarConfig) (pulsar.Client, error) {
	var authentication pulsar.Authentication

	if config.AuthenticationEnabled {
		jwtPath, err := tokenPath(config)
		if err != nil {
			return nil, err
		}
		authentication = pulsar.NewAuthenticationTokenFromFile(jwtPath)
	}

	client, err := pulsar.NewClient(pulsar.ClientOptions{
		URL:                        config.URL,
		TLSTrustCertsFilePath:      config.TLSTrustCertsFilePath,
		TLSValidateHostname:        config.TLSValidateHostname,
		TLSAllowInsecureConnection: config.TLSAllowInsecureConnection,
		MaxConnectionsPerBroker:    config.MaxConnectionsPerBroker,
		Authentication:             authentication,
		Logger:                     pulsarlog.NewLoggerWithLogrus(logrus.StandardLogger()),
	})
	return client, errors.WithStack(err)
}

func tokenPath(config PulsarConfig) (string, error) {
	if strings.ToLower(config.AuthenticationType) != "jwt" {
		return "", errors.WithStack(&historianerrors.ErrInvalidArgument{
			Name:    "pulsar.AuthenticationType",
			Value:   config.AuthenticationType,
			Message: "Only JWT Authentication for Pulsar is supported right now.",
		})
	}
	if strings.TrimSpace(config.JwtTokenPath) == "" {
		return "", errors.WithStack(&historianerrors.ErrInvalidArgument{
			Name:    "pulsar.JwtTokenPath",
			Value:   config.JwtTokenPath,
			Message: "JWT authentication was configured for Pulsar but no JwtTokenPath was supplied",
		})
	}
	return config.JwtTokenPath, nil
}
