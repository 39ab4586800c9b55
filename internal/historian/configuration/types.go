package configuration

import (
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"k8s.io/apimachinery/pkg/api/resource"

	commonconfig "github.com/G-Research/historian/internal/common/config"
	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/common/logging"
	"github.com/G-Research/historian/internal/historian/batcher"
	"github.com/G-Research/historian/internal/historian/bus"
	"github.com/G-Research/historian/internal/historian/pipeline"
	"github.com/G-Research/historian/internal/historian/queue"
	"github.com/G-Research/historian/internal/historian/retry"
	"github.com/G-Research/historian/internal/historian/sqlstore"
	"github.com/G-Research/historian/internal/historian/writer"
)

const (
	BusTypePulsar    = "pulsar"
	BusTypeJetStream = "jetstream"
	// No subscriber; useful for draining a queue left behind by an earlier run
	BusTypeNone = "none"
)

type Configuration struct {
	// Port serving /health and /metrics
	HttpPort uint16 `validate:"required"`
	Logging  logging.Config
	Queue    QueueConfig
	Batch    BatchConfig
	Retry    RetryConfig
	Pipeline PipelineConfig
	Writer   WriterConfig
	Database DatabaseConfig
	// Periodic removal of old data. Disabled when HistoryLimit is zero.
	Retention RetentionConfig
	Bus       BusConfig
}

type QueueConfig struct {
	// Directory holding the queue segments, cursor and quarantine. One process may own it at a time.
	Dir string `validate:"required"`
	// Maximum number of records held, including those in flight
	MaxRecords int `validate:"gt=0"`
	// Maximum size of pending records on disk, e.g. "256Mi"
	MaxBytes resource.Quantity
	// Size at which a segment file is rotated, e.g. "8Mi"
	SegmentSize resource.Quantity
}

type BatchConfig struct {
	MaxRecords int `validate:"gt=0"`
	// Upper bound on the encoded size of a batch, e.g. "4Mi"
	MaxBytes resource.Quantity
	// How long the oldest record may wait for a batch to fill up
	MaxWait time.Duration `validate:"gt=0"`
}

type RetryConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         float64
	// Attempts made at a batch before it is abandoned and the pipeline halts
	MaxAttempts int
}

type PipelineConfig struct {
	MaxInFlightBatches int
	// Fraction of Queue.MaxRecords at which the bus subscribers pause
	HighWatermark       float64
	ShutdownGracePeriod time.Duration `validate:"gte=0"`
}

type WriterConfig struct {
	MaxTopicLength int           `validate:"gte=0"`
	WriteTimeout   time.Duration `validate:"gte=0"`
}

type TablesConfig struct {
	TablePrefix  string
	DataTable    string `validate:"required"`
	TopicsTable  string `validate:"required"`
	MetaTable    string `validate:"required"`
	BatchesTable string `validate:"required"`
}

type DatabaseConfig struct {
	Connection          sqlstore.Connection
	TablesDef           TablesConfig
	TopicCacheSize      int           `validate:"gt=0"`
	MetadataCacheExpiry time.Duration `validate:"gt=0"`
	// Attempts made at connecting to postgres at startup
	ConnectAttempts   uint          `validate:"gte=1"`
	ConnectRetryDelay time.Duration `validate:"gte=0"`
	// Size of the postgres connection pool; zero keeps the pgx default
	MaxOpenConns int32 `validate:"gte=0"`
}

type RetentionConfig struct {
	// Data older than this is deleted. Zero keeps everything.
	HistoryLimit time.Duration `validate:"gte=0"`
	// How often old data is deleted
	Interval time.Duration `validate:"gte=0"`
}

type BusConfig struct {
	Type    string `validate:"oneof=pulsar jetstream none"`
	Capture bus.CaptureOptions
	// Only the settings of the selected bus are validated.
	Pulsar    bus.PulsarConfig    `validate:"-"`
	JetStream bus.JetStreamConfig `validate:"-"`
}

// Validate checks the struct tags and then every component's own constraints, reporting all failures.
func (c Configuration) Validate() error {
	if err := commonconfig.ValidateStruct(c); err != nil {
		return err
	}

	var result *multierror.Error
	check := func(section string, err error) {
		if err != nil {
			result = multierror.Append(result, errors.WithMessage(err, section))
		}
	}
	check("logging", c.Logging.Validate())
	check("queue", c.QueueOptions().Validate())
	check("retry", c.RetryOptions().Validate())
	check("pipeline", c.PipelineOptions().Validate())
	check("database", c.StoreConfig().Options.Validate())
	if c.Batch.MaxBytes.Value() > c.Queue.MaxBytes.Value() {
		check("batch", &historianerrors.ErrInvalidArgument{
			Name:    "MaxBytes",
			Value:   c.Batch.MaxBytes.String(),
			Message: "a batch cannot be larger than the queue",
		})
	}
	if c.Retention.HistoryLimit > 0 && c.Retention.Interval <= 0 {
		check("retention", &historianerrors.ErrInvalidArgument{
			Name:    "Interval",
			Value:   c.Retention.Interval.String(),
			Message: "must be positive when a history limit is set",
		})
	}
	switch c.Bus.Type {
	case BusTypePulsar:
		check("bus.pulsar", commonconfig.ValidateStruct(c.Bus.Pulsar))
		check("bus.pulsar", c.Bus.Pulsar.Validate())
	case BusTypeJetStream:
		check("bus.jetstream", commonconfig.ValidateStruct(c.Bus.JetStream))
	}
	return result.ErrorOrNil()
}

func (c Configuration) QueueOptions() queue.Options {
	return queue.Options{
		Dir:         c.Queue.Dir,
		MaxRecords:  c.Queue.MaxRecords,
		MaxBytes:    c.Queue.MaxBytes.Value(),
		SegmentSize: c.Queue.SegmentSize.Value(),
	}
}

func (c Configuration) BatcherOptions() batcher.Options {
	return batcher.Options{
		MaxCount: c.Batch.MaxRecords,
		MaxBytes: int(c.Batch.MaxBytes.Value()),
		MaxWait:  c.Batch.MaxWait,
	}
}

func (c Configuration) RetryOptions() retry.Options {
	return retry.Options{
		Backoff: retry.Backoff{
			Initial:    c.Retry.InitialBackoff,
			Max:        c.Retry.MaxBackoff,
			Multiplier: c.Retry.Multiplier,
			Jitter:     c.Retry.Jitter,
		},
		MaxAttempts: c.Retry.MaxAttempts,
	}
}

func (c Configuration) PipelineOptions() pipeline.Options {
	return pipeline.Options{
		MaxInFlightBatches:  c.Pipeline.MaxInFlightBatches,
		HighWatermark:       c.Pipeline.HighWatermark,
		ShutdownGracePeriod: c.Pipeline.ShutdownGracePeriod,
	}
}

func (c Configuration) WriterOptions() writer.Options {
	return writer.Options{
		MaxTopicLength: c.Writer.MaxTopicLength,
		WriteTimeout:   c.Writer.WriteTimeout,
	}
}

func (c Configuration) StoreConfig() sqlstore.Config {
	return sqlstore.Config{
		Connection: c.Database.Connection,
		Options: sqlstore.Options{
			Tables: sqlstore.TablesDef{
				Prefix:  c.Database.TablesDef.TablePrefix,
				Data:    c.Database.TablesDef.DataTable,
				Topics:  c.Database.TablesDef.TopicsTable,
				Meta:    c.Database.TablesDef.MetaTable,
				Batches: c.Database.TablesDef.BatchesTable,
			},
			TopicCacheSize:      c.Database.TopicCacheSize,
			MetadataCacheExpiry: c.Database.MetadataCacheExpiry,
		},
		ConnectAttempts:   c.Database.ConnectAttempts,
		ConnectRetryDelay: c.Database.ConnectRetryDelay,
		MaxOpenConns:      c.Database.MaxOpenConns,
	}
}
