package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type (
	DBOperation     string
	BusMessageError string
)

const (
	DBOperationWrite     DBOperation     = "write"
	DBOperationRead      DBOperation     = "read"
	DBOperationRetention DBOperation     = "retention"
	DBOperationConnect   DBOperation     = "connect"
	BusMessageErrorParse BusMessageError = "parse"
	BusMessageErrorAck   BusMessageError = "ack"
)

const MetricsPrefix = "historian_"

// Metrics holds every prometheus collector of the historian. Collectors are registered with the registerer
// passed to New, so several instances can coexist in tests.
type Metrics struct {
	recordsEnqueued     prometheus.Counter
	queueFull           prometheus.Counter
	queuePendingRecords prometheus.Gauge
	queuePendingBytes   prometheus.Gauge
	batchesCommitted    prometheus.Counter
	batchesDuplicate    prometheus.Counter
	rowsWritten         prometheus.Counter
	writeErrors         *prometheus.CounterVec
	writeDuration       prometheus.Histogram
	recordsQuarantined  prometheus.Counter
	batchesAbandoned    prometheus.Counter
	inFlightBatches     prometheus.Gauge
	health              *prometheus.GaugeVec
	dbErrors            *prometheus.CounterVec
	busMessages         prometheus.Counter
	busMessageErrors    *prometheus.CounterVec
	busConnectionErrors prometheus.Counter
	retentionDeleted    prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		recordsEnqueued: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "records_enqueued_total",
			Help: "Number of records durably enqueued",
		}),
		queueFull: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "queue_full_total",
			Help: "Number of enqueue attempts rejected because the durable queue was full",
		}),
		queuePendingRecords: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricsPrefix + "queue_pending_records",
			Help: "Number of records in the durable queue not yet resolved at the backend",
		}),
		queuePendingBytes: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricsPrefix + "queue_pending_bytes",
			Help: "Bytes on disk held by pending records",
		}),
		batchesCommitted: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "batches_committed_total",
			Help: "Number of batches committed at the backend",
		}),
		batchesDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "batches_duplicate_total",
			Help: "Number of batches the backend had already committed",
		}),
		rowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "rows_written_total",
			Help: "Number of rows inserted or updated at the backend",
		}),
		writeErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "write_errors_total",
			Help: "Number of failed batch writes grouped by error kind",
		}, []string{"kind"}),
		writeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    MetricsPrefix + "write_duration_seconds",
			Help:    "Duration of batch write attempts",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}),
		recordsQuarantined: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "records_quarantined_total",
			Help: "Number of records quarantined after being rejected",
		}),
		batchesAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "batches_abandoned_total",
			Help: "Number of batches abandoned after exhausting their attempts",
		}),
		inFlightBatches: factory.NewGauge(prometheus.GaugeOpts{
			Name: MetricsPrefix + "in_flight_batches",
			Help: "Number of batches admitted but not yet resolved",
		}),
		health: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: MetricsPrefix + "health",
			Help: "1 for the current health state of the ingest pipeline, 0 otherwise",
		}, []string{"state"}),
		dbErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "db_errors_total",
			Help: "Number of database errors grouped by database operation",
		}, []string{"operation"}),
		busMessages: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "bus_messages_total",
			Help: "Number of messages received from the bus",
		}),
		busMessageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: MetricsPrefix + "bus_message_errors_total",
			Help: "Number of bus message errors grouped by error type",
		}, []string{"error"}),
		busConnectionErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "bus_connection_errors_total",
			Help: "Number of bus connection errors",
		}),
		retentionDeleted: factory.NewCounter(prometheus.CounterOpts{
			Name: MetricsPrefix + "retention_deleted_rows_total",
			Help: "Number of rows deleted by the history limit",
		}),
	}
}

func (m *Metrics) RecordEnqueued() {
	m.recordsEnqueued.Inc()
}

func (m *Metrics) RecordQueueFull() {
	m.queueFull.Inc()
}

func (m *Metrics) SetQueueDepth(records int, bytes int64) {
	m.queuePendingRecords.Set(float64(records))
	m.queuePendingBytes.Set(float64(bytes))
}

func (m *Metrics) RecordCommit(rows int, duplicate bool, duration time.Duration) {
	m.writeDuration.Observe(duration.Seconds())
	m.batchesCommitted.Inc()
	if duplicate {
		m.batchesDuplicate.Inc()
	}
	m.rowsWritten.Add(float64(rows))
}

func (m *Metrics) RecordWriteError(kind string, duration time.Duration) {
	m.writeDuration.Observe(duration.Seconds())
	m.writeErrors.With(prometheus.Labels{"kind": kind}).Inc()
}

func (m *Metrics) RecordQuarantined(n int) {
	m.recordsQuarantined.Add(float64(n))
}

func (m *Metrics) RecordAbandoned() {
	m.batchesAbandoned.Inc()
}

func (m *Metrics) SetInFlight(n int) {
	m.inFlightBatches.Set(float64(n))
}

// SetHealth sets the gauge of current to 1 and of every other state in all to 0.
func (m *Metrics) SetHealth(current string, all []string) {
	for _, state := range all {
		value := 0.0
		if state == current {
			value = 1
		}
		m.health.With(prometheus.Labels{"state": state}).Set(value)
	}
}

func (m *Metrics) RecordDBError(operation DBOperation) {
	m.dbErrors.With(prometheus.Labels{"operation": string(operation)}).Inc()
}

func (m *Metrics) RecordBusMessage() {
	m.busMessages.Inc()
}

func (m *Metrics) RecordBusMessageError(error BusMessageError) {
	m.busMessageErrors.With(prometheus.Labels{"error": string(error)}).Inc()
}

func (m *Metrics) RecordBusConnectionError() {
	m.busConnectionErrors.Inc()
}

func (m *Metrics) RecordRetentionDeleted(rows int64) {
	m.retentionDeleted.Add(float64(rows))
}
