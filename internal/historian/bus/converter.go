package bus

import (
	"bytes"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"
	"k8s.io/utils/clock"

	"github.com/G-Research/historian/internal/common/historianerrors"
	"github.com/G-Research/historian/internal/historian/model"
)

const (
	devicesPrefix  = "devices/"
	analysisPrefix = "analysis/"
	recordPrefix   = "record/"
	logPrefix      = "datalogger/"
	allSuffix      = "/all"
)

// Headers carrying the time a measurement was taken, in order of preference.
var timestampHeaders = []string{"TimeStamp", "Date"}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	time.RFC1123Z,
	time.RFC1123,
}

// CaptureOptions selects the classes of topic that are stored.
type CaptureOptions struct {
	// devices/<path>/all publishes, split into one record per point
	Devices bool
	// analysis/<path> publishes
	Analysis bool
	// record/<path> publishes, stored whole
	Records bool
	// datalogger/<path> publishes
	Log bool
	// Any other topic
	Other bool
}

// Converter turns bus messages into records.
type Converter struct {
	capture CaptureOptions
	clock   clock.PassiveClock
}

func NewConverter(capture CaptureOptions, clock clock.PassiveClock) *Converter {
	return &Converter{capture: capture, clock: clock}
}

// Convert returns the records carried by msg, or none if the topic class of msg is not captured.
//
//   - devices/<path>/all carries [{point: value, ...}, {point: {meta}, ...}] and yields topics <path>/<point>
//   - analysis/<path> carries the same pair and yields analysis/<path>/<point>, or a single value
//   - datalogger/<path> carries {point: {"Readings": v, "Units": u, "data_type": t}} and yields <path>/<point>
//   - record/<path> is stored as is, wrapped in a JSON string if it is not JSON
//   - any other topic carries {"value": v, "meta": {...}} or a bare JSON value
func (c *Converter) Convert(msg Message) ([]model.Record, error) {
	topic := strings.Trim(msg.Topic, "/")
	if topic == "" {
		return nil, errors.WithStack(&historianerrors.ErrInvalidArgument{
			Name:    "topic",
			Value:   msg.Topic,
			Message: "bus message has no topic",
		})
	}
	ts, err := c.timestamp(msg)
	if err != nil {
		return nil, err
	}
	payload := bytes.TrimSpace(msg.Payload)

	switch {
	case strings.HasPrefix(topic, devicesPrefix):
		if !c.capture.Devices {
			return nil, nil
		}
		path := strings.TrimPrefix(topic, devicesPrefix)
		if !strings.HasSuffix(path, allSuffix) {
			return single(path, ts, payload)
		}
		return splitPoints(strings.TrimSuffix(path, allSuffix), ts, payload)
	case strings.HasPrefix(topic, analysisPrefix):
		if !c.capture.Analysis {
			return nil, nil
		}
		if isPointPair(payload) {
			return splitPoints(topic, ts, payload)
		}
		return single(topic, ts, payload)
	case strings.HasPrefix(topic, logPrefix):
		if !c.capture.Log {
			return nil, nil
		}
		return logPoints(strings.TrimPrefix(topic, logPrefix), ts, payload)
	case strings.HasPrefix(topic, recordPrefix):
		if !c.capture.Records {
			return nil, nil
		}
		value := payload
		if !json.Valid(value) {
			value, _ = json.Marshal(string(msg.Payload))
		}
		return []model.Record{model.NewRecord(topic, ts, value, nil)}, nil
	default:
		if !c.capture.Other {
			return nil, nil
		}
		return single(topic, ts, payload)
	}
}

func (c *Converter) timestamp(msg Message) (time.Time, error) {
	for _, name := range timestampHeaders {
		value, ok := header(msg.Headers, name)
		if !ok {
			continue
		}
		ts, err := parseTimestamp(value)
		if err != nil {
			return time.Time{}, errors.WithStack(&historianerrors.ErrInvalidArgument{
				Name:    name,
				Value:   value,
				Message: "unrecognised timestamp",
			})
		}
		return ts, nil
	}
	if !msg.PublishTime.IsZero() {
		return msg.PublishTime, nil
	}
	return c.clock.Now(), nil
}

func header(headers map[string]string, name string) (string, bool) {
	if value, ok := headers[name]; ok && value != "" {
		return value, true
	}
	for k, value := range headers {
		if strings.EqualFold(k, name) && value != "" {
			return value, true
		}
	}
	return "", false
}

// parseTimestamp accepts RFC 3339 and RFC 1123 times; times without a zone are taken to be UTC.
func parseTimestamp(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	var err error
	for _, layout := range timestampLayouts {
		var ts time.Time
		ts, err = time.Parse(layout, value)
		if err == nil {
			return ts, nil
		}
	}
	return time.Time{}, err
}

// single handles a payload of the form {"value": v, "meta": {...}} or a bare JSON value.
func single(topic string, ts time.Time, payload []byte) ([]model.Record, error) {
	if !json.Valid(payload) {
		return nil, errors.Errorf("payload of %s is not valid json", topic)
	}
	var envelope map[string]json.RawMessage
	if payload[0] == '{' && json.Unmarshal(payload, &envelope) == nil && isEnvelope(envelope) {
		meta, err := metadata(envelope["meta"])
		if err != nil {
			return nil, errors.WithMessagef(err, "metadata of %s", topic)
		}
		return []model.Record{model.NewRecord(topic, ts, envelope["value"], meta)}, nil
	}
	return []model.Record{model.NewRecord(topic, ts, payload, nil)}, nil
}

func isEnvelope(fields map[string]json.RawMessage) bool {
	if _, ok := fields["value"]; !ok {
		return false
	}
	for k := range fields {
		if k != "value" && k != "meta" {
			return false
		}
	}
	return true
}

func isPointPair(payload []byte) bool {
	var pair []json.RawMessage
	if len(payload) == 0 || payload[0] != '[' || json.Unmarshal(payload, &pair) != nil {
		return false
	}
	return len(pair) >= 1 && len(pair) <= 2 && bytes.HasPrefix(bytes.TrimSpace(pair[0]), []byte("{"))
}

// splitPoints handles [{point: value}, {point: {meta}}], the second element being optional.
func splitPoints(path string, ts time.Time, payload []byte) ([]model.Record, error) {
	var pair []json.RawMessage
	if err := json.Unmarshal(payload, &pair); err != nil {
		return nil, errors.Wrapf(err, "payload of %s is not a [values, metadata] array", path)
	}
	if len(pair) == 0 || len(pair) > 2 {
		return nil, errors.Errorf("payload of %s has %d elements, expected [values, metadata]", path, len(pair))
	}
	var values map[string]json.RawMessage
	if err := json.Unmarshal(pair[0], &values); err != nil {
		return nil, errors.Wrapf(err, "values of %s", path)
	}
	meta := map[string]json.RawMessage{}
	if len(pair) == 2 && !isNull(pair[1]) {
		if err := json.Unmarshal(pair[1], &meta); err != nil {
			return nil, errors.Wrapf(err, "metadata of %s", path)
		}
	}

	points := maps.Keys(values)
	slices.Sort(points)
	records := make([]model.Record, 0, len(points))
	for _, point := range points {
		m, err := metadata(meta[point])
		if err != nil {
			return nil, errors.WithMessagef(err, "metadata of %s/%s", path, point)
		}
		records = append(records, model.NewRecord(path+"/"+point, ts, values[point], m))
	}
	return records, nil
}

type logReading struct {
	Readings json.RawMessage `json:"Readings"`
	Units    string          `json:"Units"`
	DataType string          `json:"data_type"`
	Tz       string          `json:"tz"`
}

// logPoints handles {point: {"Readings": v, "Units": u, "data_type": t}}. Readings may be a [timestamp, value]
// pair, in which case its timestamp replaces the message's.
func logPoints(path string, ts time.Time, payload []byte) ([]model.Record, error) {
	var readings map[string]logReading
	if err := json.Unmarshal(payload, &readings); err != nil {
		return nil, errors.Wrapf(err, "payload of %s is not a map of readings", path)
	}
	points := maps.Keys(readings)
	slices.Sort(points)
	records := make([]model.Record, 0, len(points))
	for _, point := range points {
		reading := readings[point]
		if len(reading.Readings) == 0 {
			return nil, errors.Errorf("reading %s/%s has no value", path, point)
		}
		value, pointTs, err := splitReading(reading.Readings, ts)
		if err != nil {
			return nil, errors.WithMessagef(err, "reading %s/%s", path, point)
		}
		meta := map[string]string{}
		if reading.Units != "" {
			meta["units"] = reading.Units
		}
		if reading.DataType != "" {
			meta["type"] = reading.DataType
		}
		if reading.Tz != "" {
			meta["tz"] = reading.Tz
		}
		records = append(records, model.NewRecord(path+"/"+point, pointTs, value, meta))
	}
	return records, nil
}

func splitReading(raw json.RawMessage, ts time.Time) (json.RawMessage, time.Time, error) {
	var pair []json.RawMessage
	if json.Unmarshal(raw, &pair) != nil || len(pair) != 2 {
		return raw, ts, nil
	}
	var stamp string
	if json.Unmarshal(pair[0], &stamp) != nil {
		return raw, ts, nil
	}
	parsed, err := parseTimestamp(stamp)
	if err != nil {
		return nil, time.Time{}, errors.Wrapf(err, "unrecognised timestamp %q", stamp)
	}
	return pair[1], parsed, nil
}

// metadata flattens a JSON object to strings; string values are unquoted, anything else keeps its JSON text.
func metadata(raw json.RawMessage) (map[string]string, error) {
	if len(raw) == 0 || isNull(raw) {
		return nil, nil
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, errors.WithStack(err)
	}
	meta := make(map[string]string, len(fields))
	for k, v := range fields {
		var s string
		if json.Unmarshal(v, &s) == nil {
			meta[k] = s
		} else {
			meta[k] = string(v)
		}
	}
	return meta, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
