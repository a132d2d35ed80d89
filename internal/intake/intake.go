// Package intake validates and normalizes inbound event batches and writes
// pending rows, deduplicating on the idempotency key.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/upscript/marketing-relay/internal/metrics"
	"github.com/upscript/marketing-relay/internal/store"
)

// Wholesale batch rejections. Individual record problems are reported as
// FieldErrors instead, so the rest of the batch still lands.
var (
	ErrBatchTooLarge  = errors.New("intake: batch exceeds byte limit")
	ErrTooManyRecords = errors.New("intake: batch exceeds record limit")
	ErrUpstreamError  = errors.New("intake: batch carries an upstream error")
	ErrEmptyBatch     = errors.New("intake: batch has no records")
	ErrMalformedBatch = errors.New("intake: malformed batch")
)

// Inserter is the slice of the store intake needs.
type Inserter interface {
	InsertEvent(ctx context.Context, ev store.NewEvent) (string, bool, error)
}

// Service ingests batches.
type Service struct {
	store           Inserter
	maxBatchRecords int
	maxBatchBytes   int64
	sourceSystem    string
}

// NewService builds the intake service with the configured batch limits.
func NewService(st Inserter, maxRecords int, maxBytes int64) *Service {
	return &Service{
		store:           st,
		maxBatchRecords: maxRecords,
		maxBatchBytes:   maxBytes,
		sourceSystem:    "oms",
	}
}

// Batch is the upstream envelope. The OMS export wraps records in a
// count/data/error shape with pagination fields we do not consume.
type Batch struct {
	Count   int
	Error   string
	Records []Record
}

// Record is one raw event record: the identifying envelope fields plus the
// full open field map, preserved verbatim for forwarding.
type Record struct {
	TenantCode string
	EventKind  string
	EventTime  string
	OrderID    string
	Fields     map[string]any
}

// UnmarshalJSON keeps every key of the record while lifting the envelope
// fields out. The upstream spells the tracking value "t-value"; it is
// normalized to t_value so forwarders see one name.
func (r *Record) UnmarshalJSON(data []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	if tv, ok := raw["t-value"]; ok {
		delete(raw, "t-value")
		if _, taken := raw["t_value"]; !taken {
			raw["t_value"] = tv
		}
	}

	r.Fields = raw
	r.TenantCode = firstString(raw, "storefront_id", "tenant_code")
	r.EventKind = firstString(raw, "event_name", "event_kind")
	r.EventTime = firstString(raw, "event_time")
	r.OrderID = firstString(raw, "order_id", "idempotency_key")
	return nil
}

func firstString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

type batchEnvelope struct {
	Count int               `json:"count"`
	Data  []json.RawMessage `json:"data"`
	Error string            `json:"error"`
}

// ParseBatch decodes and envelope-checks a raw batch. Oversized batches and
// batches carrying an upstream error are rejected wholesale.
func (s *Service) ParseBatch(data []byte) (Batch, error) {
	if s.maxBatchBytes > 0 && int64(len(data)) > s.maxBatchBytes {
		return Batch{}, ErrBatchTooLarge
	}

	var env batchEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Batch{}, fmt.Errorf("%w: %v", ErrMalformedBatch, err)
	}
	if env.Error != "" {
		return Batch{}, fmt.Errorf("%w: %s", ErrUpstreamError, env.Error)
	}
	if len(env.Data) == 0 {
		return Batch{}, ErrEmptyBatch
	}
	if s.maxBatchRecords > 0 && len(env.Data) > s.maxBatchRecords {
		return Batch{}, ErrTooManyRecords
	}

	batch := Batch{Count: env.Count, Error: env.Error}
	for i, raw := range env.Data {
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return Batch{}, fmt.Errorf("%w: record %d: %v", ErrMalformedBatch, i, err)
		}
		batch.Records = append(batch.Records, rec)
	}
	return batch, nil
}

// FieldError is one per-record rejection.
type FieldError struct {
	Index  int    `json:"index"`
	Field  string `json:"field"`
	Reason string `json:"reason"`
}

// Summary is the partial-success result of one batch.
type Summary struct {
	Accepted int          `json:"accepted"`
	Rejected int          `json:"rejected"`
	EventIDs []string     `json:"event_ids"`
	Errors   []FieldError `json:"errors,omitempty"`
}

// IngestBatch validates each record and inserts the valid ones as pending
// events. Invalid records are reported per-index; duplicates are silent
// no-ops that still count as accepted.
func (s *Service) IngestBatch(ctx context.Context, batch Batch) (Summary, error) {
	var sum Summary

	for i, rec := range batch.Records {
		if fieldErr := validateRecord(i, rec); fieldErr != nil {
			sum.Rejected++
			sum.Errors = append(sum.Errors, *fieldErr)
			metrics.RecordEventRejected(fieldErr.Field)
			continue
		}

		id, _, err := s.store.InsertEvent(ctx, store.NewEvent{
			IdempotencyKey: rec.OrderID,
			TenantCode:     rec.TenantCode,
			Kind:           rec.EventKind,
			Payload:        buildPayload(rec),
			SourceSystem:   s.sourceSystem,
		})
		if err != nil {
			return sum, fmt.Errorf("insert record %d: %w", i, err)
		}

		sum.Accepted++
		sum.EventIDs = append(sum.EventIDs, id)
		metrics.RecordEventIngested(rec.TenantCode)
	}

	return sum, nil
}

func validateRecord(index int, rec Record) *FieldError {
	if rec.TenantCode == "" {
		return &FieldError{Index: index, Field: "storefront_id", Reason: "missing tenant reference"}
	}
	if rec.EventKind == "" {
		return &FieldError{Index: index, Field: "event_name", Reason: "missing event name"}
	}
	if rec.OrderID == "" {
		return &FieldError{Index: index, Field: "order_id", Reason: "missing order id"}
	}
	if rec.EventTime == "" {
		return &FieldError{Index: index, Field: "event_time", Reason: "missing event time"}
	}
	if _, err := parseEventTime(rec.EventTime); err != nil {
		return &FieldError{Index: index, Field: "event_time", Reason: "unparseable timestamp"}
	}
	return nil
}

func parseEventTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02T15:04:05", s)
}

// buildPayload strips the tenant/kind envelope fields and keeps everything
// else. order_revenue is mirrored into value for the platform forwarders.
func buildPayload(rec Record) map[string]any {
	payload := make(map[string]any, len(rec.Fields))
	for k, v := range rec.Fields {
		switch k {
		case "storefront_id", "tenant_code", "event_name", "event_kind":
			continue
		}
		payload[k] = v
	}
	if rev, ok := payload["order_revenue"]; ok {
		if _, taken := payload["value"]; !taken {
			payload["value"] = rev
		}
	}
	return payload
}
