package intake

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/upscript/marketing-relay/internal/store"
)

type fakeInserter struct {
	inserted []store.NewEvent
	seen     map[string]string // idempotency key -> id
}

func newFakeInserter() *fakeInserter {
	return &fakeInserter{seen: make(map[string]string)}
}

func (f *fakeInserter) InsertEvent(_ context.Context, ev store.NewEvent) (string, bool, error) {
	if id, ok := f.seen[ev.IdempotencyKey]; ok {
		return id, false, nil
	}
	id := "ev-" + ev.IdempotencyKey
	f.seen[ev.IdempotencyKey] = id
	f.inserted = append(f.inserted, ev)
	return id, true, nil
}

const sampleBatch = `{
	"count": 2,
	"data": [
		{
			"t-value": "bosleyaffiliate_0123",
			"storefront_id": "bosley",
			"event_name": "purchase_completed",
			"event_time": "2026-01-15T10:25:00Z",
			"order_id": "2025020100003333",
			"order_revenue": 80.79,
			"session_id": "sess_456",
			"utm_source": "google"
		},
		{
			"storefront_id": "pfizer",
			"event_name": "rx_issued",
			"event_time": "2026-01-15T10:20:30Z",
			"order_id": "2025010100002222"
		}
	],
	"error": ""
}`

func TestParseBatch(t *testing.T) {
	svc := NewService(newFakeInserter(), 500, 1<<20)

	batch, err := svc.ParseBatch([]byte(sampleBatch))
	if err != nil {
		t.Fatalf("ParseBatch error: %v", err)
	}
	if len(batch.Records) != 2 {
		t.Fatalf("len(Records) = %d, want 2", len(batch.Records))
	}

	rec := batch.Records[0]
	if rec.TenantCode != "bosley" {
		t.Errorf("TenantCode = %q, want bosley", rec.TenantCode)
	}
	if rec.EventKind != "purchase_completed" {
		t.Errorf("EventKind = %q", rec.EventKind)
	}
	if rec.OrderID != "2025020100003333" {
		t.Errorf("OrderID = %q", rec.OrderID)
	}
	if rec.Fields["t_value"] != "bosleyaffiliate_0123" {
		t.Errorf("t-value not normalized to t_value: %v", rec.Fields["t_value"])
	}
	if _, stale := rec.Fields["t-value"]; stale {
		t.Error("raw t-value key should be removed")
	}
}

func TestParseBatchWholesaleRejections(t *testing.T) {
	tests := []struct {
		name       string
		maxRecords int
		maxBytes   int64
		body       string
		wantErr    error
	}{
		{"upstream error", 500, 1 << 20, `{"count":0,"data":[],"error":"oms export failed"}`, ErrUpstreamError},
		{"empty data", 500, 1 << 20, `{"count":0,"data":[],"error":""}`, ErrEmptyBatch},
		{"record limit", 1, 1 << 20, sampleBatch, ErrTooManyRecords},
		{"byte limit", 500, 10, sampleBatch, ErrBatchTooLarge},
		{"malformed json", 500, 1 << 20, `{"count":`, ErrMalformedBatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(newFakeInserter(), tt.maxRecords, tt.maxBytes)
			_, err := svc.ParseBatch([]byte(tt.body))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("ParseBatch error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestIngestBatch(t *testing.T) {
	ins := newFakeInserter()
	svc := NewService(ins, 500, 1<<20)

	batch, err := svc.ParseBatch([]byte(sampleBatch))
	if err != nil {
		t.Fatalf("ParseBatch error: %v", err)
	}

	sum, err := svc.IngestBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("IngestBatch error: %v", err)
	}
	if sum.Accepted != 2 || sum.Rejected != 0 {
		t.Fatalf("Summary = %+v, want 2 accepted", sum)
	}
	if len(ins.inserted) != 2 {
		t.Fatalf("inserted %d events, want 2", len(ins.inserted))
	}

	ev := ins.inserted[0]
	if ev.IdempotencyKey != "2025020100003333" {
		t.Errorf("IdempotencyKey = %q", ev.IdempotencyKey)
	}
	if ev.Payload["value"] != 80.79 {
		t.Errorf("value = %v, order_revenue must be mirrored into value", ev.Payload["value"])
	}
	if _, has := ev.Payload["storefront_id"]; has {
		t.Error("payload must not carry the tenant envelope field")
	}
	if ev.Payload["utm_source"] != "google" {
		t.Error("open fields must be preserved verbatim")
	}
}

func TestIngestBatchPartialSuccess(t *testing.T) {
	body := `{
		"count": 3,
		"data": [
			{"storefront_id": "bosley", "event_name": "purchase", "event_time": "2026-01-15T10:25:00Z", "order_id": "ord-1"},
			{"event_name": "purchase", "event_time": "2026-01-15T10:25:00Z", "order_id": "ord-2"},
			{"storefront_id": "bosley", "event_name": "purchase", "event_time": "not-a-time", "order_id": "ord-3"}
		],
		"error": ""
	}`

	ins := newFakeInserter()
	svc := NewService(ins, 500, 1<<20)

	batch, err := svc.ParseBatch([]byte(body))
	if err != nil {
		t.Fatalf("ParseBatch error: %v", err)
	}
	sum, err := svc.IngestBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("IngestBatch error: %v", err)
	}

	if sum.Accepted != 1 || sum.Rejected != 2 {
		t.Fatalf("Summary = %+v, want 1 accepted / 2 rejected", sum)
	}
	if len(sum.Errors) != 2 {
		t.Fatalf("len(Errors) = %d, want 2", len(sum.Errors))
	}
	if sum.Errors[0].Index != 1 || sum.Errors[0].Field != "storefront_id" {
		t.Errorf("Errors[0] = %+v", sum.Errors[0])
	}
	if sum.Errors[1].Index != 2 || sum.Errors[1].Field != "event_time" {
		t.Errorf("Errors[1] = %+v", sum.Errors[1])
	}
}

func TestIngestBatchDuplicateIsAccepted(t *testing.T) {
	ins := newFakeInserter()
	svc := NewService(ins, 500, 1<<20)

	batch, _ := svc.ParseBatch([]byte(sampleBatch))
	first, err := svc.IngestBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("first IngestBatch error: %v", err)
	}
	second, err := svc.IngestBatch(context.Background(), batch)
	if err != nil {
		t.Fatalf("second IngestBatch error: %v", err)
	}

	if second.Accepted != first.Accepted {
		t.Errorf("duplicate batch accepted = %d, want %d", second.Accepted, first.Accepted)
	}
	if len(ins.inserted) != 2 {
		t.Errorf("inserted %d events after duplicate batch, want 2", len(ins.inserted))
	}
	if second.EventIDs[0] != first.EventIDs[0] {
		t.Error("duplicate submission must return the existing event id")
	}
}

func TestRecordAliases(t *testing.T) {
	body := `{
		"count": 1,
		"data": [
			{"tenant_code": "bosley", "event_kind": "purchase", "event_time": "2026-01-15T10:25:00Z", "idempotency_key": "k-1"}
		],
		"error": ""
	}`

	svc := NewService(newFakeInserter(), 500, 1<<20)
	batch, err := svc.ParseBatch([]byte(body))
	if err != nil {
		t.Fatalf("ParseBatch error: %v", err)
	}

	rec := batch.Records[0]
	if rec.TenantCode != "bosley" || rec.EventKind != "purchase" || rec.OrderID != "k-1" {
		t.Errorf("alias fields not resolved: %+v", rec)
	}
}

func TestParseEventTimeFormats(t *testing.T) {
	for _, ts := range []string{"2026-01-15T10:25:00Z", "2026-01-15T10:25:00+01:00", "2026-01-15T10:25:00"} {
		if _, err := parseEventTime(ts); err != nil {
			t.Errorf("parseEventTime(%q) error: %v", ts, err)
		}
	}
	if _, err := parseEventTime("01/15/2026"); err == nil {
		t.Error("parseEventTime must reject non-ISO timestamps")
	}
}

func TestUpstreamErrorMessageSurfaces(t *testing.T) {
	svc := NewService(newFakeInserter(), 500, 1<<20)
	_, err := svc.ParseBatch([]byte(`{"count":0,"data":[],"error":"oms export failed"}`))
	if err == nil || !strings.Contains(err.Error(), "oms export failed") {
		t.Errorf("error = %v, want upstream message included", err)
	}
}
