package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/upscript/marketing-relay/internal/intake"
	"github.com/upscript/marketing-relay/internal/logging"
	"github.com/upscript/marketing-relay/internal/store"
)

type fakeInserter struct {
	seen map[string]string
}

func (f *fakeInserter) InsertEvent(_ context.Context, ev store.NewEvent) (string, bool, error) {
	if f.seen == nil {
		f.seen = make(map[string]string)
	}
	if id, ok := f.seen[ev.IdempotencyKey]; ok {
		return id, false, nil
	}
	id := "ev-" + ev.IdempotencyKey
	f.seen[ev.IdempotencyKey] = id
	return id, true, nil
}

type fakeReader struct {
	events   map[string]store.Event
	attempts map[string][]store.Attempt
}

func (f *fakeReader) GetEvent(_ context.Context, id string) (store.Event, error) {
	if ev, ok := f.events[id]; ok {
		return ev, nil
	}
	return store.Event{}, store.ErrNotFound
}

func (f *fakeReader) ListAttempts(_ context.Context, eventID string) ([]store.Attempt, error) {
	return f.attempts[eventID], nil
}

type fakeWake struct {
	published [][]string
	err       error
}

func (f *fakeWake) Publish(_ context.Context, ids []string) error {
	f.published = append(f.published, ids)
	return f.err
}

func newTestServer(reader *fakeReader, wake *fakeWake) *Server {
	svc := intake.NewService(&fakeInserter{}, 500, 1<<20)
	return NewServer(svc, reader, wake, nil, logging.New("test"), 1<<20)
}

const validBatch = `{
	"count": 1,
	"data": [
		{"storefront_id": "bosley", "event_name": "purchase", "event_time": "2026-01-15T10:25:00Z", "order_id": "ord-1"}
	],
	"error": ""
}`

func TestIngestEndpoint(t *testing.T) {
	wake := &fakeWake{}
	srv := newTestServer(&fakeReader{}, wake)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(validBatch))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var sum intake.Summary
	if err := json.Unmarshal(rec.Body.Bytes(), &sum); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if sum.Accepted != 1 || sum.Rejected != 0 {
		t.Errorf("summary = %+v", sum)
	}
	if len(sum.EventIDs) != 1 || sum.EventIDs[0] != "ev-ord-1" {
		t.Errorf("EventIDs = %v", sum.EventIDs)
	}

	if len(wake.published) != 1 || wake.published[0][0] != "ev-ord-1" {
		t.Errorf("wake publish = %v, want the ingested event id", wake.published)
	}
}

func TestIngestEndpointRejections(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{"upstream error", `{"count":0,"data":[],"error":"oms failed"}`, http.StatusBadRequest},
		{"empty batch", `{"count":0,"data":[],"error":""}`, http.StatusBadRequest},
		{"malformed", `{"count":`, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newTestServer(&fakeReader{}, &fakeWake{})
			req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			srv.Router().ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestIngestEndpointRecordLimit(t *testing.T) {
	svc := intake.NewService(&fakeInserter{}, 1, 1<<20)
	srv := NewServer(svc, &fakeReader{}, nil, nil, logging.New("test"), 1<<20)

	body := `{"count":2,"data":[
		{"storefront_id":"a","event_name":"e","event_time":"2026-01-15T10:25:00Z","order_id":"1"},
		{"storefront_id":"b","event_name":"e","event_time":"2026-01-15T10:25:00Z","order_id":"2"}
	],"error":""}`

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", rec.Code)
	}
}

func TestIngestWakeFailureStillAccepts(t *testing.T) {
	wake := &fakeWake{err: context.DeadlineExceeded}
	srv := newTestServer(&fakeReader{}, wake)

	req := httptest.NewRequest(http.MethodPost, "/v1/events", strings.NewReader(validBatch))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d, wake failure must not reject the batch", rec.Code)
	}
}

func TestGetEvent(t *testing.T) {
	now := time.Now().UTC()
	reader := &fakeReader{
		events: map[string]store.Event{
			"ev-1": {
				ID:         "ev-1",
				TenantCode: "bosley",
				Kind:       "purchase",
				Status:     store.StatusDelivered,
				Payload:    map[string]any{"order_id": "ord-1"},
				CreatedAt:  now,
			},
		},
		attempts: map[string][]store.Attempt{
			"ev-1": {
				{Seq: 1, DestinationKind: "sgtm", Destination: "sgtm", Success: true, HTTPStatus: 204, AttemptedAt: now},
			},
		},
	}
	srv := newTestServer(reader, &fakeWake{})

	req := httptest.NewRequest(http.MethodGet, "/v1/events/ev-1", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "delivered" {
		t.Errorf("status field = %v", resp["status"])
	}
	attempts := resp["attempts"].([]any)
	if len(attempts) != 1 {
		t.Errorf("attempts = %v, want 1 entry", attempts)
	}
}

func TestGetEventNotFound(t *testing.T) {
	srv := newTestServer(&fakeReader{}, &fakeWake{})

	req := httptest.NewRequest(http.MethodGet, "/v1/events/missing", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}
