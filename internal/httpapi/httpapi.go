// Package httpapi exposes the ingestion and read surface of the relay.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel/attribute"

	"github.com/upscript/marketing-relay/internal/auth"
	"github.com/upscript/marketing-relay/internal/intake"
	"github.com/upscript/marketing-relay/internal/logging"
	"github.com/upscript/marketing-relay/internal/store"
	"github.com/upscript/marketing-relay/internal/tracing"
)

// EventReader is the read slice of the store the API serves.
type EventReader interface {
	GetEvent(ctx context.Context, id string) (store.Event, error)
	ListAttempts(ctx context.Context, eventID string) ([]store.Attempt, error)
}

// WakePublisher nudges the worker after a successful ingest. Best effort:
// delivery does not depend on it.
type WakePublisher interface {
	Publish(ctx context.Context, eventIDs []string) error
}

// Server holds the API dependencies.
type Server struct {
	intake        *intake.Service
	reader        EventReader
	wake          WakePublisher
	validator     *auth.JWTValidator
	log           *logging.Logger
	maxBatchBytes int64
}

// NewServer builds the API server. validator may be nil to disable auth in
// development; wake may be nil when no NSQ is deployed.
func NewServer(svc *intake.Service, reader EventReader, wake WakePublisher, validator *auth.JWTValidator, log *logging.Logger, maxBatchBytes int64) *Server {
	return &Server{
		intake:        svc,
		reader:        reader,
		wake:          wake,
		validator:     validator,
		log:           log,
		maxBatchBytes: maxBatchBytes,
	}
}

// Router assembles the chi routes.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Route("/v1", func(r chi.Router) {
		r.With(s.validator.Middleware).Post("/events", s.handleIngest)
		r.Get("/events/{id}", s.handleGetEvent)
	})
	return r
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracing.StartSpan(r.Context(), "api.ingest_batch")
	defer span.End()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBatchBytes+1))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	batch, err := s.intake.ParseBatch(body)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		switch {
		case errors.Is(err, intake.ErrBatchTooLarge), errors.Is(err, intake.ErrTooManyRecords):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	sum, err := s.intake.IngestBatch(ctx, batch)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.log.WithContext(ctx).WithError(err).Error("batch ingest failed")
		writeError(w, http.StatusInternalServerError, "ingest failed")
		return
	}

	span.SetAttributes(
		attribute.Int("accepted", sum.Accepted),
		attribute.Int("rejected", sum.Rejected),
	)

	if s.wake != nil && len(sum.EventIDs) > 0 {
		if err := s.wake.Publish(ctx, sum.EventIDs); err != nil {
			// The poll loop will pick the events up anyway.
			s.log.WithContext(ctx).WithError(err).Warn("wake publish failed")
		}
	}

	s.log.WithContext(ctx).WithFields(map[string]any{
		"accepted": sum.Accepted,
		"rejected": sum.Rejected,
		"caller":   auth.CallerFromContext(ctx),
	}).Info("batch ingested")

	writeJSON(w, http.StatusAccepted, sum)
}

type attemptResponse struct {
	Seq             int       `json:"seq"`
	DestinationKind string    `json:"destination_kind"`
	Destination     string    `json:"destination"`
	Success         bool      `json:"success"`
	Retryable       bool      `json:"retryable"`
	HTTPStatus      int       `json:"http_status,omitempty"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	DurationMS      int64     `json:"duration_ms"`
	AttemptedAt     time.Time `json:"attempted_at"`
}

type eventResponse struct {
	ID          string            `json:"id"`
	TenantCode  string            `json:"tenant_code,omitempty"`
	Kind        string            `json:"kind"`
	Status      string            `json:"status"`
	RetryCount  int               `json:"retry_count"`
	NextRetryAt *time.Time        `json:"next_retry_at,omitempty"`
	ProcessedAt *time.Time        `json:"processed_at,omitempty"`
	LastError   string            `json:"last_error,omitempty"`
	Payload     map[string]any    `json:"payload"`
	CreatedAt   time.Time         `json:"created_at"`
	Attempts    []attemptResponse `json:"attempts"`
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ev, err := s.reader.GetEvent(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "event not found")
		return
	}
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("get event failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	attempts, err := s.reader.ListAttempts(r.Context(), id)
	if err != nil {
		s.log.WithContext(r.Context()).WithError(err).Error("list attempts failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	resp := eventResponse{
		ID:          ev.ID,
		TenantCode:  ev.TenantCode,
		Kind:        ev.Kind,
		Status:      string(ev.Status),
		RetryCount:  ev.RetryCount,
		NextRetryAt: ev.NextRetryAt,
		ProcessedAt: ev.ProcessedAt,
		LastError:   ev.LastError,
		Payload:     ev.Payload,
		CreatedAt:   ev.CreatedAt,
		Attempts:    make([]attemptResponse, 0, len(attempts)),
	}
	for _, a := range attempts {
		resp.Attempts = append(resp.Attempts, attemptResponse{
			Seq:             a.Seq,
			DestinationKind: a.DestinationKind,
			Destination:     a.Destination,
			Success:         a.Success,
			Retryable:       a.Retryable,
			HTTPStatus:      a.HTTPStatus,
			ErrorMessage:    a.ErrorMessage,
			DurationMS:      a.DurationMS,
			AttemptedAt:     a.AttemptedAt,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
