package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/upscript/marketing-relay/internal/killswitch"
)

// Store wraps the pgx pool with the relay's persistence operations.
type Store struct {
	pool *pgxpool.Pool
}

// New returns a Store backed by the given pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// InsertEvent inserts one event, treating idempotency-key conflicts as
// silent no-ops. Returns the event id (existing on duplicate) and whether a
// new row was created.
func (s *Store) InsertEvent(ctx context.Context, ev NewEvent) (string, bool, error) {
	payloadJSON, err := json.Marshal(ev.Payload)
	if err != nil {
		return "", false, fmt.Errorf("encode payload: %w", err)
	}

	ct, err := s.pool.Exec(ctx, `
		INSERT INTO relay.events (idempotency_key, tenant_code, kind, payload, source_system)
		VALUES ($1, $2, $3, $4::jsonb, $5)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		ev.IdempotencyKey, ev.TenantCode, ev.Kind, string(payloadJSON), ev.SourceSystem,
	)
	if err != nil {
		return "", false, fmt.Errorf("insert event: %w", err)
	}

	var id string
	if err := s.pool.QueryRow(ctx, `
		SELECT id FROM relay.events WHERE idempotency_key = $1`,
		ev.IdempotencyKey,
	).Scan(&id); err != nil {
		return "", false, fmt.Errorf("select event id: %w", err)
	}

	return id, ct.RowsAffected() == 1, nil
}

const eventColumns = `
	id, idempotency_key, tenant_id, tenant_code, kind, payload::text,
	source_system, status, retry_count, next_retry_at, processed_at,
	last_error, created_at, updated_at`

// ClaimDue atomically claims up to limit due events, oldest first, and moves
// them to processing. FOR UPDATE SKIP LOCKED keeps concurrent workers from
// claiming the same rows.
func (s *Store) ClaimDue(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE relay.events
		SET status = 'processing', updated_at = now()
		WHERE id IN (
			SELECT id FROM relay.events
			WHERE status IN ('pending', 'retrying')
			  AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+eventColumns,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim events: %w", err)
	}
	defer rows.Close()

	var claimed []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		claimed = append(claimed, ev)
	}
	return claimed, rows.Err()
}

// MarkDelivered finalizes a processing event as delivered.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE relay.events
		SET status = 'delivered', processed_at = now(), next_retry_at = NULL,
		    last_error = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

// MarkRetrying schedules a processing event for another cycle.
func (s *Store) MarkRetrying(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE relay.events
		SET status = 'retrying', retry_count = $2, next_retry_at = $3,
		    last_error = $4, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, retryCount, nextRetryAt.UTC(), lastError,
	)
	if err != nil {
		return fmt.Errorf("mark retrying: %w", err)
	}
	return nil
}

// MarkFailed finalizes a processing event as terminally failed.
func (s *Store) MarkFailed(ctx context.Context, id string, retryCount int, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE relay.events
		SET status = 'failed', retry_count = $2, processed_at = now(),
		    next_retry_at = NULL, last_error = $3, updated_at = now()
		WHERE id = $1 AND status = 'processing'`,
		id, retryCount, lastError,
	)
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

// InsertAttempt appends one attempt-log row, assigning the next seq for the
// event. Attempt rows are never updated or deleted.
func (s *Store) InsertAttempt(ctx context.Context, a Attempt) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO relay.event_attempts
			(event_id, seq, destination_kind, destination, success, retryable,
			 http_status, response_body, error_message, duration_ms)
		VALUES
			($1,
			 (SELECT COALESCE(MAX(seq), 0) + 1 FROM relay.event_attempts WHERE event_id = $1),
			 $2, $3, $4, $5, $6, $7, $8, $9)`,
		a.EventID, a.DestinationKind, a.Destination, a.Success, a.Retryable,
		a.HTTPStatus, a.ResponseBody, a.ErrorMessage, a.DurationMS,
	)
	if err != nil {
		return fmt.Errorf("insert attempt: %w", err)
	}
	return nil
}

// SucceededDestinations returns the destinations that already have a
// successful attempt for this event, so retries skip them.
func (s *Store) SucceededDestinations(ctx context.Context, eventID string) (map[string]bool, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT destination FROM relay.event_attempts
		WHERE event_id = $1 AND success`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("select succeeded destinations: %w", err)
	}
	defer rows.Close()

	succeeded := make(map[string]bool)
	for rows.Next() {
		var dest string
		if err := rows.Scan(&dest); err != nil {
			return nil, err
		}
		succeeded[dest] = true
	}
	return succeeded, rows.Err()
}

// TenantIDByCode resolves a tenant code to its id.
func (s *Store) TenantIDByCode(ctx context.Context, code string) (string, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT id FROM relay.tenants WHERE code = $1`, code,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("select tenant by code: %w", err)
	}
	return id, nil
}

// BindTenant attaches a resolved tenant id to a direct-write event row.
func (s *Store) BindTenant(ctx context.Context, eventID, tenantID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE relay.events SET tenant_id = $2, updated_at = now() WHERE id = $1`,
		eventID, tenantID,
	)
	if err != nil {
		return fmt.Errorf("bind tenant: %w", err)
	}
	return nil
}

// LoadSnapshot reads the tenant, its primary sGTM config, and its direct
// credentials into the evaluator's input shape.
func (s *Store) LoadSnapshot(ctx context.Context, tenantID string) (killswitch.Snapshot, error) {
	var snap killswitch.Snapshot

	err := s.pool.QueryRow(ctx, `
		SELECT id, code, name, active FROM relay.tenants WHERE id = $1`,
		tenantID,
	).Scan(&snap.Tenant.ID, &snap.Tenant.Code, &snap.Tenant.Name, &snap.Tenant.Active)
	if errors.Is(err, pgx.ErrNoRows) {
		return snap, ErrNotFound
	}
	if err != nil {
		return snap, fmt.Errorf("select tenant: %w", err)
	}

	var primary killswitch.Primary
	var measurementID, secretCT, endpointPath sql.NullString
	var headersJSON []byte
	err = s.pool.QueryRow(ctx, `
		SELECT id, url, client_type, measurement_id, api_secret_ciphertext,
		       custom_endpoint_path, custom_headers, active
		FROM relay.sgtm_configs WHERE tenant_id = $1`,
		tenantID,
	).Scan(&primary.ID, &primary.URL, &primary.ClientType, &measurementID,
		&secretCT, &endpointPath, &headersJSON, &primary.Active)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		// no primary configured
	case err != nil:
		return snap, fmt.Errorf("select sgtm config: %w", err)
	default:
		primary.MeasurementID = measurementID.String
		primary.APISecretCiphertext = secretCT.String
		primary.CustomEndpointPath = endpointPath.String
		if len(headersJSON) > 0 {
			if err := json.Unmarshal(headersJSON, &primary.CustomHeaders); err != nil {
				return snap, fmt.Errorf("decode custom headers: %w", err)
			}
		}
		snap.Primary = &primary
	}

	rows, err := s.pool.Query(ctx, `
		SELECT c.id, p.code, p.active, c.active, c.secret_ciphertext,
		       c.pixel_id, c.account_id, COALESCE(c.base_url_override, p.api_base_url, '')
		FROM relay.platform_credentials c
		JOIN relay.platforms p ON p.id = c.platform_id
		WHERE c.tenant_id = $1
		ORDER BY p.code`,
		tenantID,
	)
	if err != nil {
		return snap, fmt.Errorf("select credentials: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var d killswitch.Direct
		var pixelID, accountID sql.NullString
		if err := rows.Scan(&d.CredentialID, &d.PlatformCode, &d.PlatformActive,
			&d.CredentialActive, &d.SecretCiphertext, &pixelID, &accountID, &d.BaseURL,
		); err != nil {
			return snap, err
		}
		d.PixelID = pixelID.String
		d.AccountID = accountID.String
		snap.Direct = append(snap.Direct, d)
	}
	return snap, rows.Err()
}

// TouchCredential records credential usage and the most recent error, empty
// on success.
func (s *Store) TouchCredential(ctx context.Context, credentialID, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE relay.platform_credentials
		SET last_used_at = now(), last_error = NULLIF($2, ''), updated_at = now()
		WHERE id = $1`,
		credentialID, lastError,
	)
	if err != nil {
		return fmt.Errorf("touch credential: %w", err)
	}
	return nil
}

// GetEvent fetches one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+` FROM relay.events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Event{}, ErrNotFound
	}
	if err != nil {
		return Event{}, fmt.Errorf("select event: %w", err)
	}
	return ev, nil
}

// ListAttempts returns the full attempt history for an event, oldest first.
func (s *Store) ListAttempts(ctx context.Context, eventID string) ([]Attempt, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_id, seq, destination_kind, destination, success,
		       retryable, http_status, response_body, error_message,
		       duration_ms, attempted_at
		FROM relay.event_attempts
		WHERE event_id = $1
		ORDER BY seq`,
		eventID,
	)
	if err != nil {
		return nil, fmt.Errorf("select attempts: %w", err)
	}
	defer rows.Close()

	var attempts []Attempt
	for rows.Next() {
		var a Attempt
		var httpStatus sql.NullInt32
		var respBody, errMsg sql.NullString
		var durationMS sql.NullInt64
		if err := rows.Scan(&a.ID, &a.EventID, &a.Seq, &a.DestinationKind,
			&a.Destination, &a.Success, &a.Retryable, &httpStatus, &respBody,
			&errMsg, &durationMS, &a.AttemptedAt,
		); err != nil {
			return nil, err
		}
		a.HTTPStatus = int(httpStatus.Int32)
		a.ResponseBody = respBody.String
		a.ErrorMessage = errMsg.String
		a.DurationMS = durationMS.Int64
		attempts = append(attempts, a)
	}
	return attempts, rows.Err()
}

// SetTenantActive flips a tenant kill switch by code.
func (s *Store) SetTenantActive(ctx context.Context, code string, active bool) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE relay.tenants SET active = $2, updated_at = now() WHERE code = $1`,
		code, active,
	)
	if err != nil {
		return fmt.Errorf("set tenant active: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPlatformActive flips a platform's global kill switch by code.
func (s *Store) SetPlatformActive(ctx context.Context, code string, active bool) error {
	ct, err := s.pool.Exec(ctx, `
		UPDATE relay.platforms SET active = $2, updated_at = now() WHERE code = $1`,
		code, active,
	)
	if err != nil {
		return fmt.Errorf("set platform active: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanEvent(row pgx.Row) (Event, error) {
	var ev Event
	var tenantID, tenantCode, sourceSystem, lastError sql.NullString
	var payloadJSON string
	var nextRetryAt, processedAt sql.NullTime
	var status string

	err := row.Scan(&ev.ID, &ev.IdempotencyKey, &tenantID, &tenantCode,
		&ev.Kind, &payloadJSON, &sourceSystem, &status, &ev.RetryCount,
		&nextRetryAt, &processedAt, &lastError, &ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return Event{}, err
	}

	ev.TenantID = tenantID.String
	ev.TenantCode = tenantCode.String
	ev.SourceSystem = sourceSystem.String
	ev.Status = EventStatus(status)
	ev.LastError = lastError.String
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		ev.NextRetryAt = &t
	}
	if processedAt.Valid {
		t := processedAt.Time
		ev.ProcessedAt = &t
	}
	if err := json.Unmarshal([]byte(payloadJSON), &ev.Payload); err != nil {
		return Event{}, fmt.Errorf("decode payload: %w", err)
	}
	return ev, nil
}
