// Package scheduler runs the delivery loop: claim due events, evaluate the
// kill switch, fan dispatches out to eligible destinations, record attempts,
// and finalize each event's status under the retry policy.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/upscript/marketing-relay/internal/config"
	"github.com/upscript/marketing-relay/internal/forward"
	"github.com/upscript/marketing-relay/internal/killswitch"
	"github.com/upscript/marketing-relay/internal/logging"
	"github.com/upscript/marketing-relay/internal/metrics"
	"github.com/upscript/marketing-relay/internal/route"
	"github.com/upscript/marketing-relay/internal/secrets"
	"github.com/upscript/marketing-relay/internal/store"
	"github.com/upscript/marketing-relay/internal/tracing"
)

// Store is the persistence surface the scheduler needs.
type Store interface {
	ClaimDue(ctx context.Context, limit int) ([]store.Event, error)
	MarkDelivered(ctx context.Context, id string) error
	MarkRetrying(ctx context.Context, id string, retryCount int, nextRetryAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id string, retryCount int, lastError string) error
	InsertAttempt(ctx context.Context, a store.Attempt) error
	SucceededDestinations(ctx context.Context, eventID string) (map[string]bool, error)
	LoadSnapshot(ctx context.Context, tenantID string) (killswitch.Snapshot, error)
	TenantIDByCode(ctx context.Context, code string) (string, error)
	BindTenant(ctx context.Context, eventID, tenantID string) error
	TouchCredential(ctx context.Context, credentialID, lastError string) error
}

// Scheduler claims and delivers events until its context is cancelled.
// Multiple instances may run against the same store; the claim statement
// keeps them from stepping on each other.
type Scheduler struct {
	store    Store
	registry *forward.Registry
	codec    *secrets.Codec
	cfg      config.Worker
	log      *logging.Logger
	now      func() time.Time

	wake chan Nudge
}

// New builds a scheduler. codec may be nil when no encrypted credentials
// exist (sgtm custom mode only deployments).
func New(st Store, registry *forward.Registry, codec *secrets.Codec, cfg config.Worker, log *logging.Logger) *Scheduler {
	return &Scheduler{
		store:    st,
		registry: registry,
		codec:    codec,
		cfg:      cfg,
		log:      log,
		now:      time.Now,
		wake:     make(chan Nudge, 1),
	}
}

// WakeChan exposes the nudge channel for the NSQ consumer.
func (s *Scheduler) WakeChan() chan<- Nudge {
	return s.wake
}

// Run polls until ctx is cancelled. A wake nudge triggers an immediate
// cycle; otherwise cycles follow the poll interval. Each cycle drains the
// claimable backlog in batches.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.runCycles(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case n := <-s.wake:
			ctx := tracing.ExtractTraceFromNSQ(ctx, n.TraceHeaders)
			s.log.WithContext(ctx).WithField("event_count", len(n.EventIDs)).Debug("wake nudge received")
		}
	}
}

// runCycles claims and processes batches until the backlog is drained.
func (s *Scheduler) runCycles(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		claimed, err := s.store.ClaimDue(ctx, s.cfg.BatchSize)
		if err != nil {
			s.log.WithContext(ctx).WithError(err).Error("claim cycle failed")
			return
		}
		metrics.ClaimedEvents.Observe(float64(len(claimed)))
		if len(claimed) == 0 {
			return
		}

		for _, ev := range claimed {
			s.processEvent(ctx, ev)
		}

		if len(claimed) < s.cfg.BatchSize {
			return
		}
	}
}

// processEvent runs one delivery cycle for one claimed event. Errors are
// absorbed into the event's own state; they never crash the loop.
func (s *Scheduler) processEvent(ctx context.Context, ev store.Event) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.process_event",
		attribute.String("event_id", ev.ID),
		attribute.String("event_kind", ev.Kind),
		attribute.Int("retry_count", ev.RetryCount),
	)
	defer span.End()

	log := s.log.WithContext(ctx).WithEvent(ev.ID)

	tenantID := ev.TenantID
	if tenantID == "" {
		// Direct-write rows carry only a tenant code; resolve it on first claim.
		id, err := s.store.TenantIDByCode(ctx, ev.TenantCode)
		if err != nil {
			tracing.SetSpanError(ctx, err)
			s.failConfig(ctx, ev, "unknown tenant code "+ev.TenantCode)
			return
		}
		tenantID = id
		if err := s.store.BindTenant(ctx, ev.ID, tenantID); err != nil {
			log.WithError(err).Error("bind tenant failed")
		}
	}

	snap, err := s.store.LoadSnapshot(ctx, tenantID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.retryOrFail(ctx, ev, "load configuration: "+err.Error(), "config_load")
		return
	}

	succeeded, err := s.store.SucceededDestinations(ctx, ev.ID)
	if err != nil {
		tracing.SetSpanError(ctx, err)
		s.retryOrFail(ctx, ev, "load attempt history: "+err.Error(), "attempt_load")
		return
	}

	decision := killswitch.Evaluate(snap)
	plan, err := route.BuildPlan(decision, succeeded)
	if err != nil {
		// Misconfiguration, not transience. No attempt rows are written.
		s.failConfig(ctx, ev, decision.Reason())
		return
	}

	if len(plan.Items) == 0 {
		// Every destination already succeeded in an earlier cycle.
		if err := s.store.MarkDelivered(ctx, ev.ID); err != nil {
			log.WithError(err).Error("mark delivered failed")
		}
		return
	}

	results := s.dispatch(ctx, ev, snap, plan)
	s.finalize(ctx, ev, results)
}

// dispatch contacts every plan item concurrently, each under its own
// deadline, then records one attempt row per destination. Attempt rows are
// written after the join, in plan order: seq is assigned per event inside
// the insert, so concurrent inserts for the same event would collide on it.
func (s *Scheduler) dispatch(ctx context.Context, ev store.Event, snap killswitch.Snapshot, plan route.Plan) []route.Result {
	results := make([]route.Result, len(plan.Items))
	durations := make([]time.Duration, len(plan.Items))
	var wg sync.WaitGroup

	for i, item := range plan.Items {
		wg.Add(1)
		go func(i int, item route.Item) {
			defer wg.Done()

			dctx, cancel := context.WithTimeout(ctx, s.cfg.DispatchTimeout)
			defer cancel()

			outcome, duration := s.deliverOne(dctx, ev, snap, item)
			results[i] = route.Result{Item: item, Outcome: outcome}
			durations[i] = duration
		}(i, item)
	}
	wg.Wait()

	for i := range results {
		s.recordAttempt(ctx, ev, &results[i], durations[i])
	}
	return results
}

func (s *Scheduler) deliverOne(ctx context.Context, ev store.Event, snap killswitch.Snapshot, item route.Item) (forward.Outcome, time.Duration) {
	ctx, span := tracing.StartSpan(ctx, "scheduler.dispatch",
		attribute.String("event_id", ev.ID),
		attribute.String("destination", item.Destination),
		attribute.String("platform", item.PlatformCode),
	)
	defer span.End()

	req, err := s.buildRequest(ev, snap, item)

	var outcome forward.Outcome
	start := s.now()
	if err != nil {
		outcome = forward.Fail("prepare dispatch: "+err.Error(), 0, "", false)
	} else {
		forwarder, lookupErr := s.registry.Lookup(item.PlatformCode)
		if lookupErr != nil {
			outcome = forward.Fail(lookupErr.Error(), 0, "", false)
		} else {
			outcome = forwarder.Deliver(ctx, req)
		}
	}
	duration := s.now().Sub(start)

	if !outcome.Success {
		tracing.AddSpanEvent(ctx, "dispatch.failed",
			attribute.String("error", outcome.ErrorMessage),
			attribute.Bool("retryable", outcome.Retryable),
		)
	}
	span.SetAttributes(
		attribute.Bool("success", outcome.Success),
		attribute.Int("http.status_code", outcome.StatusCode),
	)

	metrics.RecordDispatch(item.PlatformCode, outcome.Success, duration)

	return outcome, duration
}

// recordAttempt writes the attempt row and credential bookkeeping for one
// result. The attempt log is what the next cycle's selective retry reads, so
// a success whose row could not be written cannot be trusted: the result is
// downgraded to a retryable failure instead of the error being swallowed.
func (s *Scheduler) recordAttempt(ctx context.Context, ev store.Event, r *route.Result, duration time.Duration) {
	if r.Item.Direct != nil {
		if err := s.store.TouchCredential(ctx, r.Item.Direct.CredentialID, r.Outcome.ErrorMessage); err != nil {
			s.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("touch credential failed")
		}
	}

	attempt := store.Attempt{
		EventID:         ev.ID,
		DestinationKind: r.Item.Kind,
		Destination:     r.Item.Destination,
		Success:         r.Outcome.Success,
		Retryable:       r.Outcome.Retryable,
		HTTPStatus:      r.Outcome.StatusCode,
		ResponseBody:    r.Outcome.ResponseBody,
		ErrorMessage:    r.Outcome.ErrorMessage,
		DurationMS:      duration.Milliseconds(),
	}
	if err := s.store.InsertAttempt(ctx, attempt); err != nil {
		s.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("insert attempt failed")
		r.Outcome = forward.Fail("record attempt: "+err.Error(), 0, "", true)
	}
}

// buildRequest assembles the forwarder request, decrypting whatever
// credential material the destination needs.
func (s *Scheduler) buildRequest(ev store.Event, snap killswitch.Snapshot, item route.Item) (forward.Request, error) {
	req := forward.Request{
		EventID:    ev.ID,
		EventKind:  ev.Kind,
		TenantCode: snap.Tenant.Code,
		Payload:    ev.Payload,
	}

	if item.Kind == route.KindSGTM {
		target := forward.SGTMTarget{
			URL:                item.Primary.URL,
			ClientType:         item.Primary.ClientType,
			MeasurementID:      item.Primary.MeasurementID,
			CustomEndpointPath: item.Primary.CustomEndpointPath,
			CustomHeaders:      item.Primary.CustomHeaders,
		}
		if item.Primary.APISecretCiphertext != "" && s.codec != nil {
			creds, err := s.codec.Decrypt(item.Primary.APISecretCiphertext)
			if err != nil {
				return req, err
			}
			target.APISecret = creds["api_secret"]
		}
		req.SGTM = &target
		return req, nil
	}

	req.PixelID = item.Direct.PixelID
	req.AccountID = item.Direct.AccountID
	req.BaseURL = item.Direct.BaseURL
	if item.Direct.SecretCiphertext != "" && s.codec != nil {
		creds, err := s.codec.Decrypt(item.Direct.SecretCiphertext)
		if err != nil {
			return req, err
		}
		req.Credentials = creds
	}
	return req, nil
}

// finalize applies the aggregation policy and writes the event's next state.
func (s *Scheduler) finalize(ctx context.Context, ev store.Event, results []route.Result) {
	log := s.log.WithContext(ctx).WithEvent(ev.ID)
	agg := route.Aggregate(results)

	switch agg.Disposition {
	case route.Delivered:
		if err := s.store.MarkDelivered(ctx, ev.ID); err != nil {
			log.WithError(err).Error("mark delivered failed")
			return
		}
		log.Info("event delivered")

	case route.Retry:
		newCount := ev.RetryCount + 1
		if newCount >= s.cfg.MaxAttempts {
			if err := s.store.MarkFailed(ctx, ev.ID, newCount, "retry budget exhausted: "+agg.LastError); err != nil {
				log.WithError(err).Error("mark failed failed")
				return
			}
			metrics.EventsExhaustedTotal.Inc()
			log.WithField("retry_count", newCount).Warn("event failed, retries exhausted")
			return
		}

		delay := NextDelay(ev.RetryCount, s.cfg.BackoffBase, s.cfg.BackoffMax, s.cfg.JitterPercent)
		nextRetry := s.now().Add(delay)
		if err := s.store.MarkRetrying(ctx, ev.ID, newCount, nextRetry, agg.LastError); err != nil {
			log.WithError(err).Error("mark retrying failed")
			return
		}
		metrics.RetriesTotal.WithLabelValues(retryReason(results)).Inc()
		log.WithFields(map[string]any{
			"retry_count": newCount,
			"delay":       delay.String(),
		}).Info("event scheduled for retry")

	case route.Failed:
		if err := s.store.MarkFailed(ctx, ev.ID, ev.RetryCount, agg.LastError); err != nil {
			log.WithError(err).Error("mark failed failed")
			return
		}
		log.WithField("error", agg.LastError).Warn("event failed permanently")
	}
}

// failConfig finalizes an event that could not be routed at all. No
// destinations were contacted, so no attempt rows exist for this cycle.
func (s *Scheduler) failConfig(ctx context.Context, ev store.Event, reason string) {
	if err := s.store.MarkFailed(ctx, ev.ID, ev.RetryCount, reason); err != nil {
		s.log.WithContext(ctx).WithEvent(ev.ID).WithError(err).Error("mark failed failed")
		return
	}
	metrics.EventsFailedConfigTotal.Inc()
	s.log.WithContext(ctx).WithEvent(ev.ID).WithField("reason", reason).Warn("event failed on configuration")
}

// retryOrFail handles infrastructure errors (store reads) during a cycle:
// the event goes back to retrying unless its budget is spent.
func (s *Scheduler) retryOrFail(ctx context.Context, ev store.Event, errText, reason string) {
	log := s.log.WithContext(ctx).WithEvent(ev.ID)

	newCount := ev.RetryCount + 1
	if newCount >= s.cfg.MaxAttempts {
		if err := s.store.MarkFailed(ctx, ev.ID, newCount, "retry budget exhausted: "+errText); err != nil {
			log.WithError(err).Error("mark failed failed")
		}
		metrics.EventsExhaustedTotal.Inc()
		return
	}

	delay := NextDelay(ev.RetryCount, s.cfg.BackoffBase, s.cfg.BackoffMax, s.cfg.JitterPercent)
	if err := s.store.MarkRetrying(ctx, ev.ID, newCount, s.now().Add(delay), errText); err != nil {
		log.WithError(err).Error("mark retrying failed")
		return
	}
	metrics.RetriesTotal.WithLabelValues(reason).Inc()
}

// retryReason picks the first retryable failure's classification for the
// retry counter.
func retryReason(results []route.Result) string {
	for _, r := range results {
		if !r.Outcome.Success && r.Outcome.Retryable {
			return forward.Reason(r.Outcome)
		}
	}
	return "other"
}
