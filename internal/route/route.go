// Package route turns a kill-switch decision into a dispatch plan and folds
// per-destination outcomes back into a single event disposition.
package route

import (
	"errors"
	"fmt"

	"github.com/upscript/marketing-relay/internal/forward"
	"github.com/upscript/marketing-relay/internal/killswitch"
)

// Destination kinds recorded in the attempt log.
const (
	KindSGTM   = "sgtm"
	KindDirect = "direct"
)

var (
	// ErrTenantDisabled marks an event whose tenant kill switch is off.
	ErrTenantDisabled = errors.New("route: tenant is disabled")
	// ErrNoEligibleDestination marks an event with nowhere to go. Both are
	// configuration failures, not delivery failures, and are never retried.
	ErrNoEligibleDestination = errors.New("route: no eligible destination configured")
)

// Item is one planned dispatch to one destination.
type Item struct {
	Kind         string // KindSGTM or KindDirect
	Destination  string // stable attempt-log key, unique per destination
	PlatformCode string
	Primary      *killswitch.Primary
	Direct       *killswitch.Direct
}

// Plan is the set of destinations to contact this cycle.
type Plan struct {
	Items []Item
}

// PrimaryDestination is the attempt-log key for the primary sGTM path.
const PrimaryDestination = "sgtm"

// DirectDestination builds the attempt-log key for a direct credential.
func DirectDestination(platformCode, credentialID string) string {
	return fmt.Sprintf("%s:%s", platformCode, credentialID)
}

// BuildPlan selects destinations from a decision, skipping any that already
// succeeded in a previous cycle so retries only touch failed destinations.
// An empty plan with a nil error means every destination already succeeded.
func BuildPlan(d killswitch.Decision, succeeded map[string]bool) (Plan, error) {
	if !d.TenantActive {
		return Plan{}, ErrTenantDisabled
	}
	if !d.Eligible() {
		return Plan{}, ErrNoEligibleDestination
	}

	if d.UsePrimary {
		if succeeded[PrimaryDestination] {
			return Plan{}, nil
		}
		return Plan{Items: []Item{{
			Kind:         KindSGTM,
			Destination:  PrimaryDestination,
			PlatformCode: "sgtm",
			Primary:      d.Primary,
		}}}, nil
	}

	items := make([]Item, 0, len(d.Direct))
	for i := range d.Direct {
		direct := &d.Direct[i]
		key := DirectDestination(direct.PlatformCode, direct.CredentialID)
		if succeeded[key] {
			continue
		}
		items = append(items, Item{
			Kind:         KindDirect,
			Destination:  key,
			PlatformCode: direct.PlatformCode,
			Direct:       direct,
		})
	}
	return Plan{Items: items}, nil
}

// Disposition is the aggregate fate of one delivery cycle.
type Disposition int

const (
	Delivered Disposition = iota
	Retry
	Failed
)

func (d Disposition) String() string {
	switch d {
	case Delivered:
		return "delivered"
	case Retry:
		return "retry"
	case Failed:
		return "failed"
	}
	return "unknown"
}

// Result pairs a plan item with its dispatch outcome.
type Result struct {
	Item    Item
	Outcome forward.Outcome
}

// CycleResult is the folded view of one cycle's results.
type CycleResult struct {
	Disposition Disposition
	LastError   string
}

// Aggregate applies the all-success policy: every destination must succeed
// for the event to be delivered. Any retryable failure schedules a retry;
// failures that are all permanent finish the event immediately. An empty
// result set counts as delivered (nothing was left to contact).
func Aggregate(results []Result) CycleResult {
	var lastError string
	anyFailure := false
	anyRetryable := false

	for _, r := range results {
		if r.Outcome.Success {
			continue
		}
		anyFailure = true
		if r.Outcome.Retryable {
			anyRetryable = true
		}
		if r.Outcome.ErrorMessage != "" {
			lastError = fmt.Sprintf("%s: %s", r.Item.Destination, r.Outcome.ErrorMessage)
		}
	}

	switch {
	case !anyFailure:
		return CycleResult{Disposition: Delivered}
	case anyRetryable:
		return CycleResult{Disposition: Retry, LastError: lastError}
	default:
		return CycleResult{Disposition: Failed, LastError: lastError}
	}
}
