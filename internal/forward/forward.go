// Package forward defines the delivery capability: one Forwarder per
// destination kind, each owning payload shaping for its wire format. The
// scheduler is agnostic to which implementation handles a destination.
package forward

import (
	"context"
	"fmt"
	"sort"
)

// Outcome is the result of one dispatch to one destination.
type Outcome struct {
	Success      bool
	Retryable    bool
	StatusCode   int
	ResponseBody string // truncated for the attempt log
	ErrorMessage string
}

// OK builds a successful outcome.
func OK(statusCode int, body string) Outcome {
	return Outcome{Success: true, StatusCode: statusCode, ResponseBody: truncate(body)}
}

// Fail builds a failed outcome. retryable follows the transport taxonomy:
// network/timeout/5xx are retryable, 4xx-class rejections are not.
func Fail(msg string, statusCode int, body string, retryable bool) Outcome {
	return Outcome{
		Retryable:    retryable,
		StatusCode:   statusCode,
		ResponseBody: truncate(body),
		ErrorMessage: msg,
	}
}

// SGTMTarget carries the decrypted primary-destination settings a forwarder
// needs to reach an sGTM container.
type SGTMTarget struct {
	URL                string
	ClientType         string // "ga4" or "custom"
	MeasurementID      string
	APISecret          string
	CustomEndpointPath string
	CustomHeaders      map[string]string
}

// Request is the delivery context handed to a forwarder. Payload is the full
// event payload map, unmodified; forwarders pick the fields they understand
// and pass the rest through where the wire format allows it.
type Request struct {
	EventID     string
	EventKind   string
	TenantCode  string
	Payload     map[string]any
	Credentials map[string]string // decrypted
	PixelID     string
	AccountID   string
	BaseURL     string // platform base URL or per-credential override; empty means the forwarder default
	SGTM        *SGTMTarget
}

// Forwarder delivers one event to one destination kind.
type Forwarder interface {
	PlatformCode() string
	Deliver(ctx context.Context, req Request) Outcome
}

// Registry maps platform codes to forwarders. Unknown codes fall back to the
// sGTM forwarder, which can carry any platform's traffic through a container.
type Registry struct {
	forwarders map[string]Forwarder
	fallback   Forwarder
}

// NewRegistry builds an empty registry with the given fallback.
func NewRegistry(fallback Forwarder) *Registry {
	return &Registry{
		forwarders: make(map[string]Forwarder),
		fallback:   fallback,
	}
}

// Register adds a forwarder under its platform code, replacing any previous one.
func (r *Registry) Register(f Forwarder) {
	r.forwarders[f.PlatformCode()] = f
}

// Lookup returns the forwarder for a platform code, or the fallback.
func (r *Registry) Lookup(platformCode string) (Forwarder, error) {
	if f, ok := r.forwarders[platformCode]; ok {
		return f, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("forward: no forwarder registered for platform %q", platformCode)
}

// Codes returns the registered platform codes, sorted.
func (r *Registry) Codes() []string {
	codes := make([]string, 0, len(r.forwarders))
	for c := range r.forwarders {
		codes = append(codes, c)
	}
	sort.Strings(codes)
	return codes
}

// DefaultRegistry wires every built-in forwarder with shared HTTP settings.
func DefaultRegistry(client Doer) *Registry {
	sgtm := NewSGTM(client)
	reg := NewRegistry(sgtm)
	reg.Register(sgtm)
	reg.Register(NewGA4(client))
	reg.Register(NewMetaCAPI(client))
	reg.Register(NewTikTok(client))
	reg.Register(NewSnapchat(client))
	reg.Register(NewPinterest(client))
	return reg
}

const maxResponseBody = 1000

func truncate(s string) string {
	if len(s) > maxResponseBody {
		return s[:maxResponseBody]
	}
	return s
}
