package forward

import (
	"context"
	"net/url"
)

const ga4DefaultURL = "https://www.google-analytics.com/mp/collect"

// GA4 delivers events directly to the GA4 Measurement Protocol endpoint,
// authenticated by measurement_id and api_secret from the credential set.
type GA4 struct {
	client Doer
}

// NewGA4 builds the direct GA4 forwarder.
func NewGA4(client Doer) *GA4 {
	return &GA4{client: client}
}

func (g *GA4) PlatformCode() string { return "ga4" }

func (g *GA4) Deliver(ctx context.Context, req Request) Outcome {
	measurementID := req.Credentials["measurement_id"]
	apiSecret := req.Credentials["api_secret"]
	if measurementID == "" {
		return Fail("missing measurement_id in credentials", 0, "", false)
	}
	if apiSecret == "" {
		return Fail("missing api_secret in credentials", 0, "", false)
	}

	endpoint := req.BaseURL
	if endpoint == "" {
		endpoint = ga4DefaultURL
	}

	query := url.Values{}
	query.Set("measurement_id", measurementID)
	query.Set("api_secret", apiSecret)

	body := buildGA4Payload(req.EventKind, req.Payload, req.TenantCode)
	return postJSON(ctx, g.client, endpoint, query, nil, body)
}
