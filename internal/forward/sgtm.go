package forward

import (
	"context"
	"net/url"
	"strings"
)

// SGTM delivers events to a tenant's server-side GTM container. Two client
// modes exist: "ga4" speaks the GA4 Measurement Protocol against /mp/collect,
// "custom" posts a flat JSON document to a configurable path. The container
// then fans the event out to whatever tags the tenant has configured, which
// is why this forwarder also serves as the registry fallback.
type SGTM struct {
	client Doer
}

// NewSGTM builds the sGTM forwarder.
func NewSGTM(client Doer) *SGTM {
	return &SGTM{client: client}
}

func (s *SGTM) PlatformCode() string { return "sgtm" }

func (s *SGTM) Deliver(ctx context.Context, req Request) Outcome {
	if req.SGTM == nil || req.SGTM.URL == "" {
		return Fail("no sgtm destination configured", 0, "", false)
	}

	if req.SGTM.ClientType == "custom" {
		return s.deliverCustom(ctx, req)
	}
	return s.deliverGA4(ctx, req)
}

func (s *SGTM) deliverGA4(ctx context.Context, req Request) Outcome {
	endpoint := strings.TrimRight(req.SGTM.URL, "/") + "/mp/collect"

	query := url.Values{}
	if req.SGTM.MeasurementID != "" {
		query.Set("measurement_id", req.SGTM.MeasurementID)
	}
	if req.SGTM.APISecret != "" {
		query.Set("api_secret", req.SGTM.APISecret)
	}

	body := buildGA4Payload(req.EventKind, req.Payload, req.TenantCode)
	return postJSON(ctx, s.client, endpoint, query, nil, body)
}

func (s *SGTM) deliverCustom(ctx context.Context, req Request) Outcome {
	path := req.SGTM.CustomEndpointPath
	if path == "" {
		path = "/collect"
	}
	endpoint := strings.TrimRight(req.SGTM.URL, "/") + path

	body := map[string]any{
		"event_name": req.EventKind,
	}
	if req.TenantCode != "" {
		body["storefront_id"] = req.TenantCode
	}
	for k, v := range req.Payload {
		if _, taken := body[k]; !taken {
			body[k] = v
		}
	}

	return postJSON(ctx, s.client, endpoint, nil, req.SGTM.CustomHeaders, body)
}

// buildGA4Payload shapes the open payload into Measurement Protocol form:
// a client_id, one event with mapped name, and params carrying the commerce
// fields plus any unrecognized pass-through keys.
func buildGA4Payload(eventKind string, payload map[string]any, tenantCode string) map[string]any {
	userData := userDataField(payload)

	clientID := stringField(payload, "client_id")
	if clientID == "" {
		clientID = stringField(payload, "session_id")
	}
	if clientID == "" {
		clientID = stringField(userData, "client_id")
	}
	if clientID == "" {
		clientID = "anonymous"
	}

	params := buildGA4Params(payload, tenantCode)

	out := map[string]any{
		"client_id": clientID,
		"events": []map[string]any{
			{
				"name":   mapGA4Event(eventKind),
				"params": params,
			},
		},
	}

	userID := stringField(payload, "user_id")
	if userID == "" {
		userID = stringField(userData, "user_id")
	}
	if userID != "" {
		out["user_id"] = userID
	}

	return out
}

func buildGA4Params(payload map[string]any, tenantCode string) map[string]any {
	params := map[string]any{}

	if c := stringField(payload, "currency"); c != "" {
		params["currency"] = c
	} else if _, ok := payload["order_revenue"]; ok {
		params["currency"] = "USD"
	}

	if v, ok := floatField(payload, "value"); ok {
		params["value"] = v
	} else if v, ok := floatField(payload, "order_revenue"); ok {
		params["value"] = v
	}

	if tx := stringField(payload, "transaction_id"); tx != "" {
		params["transaction_id"] = tx
	} else if oid := stringField(payload, "order_id"); oid != "" {
		params["transaction_id"] = oid
	}

	if items, ok := payload["items"]; ok {
		params["items"] = items
	}

	for _, utm := range []string{"utm_source", "utm_medium", "utm_campaign", "utm_term", "utm_content"} {
		if v, ok := payload[utm]; ok {
			params[utm] = v
		}
	}

	storefront := tenantCode
	if storefront == "" {
		storefront = stringField(payload, "storefront_id")
	}
	if storefront != "" {
		params["storefront_id"] = storefront
	}

	if v, ok := payload["t_value"]; ok {
		params["t_value"] = v
	}

	mapped := map[string]struct{}{
		"currency": {}, "value": {}, "transaction_id": {}, "items": {},
		"user_data": {}, "client_id": {}, "session_id": {}, "user_id": {},
		"order_revenue": {}, "order_id": {},
		"utm_source": {}, "utm_medium": {}, "utm_campaign": {}, "utm_term": {}, "utm_content": {},
		"storefront_id": {}, "event_time": {}, "t_value": {},
	}
	for k, v := range payload {
		if _, skip := mapped[k]; skip || strings.HasPrefix(k, "_") {
			continue
		}
		params[k] = v
	}

	return params
}

// mapGA4Event translates inbound event kinds to GA4 recommended event names.
// Unrecognized kinds pass through lowercased, GA4 accepts custom names.
func mapGA4Event(kind string) string {
	m := map[string]string{
		"purchase":              "purchase",
		"purchase_completed":    "purchase",
		"add_to_cart":           "add_to_cart",
		"remove_from_cart":      "remove_from_cart",
		"begin_checkout":        "begin_checkout",
		"add_payment_info":      "add_payment_info",
		"add_shipping_info":     "add_shipping_info",
		"view_item":             "view_item",
		"view_item_list":        "view_item_list",
		"select_item":           "select_item",
		"view_cart":             "view_cart",
		"lead":                  "generate_lead",
		"generate_lead":         "generate_lead",
		"sign_up":               "sign_up",
		"complete_registration": "sign_up",
		"login":                 "login",
		"search":                "search",
		"share":                 "share",
		"subscribe":             "subscribe",
		"refund":                "refund",
	}
	lower := strings.ToLower(kind)
	if mapped, ok := m[lower]; ok {
		return mapped
	}
	return lower
}
