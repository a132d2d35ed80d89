package forward

import (
	"context"
	"fmt"
	"net/url"
	"time"
)

const (
	metaDefaultURL = "https://graph.facebook.com"
	metaAPIVersion = "v18.0"
)

// MetaCAPI delivers events to the Meta Conversions API. Match keys (email,
// phone, name, address fields) are SHA256-hashed before leaving the process.
type MetaCAPI struct {
	client Doer
	now    func() time.Time
}

// NewMetaCAPI builds the Meta Conversions API forwarder.
func NewMetaCAPI(client Doer) *MetaCAPI {
	return &MetaCAPI{client: client, now: time.Now}
}

func (m *MetaCAPI) PlatformCode() string { return "meta_capi" }

func (m *MetaCAPI) Deliver(ctx context.Context, req Request) Outcome {
	accessToken := req.Credentials["access_token"]
	pixelID := req.PixelID
	if pixelID == "" {
		pixelID = req.Credentials["pixel_id"]
	}
	if accessToken == "" {
		return Fail("missing access_token in credentials", 0, "", false)
	}
	if pixelID == "" {
		return Fail("missing pixel_id", 0, "", false)
	}

	base := req.BaseURL
	if base == "" {
		base = metaDefaultURL
	}
	endpoint := fmt.Sprintf("%s/%s/%s/events", base, metaAPIVersion, pixelID)

	query := url.Values{}
	query.Set("access_token", accessToken)

	body := map[string]any{"data": []map[string]any{m.buildEvent(req)}}
	return postJSON(ctx, m.client, endpoint, query, nil, body)
}

func (m *MetaCAPI) buildEvent(req Request) map[string]any {
	payload := req.Payload

	event := map[string]any{
		"event_name":    mapMetaEvent(req.EventKind),
		"event_time":    m.now().Unix(),
		"action_source": "website",
	}

	if ud := userDataField(payload); ud != nil {
		event["user_data"] = hashMetaUserData(ud)
	}

	custom := map[string]any{}
	if c := stringField(payload, "currency"); c != "" {
		custom["currency"] = c
	}
	if v, ok := floatField(payload, "value"); ok {
		custom["value"] = v
	}
	if tx := stringField(payload, "transaction_id"); tx != "" {
		event["event_id"] = tx
	}

	if items := itemsField(payload); len(items) > 0 {
		contents := make([]map[string]any, 0, len(items))
		numItems := 0
		for _, item := range items {
			qty := intField(item, "quantity", 1)
			numItems += qty
			contents = append(contents, map[string]any{
				"id":         itemID(item),
				"quantity":   qty,
				"item_price": item["price"],
			})
		}
		custom["contents"] = contents
		custom["num_items"] = numItems
	}

	if len(custom) > 0 {
		event["custom_data"] = custom
	}

	return event
}

// hashMetaUserData hashes PII match keys into Meta's short field names and
// passes browser identifiers (fbc, fbp, IP, UA) through unhashed.
func hashMetaUserData(ud map[string]any) map[string]any {
	fieldNames := map[string]string{
		"email":      "em",
		"phone":      "ph",
		"first_name": "fn",
		"last_name":  "ln",
		"city":       "ct",
		"state":      "st",
		"zip":        "zp",
		"country":    "country",
	}

	hashed := map[string]any{}
	for field, metaName := range fieldNames {
		if v := stringField(ud, field); v != "" {
			hashed[metaName] = hashSHA256(v)
		}
	}

	for _, passthrough := range []string{"client_ip_address", "client_user_agent", "fbc", "fbp"} {
		if v := stringField(ud, passthrough); v != "" {
			hashed[passthrough] = v
		}
	}

	return hashed
}

func mapMetaEvent(kind string) string {
	m := map[string]string{
		"purchase":              "Purchase",
		"add_to_cart":           "AddToCart",
		"begin_checkout":        "InitiateCheckout",
		"add_payment_info":      "AddPaymentInfo",
		"view_item":             "ViewContent",
		"search":                "Search",
		"lead":                  "Lead",
		"complete_registration": "CompleteRegistration",
		"subscribe":             "Subscribe",
	}
	if mapped, ok := m[kind]; ok {
		return mapped
	}
	return kind
}
