package forward

import (
	"context"
	"strconv"
	"strings"
	"time"
)

const snapchatDefaultURL = "https://tr.snapchat.com/v2/conversion"

// Snapchat delivers events to the Snapchat Conversions API.
type Snapchat struct {
	client Doer
	now    func() time.Time
}

// NewSnapchat builds the Snapchat Conversions API forwarder.
func NewSnapchat(client Doer) *Snapchat {
	return &Snapchat{client: client, now: time.Now}
}

func (s *Snapchat) PlatformCode() string { return "snapchat" }

func (s *Snapchat) Deliver(ctx context.Context, req Request) Outcome {
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

	endpoint := req.BaseURL
	if endpoint == "" {
		endpoint = snapchatDefaultURL
	}

	headers := map[string]string{"Authorization": "Bearer " + accessToken}
	return postJSON(ctx, s.client, endpoint, nil, headers, s.buildEvent(req, pixelID))
}

func (s *Snapchat) buildEvent(req Request, pixelID string) map[string]any {
	payload := req.Payload

	event := map[string]any{
		"event_type":            mapSnapchatEvent(req.EventKind),
		"event_conversion_type": "WEB",
		"timestamp":             strconv.FormatInt(s.now().UnixMilli(), 10),
		"pixel_id":              pixelID,
	}

	if v, ok := floatField(payload, "value"); ok {
		event["price"] = v
	}
	if c := stringField(payload, "currency"); c != "" {
		event["currency"] = c
	}
	if tx := stringField(payload, "transaction_id"); tx != "" {
		event["transaction_id"] = tx
	}

	if items := itemsField(payload); len(items) > 0 {
		ids := make([]string, 0, len(items))
		numItems := 0
		for _, item := range items {
			ids = append(ids, itemID(item))
			numItems += intField(item, "quantity", 1)
		}
		event["item_ids"] = ids
		event["number_items"] = numItems
	}

	ud := userDataField(payload)
	if v := stringField(ud, "email"); v != "" {
		event["hashed_email"] = hashSHA256(v)
	}
	if v := stringField(ud, "phone"); v != "" {
		event["hashed_phone_number"] = hashSHA256(v)
	}
	if v := stringField(ud, "client_ip_address"); v != "" {
		event["hashed_ip_address"] = hashSHA256(v)
	}

	return event
}

func mapSnapchatEvent(kind string) string {
	m := map[string]string{
		"purchase":              "PURCHASE",
		"add_to_cart":           "ADD_CART",
		"begin_checkout":        "START_CHECKOUT",
		"add_payment_info":      "ADD_BILLING",
		"view_item":             "VIEW_CONTENT",
		"search":                "SEARCH",
		"lead":                  "SIGN_UP",
		"complete_registration": "SIGN_UP",
		"subscribe":             "SUBSCRIBE",
	}
	if mapped, ok := m[kind]; ok {
		return mapped
	}
	return strings.ToUpper(kind)
}
