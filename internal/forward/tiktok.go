package forward

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

const tiktokDefaultURL = "https://business-api.tiktok.com/open_api/v1.3/pixel/track"

// TikTok delivers events to the TikTok Events API. The API reports errors
// inside a 200 response, so the envelope code is checked after transport.
type TikTok struct {
	client Doer
	now    func() time.Time
}

// NewTikTok builds the TikTok Events API forwarder.
func NewTikTok(client Doer) *TikTok {
	return &TikTok{client: client, now: time.Now}
}

func (t *TikTok) PlatformCode() string { return "tiktok_events" }

func (t *TikTok) Deliver(ctx context.Context, req Request) Outcome {
	accessToken := req.Credentials["access_token"]
	pixelCode := req.PixelID
	if pixelCode == "" {
		pixelCode = req.Credentials["pixel_code"]
	}
	if accessToken == "" {
		return Fail("missing access_token in credentials", 0, "", false)
	}
	if pixelCode == "" {
		return Fail("missing pixel_code", 0, "", false)
	}

	endpoint := req.BaseURL
	if endpoint == "" {
		endpoint = tiktokDefaultURL
	}

	headers := map[string]string{"Access-Token": accessToken}
	body := t.buildEvent(req, pixelCode)

	out := postJSON(ctx, t.client, endpoint, nil, headers, body)
	if !out.Success {
		return out
	}

	// Envelope check: code 0 means accepted, anything else is an API error.
	var envelope struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(out.ResponseBody), &envelope); err == nil && envelope.Code != 0 {
		msg := envelope.Message
		if msg == "" {
			msg = fmt.Sprintf("code %d", envelope.Code)
		}
		return Fail("tiktok api error: "+msg, out.StatusCode, out.ResponseBody, false)
	}

	return out
}

func (t *TikTok) buildEvent(req Request, pixelCode string) map[string]any {
	payload := req.Payload
	now := t.now()

	properties := map[string]any{}
	if c := stringField(payload, "currency"); c != "" {
		properties["currency"] = c
	}
	if v, ok := floatField(payload, "value"); ok {
		properties["value"] = v
	}
	if tx := stringField(payload, "transaction_id"); tx != "" {
		properties["order_id"] = tx
	}

	if items := itemsField(payload); len(items) > 0 {
		contents := make([]map[string]any, 0, len(items))
		for _, item := range items {
			contents = append(contents, map[string]any{
				"content_id":   itemID(item),
				"content_name": itemName(item),
				"quantity":     intField(item, "quantity", 1),
				"price":        item["price"],
			})
		}
		properties["contents"] = contents
	}

	eventID := stringField(payload, "transaction_id")
	if eventID == "" {
		eventID = strconv.FormatInt(now.UnixMilli(), 10)
	}

	event := map[string]any{
		"pixel_code": pixelCode,
		"event":      mapTikTokEvent(req.EventKind),
		"event_id":   eventID,
		"timestamp":  strconv.FormatInt(now.Unix(), 10),
		"properties": properties,
	}

	ud := userDataField(payload)
	user := map[string]any{}
	for _, field := range []string{"email", "phone", "external_id"} {
		if v := stringField(ud, field); v != "" {
			user[field] = hashSHA256(v)
		}
	}
	if len(user) > 0 {
		event["user"] = user
	}

	return event
}

func mapTikTokEvent(kind string) string {
	m := map[string]string{
		"purchase":              "CompletePayment",
		"add_to_cart":           "AddToCart",
		"begin_checkout":        "InitiateCheckout",
		"add_payment_info":      "AddPaymentInfo",
		"view_item":             "ViewContent",
		"search":                "Search",
		"lead":                  "SubmitForm",
		"complete_registration": "CompleteRegistration",
		"subscribe":             "Subscribe",
	}
	if mapped, ok := m[kind]; ok {
		return mapped
	}
	return kind
}
