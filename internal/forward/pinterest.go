package forward

import (
	"context"
	"fmt"
	"strconv"
	"time"
)

const pinterestDefaultURL = "https://api.pinterest.com/v5/ad_accounts"

// Pinterest delivers events to the Pinterest Conversions API. Pinterest
// expects hashed match keys as single-element arrays and stringified money.
type Pinterest struct {
	client Doer
	now    func() time.Time
}

// NewPinterest builds the Pinterest Conversions API forwarder.
func NewPinterest(client Doer) *Pinterest {
	return &Pinterest{client: client, now: time.Now}
}

func (p *Pinterest) PlatformCode() string { return "pinterest" }

func (p *Pinterest) Deliver(ctx context.Context, req Request) Outcome {
	accessToken := req.Credentials["access_token"]
	adAccountID := req.AccountID
	if adAccountID == "" {
		adAccountID = req.Credentials["ad_account_id"]
	}
	if accessToken == "" {
		return Fail("missing access_token in credentials", 0, "", false)
	}
	if adAccountID == "" {
		return Fail("missing ad_account_id", 0, "", false)
	}

	base := req.BaseURL
	if base == "" {
		base = pinterestDefaultURL
	}
	endpoint := fmt.Sprintf("%s/%s/events", base, adAccountID)

	headers := map[string]string{"Authorization": "Bearer " + accessToken}
	body := map[string]any{"data": []map[string]any{p.buildEvent(req)}}
	return postJSON(ctx, p.client, endpoint, nil, headers, body)
}

func (p *Pinterest) buildEvent(req Request) map[string]any {
	payload := req.Payload
	now := p.now()

	eventID := stringField(payload, "transaction_id")
	if eventID == "" {
		eventID = strconv.FormatInt(now.UnixMilli(), 10)
	}

	event := map[string]any{
		"event_name":    mapPinterestEvent(req.EventKind),
		"action_source": "web",
		"event_time":    now.Unix(),
		"event_id":      eventID,
	}

	custom := map[string]any{}
	if c := stringField(payload, "currency"); c != "" {
		custom["currency"] = c
	}
	if v, ok := floatField(payload, "value"); ok {
		custom["value"] = strconv.FormatFloat(v, 'f', -1, 64)
	}
	if tx := stringField(payload, "transaction_id"); tx != "" {
		custom["order_id"] = tx
	}

	if items := itemsField(payload); len(items) > 0 {
		contents := make([]map[string]any, 0, len(items))
		numItems := 0
		for _, item := range items {
			qty := intField(item, "quantity", 1)
			numItems += qty
			price, _ := floatField(item, "price")
			contents = append(contents, map[string]any{
				"id":         itemID(item),
				"item_name":  itemName(item),
				"quantity":   qty,
				"item_price": strconv.FormatFloat(price, 'f', -1, 64),
			})
		}
		custom["contents"] = contents
		custom["num_items"] = numItems
	}

	if len(custom) > 0 {
		event["custom_data"] = custom
	}

	ud := userDataField(payload)
	userInfo := map[string]any{}
	hashFields := map[string]string{
		"email":       "em",
		"phone":       "ph",
		"first_name":  "fn",
		"last_name":   "ln",
		"city":        "ct",
		"state":       "st",
		"zip":         "zp",
		"country":     "country",
		"external_id": "external_id",
	}
	for field, name := range hashFields {
		if v := stringField(ud, field); v != "" {
			userInfo[name] = []string{hashSHA256(v)}
		}
	}
	if len(userInfo) > 0 {
		event["user_data"] = userInfo
	}

	return event
}

func mapPinterestEvent(kind string) string {
	m := map[string]string{
		"purchase":              "checkout",
		"add_to_cart":           "add_to_cart",
		"begin_checkout":        "checkout",
		"add_payment_info":      "checkout",
		"view_item":             "page_visit",
		"search":                "search",
		"lead":                  "lead",
		"complete_registration": "signup",
		"subscribe":             "signup",
	}
	if mapped, ok := m[kind]; ok {
		return mapped
	}
	return "custom"
}
