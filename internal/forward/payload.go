package forward

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Helpers shared by the forwarders for digging typed values out of the open
// payload map. JSON numbers decode as float64 but callers may also hand us
// strings or ints, so conversions are permissive.

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	if v, ok := m[key]; ok {
		switch t := v.(type) {
		case string:
			return t
		case float64:
			return strconv.FormatFloat(t, 'f', -1, 64)
		case int:
			return strconv.Itoa(t)
		case int64:
			return strconv.FormatInt(t, 10)
		}
	}
	return ""
}

func floatField(m map[string]any, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch t := m[key].(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

func intField(m map[string]any, key string, def int) int {
	f, ok := floatField(m, key)
	if !ok {
		return def
	}
	return int(f)
}

// userDataField returns the nested user_data object, or nil.
func userDataField(payload map[string]any) map[string]any {
	if ud, ok := payload["user_data"].(map[string]any); ok {
		return ud
	}
	return nil
}

// itemsField returns the items array as maps, dropping malformed entries.
func itemsField(payload map[string]any) []map[string]any {
	raw, ok := payload["items"].([]any)
	if !ok {
		return nil
	}
	items := make([]map[string]any, 0, len(raw))
	for _, r := range raw {
		if m, ok := r.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

// itemID prefers item_id over id, matching the inbound catalog shapes.
func itemID(item map[string]any) string {
	if id := stringField(item, "item_id"); id != "" {
		return id
	}
	return stringField(item, "id")
}

func itemName(item map[string]any) string {
	if n := stringField(item, "item_name"); n != "" {
		return n
	}
	return stringField(item, "name")
}

// hashSHA256 normalizes (lowercase, trimmed) then hex-encodes the SHA256
// digest, the canonical match-key preparation for the ad platforms.
func hashSHA256(value string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(value))))
	return hex.EncodeToString(sum[:])
}
