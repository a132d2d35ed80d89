package forward

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// Doer is the HTTP client surface forwarders depend on.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// postJSON sends a JSON POST and maps the transport result onto the Outcome
// taxonomy: 2xx success; 5xx and 429 retryable; other 4xx permanent;
// network and timeout errors retryable.
func postJSON(ctx context.Context, client Doer, rawURL string, query url.Values, headers map[string]string, body any) Outcome {
	payload, err := json.Marshal(body)
	if err != nil {
		return Fail(fmt.Sprintf("encode request body: %v", err), 0, "", false)
	}

	if len(query) > 0 {
		sep := "?"
		if strings.Contains(rawURL, "?") {
			sep = "&"
		}
		rawURL += sep + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return Fail(fmt.Sprintf("build request: %v", err), 0, "", false)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Fail(err.Error(), 0, "", true)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return OK(resp.StatusCode, string(respBody))
	}

	retryable := resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests
	return Fail(
		fmt.Sprintf("destination returned %d", resp.StatusCode),
		resp.StatusCode,
		string(respBody),
		retryable,
	)
}

// Reason classifies an outcome for retry metrics.
func Reason(o Outcome) string {
	if o.Success {
		return "none"
	}
	if o.StatusCode == 0 {
		errLower := strings.ToLower(o.ErrorMessage)
		switch {
		case strings.Contains(errLower, "timeout"), strings.Contains(errLower, "deadline"):
			return "timeout"
		case strings.Contains(errLower, "connection refused"):
			return "connection_refused"
		case strings.Contains(errLower, "no such host"), strings.Contains(errLower, "dns"):
			return "dns_error"
		default:
			return "network"
		}
	}
	switch {
	case o.StatusCode >= 500:
		return "http_5xx"
	case o.StatusCode == http.StatusTooManyRequests:
		return "http_429"
	case o.StatusCode >= 400:
		return "http_4xx"
	}
	return "other"
}
