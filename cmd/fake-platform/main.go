package main

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"sync/atomic"
)

// fake-platform stands in for the downstream marketing APIs during local
// testing. Point a platform's base_url_override (or SGTM_URL) at it and it
// will accept deliveries, optionally failing the first N requests or rate
// limiting every Kth one so retry behavior can be exercised end to end.

type settings struct {
	failFirstN     int // first N requests get a 500
	rateLimitEvery int // every Kth request gets a 429, 0 disables
	requireToken   bool
}

var reqCount atomic.Int64

func main() {
	cfg := settings{}
	if v := os.Getenv("FAIL_FIRST_N"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.failFirstN = n
		}
	}
	if v := os.Getenv("RATE_LIMIT_EVERY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.rateLimitEvery = n
		}
	}
	cfg.requireToken = os.Getenv("REQUIRE_TOKEN") == "true"

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"ok":true}`)) })
	mux.HandleFunc("/mp/collect", func(w http.ResponseWriter, r *http.Request) { handleCollect(w, r, cfg) })
	mux.HandleFunc("/open_api/v1.3/pixel/track", func(w http.ResponseWriter, r *http.Request) { handleTikTok(w, r, cfg) })
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) { handleGeneric(w, r, cfg) })

	addr := ":8081"
	if v := os.Getenv("FAKE_PLATFORM_PORT"); v != "" {
		addr = ":" + v
	}
	log.Printf("fake-platform listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// flake applies the shared failure knobs. Returns true when it already wrote
// a response.
func flake(w http.ResponseWriter, cfg settings) bool {
	n := reqCount.Add(1)
	if n <= int64(cfg.failFirstN) {
		log.Printf("FAILING (%d/%d)", n, cfg.failFirstN)
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return true
	}
	if cfg.rateLimitEvery > 0 && n%int64(cfg.rateLimitEvery) == 0 {
		log.Printf("RATE LIMITING request %d", n)
		http.Error(w, "rate limited", http.StatusTooManyRequests)
		return true
	}
	return false
}

// handleCollect mimics the GA4 measurement protocol endpoint, which both the
// sGTM container and direct GA4 deliveries post to.
func handleCollect(w http.ResponseWriter, r *http.Request, cfg settings) {
	if flake(w, cfg) {
		return
	}
	q := r.URL.Query()
	if q.Get("measurement_id") == "" || q.Get("api_secret") == "" {
		http.Error(w, "missing measurement_id or api_secret", http.StatusBadRequest)
		return
	}
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	log.Printf("collect OK measurement_id=%s body=%s", q.Get("measurement_id"), truncate(string(b), 160))
	w.WriteHeader(http.StatusNoContent)
}

// handleTikTok mimics the events API, which reports errors in the body with
// HTTP 200.
func handleTikTok(w http.ResponseWriter, r *http.Request, cfg settings) {
	if flake(w, cfg) {
		return
	}
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()

	w.Header().Set("Content-Type", "application/json")
	if cfg.requireToken && r.Header.Get("Access-Token") == "" {
		log.Printf("tiktok missing token body=%s", truncate(string(b), 160))
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 40001, "message": "access token missing"})
		return
	}
	log.Printf("tiktok OK body=%s", truncate(string(b), 160))
	_ = json.NewEncoder(w).Encode(map[string]any{"code": 0, "message": "OK"})
}

// handleGeneric accepts anything else (meta, snapchat, pinterest shapes).
func handleGeneric(w http.ResponseWriter, r *http.Request, cfg settings) {
	if flake(w, cfg) {
		return
	}
	if cfg.requireToken && r.Header.Get("Authorization") == "" && r.URL.Query().Get("access_token") == "" {
		http.Error(w, "missing credentials", http.StatusUnauthorized)
		return
	}
	b, _ := io.ReadAll(r.Body)
	defer r.Body.Close()
	log.Printf("fake-platform OK %s body=%s", r.URL.Path, truncate(string(b), 160))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"ok":true}`))
}

// truncate truncates a string to the specified length and adds an ellipsis if truncated
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
