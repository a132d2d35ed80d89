// Package health reports process readiness for the relay binaries. An event
// relay is ready when it can reach its event store; everything else (NSQ,
// destinations) is best effort and must not gate readiness.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is the slice of the store pool the readiness probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Status is the readiness report served on /readyz.
type Status struct {
	OK       bool   `json:"ok"`
	Service  string `json:"service,omitempty"`
	Database string `json:"database,omitempty"` // "ok" or the ping failure
}

const pingTimeout = time.Second

// Handler serves the readiness report for one relay process. db may be nil
// for binaries that do not touch Postgres.
func Handler(service string, db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Service: service}

		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				st.OK = false
				st.Database = "ping failed: " + err.Error()
			} else {
				st.Database = "ok"
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
