package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything with a liveness check: pgxpool.Pool, kvstore.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK       bool            `json:"ok"`
	Message  string          `json:"message,omitempty"`
	Checks   map[string]bool `json:"checks,omitempty"`
	Database bool            `json:"database,omitempty"`
}

// Checks names the dependencies a service reports on. Nil entries are skipped.
type Checks map[string]Pinger

// HTTPHandler pings every dependency with a one second budget and answers
// 503 when any of them fails.
func HTTPHandler(checks Checks) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Checks: map[string]bool{}}

		ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
		defer cancel()
		for name, p := range checks {
			if p == nil {
				continue
			}
			ok := p.Ping(ctx) == nil
			st.Checks[name] = ok
			if !ok {
				st.OK = false
				st.Message = name + " ping failed"
			}
		}
		st.Database = st.Checks["database"]

		w.Header().Set("Content-Type", "application/json")
		if !st.OK {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
