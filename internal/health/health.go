package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Pinger is anything that can report backend reachability, such as a kv.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Status struct {
	OK      bool   `json:"ok"`
	Message string `json:"message,omitempty"`
	Store   bool   `json:"store"`
	Backend string `json:"backend,omitempty"`
}

// HTTPHandler returns an HTTP handler that reports the health status of the service
func HTTPHandler(store Pinger, backend string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st := Status{OK: true, Message: "ok", Store: true, Backend: backend}

		w.Header().Set("Content-Type", "application/json")
		if store != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 1*time.Second)
			defer cancel()
			if err := store.Ping(ctx); err != nil {
				st.OK = false
				st.Message = "store ping failed"
				st.Store = false
				w.WriteHeader(http.StatusServiceUnavailable)
			}
		}
		_ = json.NewEncoder(w).Encode(st)
	}
}
