// Package healthz exposes the trivial /healthz HTTP surface every
// component binary serves, following cmd/goclaw's status.go pattern of a
// small JSON health payload over net/http.
package healthz

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/basket/chatagentctl/internal/bus"
)

type response struct {
	Status string `json:"status"`
	Bus    string `json:"bus"`
}

// Handler returns an http.Handler reporting process liveness and bus
// connectivity.
func Handler(b *bus.Bus) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		resp := response{Status: "ok", Bus: "ok"}
		code := http.StatusOK
		if err := b.Ping(ctx); err != nil {
			resp.Status = "degraded"
			resp.Bus = err.Error()
			code = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	})
}
