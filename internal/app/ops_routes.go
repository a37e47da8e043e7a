package app

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"archrvbot/internal/dispatch"
	"archrvbot/internal/eventbus"
	"archrvbot/internal/storage"
	logx "archrvbot/pkg/logx"
)

const (
	defaultDeliveriesLimit = 50
	maxDeliveriesLimit     = 500
)

type statsSource interface {
	Stats() dispatch.Stats
}

type dispatcherView struct {
	dispatch.Stats
	// EventsDropped counts bus events lost to slow subscribers (audit).
	EventsDropped uint64 `json:"events_dropped"`
}

// opsRoutes mounts the dispatcher views. store may be nil when the audit is
// disabled.
func opsRoutes(disp statsSource, bus eventbus.Bus, store storage.Store, log logx.Logger) func(r chi.Router) {
	return func(r chi.Router) {
		r.Get("/dispatcher", func(w http.ResponseWriter, _ *http.Request) {
			respondWithJSON(w, log, http.StatusOK, dispatcherView{
				Stats:         disp.Stats(),
				EventsDropped: eventbus.Dropped(bus),
			})
		})
		r.Get("/deliveries", func(w http.ResponseWriter, req *http.Request) {
			if store == nil {
				respondWithError(w, log, http.StatusServiceUnavailable, "audit storage disabled")
				return
			}
			limit := defaultDeliveriesLimit
			if raw := req.URL.Query().Get("limit"); raw != "" {
				n, err := strconv.Atoi(raw)
				if err != nil || n <= 0 {
					respondWithError(w, log, http.StatusBadRequest, "limit must be a positive integer")
					return
				}
				limit = min(n, maxDeliveriesLimit)
			}
			recs, err := store.RecentDeliveries(req.Context(), limit)
			if err != nil {
				log.Warn("ops: reading deliveries failed", logx.Err(err))
				respondWithError(w, log, http.StatusInternalServerError, "reading deliveries failed")
				return
			}
			if recs == nil {
				recs = []storage.DeliveryRecord{}
			}
			respondWithJSON(w, log, http.StatusOK, recs)
		})
	}
}

func respondWithJSON(w http.ResponseWriter, log logx.Logger, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if payload != nil {
		if err := json.NewEncoder(w).Encode(payload); err != nil {
			log.Debug("ops: writing response failed", logx.Err(err))
		}
	}
}

func respondWithError(w http.ResponseWriter, log logx.Logger, code int, message string) {
	respondWithJSON(w, log, code, map[string]string{"error": message})
}
