package adsbalert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hazyhaar/adsbalert/internal/tracker"
	"github.com/hazyhaar/adsbalert/observability"
	"github.com/hazyhaar/adsbalert/shield"
)

// trackView is the JSON form of a tracker.State.
type trackView struct {
	Hex            string     `json:"hex"`
	FirstSeen      time.Time  `json:"first_seen"`
	LastSeen       time.Time  `json:"last_seen"`
	InViewSeconds  int64      `json:"in_view_s"`
	TodaySeconds   int64      `json:"today_s"`
	LastNotifiedAt *time.Time `json:"last_notified_at,omitempty"`
	Delivered      []string   `json:"delivered,omitempty"`
}

func newTrackView(st tracker.State) trackView {
	return trackView{
		Hex:            st.Hex,
		FirstSeen:      st.FirstSeen,
		LastSeen:       st.LastSeen,
		InViewSeconds:  int64(st.Cumulative / time.Second),
		TodaySeconds:   int64(st.TodayTotal() / time.Second),
		LastNotifiedAt: st.LastNotifiedAt,
		Delivered:      st.Delivered,
	}
}

// Handler returns the read-only status API:
//
//	GET /healthz            liveness, last cycle outcome, heartbeat
//	GET /api/tracks         every tracked aircraft
//	GET /api/watchlist      index statistics
//	GET /api/cycle          last cycle report
//	GET /api/notifications  recent delivery attempts (?limit=)
//	GET /api/channels       channel and breaker state
func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	for _, mw := range shield.Stack(s.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		body := map[string]any{"status": "ok"}
		if rep, ok := s.LastReport(); ok {
			body["last_cycle"] = rep.StartedAt
			if rep.Error != "" {
				body["status"] = "degraded"
				body["error"] = rep.Error
			}
		}
		if hb, err := observability.LatestHeartbeat(r.Context(), s.db, WorkerName, 3*time.Minute, s.now()); err == nil && hb != nil {
			body["heartbeat"] = hb
		}
		writeJSON(w, http.StatusOK, body)
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/tracks", func(w http.ResponseWriter, r *http.Request) {
			states, err := s.tracker.List(r.Context())
			if err != nil {
				shield.GetLogger(r.Context()).Error("status: list tracks", "error", err)
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			out := make([]trackView, 0, len(states))
			for _, st := range states {
				out = append(out, newTrackView(st))
			}
			writeJSON(w, http.StatusOK, out)
		})

		r.Get("/watchlist", func(w http.ResponseWriter, r *http.Request) {
			st := s.registry.Current().Stats()
			writeJSON(w, http.StatusOK, map[string]any{
				"size":       st.Size,
				"per_list":   st.PerList,
				"duplicates": st.Duplicates,
				"skipped":    st.Skipped,
				"built_at":   st.BuiltAt,
				"stale":      s.registry.Stale(),
			})
		})

		r.Get("/cycle", func(w http.ResponseWriter, r *http.Request) {
			rep, ok := s.LastReport()
			if !ok {
				writeError(w, http.StatusNotFound, errors.New("no cycle yet"))
				return
			}
			writeJSON(w, http.StatusOK, rep)
		})

		r.Get("/notifications", func(w http.ResponseWriter, r *http.Request) {
			limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
			if limit > 500 {
				limit = 500
			}
			rows, err := s.recorder.RecentNotifications(r.Context(), limit)
			if err != nil {
				writeError(w, http.StatusInternalServerError, err)
				return
			}
			writeJSON(w, http.StatusOK, rows)
		})

		r.Get("/channels", func(w http.ResponseWriter, r *http.Request) {
			type channelView struct {
				Name    string `json:"name"`
				Breaker string `json:"breaker"`
				Status  any    `json:"status,omitempty"`
			}
			seen := make(map[string]bool)
			var out []channelView
			for _, t := range s.deliver.Targets() {
				if seen[t.Channel] {
					continue
				}
				seen[t.Channel] = true
				v := channelView{Name: t.Channel, Breaker: s.deliver.BreakerState(t.Channel).String()}
				if s.dispatch != nil {
					if st, ok := s.dispatch.Status(t.Channel); ok {
						v.Status = st
					}
				}
				out = append(out, v)
			}
			writeJSON(w, http.StatusOK, out)
		})
	})
	return r
}

// ServeStatus serves Handler on addr until ctx is done.
func (s *Service) ServeStatus(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	s.logger.Info("adsbalert: status API listening", "addr", addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
