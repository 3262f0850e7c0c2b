package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"skyhawk/internal/capture"
	"skyhawk/internal/conf"
	"skyhawk/internal/inference"
	"skyhawk/internal/observability"
	"skyhawk/internal/storage"
	"skyhawk/internal/ws"
)

// streamStatus is the per-stream entry in the status payload.
type streamStatus struct {
	Name   string                `json:"name"`
	State  string                `json:"state"`
	Failed bool                  `json:"failed"`
	Stats  capture.StatsSnapshot `json:"stats"`
}

// handleHTTPServer mounts the service endpoints and starts the server.
func handleHTTPServer(settings *conf.Settings, orchestrator *capture.Orchestrator, detector *inference.Client, store storage.Store, hub *ws.Hub, metrics *observability.Metrics, logger *log.Logger, errc chan error) *http.Server {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		depth, dropped := orchestrator.QueueStats()
		payload := map[string]any{
			"status":          "ok",
			"queue_depth":     depth,
			"frames_dropped":  dropped,
			"ws_clients":      hub.ClientCount(),
			"model_healthy":   detector.IsHealthy(r.Context()),
			"storage_healthy": store.Ping(r.Context()) == nil,
		}
		writeJSON(w, http.StatusOK, payload)
	})

	mux.HandleFunc("/api/v1/streams", func(w http.ResponseWriter, r *http.Request) {
		watchers := orchestrator.Watchers()
		statuses := make([]streamStatus, 0, len(watchers))
		for _, watcher := range watchers {
			statuses = append(statuses, streamStatus{
				Name:   watcher.Source().Name,
				State:  watcher.State().String(),
				Failed: watcher.Failed(),
				Stats:  watcher.Stats(),
			})
		}
		writeJSON(w, http.StatusOK, statuses)
	})

	mux.HandleFunc("/api/v1/detections", func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				limit = n
			}
		}
		records, err := store.List(r.Context(), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if records == nil {
			records = []storage.DetectionRecord{}
		}
		writeJSON(w, http.StatusOK, records)
	})

	mux.Handle("/ws/alerts", ws.NewHandler(hub))
	mux.Handle("/ws/alerts/", ws.NewHandler(hub))
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:         ":" + settings.HTTPPort,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // websocket connections stay open
	}

	go func() {
		logger.Printf("HTTP server listening on %s", srv.Addr)
		errc <- srv.ListenAndServe()
	}()
	return srv
}

func shutdownHTTPServer(srv *http.Server, logger *log.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Printf("HTTP shutdown error: %s", err)
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("[HTTP] encode error: %v", err)
	}
}
