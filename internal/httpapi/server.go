package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"sitewatch/internal/scheduler"
	"sitewatch/internal/sink"
)

// Server is the operational surface only: liveness and pipeline counters.
// Reporting and data queries go straight to storage and are not served here.
type Server struct {
	Logger    *zap.Logger
	Scheduler *scheduler.Scheduler
	Sink      *sink.Sink

	started time.Time
}

func NewServer(l *zap.Logger, sched *scheduler.Scheduler, snk *sink.Sink) *Server {
	return &Server{Logger: l, Scheduler: sched, Sink: snk, started: time.Now()}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.AllowAll().Handler)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/api/status", s.handleStatus)

	return r
}

type statusPayload struct {
	UptimeSeconds  float64            `json:"uptime_seconds"`
	Scheduler      scheduler.Snapshot `json:"scheduler"`
	DroppedResults uint64             `json:"dropped_results"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	payload := statusPayload{
		UptimeSeconds:  time.Since(s.started).Seconds(),
		Scheduler:      s.Scheduler.Snapshot(),
		DroppedResults: s.Sink.Dropped(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.Logger.Warn("status_encode_error", zap.Error(err))
	}
}
