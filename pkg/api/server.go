package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stationwake/stationwake/pkg"
	"github.com/stationwake/stationwake/pkg/config"
	"github.com/stationwake/stationwake/pkg/decision"
	"github.com/stationwake/stationwake/pkg/logx"
	"github.com/stationwake/stationwake/pkg/metrics"
	"github.com/stationwake/stationwake/pkg/monitor"
	"github.com/stationwake/stationwake/pkg/telem"
)

// Server is the local debug HTTP surface: per-alert decision state, recent
// telemetry, history and prometheus metrics. Read-only except for alert
// deactivation.
type Server struct {
	config    *config.Config
	logger    *logx.Logger
	monitor   *monitor.Monitor
	engine    *decision.Engine
	telemetry *telem.Store
	store     pkg.AlertStore
	metrics   *metrics.Metrics

	httpServer *http.Server
	startTime  time.Time
}

// NewServer creates the debug server.
func NewServer(cfg *config.Config, logger *logx.Logger, mon *monitor.Monitor,
	eng *decision.Engine, telemStore *telem.Store, store pkg.AlertStore,
	m *metrics.Metrics,
) *Server {
	return &Server{
		config:    cfg,
		logger:    logger,
		monitor:   mon,
		engine:    eng,
		telemetry: telemStore,
		store:     store,
		metrics:   m,
		startTime: time.Now(),
	}
}

// Start starts the HTTP server. Returns immediately; the listener runs on its
// own goroutine.
func (s *Server) Start() error {
	if !s.config.DebugListener {
		s.logger.Info("Debug server disabled")
		return nil
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/alerts", s.handleAlerts)
	mux.HandleFunc("/api/alerts/", s.handleAlertDetail)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/history", s.handleHistory)
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.Handle("/metrics", s.metrics.Handler())

	addr := fmt.Sprintf("%s:%d", s.config.DebugHost, s.config.DebugPort)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		s.logger.Info("Debug server listening", "addr", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Debug server failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	sample := s.monitor.LastSample()
	profile := s.monitor.UpdateProfile()

	status := map[string]interface{}{
		"uptime_s":      int(time.Since(s.startTime).Seconds()),
		"alerts":        len(s.monitor.Alerts()),
		"poll_interval": profile.Interval.String(),
		"power_mode":    profile.Power.String(),
	}
	if sample != nil {
		status["last_fix"] = map[string]interface{}{
			"latitude":   sample.Latitude,
			"longitude":  sample.Longitude,
			"accuracy_m": sample.AccuracyM,
			"timestamp":  sample.Timestamp.Format(time.RFC3339),
		}
	}
	s.writeJSON(w, status)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	alerts := s.monitor.Alerts()
	out := make([]map[string]interface{}, 0, len(alerts))
	for _, alert := range alerts {
		out = append(out, s.alertSummary(alert))
	}
	s.writeJSON(w, out)
}

func (s *Server) handleAlertDetail(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/alerts/")
	if id == "" {
		http.Error(w, "missing alert id", http.StatusBadRequest)
		return
	}

	if r.Method == http.MethodDelete {
		if err := s.monitor.Deactivate(r.Context(), id); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}

	alert := s.monitor.Alert(id)
	if alert == nil {
		http.Error(w, "alert not found", http.StatusNotFound)
		return
	}

	detail := s.alertSummary(alert)
	detail["alert"] = alert
	detail["recent_decisions"] = s.telemetry.GetDecisions(id, time.Now().Add(-time.Hour))
	if tt := s.monitor.Timetable(id); tt != nil {
		detail["timetable"] = tt
	}
	s.writeJSON(w, detail)
}

// alertSummary is the compact per-alert view: lifecycle state, the latest
// decision and the signal-loss posture.
func (s *Server) alertSummary(alert *pkg.Alert) map[string]interface{} {
	summary := map[string]interface{}{
		"id":     alert.ID,
		"name":   alert.Name,
		"target": alert.TargetStation,
		"state":  alert.State.String(),
		"active": alert.IsActive,
	}

	if d := s.engine.LastDecision(alert.ID); d != nil {
		decisionView := map[string]interface{}{
			"should_notify": d.ShouldNotify,
			"reason":        d.Reason,
			"mode":          d.Mode.String(),
			"confidence":    d.Confidence,
			"at":            d.At.Format(time.RFC3339),
		}
		if d.ETA != nil {
			decisionView["eta"] = d.ETA.String()
		}
		if d.DistanceM != nil {
			decisionView["distance_m"] = *d.DistanceM
		}
		if d.Deviation != nil {
			decisionView["deviation"] = d.Deviation.DisplayText
			decisionView["is_delayed"] = d.Deviation.IsDelayed
		}
		summary["last_decision"] = decisionView
	}

	if h := s.engine.LossHandler(alert.ID); h != nil {
		lossView := map[string]interface{}{
			"state": h.CurrentState().String(),
		}
		if fb := h.Fallback(); fb != nil {
			lossView["strategy"] = fb.Strategy.String()
			lossView["since"] = fb.EnteredAt.Format(time.RFC3339)
		}
		summary["signal_loss"] = lossView
	}

	return summary
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	since := time.Now().Add(-time.Hour)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		since = parsed
	}
	s.writeJSON(w, s.telemetry.GetEvents(since, 200))
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	alertID := r.URL.Query().Get("alert")
	if alertID == "" {
		http.Error(w, "missing alert parameter", http.StatusBadRequest)
		return
	}

	entries, err := s.store.History(r.Context(), alertID, 50)
	if err != nil {
		s.logger.Error("History read failed", "alert", alertID, "error", err)
		http.Error(w, "history read failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, entries)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]interface{}{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to encode response", "error", err)
	}
}
