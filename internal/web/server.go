package web

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vizmon/internal/collector"
	"vizmon/internal/coordinator"
	"vizmon/internal/db"
	"vizmon/internal/models"
	"vizmon/internal/monitor"
	"vizmon/internal/notifier"
)

type Server struct {
	coord     *coordinator.Coordinator
	mon       *monitor.Monitor
	repo      *db.Repository
	notify    *notifier.Telegram
	collector *collector.Service
	gatherer  prometheus.Gatherer
	log       *slog.Logger

	// baseline is the budget a mode falls back to when its override is removed.
	baseline func(models.Mode) models.Budget
}

func NewServer(coord *coordinator.Coordinator, mon *monitor.Monitor, repo *db.Repository, notify *notifier.Telegram, col *collector.Service, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	return &Server{
		coord:     coord,
		mon:       mon,
		repo:      repo,
		notify:    notify,
		collector: col,
		gatherer:  gatherer,
		log:       logger,
		baseline:  func(models.Mode) models.Budget { return models.Budget{} },
	}
}

func (s *Server) SetBaseline(fn func(models.Mode) models.Budget) {
	s.baseline = fn
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(chiMiddleware.StripSlashes)
	r.Use(chiMiddleware.Recoverer)
	r.Use(func(next http.Handler) http.Handler { return logMiddleware(next, s.log) })

	r.Get("/api/status", s.handleStatus)
	r.Post("/api/modes/deactivate", s.handleDeactivate)
	r.Post("/api/modes/{mode}/activate", s.handleActivate)
	r.Get("/api/modes/{mode}/history", s.handleHistory)
	r.Get("/api/budgets", s.handleBudgets)
	r.Put("/api/budgets/{mode}", s.handlePutBudget)
	r.Delete("/api/budgets/{mode}", s.handleDeleteBudget)
	r.Get("/api/violations", s.handleViolations)
	r.Post("/api/sample", s.handleSample)
	r.Post("/api/settings/telegram", s.handleSettingsTelegram)
	r.Post("/api/alerts/test-telegram", s.handleTestTelegram)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	return r
}

type statusResponse struct {
	State   string                `json:"state"`
	Mode    models.Mode           `json:"mode,omitempty"`
	Monitor monitor.Status        `json:"monitor"`
	Process *models.ProcessMetric `json:"process,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	state, mode := s.coord.State()
	resp := statusResponse{State: state.String(), Mode: mode, Monitor: s.mon.Status()}
	if s.collector != nil {
		if p := s.collector.Latest(); !p.TS.IsZero() {
			resp.Process = &p
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type activationResponse struct {
	Mode       models.Mode `json:"mode"`
	NoOp       bool        `json:"no_op"`
	Superseded bool        `json:"superseded"`
	Warnings   []string    `json:"warnings,omitempty"`
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(w, r)
	if !ok {
		return
	}
	res, err := s.coord.Activate(r.Context(), mode)
	if err != nil {
		if errors.Is(err, coordinator.ErrUnknownMode) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, activationResponse{
		Mode:       res.Mode,
		NoOp:       res.NoOp,
		Superseded: res.Superseded,
		Warnings:   flatten(res.Warnings),
	})
}

func (s *Server) handleDeactivate(w http.ResponseWriter, r *http.Request) {
	err := s.coord.DeactivateAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{"state": coordinator.Idle.String(), "warnings": flatten(err)})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.mon.History(mode))
}

func (s *Server) handleBudgets(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mon.Budgets())
}

func (s *Server) handlePutBudget(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(w, r)
	if !ok {
		return
	}
	var b models.Budget
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&b); err != nil {
		http.Error(w, "invalid budget: "+err.Error(), http.StatusBadRequest)
		return
	}
	if b.MaxHeapBytes < 0 || b.MaxItems < 0 || b.MaxGPUBytes < 0 {
		http.Error(w, "budget limits must not be negative", http.StatusBadRequest)
		return
	}
	if err := s.repo.SaveBudget(r.Context(), mode, b); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.mon.SetBudget(mode, b)
	s.log.Info("budget override saved", "mode", mode, "budget", b)
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleDeleteBudget(w http.ResponseWriter, r *http.Request) {
	mode, ok := modeParam(w, r)
	if !ok {
		return
	}
	if err := s.repo.DeleteBudget(r.Context(), mode); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	b := s.baseline(mode)
	s.mon.SetBudget(mode, b)
	s.log.Info("budget override removed", "mode", mode)
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleViolations(w http.ResponseWriter, r *http.Request) {
	rng := parseRange(r.URL.Query().Get("range"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.repo.RecentViolations(r.Context(), time.Now().Add(-rng).UTC(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleSample(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.mon.SampleNow())
}

type telegramSettings struct {
	Token  string `json:"token"`
	ChatID string `json:"chat_id"`
}

func (s *Server) handleSettingsTelegram(w http.ResponseWriter, r *http.Request) {
	var in telegramSettings
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token := strings.TrimSpace(in.Token)
	chatID := strings.TrimSpace(in.ChatID)
	if err := s.repo.SaveTelegramSettings(r.Context(), token, chatID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.notify.Update(token, chatID)
	writeJSON(w, http.StatusOK, map[string]any{"enabled": s.notify.Enabled(), "chat_id": chatID})
}

func (s *Server) handleTestTelegram(w http.ResponseWriter, r *http.Request) {
	if err := s.notify.Send(r.Context(), "vizmon test alert: Telegram integration is working"); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, notifier.ErrNotConfigured) {
			status = http.StatusPreconditionFailed
		} else if errors.Is(err, notifier.ErrRateLimited) {
			status = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), status)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.repo.DB().PingContext(r.Context()); err != nil {
		http.Error(w, "db not ready", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

func modeParam(w http.ResponseWriter, r *http.Request) (models.Mode, bool) {
	mode, err := models.ParseMode(chi.URLParam(r, "mode"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return "", false
	}
	return mode, true
}

// flatten lists the leaves of a joined error.
func flatten(err error) []string {
	if err == nil {
		return nil
	}
	if j, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range j.Unwrap() {
			out = append(out, flatten(e)...)
		}
		return out
	}
	return []string{err.Error()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func parseRange(v string) time.Duration {
	if v == "" {
		return time.Hour
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return time.Hour
	}
	return d
}
