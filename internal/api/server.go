package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"eventrelay/internal/dispatcher"
	"eventrelay/internal/domain"
	"eventrelay/internal/ingest"
	"eventrelay/internal/shopconfig"
	"eventrelay/internal/vault"
)

const maxBodyBytes = 1 << 20

// Dispatcher is the event pipeline as seen by HTTP handlers.
type Dispatcher interface {
	ProcessEvent(ctx context.Context, ev domain.Event) (string, error)
	Stats(shop string) domain.DeliveryStats
	ConnectionStatus(ctx context.Context, shop string) (domain.ConnectionStatus, error)
	SendTestEvent(ctx context.Context, shop string, t domain.EventType, props map[string]any) (dispatcher.TestResult, error)
	QueueStats() domain.QueueStats
	Counters() dispatcher.Counters
}

type ConfigStore interface {
	GetConfig(ctx context.Context, shop string) (domain.ShopConfig, error)
	UpdateConfig(ctx context.Context, shop string, u shopconfig.Update) (domain.ShopConfig, error)
}

type DeadLetters interface {
	ListDeadLetters(ctx context.Context, shop string, limit int) ([]domain.DeadLetter, error)
}

type Options struct {
	// WebhookSecret verifies X-Shopify-Hmac-Sha256 on inbound webhooks.
	WebhookSecret string
	// APIKey guards /api. When empty every /api request is rejected.
	APIKey      string
	EnableDebug bool
	Logger      zerolog.Logger
}

type Server struct {
	r           *chi.Mux
	dispatcher  Dispatcher
	configs     ConfigStore
	deadLetters DeadLetters
	opts        Options
	log         zerolog.Logger
}

func NewServer(d Dispatcher, configs ConfigStore, dl DeadLetters, opts Options) http.Handler {
	r := chi.NewRouter()
	s := &Server{r: r, dispatcher: d, configs: configs, deadLetters: dl, opts: opts, log: opts.Logger}
	r.Use(middleware.RequestID, middleware.RealIP, s.requestLogger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Get("/metrics", s.metrics)
	r.Post("/webhooks/{resource}/{action}", s.webhook)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.requireAPIKey)
		r.Post("/events", s.submitEvent)
		r.Get("/dead-letters", s.listDeadLetters)
		r.Route("/shops/{shop}", func(r chi.Router) {
			r.Get("/stats", s.shopStats)
			r.Get("/connections", s.shopConnections)
			r.Get("/config", s.getConfig)
			r.Put("/config", s.updateConfig)
			r.Post("/test-event", s.testEvent)
		})
	})

	// Debug routes (pprof)
	if opts.EnableDebug {
		r.HandleFunc("/debug/pprof/", pprof.Index)
		r.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		r.HandleFunc("/debug/pprof/profile", pprof.Profile)
		r.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		r.HandleFunc("/debug/pprof/trace", pprof.Trace)
		r.Handle("/debug/pprof/goroutine", pprof.Handler("goroutine"))
		r.Handle("/debug/pprof/heap", pprof.Handler("heap"))
	}

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info().
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		provided := r.Header.Get("X-API-Key")
		if s.opts.APIKey == "" || provided == "" ||
			subtle.ConstantTimeCompare([]byte(provided), []byte(s.opts.APIKey)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) metrics(w http.ResponseWriter, r *http.Request) {
	q := s.dispatcher.QueueStats()
	c := s.dispatcher.Counters()
	w.Header().Set("content-type", "text/plain; version=0.0.4")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, "eventrelay_up 1\n")
	fmt.Fprintf(w, "eventrelay_queue_pending %d\n", q.Pending)
	fmt.Fprintf(w, "eventrelay_queue_processing %d\n", q.Processing)
	fmt.Fprintf(w, "eventrelay_events_enqueued_total %d\n", c.Enqueued)
	fmt.Fprintf(w, "eventrelay_events_dispatched_total %d\n", c.Dispatched)
	fmt.Fprintf(w, "eventrelay_events_dead_lettered_total %d\n", c.DeadLettered)
}

// webhook verifies the raw body before decoding it. The topic comes from
// the route, the shop from X-Shopify-Shop-Domain.
func (s *Server) webhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	if err := vault.Authenticate(body, r.Header.Get("X-Shopify-Hmac-Sha256"), s.opts.WebhookSecret); err != nil {
		s.log.Warn().Str("path", r.URL.Path).Msg("webhook signature mismatch")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	topic := chi.URLParam(r, "resource") + "/" + chi.URLParam(r, "action")
	shop := r.Header.Get("X-Shopify-Shop-Domain")
	ev, err := ingest.FromWebhook(topic, shop, body)
	switch {
	case errors.Is(err, ingest.ErrUnknownTopic):
		http.Error(w, "unknown topic", http.StatusNotFound)
		return
	case err != nil:
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	taskID, err := s.dispatcher.ProcessEvent(r.Context(), ev)
	if err != nil {
		s.log.Error().Err(err).Str("shop", shop).Str("topic", topic).Msg("error processing webhook")
		http.Error(w, "error processing webhook", statusFor(err))
		return
	}
	s.log.Info().
		Str("shop", shop).
		Str("topic", topic).
		Str("event_id", ev.ID).
		Str("task_id", taskID).
		Str("webhook_id", r.Header.Get("X-Shopify-Webhook-Id")).
		Msg("webhook received")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

type submitResp struct {
	TaskID  string `json:"taskId"`
	EventID string `json:"eventId"`
}

func (s *Server) submitEvent(w http.ResponseWriter, r *http.Request) {
	var ev domain.Event
	if err := decodeJSON(w, r, &ev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	taskID, err := s.dispatcher.ProcessEvent(r.Context(), ev)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusAccepted, submitResp{TaskID: taskID, EventID: ev.ID})
}

func (s *Server) shopStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.dispatcher.Stats(chi.URLParam(r, "shop")))
}

func (s *Server) shopConnections(w http.ResponseWriter, r *http.Request) {
	status, err := s.dispatcher.ConnectionStatus(r.Context(), chi.URLParam(r, "shop"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type secretFlags struct {
	SegmentWriteKey     bool `json:"segmentWriteKey"`
	FacebookAccessToken bool `json:"facebookAccessToken"`
	BrowserlessToken    bool `json:"browserlessToken"`
}

// configResp never carries secrets, only whether each one is set.
type configResp struct {
	domain.ShopConfig
	SecretsSet secretFlags `json:"secretsSet"`
}

func newConfigResp(cfg domain.ShopConfig) configResp {
	return configResp{
		ShopConfig: shopconfig.Redact(cfg),
		SecretsSet: secretFlags{
			SegmentWriteKey:     cfg.Segment.WriteKey != "",
			FacebookAccessToken: cfg.Facebook.AccessToken != "",
			BrowserlessToken:    cfg.Browserless.Token != "",
		},
	}
}

func (s *Server) getConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.configs.GetConfig(r.Context(), chi.URLParam(r, "shop"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, newConfigResp(cfg))
}

func (s *Server) updateConfig(w http.ResponseWriter, r *http.Request) {
	var u shopconfig.Update
	if err := decodeJSON(w, r, &u); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	cfg, err := s.configs.UpdateConfig(r.Context(), chi.URLParam(r, "shop"), u)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, newConfigResp(cfg))
}

type testEventReq struct {
	EventType  domain.EventType `json:"eventType"`
	Properties map[string]any   `json:"properties"`
}

type testEventResp struct {
	dispatcher.TestResult
	Error string `json:"error,omitempty"`
}

func (s *Server) testEvent(w http.ResponseWriter, r *http.Request) {
	var req testEventReq
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.EventType == "" {
		req.EventType = domain.PageView
	}
	res, err := s.dispatcher.SendTestEvent(r.Context(), chi.URLParam(r, "shop"), req.EventType, req.Properties)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, testEventResp{TestResult: res})
	case errors.Is(err, dispatcher.ErrNoDestinations):
		writeJSON(w, http.StatusUnprocessableEntity, testEventResp{TestResult: res, Error: err.Error()})
	case len(res.Destinations) > 0:
		writeJSON(w, http.StatusBadGateway, testEventResp{TestResult: res, Error: err.Error()})
	default:
		http.Error(w, err.Error(), statusFor(err))
	}
}

func (s *Server) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := s.deadLetters.ListDeadLetters(r.Context(), r.URL.Query().Get("shop"), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []domain.DeadLetter{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownEventType), errors.Is(err, domain.ErrInvalidEvent),
		errors.Is(err, domain.ErrConfiguration):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrAuthentication):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
