package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"iconforge/internal/billing"
	"iconforge/internal/config"
	"iconforge/internal/credits"
	"iconforge/internal/logging"
	"iconforge/internal/models"
	"iconforge/internal/replicate"
	"iconforge/internal/services"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	maxJSONBodyBytes    = 64 << 10
	maxWebhookBodyBytes = 512 << 10
	genericErrorMessage = "An unexpected error occurred. Please try again later."
)

// Service is the application surface the HTTP layer drives.
type Service interface {
	Generate(ctx context.Context, id models.Identity, gen models.GenerationType, req services.GenerateRequest) (credits.Result[services.Generation], error)
	Balance(ctx context.Context, id models.Identity) (models.Balance, error)
	SVGToPNG(svg []byte, size int) ([]byte, error)
	ProxySVG(ctx context.Context, rawURL string) (string, error)
}

type Server struct {
	svc            Service
	webhook        *billing.Webhook
	cfg            config.Config
	resolver       credits.Resolver
	convertLimiter *clientLimiter
	logger         *slog.Logger
}

func NewServer(cfg config.Config, svc Service, webhook *billing.Webhook, logger *slog.Logger) *Server {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Server{
		svc:            svc,
		webhook:        webhook,
		cfg:            cfg,
		resolver:       credits.NewResolver(cfg.IsProduction()),
		convertLimiter: newClientLimiter(cfg.ConvertRatePerMinute),
		logger:         logger.With("component", "http"),
	}
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	// RemoteAddr stays the peer address; identity applies its own header order.
	r.Use(loggingRecoverer(s.logger))
	r.Use(requestLogger(s.logger))
	r.Use(corsMiddleware)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Stripe signs its own requests.
		r.Post("/webhooks/stripe", s.handleStripeWebhook)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/generate-icon", s.handleGenerate(models.GenerationIcon))
			r.Post("/generate-svg", s.handleGenerate(models.GenerationSVG))
			r.Get("/credits", s.handleCredits)
			r.Post("/convert/svg-to-png", s.handleSVGToPNG)
			r.Get("/proxy-svg", s.handleProxySVG)
		})
	})

	return r
}

func (s *Server) handleGenerate(gen models.GenerationType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req services.GenerateRequest
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, errors.New("invalid request body"))
			return
		}
		res, err := s.svc.Generate(r.Context(), s.identity(r), gen, req)
		if err != nil {
			s.respondServiceError(w, r, err, "generate "+string(gen))
			return
		}
		respondResult(w, res)
	}
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	balance, err := s.svc.Balance(r.Context(), s.identity(r))
	if err != nil {
		s.respondServiceError(w, r, err, "credits")
		return
	}
	respondJSON(w, http.StatusOK, balance)
}

func (s *Server) handleSVGToPNG(w http.ResponseWriter, r *http.Request) {
	id := s.identity(r)
	if !s.convertLimiter.Allow(string(id.Type) + ":" + id.Identifier) {
		w.Header().Set("Retry-After", "60")
		respondError(w, http.StatusTooManyRequests, errors.New("too many conversion requests, please try again later"))
		return
	}

	size := 0
	if raw := r.URL.Query().Get("size"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, errors.New("size must be an integer"))
			return
		}
		size = parsed
	}
	svg, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.cfg.ConvertMaxBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			respondError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("svg larger than %d bytes", tooLarge.Limit))
			return
		}
		respondError(w, http.StatusBadRequest, err)
		return
	}

	png, err := s.svc.SVGToPNG(svg, size)
	if err != nil {
		s.respondServiceError(w, r, err, "svg to png")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png)
}

func (s *Server) handleProxySVG(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		respondError(w, http.StatusBadRequest, errors.New("url is required"))
		return
	}
	svg, err := s.svc.ProxySVG(r.Context(), rawURL)
	if err != nil {
		s.respondServiceError(w, r, err, "proxy svg")
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, svg)
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	if s.webhook == nil || !s.webhook.Configured() {
		s.respondServiceError(w, r, billing.ErrStripeNotConfigured, "stripe webhook")
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBodyBytes))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	event, err := s.webhook.ParseEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.webhook.HandleEvent(r.Context(), event); err != nil {
		s.respondServiceError(w, r, err, "stripe webhook "+string(event.Type))
		return
	}
	respondJSON(w, http.StatusOK, map[string]bool{"received": true})
}

func (s *Server) respondServiceError(w http.ResponseWriter, r *http.Request, err error, op string) {
	switch {
	case errors.Is(err, services.ErrInvalidRequest), errors.Is(err, billing.ErrInvalidPayload):
		respondError(w, http.StatusBadRequest, err)
	case errors.Is(err, services.ErrNotFound):
		respondError(w, http.StatusNotFound, err)
	case errors.Is(err, services.ErrNotSVG), errors.Is(err, replicate.ErrNoOutputURL), errors.Is(err, replicate.ErrEmptyOutput):
		respondError(w, http.StatusUnprocessableEntity, err)
	case errors.Is(err, services.ErrUpstream):
		respondError(w, http.StatusBadGateway, err)
	case errors.Is(err, replicate.ErrNotConfigured), errors.Is(err, billing.ErrStripeNotConfigured):
		respondError(w, http.StatusServiceUnavailable, err)
	default:
		s.logger.Error("request failed",
			"request_id", middleware.GetReqID(r.Context()),
			"op", op,
			"error", err,
		)
		if s.cfg.IsProduction() {
			respondJSON(w, http.StatusInternalServerError, ErrorResponse{Error: genericErrorMessage})
			return
		}
		respondError(w, http.StatusInternalServerError, err)
	}
}
