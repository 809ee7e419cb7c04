package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/crosslogic/billing-service/internal/billing"
	"github.com/crosslogic/billing-service/internal/config"
	"github.com/crosslogic/billing-service/internal/store"
	"github.com/crosslogic/billing-service/pkg/cache"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Gateway is the HTTP surface of the billing service
type Gateway struct {
	engine         *billing.Engine
	store          store.Store
	cache          *cache.Cache
	logger         *zap.Logger
	authenticator  *Authenticator
	rateLimiter    UsageRateLimiter
	router         *chi.Mux
	webhookHandler *billing.WebhookHandler
	cfg            config.SecurityConfig
	metricsPath    string
}

// NewGateway creates a new API gateway. cacheClient may be nil; usage rate
// limits then fall back to a process-local bucket.
func NewGateway(
	engine *billing.Engine,
	s store.Store,
	cacheClient *cache.Cache,
	webhookHandler *billing.WebhookHandler,
	logger *zap.Logger,
	cfg config.SecurityConfig,
	metricsPath string,
) *Gateway {
	if metricsPath == "" {
		metricsPath = "/metrics"
	}

	g := &Gateway{
		engine:         engine,
		store:          s,
		cache:          cacheClient,
		logger:         logger,
		authenticator:  NewAuthenticator(cfg.ServiceToken),
		router:         chi.NewRouter(),
		webhookHandler: webhookHandler,
		cfg:            cfg,
		metricsPath:    metricsPath,
	}

	if limit := cfg.UsageRateLimitPerMinute; limit > 0 {
		if cacheClient != nil {
			g.rateLimiter = NewRateLimiter(cacheClient, int64(limit), logger)
		} else {
			g.rateLimiter = NewLocalRateLimiter(limit, time.Minute)
		}
	}

	g.setupRoutes()
	return g
}

// setupRoutes configures the HTTP routes
func (g *Gateway) setupRoutes() {
	g.router.Use(middleware.RequestID)
	g.router.Use(middleware.RealIP)
	g.router.Use(g.loggerMiddleware)
	g.router.Use(g.metricsMiddleware)
	g.router.Use(middleware.Recoverer)
	g.router.Use(middleware.Timeout(60 * time.Second))
	g.router.Use(SecurityMiddleware(DefaultHeaderPolicy()))

	origins := g.cfg.CORSAllowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:3000"}
	}
	g.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Idempotency-Key", ServiceTokenHeader},
		ExposedHeaders:   []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	g.registerMetrics()

	// Health check (no auth required)
	g.router.Get("/health", g.handleHealth)
	g.router.Get("/ready", g.handleReady)

	// Stripe webhook endpoint (no auth - uses signature verification)
	if g.webhookHandler != nil {
		g.router.Post("/api/webhooks/stripe", g.webhookHandler.HandleWebhook)
	}

	g.router.Route("/v1", func(r chi.Router) {
		r.Use(g.authMiddleware)
		r.Use(APISecurityMiddleware())
		r.Use(RequestSizeLimitMiddleware(g.cfg.MaxRequestBodyBytes))

		r.Post("/usage", g.handleRecordUsage)

		r.Post("/companies", g.handleCreateCompany)
		r.Route("/companies/{company_id}", func(r chi.Router) {
			r.Get("/billing", g.handleGetBilling)
			r.Put("/settings", g.handleUpdateSettings)
			r.Put("/payment-method", g.handleAttachPaymentMethod)
			r.Post("/recharge", g.handleManualRecharge)

			r.Post("/invoices", g.handleGenerateInvoice)
			r.Get("/invoices", g.handleListInvoices)

			r.Get("/usage", g.handleUsageSummary)
			r.Get("/usage/jobs", g.handleUsageByJob)
			r.Get("/usage/months", g.handleUsageByMonth)
		})

		r.Get("/invoices/{invoice_id}", g.handleGetInvoice)
		r.Post("/invoices/{invoice_id}/refund", g.handleRefundInvoice)

		r.Put("/pricing", g.handleSetPricing)

		r.Post("/payments/recharge-result", g.handleRechargeResult)
	})
}

// ServeHTTP implements http.Handler
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.router.ServeHTTP(w, r)
}

// StartHealthMetrics starts a background goroutine to update dependency health metrics
func (g *Gateway) StartHealthMetrics(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(15 * time.Second)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.updateHealthMetrics(ctx)
			}
		}
	}()
}

func (g *Gateway) updateHealthMetrics(ctx context.Context) {
	storeStatus := 0.0
	if err := g.store.Health(ctx); err == nil {
		storeStatus = 1.0
	}
	dependencyUp.WithLabelValues("store").Set(storeStatus)

	if g.cache != nil {
		redisStatus := 0.0
		if err := g.cache.Health(ctx); err == nil {
			redisStatus = 1.0
		}
		dependencyUp.WithLabelValues("redis").Set(redisStatus)
	}
}

func (g *Gateway) loggerMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		g.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if err := g.store.Health(ctx); err != nil {
		g.writeError(w, http.StatusServiceUnavailable, "not_ready", "store not ready")
		return
	}

	if g.cache != nil {
		if err := g.cache.Health(ctx); err != nil {
			g.writeError(w, http.StatusServiceUnavailable, "not_ready", "cache not ready")
			return
		}
	}

	g.writeJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}

func (g *Gateway) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		g.logger.Debug("failed to encode response", zap.Error(err))
	}
}

// ErrorBody is the JSON shape of every error response.
type ErrorBody struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries a stable machine code and a human message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (g *Gateway) writeError(w http.ResponseWriter, statusCode int, code, message string) {
	g.writeJSON(w, statusCode, ErrorBody{Error: ErrorDetail{Code: code, Message: message}})
}

// writeBillingError maps a billing error onto its HTTP status.
func (g *Gateway) writeBillingError(w http.ResponseWriter, r *http.Request, err error) {
	code := billing.CodeOf(err)
	status := statusForCode(code)

	var be *billing.Error
	if status == http.StatusInternalServerError || !errors.As(err, &be) {
		g.logger.Error("request failed",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		g.writeError(w, http.StatusInternalServerError, string(billing.CodeInternal), "internal error")
		return
	}

	g.writeError(w, status, string(code), be.Message)
}

func statusForCode(code billing.Code) int {
	switch code {
	case billing.CodeValidation:
		return http.StatusBadRequest
	case billing.CodeCompanyNotFound, billing.CodeInvoiceNotFound:
		return http.StatusNotFound
	case billing.CodeSpendCapExceeded, billing.CodeRechargeFailed:
		return http.StatusPaymentRequired
	case billing.CodeCompanySuspended, billing.CodePaymentPastDue:
		return http.StatusForbidden
	case billing.CodeConcurrencyConflict:
		return http.StatusConflict
	case billing.CodePricingUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// decodeJSON decodes the request body into v.
func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (g *Gateway) badRequest(w http.ResponseWriter, message string) {
	g.writeError(w, http.StatusBadRequest, string(billing.CodeValidation), message)
}

// uuidParam parses a UUID path parameter, writing a 400 on failure.
func (g *Gateway) uuidParam(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		g.badRequest(w, fmt.Sprintf("invalid %s", name))
		return uuid.Nil, false
	}
	return id, true
}
