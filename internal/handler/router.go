package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/resilience"
	"github.com/boddenberg/pharmacy-assistant-go/internal/service"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("handler")

// Pinger is a dependency reported by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SignatureValidator checks the X-Twilio-Signature of an inbound webhook.
// *twilio-go/client.RequestValidator satisfies it.
type SignatureValidator interface {
	Validate(url string, params map[string]string, expectedSignature string) bool
}

// PaymentApprover settles sandbox payments. Only wired in sandbox mode.
type PaymentApprover interface {
	Approve(externalReference string) (string, error)
}

// Dependencies are the collaborators of the HTTP layer. Only Conversations
// is required for the conversation routes; everything else is optional.
type Dependencies struct {
	Conversations *service.ConversationService
	Vocabulary    *service.VocabularyResolver
	Tokens        *service.TokenService
	// Health lists named dependencies pinged by /healthz.
	Health map[string]Pinger
	// Signatures, when set, rejects WhatsApp webhooks with a bad signature.
	Signatures SignatureValidator
	// PublicBaseURL is the externally visible base URL Twilio signs against.
	PublicBaseURL string
	// SyncWebhooks runs webhook turns inside the request instead of in the
	// background.
	SyncWebhooks bool
	// WebhookTimeout bounds a background webhook turn.
	WebhookTimeout time.Duration
	// Bulkhead caps concurrent background webhook turns.
	Bulkhead *resilience.Bulkhead
	// Sandbox enables the dev payment approval route.
	Sandbox PaymentApprover
}

// NewRouter creates the HTTP router with all routes and middleware.
func NewRouter(deps Dependencies, metrics *observability.Metrics, logger *zap.Logger) http.Handler {
	if deps.WebhookTimeout <= 0 {
		deps.WebhookTimeout = 60 * time.Second
	}

	r := chi.NewRouter()

	// --- Middleware ---
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(observability.ZapLoggerMiddleware(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))

	// --- Operational endpoints ---
	r.Get("/healthz", healthzHandler(deps.Health, logger))
	r.Get("/readyz", readyzHandler())
	if metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	}

	r.Route("/v1", func(r chi.Router) {
		// =============================================
		// Channel webhooks (provider-authenticated)
		// =============================================
		if deps.Conversations != nil {
			wh := &webhooks{deps: deps, logger: logger}
			r.Post("/webhooks/whatsapp", wh.whatsapp)
			r.Post("/webhooks/payments", wh.payments)
		}

		// =============================================
		// Conversation API (JWT)
		// =============================================
		if deps.Tokens == nil {
			r.Handle("/conversations/*", unavailable("conversation API disabled: JWT_SECRET not configured"))
			r.Handle("/organizations/*", unavailable("conversation API disabled: JWT_SECRET not configured"))
			return
		}

		r.Group(func(r chi.Router) {
			r.Use(JWTAuthMiddleware(deps.Tokens, logger))

			if deps.Conversations != nil {
				r.Post("/conversations/{phone}/messages", sendMessageHandler(deps.Conversations, logger))
				r.Get("/conversations/{phone}", getConversationHandler(deps.Conversations, logger))
				r.Delete("/conversations/{phone}", resetConversationHandler(deps.Conversations, logger))
			}
			if deps.Vocabulary != nil {
				r.Get("/organizations/{org}/vocabulary", getVocabularyHandler(deps.Vocabulary, logger))
				r.Put("/organizations/{org}/vocabulary", putVocabularyHandler(deps.Vocabulary, logger))
			}
			r.Get("/metrics/conversations", conversationMetricsHandler(metrics))

			if deps.Sandbox != nil && deps.Conversations != nil {
				r.Post("/dev/payments/{reference}/approve", devApprovePaymentHandler(deps.Sandbox, deps.Conversations, logger))
			}
		})
	})

	return r
}

func unavailable(msg string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusServiceUnavailable, msg)
	}
}

// ============================================================
// Operational
// ============================================================

func healthzHandler(checks map[string]Pinger, logger *zap.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		now := time.Now().Format(time.RFC3339)

		services := []domain.ServiceHealth{
			{Name: "pharmacy-assistant", Status: "healthy", LastChecked: now},
		}
		for name, p := range checks {
			start := time.Now()
			err := p.Ping(ctx)
			status := "healthy"
			if err != nil {
				status = "unhealthy"
				logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			}
			services = append(services, domain.ServiceHealth{
				Name:        name,
				Status:      status,
				LatencyMs:   time.Since(start).Milliseconds(),
				LastChecked: now,
			})
		}

		overallStatus := "healthy"
		for _, s := range services {
			if s.Status == "unhealthy" {
				overallStatus = "degraded"
				break
			}
		}

		writeJSON(w, http.StatusOK, domain.HealthStatus{
			Status:   overallStatus,
			Services: services,
		})
	}
}

func readyzHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	}
}

func conversationMetricsHandler(metrics *observability.Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if metrics == nil {
			writeJSON(w, http.StatusOK, &domain.ConversationMetrics{})
			return
		}
		writeJSON(w, http.StatusOK, metrics.GetSnapshot())
	}
}
