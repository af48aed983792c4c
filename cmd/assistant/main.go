package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/boddenberg/pharmacy-assistant-go/internal/config"
	"github.com/boddenberg/pharmacy-assistant-go/internal/handler"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/cache"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/client"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/llm"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/observability"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/resilience"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/sandbox"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/session"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/store"
	"github.com/boddenberg/pharmacy-assistant-go/internal/infra/whatsapp"
	"github.com/boddenberg/pharmacy-assistant-go/internal/port"
	"github.com/boddenberg/pharmacy-assistant-go/internal/service"
	"github.com/boddenberg/pharmacy-assistant-go/internal/workflow"

	twilioclient "github.com/twilio/twilio-go/client"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	// --- Config ---
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	// --- Logger ---
	logger := observability.NewLogger(cfg.LogLevel)
	defer logger.Sync()

	logger.Info("configuration loaded",
		zap.Int("port", cfg.Port),
		zap.String("log_level", cfg.LogLevel),
		zap.Bool("sandbox", cfg.Sandbox),
		zap.Bool("payments_enabled", cfg.PaymentsEnabled),
		zap.Bool("redis", cfg.RedisURL != ""),
		zap.String("database_driver", cfg.DatabaseDriver),
		zap.Duration("http_timeout", cfg.HTTPTimeout),
		zap.Duration("external_call_timeout", cfg.ExternalCallTimeout),
		zap.Duration("cache_ttl", cfg.CacheTTL),
		zap.Duration("session_ttl", cfg.SessionTTL),
		zap.Int("max_retries", cfg.MaxRetries),
		zap.Duration("initial_backoff", cfg.InitialBackoff),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// --- Tracing ---
	shutdownTracer, err := observability.InitTracer(ctx, "pharmacy-assistant", cfg.OTLPEndpoint)
	if err != nil {
		logger.Fatal("failed to init tracer", zap.Error(err))
	}
	defer shutdownTracer(context.Background())

	// --- Metrics ---
	metrics := observability.NewMetrics()

	// --- Resilience ---
	resilienceCfg := resilience.Config{
		MaxRetries:     cfg.MaxRetries,
		InitialBackoff: cfg.InitialBackoff,
		MaxConcurrency: cfg.MaxConcurrency,
	}
	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}

	// --- ERP & payment gateway ---
	var (
		identity port.IdentityLookup
		balance  port.BalanceLookup
		receipts port.ReceiptService
		payments port.PaymentGateway
		approver handler.PaymentApprover
	)
	if cfg.Sandbox {
		logger.Warn("sandbox mode: ERP and payment gateway are in-memory fakes")
		erp := sandbox.NewSeededERP()
		gw := sandbox.NewGateway("")
		identity, balance, receipts, payments, approver = erp, erp, erp, gw, gw
	} else {
		plex := client.NewPlexClient(httpClient, cfg.PlexAPIURL, cfg.PlexAPIUser, cfg.PlexAPIPassword,
			resilience.NewCircuitBreaker("plex"), resilienceCfg)
		identity, balance, receipts = plex, plex, plex
		if cfg.PaymentsEnabled {
			payments = client.NewMercadoPagoClient(httpClient, cfg.MercadoPagoAPIURL, cfg.MercadoPagoAccessToken,
				cfg.PaymentNotificationURL, resilience.NewCircuitBreaker("mercadopago"), resilienceCfg)
		}
	}

	// --- LLM ---
	var (
		classifier port.IntentClassifier
		responder  port.ResponseGenerator
	)
	if cfg.OpenAIAPIKey != "" {
		model := llm.New(cfg.OpenAIAPIKey, cfg.OpenAIModel, resilience.NewCircuitBreaker("openai"), metrics, logger)
		classifier, responder = model, model
	} else {
		logger.Warn("OPENAI_API_KEY not set: keyword intent detection and canned replies only")
	}

	// --- Engine ---
	engine, err := workflow.New(workflow.Dependencies{
		Identity:        identity,
		Balance:         balance,
		Receipts:        receipts,
		Payments:        payments,
		Classifier:      classifier,
		Responder:       responder,
		PaymentsEnabled: cfg.PaymentsEnabled,
		Timeout:         cfg.ExternalCallTimeout,
	}, metrics, logger)
	if err != nil {
		logger.Fatal("failed to build workflow", zap.Error(err))
	}

	health := map[string]handler.Pinger{}

	// --- Sessions ---
	var sessions port.SessionStore
	if cfg.RedisURL != "" {
		rdb, err := session.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal("failed to connect to redis", zap.Error(err))
		}
		defer rdb.Close()
		redisStore := session.NewRedisStore(rdb, cfg.SessionTTL, logger)
		sessions = redisStore
		health["redis"] = redisStore
	} else {
		logger.Warn("REDIS_URL not set: sessions are kept in memory and lost on restart")
		mem := session.NewMemoryStore(cfg.SessionTTL)
		defer mem.Close()
		sessions = mem
	}

	// --- Database ---
	var (
		dedup      port.DedupStore
		vocabStore port.VocabularyStore
		db         *store.Store
	)
	if cfg.DatabaseDSN != "" {
		db, err = store.Open(ctx, cfg.DatabaseDriver, cfg.DatabaseDSN, logger)
		if err != nil {
			logger.Fatal("failed to open database", zap.Error(err))
		}
		defer db.Close()
		dedup, vocabStore = db, db
		health["database"] = db
	} else {
		logger.Warn("DATABASE_DSN not set: no deduplication and no vocabulary overrides")
	}

	// --- Vocabulary ---
	base := workflow.DefaultVocabularySet()
	if cfg.VocabularyFile != "" {
		data, err := os.ReadFile(cfg.VocabularyFile)
		if err != nil {
			logger.Fatal("failed to read vocabulary file", zap.String("path", cfg.VocabularyFile), zap.Error(err))
		}
		set, err := workflow.ParseVocabularySet(data)
		if err != nil {
			logger.Fatal("invalid vocabulary file", zap.String("path", cfg.VocabularyFile), zap.Error(err))
		}
		base = base.Merge(&set)
		if _, err := workflow.CompileVocabulary(base); err != nil {
			logger.Fatal("invalid vocabulary file", zap.String("path", cfg.VocabularyFile), zap.Error(err))
		}
	}
	vocabCache := cache.New[*workflow.Vocabulary](cfg.CacheTTL)
	defer vocabCache.Close()
	resolver := service.NewVocabularyResolver(vocabStore, base, vocabCache, metrics, logger)

	// --- WhatsApp ---
	var (
		sender     port.MessageSender
		signatures handler.SignatureValidator
	)
	if cfg.TwilioEnabled() {
		s, err := whatsapp.NewSender(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioFromNumber,
			resilience.NewCircuitBreaker("twilio"), resilienceCfg, metrics, logger)
		if err != nil {
			logger.Fatal("failed to create whatsapp sender", zap.Error(err))
		}
		sender = s
		if cfg.PublicBaseURL != "" {
			v := twilioclient.NewRequestValidator(cfg.TwilioAuthToken)
			signatures = &v
		} else {
			logger.Warn("PUBLIC_BASE_URL not set: WhatsApp webhook signatures are not verified")
		}
	} else {
		logger.Warn("Twilio not configured: replies are not pushed to WhatsApp")
	}

	// --- Services ---
	conversations := service.NewConversationService(engine, sessions, dedup, sender, payments, resolver,
		service.Options{DefaultOrganizationID: cfg.DefaultOrganizationID, MaxErrors: cfg.MaxErrors},
		metrics, logger)

	var tokens *service.TokenService
	if cfg.JWTSecret != "" {
		tokens = service.NewTokenService(cfg.JWTSecret, cfg.JWTAccessTTL)
	} else {
		logger.Warn("JWT_SECRET not set: conversation API disabled")
	}

	// --- Router ---
	router := handler.NewRouter(handler.Dependencies{
		Conversations:  conversations,
		Vocabulary:     resolver,
		Tokens:         tokens,
		Health:         health,
		Signatures:     signatures,
		PublicBaseURL:  cfg.PublicBaseURL,
		WebhookTimeout: 4 * cfg.ExternalCallTimeout,
		Bulkhead:       resilience.NewBulkhead(cfg.MaxConcurrency),
		Sandbox:        approver,
	}, metrics, logger)

	// --- Server ---
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("server starting", zap.Int("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})

	if db != nil {
		g.Go(func() error {
			purgeDedup(gCtx, db, cfg.DedupRetention, logger)
			return nil
		})
	}

	// --- Graceful shutdown ---
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("server shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server stopped with error", zap.Error(err))
		return
	}
	logger.Info("server stopped")
}

// purgeDedup deletes dedup records older than retention once an hour.
func purgeDedup(ctx context.Context, db *store.Store, retention time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeDedup(ctx, time.Now().Add(-retention))
			if err != nil {
				logger.Warn("dedup purge failed", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Info("dedup records purged", zap.Int64("rows", n))
			}
		}
	}
}
