package api

import (
	"net/http"

	"github.com/embedkit/widget-gateway/internal/api/handler"
	customMiddleware "github.com/embedkit/widget-gateway/internal/api/middleware"
	"github.com/embedkit/widget-gateway/internal/config"
	"github.com/embedkit/widget-gateway/internal/extraction"
	"github.com/embedkit/widget-gateway/internal/gateway"
	"github.com/embedkit/widget-gateway/internal/llm"
	"github.com/embedkit/widget-gateway/internal/llm/deepseek"
	"github.com/embedkit/widget-gateway/internal/llm/gemini"
	"github.com/embedkit/widget-gateway/internal/llm/openai"
	"github.com/embedkit/widget-gateway/internal/repository/postgres"
	"github.com/embedkit/widget-gateway/internal/repository/redis"
	"github.com/embedkit/widget-gateway/internal/security"
	"github.com/embedkit/widget-gateway/internal/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// NewRouter creates and configures the HTTP router
func NewRouter(cfg *config.Config, db *postgres.DB, redisClient *redis.Client) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(customMiddleware.Logger)
	r.Use(middleware.Recoverer)

	// The widget embeds on arbitrary host pages
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Security components
	tokens := security.NewTokenService(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)

	encryptionKey := []byte(cfg.Auth.JWTSecret)
	if len(encryptionKey) > 32 {
		encryptionKey = encryptionKey[:32]
	} else if len(encryptionKey) < 32 {
		padded := make([]byte, 32)
		copy(padded, encryptionKey)
		encryptionKey = padded
	}
	encryptor, _ := security.NewEncryptor(encryptionKey)

	// Repositories
	sessionRepo := postgres.NewSessionRepository(db)
	messageRepo := postgres.NewMessageRepository(db)
	voiceRepo := postgres.NewVoiceSessionRepository(db)
	appRepo := postgres.NewAppRepository(db)

	// Redis-backed throttles; optional so the gateway survives without Redis
	var presence *redis.PresenceCache
	var rateLimiter *redis.RateLimiter
	if redisClient != nil {
		presence = redis.NewPresenceCache(redisClient)
		rateLimiter = redis.NewRateLimiter(
			redisClient,
			cfg.Security.RateLimit.MessagesPerMinute,
			cfg.Security.RateLimit.Burst,
		)
	}

	// LLM providers
	llmRouter := llm.NewRouter(cfg.LLM.DefaultProvider)
	log.Info().Str("default", cfg.LLM.DefaultProvider).Msg("initializing LLM providers")
	if cfg.LLM.OpenAI.APIKey != "" {
		llmRouter.RegisterProvider(openai.NewProvider(cfg.LLM.OpenAI.APIKey, cfg.LLM.OpenAI.Model))
	}
	if cfg.LLM.DeepSeek.APIKey != "" {
		llmRouter.RegisterProvider(deepseek.NewProvider(cfg.LLM.DeepSeek.APIKey, cfg.LLM.DeepSeek.Model))
	}
	if cfg.LLM.Gemini.APIKey != "" {
		llmRouter.RegisterProvider(gemini.NewProvider(cfg.LLM.Gemini.APIKey, cfg.LLM.Gemini.Model))
	}

	// Services and gateways
	sessions := service.NewSessionService(sessionRepo, messageRepo, voiceRepo, appRepo, tokens, presence)
	extractor := extraction.NewEngine(llmRouter, cfg.LLM.Timeout)
	hub := gateway.NewHub()

	var limiter gateway.MessageLimiter
	if rateLimiter != nil {
		limiter = rateLimiter
	}
	chatGateway := gateway.NewChatGateway(sessions, tokens, llmRouter, extractor, hub, limiter, cfg.Chat.HistoryWindow, cfg.LLM.Timeout)
	voiceGateway := gateway.NewVoiceGateway(sessions, tokens, hub, nil)

	// Handlers
	sessionHandler := handler.NewSessionHandler(sessions, encryptor, cfg.Server, cfg.Voice)
	widgetAuth := customMiddleware.NewWidgetAuth(tokens)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", handler.HealthCheck)
		r.Get("/ready", handler.ReadyCheck(db))

		r.Route("/sessions", func(r chi.Router) {
			if rateLimiter != nil {
				r.With(customMiddleware.NewRateLimitMiddleware(rateLimiter).Limit).Post("/", sessionHandler.Init)
			} else {
				r.Post("/", sessionHandler.Init)
			}

			r.Route("/{sessionID}", func(r chi.Router) {
				r.Use(widgetAuth.Authenticate)
				r.Get("/messages", sessionHandler.GetMessages)
			})
		})
	})

	// Websocket gateways sit outside the API timeout middleware
	r.Method(http.MethodGet, "/ws/chat", chatGateway)
	if cfg.Voice.Enabled {
		r.Method(http.MethodGet, cfg.Voice.SignalingPath, voiceGateway)
	}

	return r
}
