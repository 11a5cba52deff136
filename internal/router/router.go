package router

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/coreason-ai/gateway/internal/config"
	"github.com/coreason-ai/gateway/internal/handlers"
	"github.com/coreason-ai/gateway/internal/middleware"
	"github.com/coreason-ai/gateway/internal/services/accounting"
	"github.com/coreason-ai/gateway/internal/services/budget"
	"github.com/coreason-ai/gateway/internal/services/retry"
	"github.com/coreason-ai/gateway/internal/services/routing"
	"github.com/coreason-ai/gateway/internal/services/secrets"
)

// Dependencies are the process-wide services the router wires into handlers.
type Dependencies struct {
	Config         *config.Config
	Logger         *zap.Logger
	Routes         *routing.Router
	SecretProvider secrets.Provider
	BudgetManager  *budget.Manager
	Accounting     *accounting.Dispatcher
}

func New(deps *Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(middleware.Logger(deps.Logger))
	r.Use(middleware.MetricsMiddleware(deps.Logger))

	if deps.Config.CORS.Enabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   deps.Config.CORS.AllowedOrigins,
			AllowedMethods:   deps.Config.CORS.AllowedMethods,
			AllowedHeaders:   deps.Config.CORS.AllowedHeaders,
			AllowCredentials: true,
			MaxAge:           deps.Config.CORS.MaxAge,
		}))
	}

	// Public endpoints
	r.Get("/health", handlers.Health)
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	retryCfg := &retry.Config{
		MaxAttempts: deps.Config.Retry.MaxAttempts,
		WaitMin:     deps.Config.Retry.WaitMin,
		WaitMax:     deps.Config.Retry.WaitMax,
		MaxElapsed:  deps.Config.Retry.MaxElapsed,
	}

	chatHandler := handlers.NewChatHandler(
		deps.Logger,
		deps.Routes,
		deps.SecretProvider,
		deps.BudgetManager,
		deps.Accounting,
		retryCfg,
	)

	authMiddleware := middleware.NewAuthMiddleware(&middleware.AuthConfig{
		Logger:      deps.Logger,
		AccessToken: deps.Config.Gateway.AccessToken,
		SkipPaths:   []string{"/health", "/metrics"},
	})

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Authenticate)

		r.Route("/v1", func(r chi.Router) {
			r.Post("/chat/completions", chatHandler.ChatCompletions)
		})
	})

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"detail": "Not found"})
	})

	return r
}
