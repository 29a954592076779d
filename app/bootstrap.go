package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"shopperspoint/internal/auth"
	"shopperspoint/internal/db"
	"shopperspoint/internal/janitor"
	"shopperspoint/internal/mail"
	"shopperspoint/internal/maintenance"
	"shopperspoint/internal/observability"
	"shopperspoint/internal/revocation"
	"shopperspoint/internal/sidetoken"
	"shopperspoint/internal/token"
)

type Options struct {
	LoadDotEnv    bool
	RunMigrations bool
	StartJanitor  bool
}

type Runtime struct {
	Handler http.Handler
	Close   func() error
}

func Build(options Options) (*Runtime, error) {
	if options.LoadDotEnv {
		_ = godotenv.Load()
	}

	logger := observability.NewLogger()

	databaseURL, err := mustEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := mustEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	if err := observability.InitSentry(os.Getenv("SENTRY_DSN"), envOrDefault("APP_ENV", "development"), os.Getenv("APP_RELEASE")); err != nil {
		logger.Error("init_sentry_failed", map[string]any{"error": err.Error()})
	}

	database, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	database.SetMaxOpenConns(envIntOrDefault("DB_MAX_OPEN_CONNS", 10))
	database.SetMaxIdleConns(envIntOrDefault("DB_MAX_IDLE_CONNS", 5))
	database.SetConnMaxLifetime(envMinutesOrDefault("DB_CONN_MAX_LIFETIME_MINUTES", 30))
	database.SetConnMaxIdleTime(envMinutesOrDefault("DB_CONN_MAX_IDLE_TIME_MINUTES", 10))

	if err := database.Ping(); err != nil {
		_ = database.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if options.RunMigrations {
		if err := db.RunMigrations(database); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
	}

	codec := token.NewCodec(
		jwtSecret,
		envMinutesOrDefault("ACCESS_TOKEN_TTL_MINUTES", 15),
		envHoursOrDefault("REFRESH_TOKEN_TTL_HOURS", 168),
	)

	var mailer mail.Mailer
	if apiKey := strings.TrimSpace(os.Getenv("SENDGRID_API_KEY")); apiKey != "" {
		mailer = mail.NewSendGridMailer(
			apiKey,
			envOrDefault("MAIL_FROM_NAME", "ShoppersPoint"),
			envOrDefault("MAIL_FROM_ADDRESS", "no-reply@shopperspoint.example"),
			envOrDefault("APP_URL", "http://localhost:8080"),
		)
	} else {
		logger.Info("mailer_disabled", map[string]any{"reason": "no SENDGRID_API_KEY, logging mails instead"})
		mailer = mail.NewLogMailer(logger)
	}

	accountRepo := auth.NewRepository(database)
	registry := revocation.NewRegistry(database)
	sideTokens := sidetoken.NewStore(database)

	authService := auth.NewService(accountRepo, registry, sideTokens, codec, mailer,
		logger.With(map[string]any{"component": "auth"}))
	authService.WithSecurityConfig(
		envIntOrDefault("LOGIN_LOCK_THRESHOLD", 3),
		envDaysOrDefault("PASSWORD_MAX_AGE_DAYS", 90),
		envHoursOrDefault("ACTIVATION_TOKEN_TTL_HOURS", 3),
		envMinutesOrDefault("RESET_TOKEN_TTL_MINUTES", 15),
	)
	authHandler := auth.NewHandler(authService)

	sweeper := janitor.New(
		sideTokens,
		registry,
		logger.With(map[string]any{"component": "janitor"}),
		envDaysOrDefault("REVOCATION_RETENTION_DAYS", 30),
	)
	if options.StartJanitor {
		if err := sweeper.Start(); err != nil {
			_ = database.Close()
			return nil, fmt.Errorf("start janitor: %w", err)
		}
	}

	cleanupHandler := maintenance.NewCleanupHandler(sweeper, logger, os.Getenv("CRON_SECRET"))

	throttle := auth.NewThrottle(
		envIntOrDefault("AUTH_RATE_LIMIT_MAX", 10),
		envSecondsOrDefault("AUTH_RATE_LIMIT_WINDOW_SECONDS", 60),
	)

	mux := http.NewServeMux()
	mux.Handle("POST /auth/login", throttle.Middleware(http.HandlerFunc(authHandler.Login)))
	mux.HandleFunc("POST /auth/logout", authHandler.Logout)
	mux.HandleFunc("POST /auth/register", authHandler.Register)
	mux.HandleFunc("PUT /auth/activate", authHandler.Activate)
	mux.Handle("POST /auth/resend-activation", throttle.Middleware(http.HandlerFunc(authHandler.ResendActivation)))
	mux.Handle("POST /auth/forgot-password", throttle.Middleware(http.HandlerFunc(authHandler.ForgotPassword)))
	mux.HandleFunc("PUT /auth/reset-password", authHandler.ResetPassword)
	mux.Handle("GET /me", auth.RequireAuth(http.HandlerFunc(whoAmI)))
	mux.HandleFunc("GET /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("POST /internal/maintenance/cleanup", cleanupHandler.Handle)
	mux.HandleFunc("GET /health", healthHandler(database))

	handler := observability.RecoverMiddleware(logger,
		observability.RequestLoggingMiddleware(logger,
			authService.Authenticate(mux)))

	return &Runtime{
		Handler: handler,
		Close: func() error {
			if options.StartJanitor {
				sweeper.Stop()
			}
			observability.FlushSentry()
			return database.Close()
		},
	}, nil
}

func whoAmI(w http.ResponseWriter, r *http.Request) {
	email, _ := auth.IdentityFrom(r.Context())
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"email": email})
}

func healthHandler(database *sql.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		status := http.StatusOK
		body := map[string]any{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)}
		if err := database.PingContext(ctx); err != nil {
			status = http.StatusServiceUnavailable
			body = map[string]any{"status": "degraded", "time": time.Now().UTC().Format(time.RFC3339)}
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(body)
	}
}

func mustEnv(name string) (string, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return "", fmt.Errorf("missing required env: %s", name)
	}
	return value, nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func envIntOrDefault(name string, fallback int) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil || parsed <= 0 {
		return fallback
	}
	return parsed
}

func envMinutesOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Minute
}

func envHoursOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Hour
}

func envDaysOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * 24 * time.Hour
}

func envSecondsOrDefault(name string, fallback int) time.Duration {
	return time.Duration(envIntOrDefault(name, fallback)) * time.Second
}

func EnvBoolOrDefault(name string, fallback bool) bool {
	value := strings.TrimSpace(strings.ToLower(os.Getenv(name)))
	if value == "" {
		return fallback
	}

	switch value {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
