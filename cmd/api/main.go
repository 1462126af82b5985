package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/BradenHooton/revguard/internal/auth"
	"github.com/BradenHooton/revguard/internal/background"
	"github.com/BradenHooton/revguard/internal/config"
	"github.com/BradenHooton/revguard/internal/database"
	"github.com/BradenHooton/revguard/internal/handlers"
	middlewareCustom "github.com/BradenHooton/revguard/internal/middleware"
	"github.com/BradenHooton/revguard/internal/repositories"
	"github.com/BradenHooton/revguard/internal/routes"
	"github.com/BradenHooton/revguard/internal/services"
	pkghttp "github.com/BradenHooton/revguard/pkg/http"
	pkglogger "github.com/BradenHooton/revguard/pkg/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", slog.Any("error", err))
		os.Exit(1)
	}

	logger = newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)
	logger.Info("configuration loaded", slog.String("env", cfg.Server.Env))

	// Initialize database
	db, err := database.NewConnection(&cfg.Database, logger)
	if err != nil {
		logger.Error("failed to connect to database", slog.Any("error", err))
		os.Exit(1)
	}
	defer db.Close()

	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := db.Migrate(startupCtx); err != nil {
		startupCancel()
		logger.Error("failed to run migrations", slog.Any("error", err))
		os.Exit(1)
	}

	clock := auth.SystemClock{}
	random := auth.CryptoRandom{}

	// Repositories
	userRepo := repositories.NewUserRepository(db)
	attemptRepo := repositories.NewAuthAttemptRepository(db)
	eventRepo := repositories.NewSecurityEventRepository(db)

	healthChecks := map[string]handlers.HealthCheckFunc{
		"database": db.HealthCheck,
	}

	var sessionRepo services.SessionRepository = repositories.NewSessionRepository(db)
	if cfg.Redis.Enabled {
		client := redis.NewUniversalClient(&redis.UniversalOptions{
			Addrs:    cfg.Redis.Addrs,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()

		redisRepo := repositories.NewRedisSessionRepository(client, cfg.Redis.KeyPrefix, cfg.Security.SessionTimeout, cfg.Security.ActivityTimeout)
		if err := redisRepo.Ping(startupCtx); err != nil {
			startupCancel()
			logger.Error("failed to connect to redis", slog.Any("error", err))
			os.Exit(1)
		}
		sessionRepo = redisRepo
		healthChecks["redis"] = redisRepo.Ping
		logger.Info("using redis session store", slog.Int("addrs", len(cfg.Redis.Addrs)))
	}

	// Ordered write-behind queue for every persisted mutation
	writer := background.NewWriteBehind(cfg.Security.WriteQueueSize, cfg.Security.WriteTimeout, logger)
	writerCtx, writerCancel := context.WithCancel(context.Background())
	defer writerCancel()
	writer.Start(writerCtx)

	// Security core
	events := services.NewSecurityEventLog(services.EventLogConfig{
		MaxEntries: cfg.Security.EventLogMaxEntries,
		MaxAge:     cfg.Security.EventLogMaxAge,
	}, clock, random, eventRepo, writer, logger)

	limiter := services.NewRateLimiter(services.RateLimitConfig{
		MaxAttempts:     cfg.Security.MaxAttempts,
		LockoutDuration: cfg.Security.LockoutDuration,
		Window:          cfg.Security.AttemptWindow,
	}, clock, attemptRepo, writer, events, logger)

	if err := limiter.Restore(startupCtx); err != nil {
		logger.Error("failed to restore rate limit state", slog.Any("error", err))
	}
	if err := events.Restore(startupCtx); err != nil {
		logger.Error("failed to restore security event log", slog.Any("error", err))
	}

	tokenManager := auth.NewTokenManager(cfg.Auth.JWTSecret, cfg.Auth.TokenExpiry, clock)
	identity := services.NewLocalIdentityProvider(userRepo, tokenManager, logger)

	// Bootstrap the owner account if configured
	if cfg.Auth.AdminEmail != "" && cfg.Auth.AdminPassword != "" {
		created, err := identity.EnsureUser(startupCtx, cfg.Auth.AdminEmail, cfg.Auth.AdminPassword, cfg.Auth.AdminName, cfg.Auth.AdminMFA)
		if err != nil {
			logger.Error("failed to ensure admin user", slog.Any("error", err))
		} else if created {
			logger.Info("admin user created", slog.String("email", pkglogger.SanitizedEmail(cfg.Auth.AdminEmail)))
		}
	} else {
		logger.Info("no ADMIN_EMAIL or ADMIN_PASSWORD set, skipping admin user creation")
	}
	startupCancel()

	sessions := services.NewSessionStore(services.SessionConfig{
		SessionTimeout:          cfg.Security.SessionTimeout,
		ActivityTimeout:         cfg.Security.ActivityTimeout,
		RefreshThreshold:        cfg.Security.RefreshThreshold,
		IdentityTimeout:         cfg.Auth.IdentityTimeout,
		ActivityPersistInterval: cfg.Security.ActivityPersistInterval,
		SharedRepository:        cfg.Redis.Enabled,
	}, services.SessionStoreDeps{
		Clock:     clock,
		Random:    random,
		Repo:      sessionRepo,
		Persister: writer,
		Refresher: identity,
		Events:    events,
		Threats:   events,
		Logger:    logger,
	})

	mfa := services.NewMFAChallengeManager(services.MFAConfig{CodeExpiry: cfg.Security.MFACodeExpiry}, clock, random, logger)

	var sender services.MFACodeSender
	switch cfg.Email.Provider {
	case "ses":
		sender, err = services.NewSESMFACodeSender(cfg.Email.Region, cfg.Email.FromAddress, cfg.Security.MFACodeExpiry, userRepo, logger)
		if err != nil {
			logger.Error("failed to initialize email service", slog.Any("error", err))
			os.Exit(1)
		}
	default:
		sender = services.NewLogMFACodeSender(cfg.Server.Env, logger)
	}

	authService := services.NewAuthService(services.AuthConfig{
		IdentityTimeout: cfg.Auth.IdentityTimeout,
	}, services.AuthServiceDeps{
		Identity: identity,
		Limiter:  limiter,
		Sessions: sessions,
		MFA:      mfa,
		CSRF: auth.NewCSRFTokenManager(auth.CSRFConfig{
			TokenLength: cfg.Security.CSRFTokenLength,
			Capacity:    cfg.Security.CSRFCapacity,
		}, random, events, logger),
		Detector: services.NewThreatDetector(cfg.Security.MaxInputLength, events, logger),
		Events:   events,
		Sender:   sender,
		Timing: auth.NewTimingDelay(auth.TimingConfig{
			BaseDelay:   cfg.Security.TimingBaseDelay,
			RandomDelay: cfg.Security.TimingRandomDelay,
		}, random),
		Clock:  clock,
		Logger: logger,
	})

	// Periodic cleanup
	scheduler := background.NewCleanupScheduler(background.CleanupConfig{
		FastInterval: cfg.Security.FastCleanupInterval,
		SlowInterval: cfg.Security.SlowCleanupInterval,
	}, logger)
	scheduler.OnFastTick("rate_limits", limiter.PurgeExpired)
	scheduler.OnFastTick("mfa_challenges", mfa.PurgeExpired)
	scheduler.OnFastTick("sessions", sessions.PurgeExpired)
	scheduler.OnSlowTick("security_events", events.Prune)

	// Handlers
	ipConfig := &pkghttp.IPConfig{TrustedProxies: cfg.Server.TrustedProxies}
	cookies := auth.CookieConfig{
		Domain:          cfg.Cookie.Domain,
		Secure:          cfg.Cookie.Secure,
		SameSite:        cfg.Cookie.SameSite,
		SessionLifetime: cfg.Security.SessionTimeout,
	}

	// Setup router
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middlewareCustom.SecurityHeaders(middlewareCustom.SecurityHeadersConfig{Env: cfg.Server.Env}))
	router.Use(middlewareCustom.CORS(middlewareCustom.DefaultCORSConfig(cfg.Server.AllowedOrigins)))
	router.Use(middlewareCustom.SecureLogger(logger))
	router.Use(middleware.Recoverer)
	router.Use(middleware.Timeout(60 * time.Second))

	routes.RegisterRoutes(router, routes.Dependencies{
		Auth:     handlers.NewAuthHandler(authService, ipConfig, cookies, clock, logger),
		Security: handlers.NewSecurityHandler(authService),
		Health:   handlers.NewHealthHandler(healthChecks),
		Session:  auth.SessionMiddleware(authService, cookies, logger),
		CSRF:     middlewareCustom.CSRFProtection(authService, logger),
		LoginRateLimit: middlewareCustom.RateLimitConfig{
			RequestsPerMinute: cfg.Security.LoginRequestsPerMinute,
			IPConfig:          ipConfig,
		},
	})

	// Create server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start cleanup task
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()

	go scheduler.Start(cleanupCtx)

	// Start server
	go func() {
		logger.Info("starting server", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", slog.Any("error", err))
	}

	scheduler.Stop()
	authService.Wait()

	// Drain queued writes before the pool closes
	writer.Stop()

	logger.Info("server stopped gracefully")
}

// newLogger builds the JSON logger at the configured level
func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
