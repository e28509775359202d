package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/smartcyclemarket/smartcyclemarket/internal/api"
	"github.com/smartcyclemarket/smartcyclemarket/internal/auth"
	"github.com/smartcyclemarket/smartcyclemarket/internal/cache"
	"github.com/smartcyclemarket/smartcyclemarket/internal/config"
	"github.com/smartcyclemarket/smartcyclemarket/internal/db"
	"github.com/smartcyclemarket/smartcyclemarket/internal/health"
	"github.com/smartcyclemarket/smartcyclemarket/internal/logger"
	"github.com/smartcyclemarket/smartcyclemarket/internal/mail"
	"github.com/smartcyclemarket/smartcyclemarket/internal/metrics"
	"github.com/smartcyclemarket/smartcyclemarket/internal/product"
	"github.com/smartcyclemarket/smartcyclemarket/internal/storage"
)

const version = "1.0.0"

func main() {
	if err := run(); err != nil {
		logger.Default().Error(context.Background(), "server exited", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := logger.New(&logger.Config{Output: os.Stdout, Level: logger.ParseLevel(cfg.LogLevel)})
	logger.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	database, err := db.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer database.Close()

	if err := database.Migrate(ctx); err != nil {
		return err
	}

	images, err := storage.New(ctx, &storage.Config{
		Driver:    cfg.StorageDriver,
		Endpoint:  cfg.StorageEndpoint,
		AccessKey: cfg.StorageAccessKey,
		SecretKey: cfg.StorageSecretKey,
		Bucket:    cfg.StorageBucket,
		Region:    cfg.StorageRegion,
		UseSSL:    cfg.StorageUseSSL,
		PublicURL: cfg.StoragePublicURL,
	})
	if err != nil {
		return err
	}

	m := metrics.New()
	checkerCfg := &health.CheckerConfig{
		DB:           database.DB,
		StorageCheck: images.Ping,
		Version:      version,
	}
	serviceCfg := auth.ServiceConfig{
		Users:                 db.NewUserRepository(database),
		Issuer:                auth.NewIssuer(cfg.JWTSecret, cfg.AccessTokenExpiry),
		Images:                images,
		Metrics:               m,
		Logger:                log,
		VerificationLink:      cfg.VerificationLink,
		PasswordResetLink:     cfg.PasswordResetLink,
		BcryptCost:            cfg.BcryptCost,
		RevokeSessionsOnReset: cfg.RevokeSessionsOnReset,
		Mailer: mail.NewSMTPMailer(&mail.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
		}),
	}
	verifyTokens := db.NewOneTimeTokenRepository(database, db.VerificationTokensTable, cfg.OneTimeTokenTTL)
	resetTokens := db.NewOneTimeTokenRepository(database, db.PasswordResetTokensTable, cfg.OneTimeTokenTTL)
	serviceCfg.VerificationTokens = verifyTokens
	serviceCfg.ResetTokens = resetTokens

	routerCfg := api.Config{
		Metrics:        m,
		Logger:         log,
		CORSOrigins:    cfg.CORSOrigins,
		TrustedProxies: cfg.TrustedProxies,
	}

	if cfg.RedisURL != "" {
		c, err := cache.New(ctx, cfg.RedisURL, log.WithComponent("cache"))
		if err != nil {
			return err
		}
		defer c.Close()
		serviceCfg.Cache = auth.NewKVProfileCache(c, cfg.ProfileCacheTTL)
		routerCfg.Limiter = cache.NewLimiter(c, cfg.RateLimitMax, cfg.RateLimitWindow)
		checkerCfg.Redis = c.Client()
	} else {
		log.Warn(ctx, "REDIS_URL not set, profile cache and rate limiting disabled")
	}

	authService := auth.NewService(serviceCfg)
	routerCfg.Auth = authService
	routerCfg.Products = product.NewService(product.Config{
		Products: db.NewProductRepository(database),
		Images:   images,
		Profiles: authService,
		Gauge:    m,
		Logger:   log,
	})
	routerCfg.Health = health.NewHandler(health.NewChecker(checkerCfg))

	janitor := auth.NewJanitor(cfg.JanitorInterval, log, verifyTokens, resetTokens)
	go janitor.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           api.NewRouter(routerCfg),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info(ctx, "starting server", map[string]interface{}{"addr": cfg.ServerAddr, "version": version})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info(context.Background(), "shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
