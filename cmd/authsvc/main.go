package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"tailspin.org/internal/config"
	"tailspin.org/internal/credentials"
	"tailspin.org/internal/httpapi"
	"tailspin.org/internal/idp"
	"tailspin.org/internal/obs"
	"tailspin.org/internal/provisioning"
	"tailspin.org/internal/store/pg"
	"tailspin.org/internal/tokencache"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}
	logger := obs.Configure(cfg.LogLevel)
	defer func() { _ = logger.Sync() }()

	obs.Init()
	obs.SetBuildInfo(version, commit)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var store *pg.Store
	if cfg.Postgres.DSN != "" {
		store, err = pg.Open(cfg.Postgres.DSN)
		if err != nil {
			logger.Fatal("open db", zap.Error(err))
		}
		defer store.Close()
	}

	var rdb redis.UniversalClient
	if cfg.Redis.URL != "" {
		opts, err := redis.ParseURL(cfg.Redis.URL)
		if err != nil {
			logger.Fatal("parse redis url", zap.Error(err))
		}
		rdb = redis.NewClient(opts)
		defer rdb.Close()
	}

	onboarding, err := buildOnboarding(cfg, store, rdb, logger)
	if err != nil {
		logger.Fatal("build onboarding", zap.Error(err))
	}

	if store != nil && cfg.TokenCache.TTL > 0 {
		go purgeTokenCache(ctx, store.TokenCache(), cfg.TokenCache.TTL, logger)
	}

	ready := httpapi.Readiness{Redis: rdb}
	if store != nil {
		ready.DB = store.DB()
	}
	var ob httpapi.Onboarding
	if onboarding != nil {
		ob = onboarding
	}
	api := httpapi.New(ready, version, ob, logger, httpapi.WithCallbackPath(callbackPath(cfg.IdP.RedirectURL)))

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info("starting tailspin-authsvc",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
		zap.Bool("postgres", store != nil),
		zap.Bool("redis", rdb != nil),
		zap.String("token_cache", cfg.TokenCache.Backend),
	)

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", zap.Error(err))
	}
	logger.Info("stopped")
}

// buildOnboarding wires the sign-up flow. It returns nil when no identity
// provider registration is configured.
func buildOnboarding(cfg config.Config, store *pg.Store, rdb redis.UniversalClient, logger *zap.Logger) (*provisioning.Flow, error) {
	if cfg.IdP.ClientID == "" {
		logger.Warn("idp client id not configured; onboarding endpoints disabled")
		return nil, nil
	}

	creds, err := credentials.NewService(credentials.Options{
		ClientID:     cfg.IdP.ClientID,
		ClientSecret: cfg.IdP.ClientSecret,
		Thumbprint:   cfg.IdP.CertThumbprint,
		CertStoreDir: cfg.IdP.CertDir,
		TokenURL:     idp.TokenURL(cfg.IdP.Authority),
		Logger:       logger,
	})
	if err != nil {
		return nil, fmt.Errorf("credentials: %w", err)
	}

	client, err := idp.New(idp.Config{
		Authority:   cfg.IdP.Authority,
		ClientID:    cfg.IdP.ClientID,
		RedirectURL: cfg.IdP.RedirectURL,
		Scopes:      cfg.IdP.Scopes,
		Resource:    cfg.DownstreamResource,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("idp: %w", err)
	}

	deps := tokencache.StoreDeps{Redis: rdb}
	if store != nil {
		deps.Distributed = store.TokenCache()
	}
	strategy, err := tokencache.NewStrategy(tokencache.StoreConfig{
		Backend:         tokencache.Backend(cfg.TokenCache.Backend),
		KeyPrefix:       cfg.TokenCache.KeyPrefix,
		TTL:             cfg.TokenCache.TTL,
		ProtectionKey:   cfg.TokenCache.ProtectionKey,
		ProtectionKeyID: cfg.TokenCache.ProtectionKeyID,
	}, deps)
	if err != nil {
		return nil, err
	}

	var (
		tenants      provisioning.TenantRepository = provisioning.NewMemoryTenants()
		users        provisioning.UserRepository   = provisioning.NewMemoryUsers()
		correlations provisioning.CorrelationStore = provisioning.NewMemoryCorrelations()
	)
	if store != nil {
		tenants, users = store.Tenants(), store.Users()
	} else {
		logger.Warn("postgres not configured; tenants and users are kept in memory")
	}
	if rdb != nil {
		correlations = provisioning.NewRedisCorrelations(rdb, cfg.TokenCache.KeyPrefix)
	}

	if strategy.Backend() == tokencache.BackendSession {
		return nil, errors.New("token cache backend session needs an embedding application with HTTP sessions")
	}
	providers, err := tokencache.NewProviders(strategy, tokencache.ProviderConfig{
		Authority:   cfg.IdP.Authority,
		Resource:    cfg.DownstreamResource,
		Credentials: creds,
		Endpoint:    client,
		Limiter:     rate.NewLimiter(rate.Limit(cfg.Refresh.PerSecond), cfg.Refresh.Burst),
		Logger:      logger,
	}, tokencache.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	return provisioning.NewFlow(tenants, users, correlations, client,
		provisioning.WithLogger(logger),
		provisioning.WithCorrelationTTL(cfg.CorrelationTTL),
		provisioning.WithTokenExchanger(providers),
	)
}

// callbackPath is the path component of the registered redirect URL.
func callbackPath(redirectURL string) string {
	u, err := url.Parse(redirectURL)
	if err != nil || u.Path == "" || u.Path == "/" {
		return ""
	}
	return u.Path
}

func purgeTokenCache(ctx context.Context, cache *pg.TokenCache, ttl time.Duration, logger *zap.Logger) {
	interval := ttl / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := cache.PurgeExpired(ctx)
			if err != nil {
				logger.Warn("purge token cache", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("purged expired tokens", zap.Int64("rows", n))
			}
		}
	}
}
