package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	appauth "gitea.jw6.us/james/outlookcal/internal/auth"
	"gitea.jw6.us/james/outlookcal/internal/auth/oauth"
	"gitea.jw6.us/james/outlookcal/internal/config"
	"gitea.jw6.us/james/outlookcal/internal/graph"
	httpserver "gitea.jw6.us/james/outlookcal/internal/http"
	"gitea.jw6.us/james/outlookcal/internal/http/ratelimit"
	"gitea.jw6.us/james/outlookcal/internal/logging"
	"gitea.jw6.us/james/outlookcal/internal/store"
	"gitea.jw6.us/james/outlookcal/internal/ui"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to configure logging: %v\n", err)
		os.Exit(1)
	}
	for _, warning := range cfg.Warnings {
		log.Warn(warning)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Fatal("Server exited")
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	clock := clockwork.NewRealClock()

	st, closeStore, err := openStore(ctx, cfg, clock, log)
	if err != nil {
		return err
	}
	defer closeStore()

	httpClient := &http.Client{Timeout: cfg.HTTPClientTimeout}

	provider := oauth.NewMicrosoft(oauth.MicrosoftConfig{
		ClientID:     cfg.Microsoft.ClientID,
		ClientSecret: cfg.Microsoft.ClientSecret,
		TenantID:     cfg.Microsoft.TenantID,
		AuthorityURL: cfg.Microsoft.AuthorityURL,
		RedirectURL:  cfg.RedirectURL(),
		HTTPClient:   httpClient,
		Clock:        clock,
	})
	validator := oauth.NewValidator(oauth.ValidatorConfig{
		Refresher: provider,
		Clock:     clock,
		Log:       log.WithField("component", "oauth"),
	})

	cookies, err := appauth.NewSessionManager(cfg.Session.Secret, cfg.Session.MaxAge, cfg.SecureCookies())
	if err != nil {
		return fmt.Errorf("session cookies: %w", err)
	}
	authService := appauth.NewService(appauth.ServiceConfig{
		Provider:   provider,
		Validator:  validator,
		Sessions:   st.Sessions,
		Cookies:    cookies,
		Clock:      clock,
		Log:        log.WithField("component", "auth"),
		SessionTTL: cfg.Session.MaxAge,
	})

	events := graph.NewClient(graph.Config{
		BaseURL:    cfg.Microsoft.GraphBaseURL,
		HTTPClient: httpClient,
		Limiter:    rate.NewLimiter(rate.Limit(cfg.GraphRateLimit), cfg.GraphRateBurst),
		Log:        log.WithField("component", "graph"),
	})

	// Sign-in endpoints: 5 requests per second, burst of 10.
	authLimiter := ratelimit.New(ratelimit.Config{
		Limit:          rate.Limit(5),
		Burst:          10,
		Idle:           5 * time.Minute,
		TrustedProxies: cfg.TrustedProxies,
		Clock:          clock,
	})
	go authLimiter.Run(ctx)

	if st.Backend() != store.BackendRedis {
		go store.RunJanitor(ctx, st.Sessions, clock, store.DefaultJanitorInterval, log.WithField("component", "janitor"))
	}

	router := httpserver.NewRouter(cfg, st, authService, ui.NewHandler(events, clock), authLimiter, log)

	srv := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":  cfg.ListenAddr,
			"store": st.Backend(),
		}).Info("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown: %w", err)
	}
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, clock clockwork.Clock, log *logrus.Logger) (*store.Store, func(), error) {
	switch cfg.Session.Store {
	case store.BackendPostgres:
		sealer, err := store.NewSealer(cfg.Session.Secret)
		if err != nil {
			return nil, nil, err
		}
		pool, err := pgxpool.New(ctx, cfg.DB.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("create db pool: %w", err)
		}
		if err := store.ApplyMigrations(ctx, pool, log.WithField("component", "migrations")); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("apply migrations: %w", err)
		}
		db := stdlib.OpenDBFromPool(pool)
		return store.NewPostgres(db, sealer, clock), func() {
			_ = db.Close()
			pool.Close()
		}, nil

	case store.BackendRedis:
		sealer, err := store.NewSealer(cfg.Session.Secret)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis: %w", err)
		}
		return store.NewRedis(client, sealer, clock), func() { _ = client.Close() }, nil

	default:
		log.Warn("Using the in-memory session store; sessions are lost on restart.")
		return store.NewMemory(clock), func() {}, nil
	}
}
