// Command access-gate runs the authorization gateway: it fronts the
// hosted auth backend, caches license validations and answers gate
// state queries for UI clients and route guards.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/robfig/cron/v3"

	"github.com/OneDrip-App/access_gate/internal/access"
	"github.com/OneDrip-App/access_gate/internal/config"
	"github.com/OneDrip-App/access_gate/internal/gate"
	"github.com/OneDrip-App/access_gate/internal/license"
	"github.com/OneDrip-App/access_gate/internal/logging"
	"github.com/OneDrip-App/access_gate/internal/metrics"
	"github.com/OneDrip-App/access_gate/internal/oracle"
	"github.com/OneDrip-App/access_gate/internal/session"
	"github.com/OneDrip-App/access_gate/supabase/client"
)

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG_PATH"), "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		// The logger is not up yet.
		os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(1)
	}

	logger := logging.New(logging.Config{
		Level:   cfg.Logging.Level,
		Format:  cfg.Logging.Format,
		Service: "access-gate",
	})
	m := metrics.New("access_gate")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Backend wiring. The REST client always exists for the auth
	// surface; the direct-SQL oracle takes over license and profile
	// reads when a DSN is configured.
	httpClient := client.NewResilientHTTPClient(client.DefaultRetryConfig(), client.DefaultCircuitBreakerConfig())
	httpClient.Timeout = cfg.Backend.Timeout.Std()

	backend, err := client.New(client.Config{
		URL:        cfg.Backend.URL,
		AnonKey:    cfg.Backend.AnonKey,
		ServiceKey: cfg.Backend.ServiceKey,
		HTTPClient: httpClient,
	})
	if err != nil {
		logger.WithError(err).Error("Backend client init failed")
		os.Exit(1)
	}
	supa := oracle.NewSupabaseOracle(backend, logger)

	var (
		authOracle    oracle.AuthOracle    = supa
		licenseOracle oracle.LicenseOracle = supa
		adminOracle   oracle.AdminOracle   = supa
		pg            *oracle.PostgresOracle
	)
	if dsn := cfg.Backend.PostgresDSN; dsn != "" {
		pg, err = oracle.NewPostgresOracle(dsn)
		if err != nil {
			logger.WithError(err).Error("Postgres oracle init failed")
			os.Exit(1)
		}
		defer pg.Close()
		licenseOracle = pg
		authOracle = struct {
			oracle.SessionOracle
			oracle.LicenseOracle
			oracle.ProfileOracle
		}{supa, pg, pg}
		logger.Info("Using direct-SQL oracle for license and profile reads")
	}

	// Event bus: in-process by default, Redis fan-out when configured.
	var bus session.Bus
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		bus, err = session.NewRedisBus(ctx, rdb, logger)
		if err != nil {
			logger.WithError(err).Error("Redis bus init failed")
			os.Exit(1)
		}
		logger.WithField("addr", cfg.Redis.Addr).Info("Auth events fan out over Redis")
	} else {
		bus = session.NewMemoryBus()
	}
	defer bus.Close()

	sessions := session.NewManager(authOracle, logger, bus)
	validator := license.NewValidator(licenseOracle, logger, m, license.Config{
		Interval:       cfg.License.Interval.Std(),
		RequestTimeout: cfg.License.RequestTimeout.Std(),
		BackoffInitial: cfg.License.BackoffInitial.Std(),
		BackoffMax:     cfg.License.BackoffMax.Std(),
	})
	defer validator.Close()

	checker := access.NewChecker(cfg.Permissions)
	g := gate.New(sessions, validator, checker, m, logger)

	// License polling follows the session lifecycle.
	bus.Subscribe(func(ev session.Event) {
		switch ev.Type {
		case session.EventSignedIn:
			validator.StartPolling(ev.UserID)
		case session.EventSignedOut:
			validator.Evict(ev.UserID)
			sessions.Evict(ev.UserID)
		}
	})

	// The backend's realtime channel feeds remote auth changes into
	// the bus. Connection failure is not fatal; polling still covers
	// license freshness.
	if cfg.Backend.URL != "" {
		rt := client.NewRealtimeClient(cfg.Backend.URL, cfg.Backend.AnonKey)
		rt.OnAuthEvent(func(ev *client.AuthEvent) {
			mapped, ok := mapAuthEvent(ev)
			if !ok {
				return
			}
			if err := bus.Publish(context.Background(), mapped); err != nil {
				logger.WithError(err).Warn("Realtime auth event publish failed")
			}
		})
		if err := rt.Connect(ctx); err != nil {
			logger.WithError(err).Warn("Realtime connection failed, relying on polling")
		} else {
			defer rt.Disconnect()
		}
	}

	app := newApp(cfg, logger, m, sessions, validator, g, licenseOracle, adminOracle)

	// Periodic eviction of entries for users who signed out elsewhere
	// or went idle.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.License.SweepSchedule, func() {
		removed := validator.Sweep(4 * cfg.License.Interval.Std())
		limiters := app.limiter.Sweep(time.Hour)
		logger.WithFields(map[string]interface{}{
			"license_entries": removed,
			"rate_limiters":   limiters,
		}).Debug("Cache sweep completed")
	}); err != nil {
		logger.WithError(err).Error("Invalid sweep schedule")
		os.Exit(1)
	}
	scheduler.Start()
	defer scheduler.Stop()

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      app.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout.Std(),
		WriteTimeout: cfg.Server.WriteTimeout.Std(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", cfg.Server.Addr).Info("Access gate listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received")
	case err := <-errCh:
		logger.WithError(err).Error("Server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("Graceful shutdown incomplete")
	}
}

// mapAuthEvent converts a realtime event into a bus event.
func mapAuthEvent(ev *client.AuthEvent) (session.Event, bool) {
	if ev == nil || ev.UserID == "" {
		return session.Event{}, false
	}
	switch ev.Type {
	case client.AuthEventSignedIn:
		return session.Event{Type: session.EventSignedIn, UserID: ev.UserID}, true
	case client.AuthEventSignedOut:
		return session.Event{Type: session.EventSignedOut, UserID: ev.UserID}, true
	case client.AuthEventUserUpdated, client.AuthEventTokenRefreshed:
		return session.Event{Type: session.EventUserUpdated, UserID: ev.UserID}, true
	default:
		return session.Event{}, false
	}
}
