// Command keygate is a demo server guarding routes with an OpenID Connect
// identity provider such as Keycloak.
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"

	"github.com/go-redis/redis/v8"
	"github.com/platinummonkey/keygate/pkg/config"
	"github.com/platinummonkey/keygate/pkg/observability"
	"github.com/sirupsen/logrus"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	log.SetLevel(logrusLevel(cfg.Observability.LogLevel))

	if err := run(context.Background(), cfg, log); err != nil {
		log.Fatalf("keygate stopped: %v", err)
	}
}

func logrusLevel(level observability.LogLevel) logrus.Level {
	switch level {
	case observability.DebugLevel:
		return logrus.DebugLevel
	case observability.WarnLevel:
		return logrus.WarnLevel
	case observability.ErrorLevel:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// resources are the connections run opens before the gate is loaded. They
// are released by the shutdown manager once the server runs, and directly
// when startup fails.
type resources struct {
	otel   *observability.OTelProviders
	redis  *redis.Client
	logger *observability.Logger
}

func openResources(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*resources, error) {
	providers, err := observability.InitOTel(ctx, observability.OTelConfig{
		Enabled:        cfg.Observability.OTelEnabled,
		Endpoint:       cfg.Observability.OTelEndpoint,
		ServiceName:    cfg.Observability.OTelServiceName,
		ServiceVersion: cfg.Observability.OTelServiceVersion,
		Insecure:       cfg.Observability.OTelInsecure,
		SampleRatio:    cfg.Observability.OTelSampleRatio,
	}, logger)
	if err != nil {
		return nil, err
	}
	res := &resources{otel: providers, logger: logger}

	if cfg.UsesRedis() {
		opts, err := redis.ParseURL(cfg.Session.RedisURL)
		if err != nil {
			res.release(ctx)
			return nil, fmt.Errorf("invalid redis URL: %w", err)
		}
		res.redis = redis.NewClient(opts)
	}
	return res, nil
}

// shutdownFuncs returns the release steps for the shutdown manager
func (r *resources) shutdownFuncs() []observability.ShutdownFunc {
	funcs := []observability.ShutdownFunc{func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, r.otel, r.logger)
	}}
	if r.redis != nil {
		funcs = append(funcs, func(context.Context) error { return r.redis.Close() })
	}
	return funcs
}

func (r *resources) release(ctx context.Context) {
	for _, fn := range r.shutdownFuncs() {
		if err := fn(ctx); err != nil {
			r.logger.WithError(err).Warn("Failed to release resource")
		}
	}
}

func run(ctx context.Context, cfg *config.Config, log *logrus.Logger) error {
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	res, err := openResources(ctx, cfg, logger)
	if err != nil {
		return err
	}
	handedOff := false
	defer func() {
		if !handedOff {
			releaseCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			res.release(releaseCtx)
		}
	}()

	a := newApp(cfg, log, logger, res.redis)
	if res.otel != nil {
		otelMetrics, err := observability.NewOTelMetrics()
		if err != nil {
			log.WithError(err).Warn("OpenTelemetry gate metrics disabled")
		} else {
			a.metrics.WithOTel(otelMetrics)
		}
	}

	if err := a.loadGate(); err != nil {
		return fmt.Errorf("failed to load client config: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if cfg.SSO.WatchClientConfig {
		if err := watchClientConfig(runCtx, cfg.SSO.ClientConfigPath, a.loadGate, log, logger); err != nil {
			log.WithError(err).Warn("Client config hot reload disabled")
		}
	}

	scheduler, err := startMaintenance(cfg.Maintenance.Schedule, a)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      a.routes(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := observability.NewShutdownManager(logger, srv, cfg.Server.ShutdownTimeout)
	shutdown.RegisterShutdownFunc(stopMaintenance(scheduler))
	for _, fn := range res.shutdownFuncs() {
		shutdown.RegisterShutdownFunc(fn)
	}
	handedOff = true

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", srv.Addr).Info("Starting keygate server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			cancel()
		}
	}()

	if err := shutdown.WaitForShutdown(runCtx); err != nil {
		return err
	}
	select {
	case err := <-serveErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	default:
	}
	log.Info("keygate stopped")
	return nil
}
