package main

import (
	"context"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/rpmautosales/inquiry-notifier/internal/dispatch"
	"github.com/rpmautosales/inquiry-notifier/internal/instance"
	"github.com/rpmautosales/inquiry-notifier/internal/pglisten"
	"github.com/rpmautosales/inquiry-notifier/internal/supervisor"
	"github.com/rpmautosales/inquiry-notifier/internal/token"
	"github.com/rpmautosales/inquiry-notifier/internal/worker"
	"github.com/rpmautosales/inquiry-notifier/libs/config"
	"github.com/rpmautosales/inquiry-notifier/libs/db"
	"github.com/rpmautosales/inquiry-notifier/libs/httpx"
	otelx "github.com/rpmautosales/inquiry-notifier/libs/otel"
	"github.com/rpmautosales/inquiry-notifier/libs/runtime"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

func main() {
	service := config.String("SERVICE_NAME", "inquiry-notifier")
	settings, err := config.LoadSettings()
	if err != nil {
		panic(err)
	}
	logger := runtime.NewLogger(service, settings.LogLevel)

	ctx, stop := runtime.SignalContext()
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.ConfigFromEnv(service))
	if err != nil {
		logger.Error("otel setup failed", "err", err)
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	instances, cfgErrs := instance.LoadAll()
	for _, e := range cfgErrs {
		logger.Error("instance configuration error", "err", e)
	}

	tokenCache := token.NewCache(settings.IdentityBaseURL, &http.Client{
		Timeout:   15 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	})

	var sink dispatch.Sink
	if settings.SMTPAddr != "" {
		smtpSink, err := dispatch.NewSMTPSink(settings.SMTPAddr)
		if err != nil {
			logger.Error("smtp sink configuration error", "err", err)
			os.Exit(1)
		}
		logger.Info("delivering via smtp", "addr", settings.SMTPAddr)
		sink = smtpSink
	} else {
		sink = dispatch.NewGraphSink(tokenCache, settings.GraphBaseURL)
	}

	sup := supervisor.New(logger, supervisor.Config{
		PollInterval: settings.PollInterval,
		BackoffMin:   settings.BackoffMin,
		BackoffMax:   settings.BackoffMax,
		HealthyAfter: settings.HealthyAfter,
	})

	var checks []runtime.ReadyCheck
	registered := 0
	for _, cfg := range instances {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			// Only a malformed URL fails here; the pool itself connects lazily.
			logger.Error("instance configuration error", "instance", cfg.Name, "err", err)
			continue
		}
		defer pool.Close()

		source := pglisten.NewSource(pool, cfg.DatabaseURL, cfg.Channel, cfg.Table)
		w := worker.New(cfg, func(ctx context.Context) (worker.Session, error) {
			return source.Connect(ctx)
		}, sink, logger)

		sup.Add(cfg.Name, w.Run)
		checks = append(checks, runtime.ReadyCheck{Name: cfg.Name + "-db", Check: db.ReadyCheck(pool)})
		registered++
	}
	if registered == 0 {
		logger.Error("no usable instances configured")
		os.Exit(1)
	}
	logger.Info("instances configured", "count", registered)

	mux := runtime.NewBaseMuxWithReady(checks...)
	handler := httpx.Chain(mux,
		httpx.WithRequestID,
		httpx.WithAccessLog(logger),
	)
	handler = otelhttp.NewHandler(handler, service)
	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(settings.Port),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("http server starting", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "err", err)
		}
	}()

	sup.Run(ctx)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "err", err)
	}
	logger.Info("shutdown complete")
}
