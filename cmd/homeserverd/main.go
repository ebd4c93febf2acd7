// Command homeserverd is the monolith entrypoint: it loads config, opens
// the KV store, wires C1-C13 through setup/services, and serves the
// federation HTTP surface until signalled to stop.
package main

import (
	"context"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/coremx/homeserver/federationapi/client"
	"github.com/coremx/homeserver/federationapi/keyring"
	"github.com/coremx/homeserver/federationapi/routing"
	"github.com/coremx/homeserver/internal"
	"github.com/coremx/homeserver/internal/httputil"
	"github.com/coremx/homeserver/internal/kv"
	"github.com/coremx/homeserver/setup/config"
	"github.com/coremx/homeserver/setup/process"
	"github.com/coremx/homeserver/setup/services"
)

const httpServerTimeout = 60 * time.Second

func main() {
	configPath := flag.String("config", "homeserver.yaml", "path to the homeserver's YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("failed to load configuration")
	}

	internal.SetupStdLogging()
	internal.SetupHookLogging(cfg.Global.Logging)
	if err := internal.SetupSentry(cfg.Global.Sentry); err != nil {
		logrus.WithError(err).Warn("failed to initialise sentry")
	}

	shutdownTracing, err := internal.SetupTracing(context.Background(), "homeserverd", cfg.Global.Tracing)
	if err != nil {
		logrus.WithError(err).Warn("failed to initialise tracing")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(shutdownCtx); err != nil {
			logrus.WithError(err).Warn("error shutting down tracing")
		}
	}()

	processCtx := process.NewProcessContext()

	store, err := kv.OpenBolt(string(cfg.Global.Database.ConnectionString))
	if err != nil {
		logrus.WithError(err).Fatal("failed to open database")
	}

	fedClient := client.New(cfg.Global.ServerName, cfg.Global.KeyID, cfg.Global.PrivateKey, cfg.FederationAPI.DisableTLSValidation)

	hs, err := services.New(cfg.Global.ServerName, store, services.Dependencies{
		KeyringPolicy: keyring.Policy{Direct: &keyring.DirectKeyFetcher{Client: fedClient}},
		Federation:    fedClient,
		QueueClient:   fedClient,
	})
	if err != nil {
		logrus.WithError(err).Fatal("failed to wire homeserver components")
	}

	limits := httputil.NewRateLimits(&cfg.FederationAPI.RateLimiting)

	router := mux.NewRouter().SkipClean(true).UseEncodedPath()
	routing.Register(router, hs, limits, cfg.Global.KeyID, cfg.Global.PrivateKey)

	server := &http.Server{
		Addr:         cfg.FederationAPI.Listen,
		WriteTimeout: httpServerTimeout,
		Handler:      otelhttp.NewHandler(router, "federationapi"),
		BaseContext: func(net.Listener) context.Context {
			return processCtx.Context()
		},
	}

	processCtx.ComponentStarted()
	go func() {
		defer processCtx.ComponentFinished()
		logrus.WithField("addr", cfg.FederationAPI.Listen).Info("starting federation server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logrus.WithError(err).Error("federation server stopped unexpectedly")
		}
	}()

	waitForSignal()

	logrus.Info("shutting down")
	limits.Stop()
	processCtx.ShutdownDendrite()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Warn("error shutting down HTTP server")
	}

	processCtx.WaitForShutdown()
	if err := store.Close(); err != nil {
		logrus.WithError(err).Warn("error closing database")
	}
}

func waitForSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
}
