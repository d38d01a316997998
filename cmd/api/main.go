package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"cloner/internal/backend"
	"cloner/internal/http/handlers"
	httpapi "cloner/internal/http/httpapi"
	"cloner/internal/infra"
	"cloner/internal/storage"
)

func main() {
	// .env is optional.
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	store, err := storage.NewFileStore(cfg.StoragePath)
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.StoragePath).Msg("failed to open storage")
	}

	fetchClient := &http.Client{Timeout: cfg.FetchTimeout}
	svc, err := backend.NewService(backend.Options{
		Pipeline:      backend.NewFetchPipeline(fetchClient, cfg.FetchTimeout),
		Store:         store,
		PublicBaseURL: cfg.PublicBaseURL,
		HTTPClient:    fetchClient,
		Logger:        &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build clone service")
	}

	app := handlers.NewApp(svc, logger)
	router := httpapi.NewRouter(app, httpapi.RouterOptions{
		AllowedOrigins:  cfg.CORSAllowedOrigins,
		SubmitRateLimit: cfg.RateLimitPerMin,
	})
	server := infra.NewHTTPServer(cfg, router, logger)

	go func() {
		logger.Info().Str("addr", server.Addr()).Str("public_base_url", cfg.PublicBaseURL).Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if err := svc.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("clone jobs did not stop in time")
	}
	logger.Info().Msg("server stopped")
}
