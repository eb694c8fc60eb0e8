package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/antoniostano/relaycast/internal/backend"
	"github.com/antoniostano/relaycast/internal/config"
	"github.com/antoniostano/relaycast/internal/httpapi"
	"github.com/antoniostano/relaycast/internal/observability"
	"github.com/antoniostano/relaycast/internal/registry"
	"github.com/antoniostano/relaycast/internal/relay"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var provider backend.Provider
	switch strings.ToLower(strings.TrimSpace(cfg.BackendProvider)) {
	case "symbl":
		if cfg.SymblAppID == "" || cfg.SymblAppSecret == "" {
			log.Fatalf("BACKEND_PROVIDER=symbl but SYMBL_APP_ID / SYMBL_APP_SECRET are not set")
		}
		provider = backend.NewSymblProvider(backend.SymblConfig{
			AppID:     cfg.SymblAppID,
			AppSecret: cfg.SymblAppSecret,
			BasePath:  cfg.SymblBasePath,
		})
		log.Printf("speech backend: symbl (%s)", cfg.SymblBasePath)
	case "mock":
		provider = backend.NewMockProvider()
		log.Printf("speech backend: mock")
	default: // auto
		if cfg.SymblAppID != "" && cfg.SymblAppSecret != "" {
			provider = backend.NewSymblProvider(backend.SymblConfig{
				AppID:     cfg.SymblAppID,
				AppSecret: cfg.SymblAppSecret,
				BasePath:  cfg.SymblBasePath,
			})
			cfg.BackendProvider = "symbl"
			log.Printf("speech backend: symbl (%s)", cfg.SymblBasePath)
		} else {
			provider = backend.NewMockProvider()
			cfg.BackendProvider = "mock"
			log.Printf("speech backend: mock (no symbl credentials)")
		}
	}

	reg := registry.New()
	router := relay.NewRouter(reg, provider, metrics, relay.Defaults{
		InsightTypes:        cfg.DefaultInsightTypes,
		LanguageCode:        cfg.DefaultLanguageCode,
		ConfidenceThreshold: cfg.DefaultConfidenceThreshold,
	})

	api := httpapi.New(cfg, reg, router, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	go func() {
		log.Printf("broadcast relay listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
