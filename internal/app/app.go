// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"fmt"
	"net/http"
	"net/http/cookiejar"

	"go.uber.org/zap"

	"github.com/JakeFAU/cartescolaire/internal/cache"
	"github.com/JakeFAU/cartescolaire/internal/clock/system"
	"github.com/JakeFAU/cartescolaire/internal/config"
	"github.com/JakeFAU/cartescolaire/internal/extract"
	"github.com/JakeFAU/cartescolaire/internal/search"
	"github.com/JakeFAU/cartescolaire/internal/token"
	"github.com/JakeFAU/cartescolaire/internal/transport"
)

// App holds the shared, long-lived services: the logger, the configuration and
// the search service with its token and transport pipeline.
// It is built once at startup and handed to the commands that need it.
type App struct {
	logger   *zap.Logger
	cfg      config.Config
	pool     *http.Transport
	searcher search.Searcher
}

// GetLogger returns the shared zap logger.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetConfig returns the configuration the app was built from.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetSearcher exposes the student search service.
func (a *App) GetSearcher() search.Searcher {
	return a.searcher
}

// New wires the outbound pipeline:
//
//	resty -> token.Transport -> Resilient("search") -> pooled transport
//	colly -> Resilient("token") -> pooled transport
//
// Both clients share one cookie jar so the portal session follows the token.
func New(cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Initializing application services...")

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	pool := transport.NewHTTPTransport()

	provider, err := token.NewProvider(token.ProviderOptions{
		BaseURL:        cfg.Portal.BaseURL,
		Path:           cfg.Portal.TokenPath,
		Selector:       cfg.Selectors.Token,
		Attribute:      cfg.Selectors.TokenAttribute,
		UserAgent:      cfg.Portal.UserAgent,
		Transport:      transport.NewResilient("token", pool, cfg.Resilience, logger),
		Jar:            jar,
		RequestTimeout: cfg.Resilience.TotalTimeout,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("init token provider: %w", err)
	}

	tokens := cache.New[string](cfg.Token.CacheOptions(), system.New(), logger)
	rt := token.NewTransport(
		transport.NewResilient("search", pool, cfg.Resilience, logger),
		provider,
		tokens,
		logger,
	).SetCookieJar(jar)

	searcher := search.NewService(search.Options{
		BaseURL:    cfg.Portal.BaseURL,
		SearchPath: cfg.Portal.SearchPath,
		UserAgent:  cfg.Portal.UserAgent,
		Transport:  rt,
		Jar:        jar,
	}, extract.New(cfg.Selectors, cfg.Extract.Workers, logger), logger)

	logger.Info("Application services initialized successfully.",
		zap.String("portal", cfg.Portal.BaseURL))

	return &App{
		logger:   logger,
		cfg:      cfg,
		pool:     pool,
		searcher: searcher,
	}, nil
}

// Close releases pooled connections and flushes the logger.
// It is called by a Cobra hook after the command finishes execution.
func (a *App) Close() {
	a.GetLogger().Info("Shutting down application services...")
	a.pool.CloseIdleConnections()
	// Syncing stderr/stdout fails on some platforms; nothing useful to do about it.
	_ = a.GetLogger().Sync()
}
