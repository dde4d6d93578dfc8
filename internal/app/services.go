package app

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"localrouter/internal/aggregator"
	"localrouter/internal/apikeys"
	"localrouter/internal/catalog"
	"localrouter/internal/classifier"
	"localrouter/internal/config"
	"localrouter/internal/events"
	"localrouter/internal/keychain"
	"localrouter/internal/mcpserver"
	"localrouter/internal/oauth"
	"localrouter/internal/provider"
	"localrouter/internal/ratelimit"
	"localrouter/internal/router"
	"localrouter/internal/safety"
	"localrouter/internal/server"
	"localrouter/internal/tracker"
	"localrouter/pkg/logging"

	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// Services holds every constructed subsystem in dependency order.
type Services struct {
	mu sync.Mutex

	config    config.LocalRouterConfig
	configDir string

	bus        *events.Bus
	keych      keychain.KeychainStorage
	keyStore   *apikeys.Store
	registry   *provider.Registry
	routes     *router.Router
	classifier *classifier.Service
	safetyEng  *safety.Engine
	mcpManager *mcpserver.Manager
	gateway    *aggregator.Gateway
	oauthMgr   *oauth.Manager
	httpServer *server.Server
	watcher    *config.Watcher
}

// NewServices wires the subsystems together and registers their api
// adapters. Nothing starts listening yet.
func NewServices(cfg config.LocalRouterConfig, configDir string) (*Services, error) {
	s := &Services{config: cfg, configDir: configDir}

	s.bus = events.NewBus()
	events.SetBus(s.bus)

	// Keychain: the OS store, namespaced away from production entries
	// in test mode.
	prefix := ""
	if suffix, ok := config.TestModeSuffix(); ok {
		prefix = "test" + suffix
	}
	s.keych = keychain.NewKeyringStorage(prefix)

	dataDir, err := s.dataDir()
	if err != nil {
		return nil, err
	}

	catalog.NewAdapter(catalog.New()).Register()

	s.keyStore, err = apikeys.NewStore(dataDir, s.keych)
	if err != nil {
		return nil, fmt.Errorf("failed to load API keys: %w", err)
	}
	s.keyStore.Register()

	limiter := ratelimit.NewLimiter(s.resolveLimits)
	limiter.Register()

	meterProvider, err := newMeterProvider()
	if err != nil {
		return nil, err
	}
	tracker.New(cfg.Tracker.Capacity, meterProvider.Meter("localrouter")).Register()

	s.registry = provider.NewRegistry()
	s.registry.SetProviders(provider.BuildProviders(cfg.Providers, s.keych))
	s.registry.Register()

	if cfg.Classifier.ServerURL != "" || cfg.Classifier.ModelPath != "" {
		backend := classifier.NewLlamaServerBackend(cfg.Classifier.ServerURL, cfg.Classifier.ModelPath)
		s.classifier = classifier.NewService(backend, s.classifierIdleTimeout, cfg.Classifier.LoadBackoff)
		s.classifier.Register()
	}

	s.routes = router.New(cfg.Routers)
	s.routes.Register()

	s.safetyEng = safety.NewEngine(cfg.Safety)
	s.safetyEng.Register()

	s.oauthMgr = oauth.NewManager(s.keych, nil)

	s.mcpManager = mcpserver.NewManager(cfg.MCPServers, s.keych)
	s.mcpManager.SetTokenSource(s.oauthMgr.AccessToken)

	s.gateway = aggregator.NewGateway(s.mcpManager, s.keyStore.VerifyClientSecret)

	s.httpServer = server.New(server.Options{
		Host:          cfg.Server.Host,
		Port:          cfg.Server.Port,
		KeyStore:      s.keyStore,
		Approvals:     s.safetyEng.Gate(),
		MCPHandler:    s.gateway.Handler(),
		BackendStates: s.mcpManager.Describe,
	})

	return s, nil
}

func newMeterProvider() (*sdkmetric.MeterProvider, error) {
	exporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}
	return sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter)), nil
}

func (s *Services) dataDir() (string, error) {
	dir := s.configDir
	if dir == "" {
		var err error
		dir, err = config.GetDefaultConfigPath()
		if err != nil {
			return "", err
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("failed to create data directory %s: %w", dir, err)
	}
	return dir, nil
}

// resolveLimits folds per-key overrides over the configured defaults.
func (s *Services) resolveLimits(keyID string) ratelimit.Limits {
	s.mu.Lock()
	defaults := s.config.RateLimits
	s.mu.Unlock()

	limits := ratelimit.Limits{
		TokensPerMinute: defaults.TokensPerMinute,
		MaxConcurrent:   defaults.MaxConcurrent,
	}
	if record, ok := s.keyStore.Get(keyID); ok && record.RateLimits != nil {
		if record.RateLimits.TokensPerMinute > 0 {
			limits.TokensPerMinute = record.RateLimits.TokensPerMinute
		}
		if record.RateLimits.MaxConcurrent > 0 {
			limits.MaxConcurrent = record.RateLimits.MaxConcurrent
		}
	}
	return limits
}

func (s *Services) classifierIdleTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config.Classifier.IdleTimeout
}

// Start launches the HTTP server and the config watcher.
func (s *Services) Start(ctx context.Context) error {
	if err := s.httpServer.Start(ctx); err != nil {
		return err
	}

	if dir := s.watchDir(); dir != "" {
		s.watcher = config.NewWatcher(dir, s.applyConfig)
		if err := s.watcher.Start(); err != nil {
			logging.Warn("App", "Config watcher unavailable: %v", err)
			s.watcher = nil
		}
	}
	return nil
}

func (s *Services) watchDir() string {
	if s.configDir != "" {
		return s.configDir
	}
	dir, err := config.GetDefaultConfigPath()
	if err != nil {
		return ""
	}
	return dir
}

// applyConfig hot-swaps the reloadable subsystems: the provider
// registry, the router table, the safety model set, and the default
// rate limits.
func (s *Services) applyConfig(cfg config.LocalRouterConfig) {
	s.mu.Lock()
	s.config = cfg
	s.mu.Unlock()

	s.registry.SetProviders(provider.BuildProviders(cfg.Providers, s.keych))
	s.routes.SetRouters(cfg.Routers)
	s.safetyEng.SetModels(cfg.Safety.Models)
	logging.Info("App", "Configuration applied: %d providers, %d routers, %d safety models",
		len(cfg.Providers), len(cfg.Routers), len(cfg.Safety.Models))
}

// Stop shuts everything down in reverse order.
func (s *Services) Stop() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
	s.httpServer.Stop()
	s.gateway.Stop()
	s.mcpManager.StopAll()
	if s.classifier != nil {
		s.classifier.Stop()
	}
	events.SetBus(nil)
	s.bus.Close()
}

// ClientSecret resolves the bridge client secret: environment override
// first, then the keychain.
func ClientSecret(clientID string) (string, error) {
	if secret := os.Getenv("LOCALROUTER_CLIENT_SECRET"); secret != "" {
		return secret, nil
	}

	prefix := ""
	if suffix, ok := config.TestModeSuffix(); ok {
		prefix = "test" + suffix
	}
	keych := keychain.NewKeyringStorage(prefix)
	if clientID == "" {
		clientID = "default"
	}
	secret, err := keych.Get(keychain.ServiceAPIKeys, clientID)
	if err != nil {
		return "", fmt.Errorf("client secret for %q unavailable: %w", clientID, err)
	}
	return secret, nil
}
