// Package api implements app.Runner for the wallet daemon process.
package api

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"

	apphttp "github.com/chainsafe/wallet-reconciler/pkg/app/http"
	"github.com/chainsafe/wallet-reconciler/pkg/config"
	"github.com/chainsafe/wallet-reconciler/pkg/identity"
	"github.com/chainsafe/wallet-reconciler/pkg/ledger"
	"github.com/chainsafe/wallet-reconciler/pkg/rates"
	"github.com/chainsafe/wallet-reconciler/pkg/signer"
	"github.com/chainsafe/wallet-reconciler/pkg/signer/ethsigner"
	walletservice "github.com/chainsafe/wallet-reconciler/pkg/wallet/service"
)

const (
	defaultRequestTimeout = 60 * time.Second
	startupResolveTimeout = 10 * time.Second
)

// Server holds cfg to init the wallet daemon.
type Server struct {
	cfg *config.Config
}

// NewServer initializes new wallet daemon.
func NewServer(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

func (s *Server) Run() error {
	if s.cfg == nil {
		return fmt.Errorf("wallet daemon config is nil")
	}
	cfg := s.cfg

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger, err := config.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting wallet daemon",
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("backend", cfg.Backend.BaseURL),
	)

	store, err := OpenStore(&cfg.Cache, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	s1, closeSigner, err := OpenSigner(ctx, &cfg.Chain, logger)
	if err != nil {
		return err
	}
	defer closeSigner()

	svc := walletservice.NewLog(walletservice.NewService(
		NewLedger(&cfg.Backend, logger),
		store,
		s1,
		NewRateCache(&cfg.Rates, logger),
		walletservice.Settings{
			Currency:     cfg.Chain.Currency,
			Decimals:     cfg.Chain.Decimals,
			HistoryLimit: cfg.History.Limit,
		},
		logger,
	), logger)

	s.resolvePersistedIdentity(ctx, svc, logger)

	router := s.setupRouter(svc, logger)

	err = apphttp.ServeAndWait(ctx, router, logger, &cfg.Server)

	// Cancel background settlements before the store closes.
	svc.Close()

	return err
}

// resolvePersistedIdentity loads the locally cached identity so the daemon can
// report the last known wallet before any session is presented.
func (s *Server) resolvePersistedIdentity(ctx context.Context, svc walletservice.Service, logger *zap.Logger) {
	startupCtx, cancel := context.WithTimeout(ctx, startupResolveTimeout)
	defer cancel()

	overview, err := svc.ResolveIdentity(startupCtx, nil)
	if err != nil {
		logger.Warn("Could not load persisted wallet identity", zap.Error(err))
		return
	}
	if overview.Connected {
		logger.Info("Loaded persisted wallet identity", zap.String("address", overview.Identity.Address))
	}
}

func (s *Server) setupRouter(svc walletservice.Service, logger *zap.Logger) chi.Router {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	timeout := s.cfg.Server.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(timeout))

		// Health check
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})

		if s.cfg.Monitoring.Enabled {
			r.Handle(s.cfg.Monitoring.MetricsPath, promhttp.Handler())
			logger.Info("Metrics enabled", zap.String("path", s.cfg.Monitoring.MetricsPath))
		}

		walletservice.RegisterRoutes(r, svc, logger)
	})

	// Signing and receipt waits outlive the request timeout.
	walletservice.RegisterSignerRoutes(r, svc, logger)

	return r
}

// NewLedger builds the backend ledger client from config.
func NewLedger(cfg *config.BackendConfig, logger *zap.Logger) *ledger.Client {
	return ledger.NewClient(cfg.BaseURL,
		ledger.WithHTTPClient(&http.Client{Timeout: cfg.RequestTimeout}),
		ledger.WithLogger(logger.Named("ledger")),
	)
}

// OpenStore opens the bbolt identity cache, or an in-memory one when no path is set.
func OpenStore(cfg *config.CacheConfig, logger *zap.Logger) (identity.Store, error) {
	if cfg.Path == "" {
		logger.Info("Identity cache is in memory only")
		return identity.NewMemoryStore(), nil
	}
	store, err := identity.OpenBoltStore(cfg.Path, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open identity cache: %w", err)
	}
	logger.Info("Opened identity cache", zap.String("path", cfg.Path))
	return store, nil
}

// OpenSigner connects the chain signer when a key is configured. It returns a
// nil Signer without error otherwise; binding and payments then report the
// capability as unavailable.
func OpenSigner(ctx context.Context, cfg *config.ChainConfig, logger *zap.Logger) (signer.Signer, func(), error) {
	key := cfg.SignerKey()
	if key == "" {
		logger.Warn("No signer key configured, wallet binding and payments are disabled",
			zap.String("env", cfg.SignerKeyEnv))
		return nil, func() {}, nil
	}

	client, err := ethsigner.NewFromConfig(ctx, cfg, key, logger.Named("signer"))
	if err != nil {
		return nil, nil, fmt.Errorf("create signer: %w", err)
	}
	logger.Info("Connected to chain",
		zap.String("rpc_url", cfg.RPCURL),
		zap.Int64("chain_id", cfg.ChainID))
	return client, client.Close, nil
}

// NewRateCache builds the CoinGecko-backed exchange rate cache.
func NewRateCache(cfg *config.RatesConfig, logger *zap.Logger) *rates.Cache {
	opts := []rates.Option{
		rates.WithMinRefreshInterval(cfg.MinRefreshInterval),
		rates.WithLogger(logger.Named("rates")),
	}
	if len(cfg.Fallback) > 0 {
		fallback := make(map[string]decimal.Decimal, len(cfg.Fallback))
		for cur, v := range cfg.Fallback {
			fallback[cur] = decimal.NewFromFloat(v)
		}
		opts = append(opts, rates.WithFallback(fallback))
	}
	provider := rates.NewCoinGecko(cfg.BaseURL, cfg.AssetID, cfg.Currencies, cfg.RequestTimeout)
	return rates.NewCache(provider, opts...)
}
