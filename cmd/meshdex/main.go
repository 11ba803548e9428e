package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/meshdex/meshdex/internal/bridge"
	"github.com/meshdex/meshdex/internal/config"
	"github.com/meshdex/meshdex/internal/identity"
	"github.com/meshdex/meshdex/internal/ledger"
	"github.com/meshdex/meshdex/internal/limits"
	"github.com/meshdex/meshdex/internal/marketplace"
	"github.com/meshdex/meshdex/internal/matching"
	"github.com/meshdex/meshdex/internal/models"
	"github.com/meshdex/meshdex/internal/orchestrator"
	"github.com/meshdex/meshdex/internal/orderbook"
	"github.com/meshdex/meshdex/internal/replay"
	"github.com/meshdex/meshdex/internal/settlement"
	"github.com/meshdex/meshdex/internal/transport"
	"github.com/meshdex/meshdex/pkg/blob"
	"github.com/meshdex/meshdex/pkg/logger"
	"github.com/meshdex/meshdex/pkg/metrics"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file, using process environment")
	}

	var configPaths []string
	if path := os.Getenv("MESHDEX_CONFIG"); path != "" {
		configPaths = append(configPaths, path)
	}
	cfg, err := config.Load(configPaths...)
	if err != nil {
		log.Fatalf("load configuration: %v", err)
	}

	zapLogger, err := logger.New(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("create logger: %v", err)
	}
	defer zapLogger.Sync()

	blobs, closeBlobs, err := openBlobStore(cfg)
	if err != nil {
		zapLogger.Fatal("open blob store", zap.Error(err))
	}
	defer closeBlobs()

	window, err := replay.NewWindow(blobs, zapLogger)
	if err != nil {
		zapLogger.Fatal("open replay window", zap.Error(err))
	}
	books, err := orderbook.NewStore(blobs, window, zapLogger)
	if err != nil {
		zapLogger.Fatal("open order book store", zap.Error(err))
	}
	marketStore, err := marketplace.NewStore(blobs, window, zapLogger)
	if err != nil {
		zapLogger.Fatal("open marketplace store", zap.Error(err))
	}

	marketConfigs, err := cfg.MarketConfigs()
	if err != nil {
		zapLogger.Fatal("parse market config", zap.Error(err))
	}
	makerFunds, err := cfg.MakerFunds()
	if err != nil {
		zapLogger.Fatal("parse maker funds", zap.Error(err))
	}
	markets := models.NewMarketSet(marketConfigs, makerFunds)

	signer, err := loadSigner(cfg)
	if err != nil {
		zapLogger.Fatal("load signer identity", zap.Error(err))
	}
	zapLogger.Info("signer identity ready", zap.String("address", signer.PublicKeyHex()))

	bus, feed, closeBus, err := openTransport(cfg, zapLogger)
	if err != nil {
		zapLogger.Fatal("open transport", zap.Error(err))
	}
	defer closeBus()

	gateway := openGateway(cfg, signer, zapLogger)

	coordinator := settlement.NewCoordinator(books, markets, gateway, zapLogger)
	coordinator.SetHooks(settlement.Hooks{
		PolicyReject: func(code, action, marketID string) {
			metrics.PolicyRejects.WithLabelValues(code, action).Inc()
		},
	})

	matcher := matching.NewEngine(books, bus, coordinator, zapLogger)
	matcher.SetHooks(matching.Hooks{
		MatchPublished: func(marketID string) {
			metrics.MatchesApplied.WithLabelValues(marketID).Inc()
		},
		SettleFailed: func(marketID, reason string) {
			metrics.SettleFailures.WithLabelValues(marketID, reason).Inc()
		},
	})

	market := marketplace.NewService(marketStore, bus, gateway, zapLogger)
	market.SetHooks(marketplace.Hooks{
		SettlementFinalized: func(tradeID string, state models.EscrowState) {
			metrics.MarketplaceOrders.WithLabelValues(string(state)).Inc()
		},
	})

	br := bridge.New(books, markets, marketStore, market, zapLogger)

	daily, err := limits.NewDailyEngine(blobs, zapLogger)
	if err != nil {
		zapLogger.Fatal("open daily limit engine", zap.Error(err))
	}
	exposure, err := limits.NewExposureLedger(blobs, zapLogger)
	if err != nil {
		zapLogger.Fatal("open exposure ledger", zap.Error(err))
	}
	vault := identity.NewSessionVault(blobs)

	orch, err := orchestrator.New(orchestrator.Options{
		Books:       books,
		Markets:     markets,
		Matcher:     matcher,
		Bridge:      br,
		Bus:         bus,
		Feed:        feed,
		Daily:       daily,
		Exposure:    exposure,
		Vault:       vault,
		Signer:      signer,
		PeerID:      cfg.Node.PeerID,
		PolicyGroup: cfg.Node.PolicyGroup,
		Logger:      zapLogger,
	})
	if err != nil {
		zapLogger.Fatal("build orchestrator", zap.Error(err))
	}
	orch.SetHooks(orchestratorHooks())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := market.Start(ctx); err != nil {
		zapLogger.Fatal("start marketplace service", zap.Error(err))
	}
	defer market.Stop()

	if err := orch.Start(ctx); err != nil {
		zapLogger.Fatal("start orchestrator", zap.Error(err))
	}
	defer orch.Stop()

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}
		go func() {
			zapLogger.Info("metrics endpoint listening", zap.String("address", cfg.Metrics.Address))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				zapLogger.Error("metrics server stopped", zap.Error(err))
			}
		}()
	}

	zapLogger.Info("meshdex node running",
		zap.String("peerId", cfg.Node.PeerID),
		zap.String("transport", cfg.Transport.Backend),
		zap.Int("markets", len(markets.Markets())))

	<-ctx.Done()
	zapLogger.Info("shutdown signal received")

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			zapLogger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
}

func openBlobStore(cfg *config.Config) (blob.Store, func(), error) {
	switch cfg.Storage.Backend {
	case config.StorageBadger:
		store, err := blob.NewBadgerStore(filepath.Join(cfg.Storage.DataDir, "badger"))
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		store, err := blob.NewFileStore(cfg.Storage.DataDir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	}
}

func loadSigner(cfg *config.Config) (*identity.KeySigner, error) {
	if cfg.Node.SignerSeedHex != "" {
		return identity.NewKeySignerFromSeed(cfg.Node.SignerSeedHex)
	}
	return identity.GenerateKeySigner()
}

func openTransport(cfg *config.Config, zapLogger *zap.Logger) (transport.Bus, transport.SnapshotFeed, func(), error) {
	topics := append(models.DexTopics(), models.MarketTopics()...)
	var bus transport.Bus
	switch cfg.Transport.Backend {
	case config.TransportKafka:
		bus = transport.NewKafkaBus(transport.KafkaConfig{
			Brokers:       cfg.Transport.Brokers,
			GroupIDPrefix: cfg.Transport.GroupID,
		}, zapLogger)
	default:
		bus = transport.NewMemoryBus()
	}
	cache, err := transport.NewFeedCache(bus, topics)
	if err != nil {
		bus.Close()
		return nil, nil, nil, err
	}
	return bus, cache, func() { cache.Close(); bus.Close() }, nil
}

func openGateway(cfg *config.Config, signer *identity.KeySigner, zapLogger *zap.Logger) ledger.Gateway {
	if cfg.Ledger.Fake {
		zapLogger.Warn("using in-memory fake ledger gateway")
		return ledger.NewFakeGateway()
	}
	return ledger.NewHTTPGateway(cfg.Ledger.BaseURL, signer, signer.PublicKeyHex(), zapLogger)
}

func orchestratorHooks() orchestrator.Hooks {
	return orchestrator.Hooks{
		OrderSubmitted: func(marketID string, side models.Side, orderType models.OrderType, tif models.TimeInForce) {
			metrics.OrdersSubmitted.WithLabelValues(marketID, string(side), string(orderType)).Inc()
		},
		MatchApplied: func(marketID string) {
			metrics.MatchesApplied.WithLabelValues(marketID).Inc()
		},
		SpreadQuoted: func(marketID string, quote orchestrator.SpreadQuote) {
			metrics.EffectiveSpreadBps.WithLabelValues(marketID).Set(float64(quote.EffectiveSpreadBps))
		},
		DepthStaleness: func(marketID string, ms int64) {
			metrics.DepthStalenessMs.WithLabelValues(marketID).Set(float64(ms))
		},
		PolicyReject: func(code, action, marketID string) {
			metrics.PolicyRejects.WithLabelValues(code, action).Inc()
		},
		FallbackExecuted: func(marketID string) {
			metrics.FallbacksExecuted.WithLabelValues(marketID).Inc()
		},
		HedgeExecuted: func(marketID string) {
			metrics.HedgesExecuted.WithLabelValues(marketID).Inc()
		},
		SessionState: func(state orchestrator.SessionState) {
			if state.Enabled && state.Active {
				metrics.SessionActive.Set(1)
			} else {
				metrics.SessionActive.Set(0)
			}
			exposure, _ := state.Consumed.Float64()
			metrics.SessionExposure.Set(exposure)
		},
	}
}
