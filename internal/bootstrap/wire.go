package bootstrap

import (
	"context"
	"fmt"
	"time"

	"tradedesk/internal/ai"
	"tradedesk/internal/broker"
	"tradedesk/internal/chat"
	"tradedesk/internal/core"
	"tradedesk/internal/execution"
	"tradedesk/internal/infrastructure/health"
	"tradedesk/internal/infrastructure/metrics"
	"tradedesk/internal/marketdata"
	"tradedesk/internal/notify"
	"tradedesk/internal/orchestrator"
	"tradedesk/internal/riskalert"
	"tradedesk/internal/simulator"
	"tradedesk/internal/store"
	"tradedesk/pkg/concurrency"
)

// System is the fully wired component graph.
type System struct {
	Store      *store.SQLiteStore
	Market     *marketdata.Gateway
	Broker     core.IBroker
	Router     *execution.Router
	Engine     *riskalert.Engine
	Dispatcher *notify.Dispatcher
	ChatServer *chat.Server
	Health     *health.HealthManager
	Ops        *metrics.Server

	eventPool  *concurrency.WorkerPool
	notifyPool *concurrency.WorkerPool
}

// Build constructs every component bottom-up: storage, market data,
// execution, alerting, notification, then the chat surface on top.
func Build(app *App) (*System, error) {
	cfg := app.Cfg
	logger := app.Logger

	st, err := store.NewSQLiteStore(&cfg.Persistence, logger)
	if err != nil {
		return nil, fmt.Errorf("store: %w", err)
	}

	shared := marketdata.NewMemorySharedCache(
		time.Duration(cfg.MarketData.QuoteTTLL2)*time.Second,
		time.Duration(cfg.MarketData.QuoteTTLL2)*2*time.Second,
	)
	provider := marketdata.NewProvider(&cfg.MarketData, logger)
	market := marketdata.NewGateway(&cfg.MarketData, provider, shared, logger)

	var brk core.IBroker
	if cfg.Broker.Enabled {
		b, err := broker.NewAlpacaBroker(&cfg.Broker, logger)
		if err != nil {
			return nil, fmt.Errorf("broker: %w", err)
		}
		brk = b
	}
	sim := simulator.New(logger)

	chatClient := chat.NewClient(&cfg.Chat, logger)

	notifyPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "notify",
		MaxWorkers:  cfg.Concurrency.NotifyPoolSize,
		MaxCapacity: cfg.Concurrency.NotifyPoolBuffer,
		NonBlocking: true,
	}, logger)
	dispatcher := notify.NewDispatcher(&cfg.Notify, chatClient, st, notifyPool, logger)

	engine := riskalert.NewEngine(&cfg.Alerts, st, market, dispatcher, logger)
	router := execution.NewRouter(&cfg.Broker, st, brk, sim, market, engine.CheckTrade, logger)

	var analyzer core.IRiskAnalyzer
	if cfg.AI.Enabled {
		analyzer = ai.NewAnalyzer(&cfg.AI, logger)
	}

	orch := orchestrator.New(cfg, st, market, router, engine, analyzer, chatClient, logger)

	eventPool := concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "chat-events",
		MaxWorkers:  cfg.Concurrency.EventPoolSize,
		MaxCapacity: cfg.Concurrency.EventPoolBuffer,
		NonBlocking: true,
	}, logger)
	server := chat.NewServer(&cfg.Chat, orch, eventPool, logger)

	hm := health.NewHealthManager(logger)
	hm.Register("store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), core.DefaultCallDeadline)
		defer cancel()
		return st.Ping(ctx)
	})
	hm.Register("marketdata", market.Healthz)

	sys := &System{
		Store:      st,
		Market:     market,
		Broker:     brk,
		Router:     router,
		Engine:     engine,
		Dispatcher: dispatcher,
		ChatServer: server,
		Health:     hm,
		eventPool:  eventPool,
		notifyPool: notifyPool,
	}
	if cfg.Telemetry.EnableMetrics {
		sys.Ops = metrics.NewServer(cfg.Telemetry.MetricsPort, hm, logger)
	}
	return sys, nil
}

// Runners returns the long-lived components in start order.
func (s *System) Runners() []Runner {
	runners := []Runner{
		s.Engine,
		RunnerFunc(func(ctx context.Context) error {
			s.Dispatcher.Run(ctx)
			return nil
		}),
		RunnerFunc(func(ctx context.Context) error {
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), core.DefaultCallDeadline)
				defer cancel()
				_ = s.ChatServer.Shutdown(shutdownCtx)
			}()
			return s.ChatServer.Start()
		}),
	}
	if s.Ops != nil {
		runners = append(runners, s.Ops)
	}
	return runners
}

// Close releases pools and the store after the runners have drained.
func (s *System) Close() {
	s.eventPool.Stop()
	s.notifyPool.Stop()
	_ = s.Store.Close()
}
