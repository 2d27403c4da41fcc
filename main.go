package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"grid-core/internal/api"
	"grid-core/internal/balance"
	"grid-core/internal/engine"
	"grid-core/internal/events"
	"grid-core/internal/monitor"
	"grid-core/internal/order"
	"grid-core/internal/persistence"
	"grid-core/internal/risk"
	"grid-core/pkg/config"
	"grid-core/pkg/db"
	"grid-core/pkg/exchanges/binance/futures"
	"grid-core/pkg/logger"
)

func main() {
	configPath := flag.String("config", envOr("CONFIG_PATH", "config.yaml"), "path to the strategy YAML")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Component("main").WithError(err).Fatal("load config")
	}
	if err := logger.Init(cfg.Log); err != nil {
		logger.Component("main").WithError(err).Fatal("init logging")
	}
	log := logger.Component("main")
	log.WithField("instance", cfg.InstanceID).Info("starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("open database")
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.WithError(err).Fatal("apply migrations")
	}

	client := futures.NewClient(futures.Config{
		APIKey:    cfg.BinanceAPIKey,
		APISecret: cfg.BinanceAPISecret,
		Testnet:   cfg.BinanceTestnet,
	})
	client.TimeSync().Start(ctx)
	if err := client.EnableHedgeMode(ctx); err != nil {
		log.WithError(err).Fatal("enable hedge mode")
	}

	bus := events.NewBus()
	balCache := balance.NewCache(client, cfg.Account.BalanceTTL)
	vol := risk.NewVolatility()
	riskCtl := risk.NewController(cfg.Account, balCache, vol, bus)
	writer := persistence.NewWriter(database, 0)

	engines := make(map[string]*engine.Engine, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		placer := order.NewPlacer(client, order.Config{
			EntryTimeout: cfg.Orders.EntryTimeout,
			EntryRetries: cfg.Orders.EntryRetries,
		})
		eng := engine.New(sym, cfg.Orders, cfg.Engine, client, placer, riskCtl, bus, writer)
		engines[sym.Symbol] = eng
		riskCtl.Register(sym.Symbol, eng)
	}

	deliver := func(ev events.Event) {
		if eng, ok := engines[events.SymbolOf(ev)]; ok {
			eng.Deliver(ev)
		}
		if tick, ok := ev.(events.PriceTick); ok {
			vol.Observe(tick.Symbol, tick.Price, tick.At)
		}
	}
	// Pushed updates carry equity only; the ladder moves on pulled snapshots
	// so it never acts on a wallet event with no available margin in it.
	onWallet := func(w events.Wallet) {
		balCache.ApplyWallet(w)
	}
	onDrop := func() {
		bus.Publish(events.TopicStreamDown, time.Now())
		if _, err := balCache.ForceRefresh(ctx); err != nil {
			log.WithError(err).Warn("balance refresh after stream drop")
		}
	}

	futures.NewUserStream(client, deliver, onWallet, onDrop).Start(ctx)
	symbols := make([]string, 0, len(cfg.Symbols))
	for _, sym := range cfg.Symbols {
		symbols = append(symbols, sym.Symbol)
	}
	futures.NewMarkStream(client, symbols, deliver).Start(ctx)

	go pollBalance(ctx, balCache, riskCtl, cfg.Account.BalanceTTL)

	monitor.New(bus, database, cfg.InstanceID).Start(ctx)
	api.NewServer(cfg.API, engines, riskCtl, balCache, database, bus).Start(ctx)

	var wg sync.WaitGroup
	for _, eng := range engines {
		wg.Add(1)
		go func(eng *engine.Engine) {
			defer wg.Done()
			if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
				log.WithError(err).WithField("symbol", eng.Symbol()).Error("engine stopped")
				cancel()
			}
		}(eng)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		log.WithField("signal", s.String()).Info("shutting down")
	case <-ctx.Done():
	}
	cancel()
	wg.Wait()
	writer.Close()
	log.Info("stopped")
}

// pollBalance is the risk ladder's only input. The push stream carries
// neither available margin nor the maintenance margin ratio, so both the
// freeze thresholds and the emergency gate depend on these pulls.
func pollBalance(ctx context.Context, cache *balance.Cache, ctl *risk.Controller, every time.Duration) {
	if every <= 0 {
		every = 5 * time.Second
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap, err := cache.ForceRefresh(ctx)
			if err != nil {
				continue
			}
			ctl.OnWallet(ctx, events.Wallet{
				Available:   snap.Available,
				Equity:      snap.Equity,
				MarginRatio: snap.MarginRatio,
				At:          snap.FetchedAt,
			})
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
