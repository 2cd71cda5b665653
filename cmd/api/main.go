package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"crash/internal/cache"
	"crash/internal/config"
	"crash/internal/database"
	"crash/internal/game"
	"crash/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatalf("failed to serve: %v", err)
	}
	log.Println("[SERVER] Graceful shutdown complete.")
}

func run(ctx context.Context, cfg config.Config) error {
	deps := server.Deps{AdminToken: cfg.AdminToken}

	var store game.Store
	switch cfg.Store {
	case "memory":
		log.Println("[SERVER] Using the in-memory store; balances are lost on restart")
		store = game.NewMemoryStore()
	default:
		db, err := database.New(ctx, cfg.Database)
		if err != nil {
			return err
		}
		if cfg.Database.AutoMigrate {
			if err := database.MigratePool(db.Pool(), cfg.Database.MigrationsPath); err != nil {
				db.Close()
				return err
			}
			log.Println("[DB] Migrations applied")
		}
		deps.DB = db
		store = database.NewStore(db.Pool())
	}

	hub := game.NewHub()
	deps.Hub = hub
	var publisher game.Publisher = hub
	var lease *cache.Lease

	if cfg.Redis.Enabled() {
		redisService, err := cache.New(ctx, cfg.Redis)
		if err != nil {
			log.Printf("[CACHE] %v", err)
			log.Println("[CACHE] Running without Redis; this instance drives rounds alone")
		} else {
			deps.Cache = redisService
			deps.Bus = cache.NewEventBus(redisService.GetClient())
			// every instance relays the bus to its own clients
			publisher = deps.Bus
			lease = cache.NewLease(redisService.GetClient(), cache.REDIS_KEY_SCHEDULER, cfg.Game.SchedulerLease)
		}
	}

	lifecycle := game.NewLifecycle(store, game.LifecycleConfig{
		ServerKey:         cfg.Game.ServerKey,
		ClientSalt:        cfg.Game.ClientSalt,
		PreRoundDuration:  cfg.Game.PreRoundDuration,
		MaxFlightDuration: cfg.Game.MaxFlightDuration,
	})
	ledger := game.NewLedger(store, game.LedgerConfig{MinBet: cfg.Game.MinBet, MaxBet: cfg.Game.MaxBet})
	manager := game.NewManager(lifecycle, ledger, publisher, game.ManagerConfig{
		TickInterval: cfg.Game.TickInterval,
		GracePeriod:  cfg.Game.GracePeriod,
	})
	if lease != nil {
		manager.WithLeader(lease)
	}
	deps.Manager = manager

	srv := server.New(deps)
	srv.RegisterFiberRoutes()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return manager.Run(ctx)
	})
	if deps.Bus != nil {
		g.Go(func() error {
			return deps.Bus.Subscribe(ctx, hub.Relay)
		})
	}
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.Port)
		log.Printf("[SERVER] Listening on %s", addr)
		if err := srv.Listen(addr); err != nil {
			return fmt.Errorf("http server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Println("[SERVER] Shutting down gracefully, press Ctrl+C again to force")
		return srv.Shutdown()
	})

	return g.Wait()
}
