package server

import (
	"log"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"crash/internal/cache"
	"crash/internal/database"
	"crash/internal/game"
)

// Deps are the components the HTTP layer serves. DB, Cache and Bus are nil
// when the server runs on the in-memory store without Redis.
type Deps struct {
	DB         database.Service
	Cache      cache.Service
	Bus        *cache.EventBus
	Manager    *game.Manager
	Hub        *game.Hub
	AdminToken string
	RateLimit  int
}

type FiberServer struct {
	*fiber.App

	db          database.Service
	cache       cache.Service
	bus         *cache.EventBus
	gameManager *game.Manager
	gameHub     *game.Hub
	adminToken  string
}

func New(deps Deps) *FiberServer {
	if deps.RateLimit <= 0 {
		deps.RateLimit = 100
	}

	server := &FiberServer{
		App: fiber.New(fiber.Config{
			ServerHeader:  "crash",
			AppName:       "crash",
			ReadTimeout:   10 * time.Second,
			WriteTimeout:  10 * time.Second,
			IdleTimeout:   120 * time.Second,
			StrictRouting: false,
			ErrorHandler:  errorHandler,
		}),

		db:          deps.DB,
		cache:       deps.Cache,
		bus:         deps.Bus,
		gameManager: deps.Manager,
		gameHub:     deps.Hub,
		adminToken:  deps.AdminToken,
	}

	// Apply global middleware
	server.App.Use(recover.New())
	server.App.Use(limiter.New(limiter.Config{
		Max:        deps.RateLimit,
		Expiration: 1 * time.Minute,
		Next: func(c *fiber.Ctx) bool {
			return c.Path() == "/ws"
		},
	}))

	return server
}

// Shutdown stops accepting requests and closes the backing connections.
func (s *FiberServer) Shutdown() error {
	log.Println("[SERVER] Shutting down...")

	if err := s.App.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Printf("[SERVER] Error during shutdown: %v", err)
	}

	// Close connections
	if s.cache != nil {
		s.cache.Close()
	}
	if s.db != nil {
		s.db.Close()
	}

	return nil
}
