package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/shopspring/decimal"

	"crash/internal/game"
)

const (
	HEADER_USER_ID         = "X-User-ID"
	HEADER_IDEMPOTENCY_KEY = "Idempotency-Key"
	LOCAL_USER_ID          = "user_id"
	WS_REQUEST_TIMEOUT     = 5 * time.Second
)

func (s *FiberServer) RegisterFiberRoutes() {
	// Apply CORS middleware
	s.App.Use(cors.New(cors.Config{
		AllowOrigins:     "*",
		AllowMethods:     "GET,POST,OPTIONS",
		AllowHeaders:     "Accept,Authorization,Content-Type,X-User-ID,Idempotency-Key",
		AllowCredentials: false, // credentials require explicit origins
		MaxAge:           300,
	}))

	s.App.Get("/health", s.healthHandler)

	api := s.App.Group("/api/v1")

	api.Get("/game/state", s.getGameStateHandler)
	api.Post("/game/bet", requireUser, s.placeBetHandler)
	api.Post("/game/bets/:betId/cashout", requireUser, s.cashoutHandler)

	me := api.Group("/me", requireUser)
	me.Get("/balance", s.getBalanceHandler)
	me.Get("/ledger", s.getLedgerHandler)
	me.Get("/bets", s.getBetsHandler)

	api.Get("/rounds", s.getRoundsHandler)
	api.Get("/rounds/:roundId/verify", s.verifyRoundHandler)

	admin := api.Group("/admin", s.requireAdmin)
	admin.Post("/users/:userId/credit", s.creditHandler)
	admin.Get("/users/:userId/reconcile", s.reconcileHandler)

	// WebSocket route
	s.App.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	s.App.Get("/ws", websocket.New(s.gameWebSocketHandler))
}

// requireUser trusts the X-User-ID header set by the upstream gateway.
func requireUser(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Get(HEADER_USER_ID))
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "X-User-ID header is required",
		})
	}
	c.Locals(LOCAL_USER_ID, userID)
	return c.Next()
}

func userID(c *fiber.Ctx) string {
	id, _ := c.Locals(LOCAL_USER_ID).(string)
	return id
}

func (s *FiberServer) requireAdmin(c *fiber.Ctx) error {
	if s.adminToken == "" {
		return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
			"error": "Admin API is disabled",
		})
	}
	token := strings.TrimPrefix(c.Get(fiber.HeaderAuthorization), "Bearer ")
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) != 1 {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
			"error": "Invalid admin token",
		})
	}
	return c.Next()
}

type wsMessage struct {
	Type           string              `json:"type"`
	Amount         decimal.Decimal     `json:"amount"`
	AutoCashout    decimal.NullDecimal `json:"auto_cashout"`
	BetID          string              `json:"bet_id"`
	Multiplier     decimal.Decimal     `json:"multiplier"`
	IdempotencyKey string              `json:"idempotency_key"`
}

// gameWebSocketHandler streams game events and accepts bets from identified users.
func (s *FiberServer) gameWebSocketHandler(conn *websocket.Conn) {
	userID := conn.Query("user_id", "")

	client := s.gameHub.RegisterClient(conn, userID)
	defer s.gameHub.UnregisterClient(client)

	s.sendSnapshot(client)

	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			log.Printf("[WS] Read error for user %s: %v", userID, err)
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		var msg wsMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			client.Send(game.Event{Type: "pong"})

		case "place_bet":
			if userID == "" {
				client.Send(wsError("bet_result", "user_id is required to bet", game.CodeUnknown))
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), WS_REQUEST_TIMEOUT)
			result, err := s.gameManager.PlaceBet(ctx, game.PlaceBetRequest{
				UserID:         userID,
				Amount:         msg.Amount,
				AutoCashout:    msg.AutoCashout,
				IdempotencyKey: msg.IdempotencyKey,
			})
			cancel()
			if err != nil {
				client.Send(wsError("bet_result", errorMessage(err), game.CodeOf(err)))
				continue
			}
			client.Send(game.Event{Type: "bet_result", Data: result})

		case "cashout":
			if userID == "" {
				client.Send(wsError("cashout_result", "user_id is required to cash out", game.CodeUnknown))
				continue
			}
			ctx, cancel := context.WithTimeout(context.Background(), WS_REQUEST_TIMEOUT)
			result, err := s.gameManager.CashOut(ctx, game.CashOutRequest{
				UserID:     userID,
				BetID:      msg.BetID,
				Multiplier: msg.Multiplier,
			})
			cancel()
			if err != nil {
				client.Send(wsError("cashout_result", errorMessage(err), game.CodeOf(err)))
				continue
			}
			client.Send(game.Event{Type: "cashout_result", Data: result})
		}
	}
}

// sendSnapshot falls back to the bus snapshot while this instance has not
// loaded a round yet.
func (s *FiberServer) sendSnapshot(client *game.Client) {
	if snapshot, ok := s.gameManager.Snapshot(); ok {
		client.Send(snapshot)
		return
	}
	if s.bus == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), WS_REQUEST_TIMEOUT)
	defer cancel()
	data, ok, err := s.bus.Snapshot(ctx)
	if err != nil {
		log.Printf("[WS] Bus snapshot error: %v", err)
		return
	}
	if ok {
		client.SendRaw(data)
	}
}

func wsError(typ, message string, code game.Code) game.Event {
	return game.Event{Type: typ, Data: fiber.Map{"error": message, "code": code}}
}
