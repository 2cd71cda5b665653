package server

import (
	"errors"
	"log"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"crash/internal/game"
)

const (
	DEFAULT_PAGE_SIZE = 50
	MAX_PAGE_SIZE     = 500
)

// statusFor maps a game error code onto an HTTP status.
func statusFor(code game.Code) int {
	switch code {
	case game.CodeInvalidAmount, game.CodeInvalidAutoCashout, game.CodeInvalidMultiplier, game.CodeInvalidEntryType:
		return fiber.StatusBadRequest
	case game.CodeRoundNotFound, game.CodeBetNotFound:
		return fiber.StatusNotFound
	case game.CodeInsufficientBalance, game.CodeRoundNotAcceptingBets, game.CodeBetNotActive,
		game.CodeRoundNotFlying, game.CodeMultiplierExceeds, game.CodeAlreadySettled,
		game.CodeInvalidTransition, game.CodeActiveRoundExists, game.CodeRoundNotRevealed:
		return fiber.StatusConflict
	case game.CodeTransient:
		return fiber.StatusServiceUnavailable
	default:
		return fiber.StatusInternalServerError
	}
}

func errorMessage(err error) string {
	if game.CodeOf(err) == game.CodeUnknown {
		return "Internal server error"
	}
	return err.Error()
}

// respondError writes err as {"error", "code"} with the matching status.
func respondError(c *fiber.Ctx, err error) error {
	code := game.CodeOf(err)
	status := statusFor(code)
	if status >= fiber.StatusInternalServerError {
		log.Printf("[SERVER] %s %s failed: %v", c.Method(), c.Path(), err)
	}
	return c.Status(status).JSON(fiber.Map{
		"error": errorMessage(err),
		"code":  code,
	})
}

func errorHandler(c *fiber.Ctx, err error) error {
	var fe *fiber.Error
	if errors.As(err, &fe) {
		return c.Status(fe.Code).JSON(fiber.Map{"error": fe.Message})
	}
	return respondError(c, err)
}

func pageSize(c *fiber.Ctx) int {
	limit := c.QueryInt("limit", DEFAULT_PAGE_SIZE)
	if limit <= 0 {
		return DEFAULT_PAGE_SIZE
	}
	if limit > MAX_PAGE_SIZE {
		return MAX_PAGE_SIZE
	}
	return limit
}

func health(svc interface{ Health() map[string]string }, enabled bool) map[string]string {
	if !enabled {
		return map[string]string{"status": "disabled"}
	}
	return svc.Health()
}

func (s *FiberServer) healthHandler(c *fiber.Ctx) error {
	status := fiber.StatusOK
	dbHealth := health(s.db, s.db != nil)
	if dbHealth["status"] == "down" {
		status = fiber.StatusServiceUnavailable
	}

	return c.Status(status).JSON(fiber.Map{
		"database": dbHealth,
		"cache":    health(s.cache, s.cache != nil),
		"game": fiber.Map{
			"status":            "running",
			"connected_clients": s.gameHub.GetClientCount(),
		},
	})
}

func (s *FiberServer) getGameStateHandler(c *fiber.Ctx) error {
	state, ok := s.gameManager.State()
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "No active game round",
		})
	}
	return c.JSON(state)
}

type placeBetBody struct {
	RoundID        string              `json:"round_id"`
	Amount         decimal.Decimal     `json:"amount"`
	AutoCashout    decimal.NullDecimal `json:"auto_cashout"`
	IdempotencyKey string              `json:"idempotency_key"`
}

func (s *FiberServer) placeBetHandler(c *fiber.Ctx) error {
	var body placeBetBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	key := c.Get(HEADER_IDEMPOTENCY_KEY)
	if key == "" {
		key = body.IdempotencyKey
	}

	result, err := s.gameManager.PlaceBet(c.UserContext(), game.PlaceBetRequest{
		UserID:         userID(c),
		RoundID:        body.RoundID,
		Amount:         body.Amount,
		AutoCashout:    body.AutoCashout,
		IdempotencyKey: key,
	})
	if err != nil {
		return respondError(c, err)
	}

	status := fiber.StatusCreated
	if result.Replayed {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(result)
}

type cashoutBody struct {
	Multiplier decimal.Decimal `json:"multiplier"`
}

// cashoutHandler settles at the live multiplier unless the body names a lower one.
func (s *FiberServer) cashoutHandler(c *fiber.Ctx) error {
	var body cashoutBody
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "Invalid request body",
			})
		}
	}

	result, err := s.gameManager.CashOut(c.UserContext(), game.CashOutRequest{
		UserID:     userID(c),
		BetID:      c.Params("betId"),
		Multiplier: body.Multiplier,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(result)
}

func (s *FiberServer) getBalanceHandler(c *fiber.Ctx) error {
	user := userID(c)
	balance, err := s.gameManager.Ledger().Balance(c.UserContext(), user)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{
		"user_id": user,
		"balance": balance.StringFixed(2),
	})
}

func (s *FiberServer) getLedgerHandler(c *fiber.Ctx) error {
	entries, err := s.gameManager.Ledger().Entries(c.UserContext(), userID(c), pageSize(c))
	if err != nil {
		return respondError(c, err)
	}
	if entries == nil {
		entries = []*game.LedgerEntry{}
	}
	return c.JSON(fiber.Map{"entries": entries})
}

func (s *FiberServer) getBetsHandler(c *fiber.Ctx) error {
	bets, err := s.gameManager.Ledger().Bets(c.UserContext(), userID(c), pageSize(c))
	if err != nil {
		return respondError(c, err)
	}
	if bets == nil {
		bets = []*game.Bet{}
	}
	return c.JSON(fiber.Map{"bets": bets})
}

func (s *FiberServer) getRoundsHandler(c *fiber.Ctx) error {
	rounds, err := s.gameManager.Lifecycle().History(c.UserContext(), pageSize(c))
	if err != nil {
		return respondError(c, err)
	}
	views := make([]game.RoundView, 0, len(rounds))
	for _, r := range rounds {
		views = append(views, r.Public())
	}
	return c.JSON(fiber.Map{"rounds": views})
}

func (s *FiberServer) verifyRoundHandler(c *fiber.Ctx) error {
	v, err := s.gameManager.Lifecycle().Verify(c.UserContext(), c.Params("roundId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(v)
}

type creditBody struct {
	Amount decimal.Decimal   `json:"amount"`
	Type   game.EntryType    `json:"type"`
	Meta   map[string]string `json:"meta"`
}

func (s *FiberServer) creditHandler(c *fiber.Ctx) error {
	var body creditBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if body.Type == "" {
		body.Type = game.EntryDeposit
	}

	entry, err := s.gameManager.Ledger().CreditExternal(c.UserContext(), game.CreditRequest{
		UserID: c.Params("userId"),
		Amount: body.Amount,
		Type:   body.Type,
		Meta:   body.Meta,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(entry)
}

func (s *FiberServer) reconcileHandler(c *fiber.Ctx) error {
	rec, err := s.gameManager.Ledger().Reconcile(c.UserContext(), c.Params("userId"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(rec)
}
