package handlers

import (
	"context"

	"github.com/gofiber/fiber/v2"

	"github.com/groupchat/backend/internal/storage/models"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

type LedgerReader interface {
	Balance(ctx context.Context, accountType models.AccountType, accountID string) (int64, error)
	History(ctx context.Context, accountType models.AccountType, accountID string, limit int) ([]models.LedgerEntry, error)
}

type LedgerHandler struct {
	ledger LedgerReader
}

func NewLedgerHandler(ledger LedgerReader) *LedgerHandler {
	return &LedgerHandler{ledger: ledger}
}

func (h *LedgerHandler) Register(router fiber.Router) {
	router.Get("/ledger/accounts/:type/:id", h.Account)
}

func validAccountType(t models.AccountType) bool {
	switch t {
	case models.AccountQueryBudget, models.AccountContributor, models.AccountPlatform, models.AccountReferrer:
		return true
	}
	return false
}

// Account returns the balance of an account with its most recent entries.
func (h *LedgerHandler) Account(c *fiber.Ctx) error {
	accountType := models.AccountType(c.Params("type"))
	if !validAccountType(accountType) {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "unknown account type",
			"field": "type",
		})
	}
	accountID := c.Params("id")

	limit := c.QueryInt("limit", defaultHistoryLimit)
	if limit < 1 || limit > maxHistoryLimit {
		limit = defaultHistoryLimit
	}

	balance, err := h.ledger.Balance(c.Context(), accountType, accountID)
	if err != nil {
		return respondError(c, err)
	}
	history, err := h.ledger.History(c.Context(), accountType, accountID, limit)
	if err != nil {
		return respondError(c, err)
	}

	return c.JSON(fiber.Map{
		"account_type":  accountType,
		"account_id":    accountID,
		"balance_cents": balance,
		"entries":       history,
	})
}
