package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/groupchat/backend/internal/matching"
	"github.com/groupchat/backend/internal/query"
	"github.com/groupchat/backend/internal/storage/models"
)

// QueryEngine is the part of query.Engine the HTTP layer drives.
type QueryEngine interface {
	Submit(ctx context.Context, req query.SubmitRequest) (*models.Query, error)
	Status(ctx context.Context, queryID string) (*query.StatusReport, error)
	Answer(ctx context.Context, queryID string) (*models.CompiledAnswer, error)
	Cancel(ctx context.Context, queryID string) (*models.Query, error)
	Contribute(ctx context.Context, req query.ContributeRequest) (*models.Contribution, error)
	Settle(ctx context.Context, queryID string) (*models.Settlement, error)
	Subscribe(queryID string) (<-chan models.StatusEvent, func())
}

type QueryHandler struct {
	engine QueryEngine
}

func NewQueryHandler(engine QueryEngine) *QueryHandler {
	return &QueryHandler{engine: engine}
}

func (h *QueryHandler) Register(router fiber.Router) {
	router.Post("/queries", h.Submit)
	router.Get("/queries/:id", h.Status)
	router.Get("/queries/:id/answer", h.Answer)
	router.Post("/queries/:id/cancel", h.Cancel)
	router.Post("/queries/:id/contributions", h.Contribute)
	router.Post("/queries/:id/settle", h.Settle)
}

type submitBody struct {
	AskerID          string `json:"asker_id"`
	Question         string `json:"question"`
	BudgetCents      int64  `json:"budget_cents"`
	TimeoutSeconds   int    `json:"timeout_seconds"`
	MinContributions int    `json:"min_contributions"`
	MaxMatches       int    `json:"max_matches"`
}

// Submit creates a query. A query nobody could be matched to is still
// created and comes back failed.
func (h *QueryHandler) Submit(c *fiber.Ctx) error {
	var body submitBody
	if err := c.BodyParser(&body); err != nil {
		return badBody(c, err)
	}

	q, err := h.engine.Submit(c.Context(), query.SubmitRequest{
		AskerID:          body.AskerID,
		Question:         body.Question,
		BudgetCents:      body.BudgetCents,
		Timeout:          time.Duration(body.TimeoutSeconds) * time.Second,
		MinContributions: body.MinContributions,
		MaxMatches:       body.MaxMatches,
	})
	if err != nil && !(q != nil && errors.Is(err, matching.ErrNoEligibleExperts)) {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(q)
}

func (h *QueryHandler) Status(c *fiber.Ctx) error {
	report, err := h.engine.Status(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(report)
}

func (h *QueryHandler) Answer(c *fiber.Ctx) error {
	answer, err := h.engine.Answer(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(answer)
}

func (h *QueryHandler) Cancel(c *fiber.Ctx) error {
	q, err := h.engine.Cancel(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(q)
}

type contributeBody struct {
	ContactID    string   `json:"contact_id"`
	ResponseText string   `json:"response_text"`
	Confidence   *float64 `json:"confidence"`
}

// Contribute records a response. The contact may come from the body or the
// X-Contact-ID header set by the notification gateway.
func (h *QueryHandler) Contribute(c *fiber.Ctx) error {
	var body contributeBody
	if err := c.BodyParser(&body); err != nil {
		return badBody(c, err)
	}
	if body.ContactID == "" {
		body.ContactID = c.Get("X-Contact-ID")
	}
	if body.ContactID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "contact_id is required",
			"field": "contact_id",
		})
	}

	confidence := 1.0
	if body.Confidence != nil {
		confidence = *body.Confidence
	}

	contribution, err := h.engine.Contribute(c.Context(), query.ContributeRequest{
		QueryID:    c.Params("id"),
		ContactID:  body.ContactID,
		Text:       body.ResponseText,
		Confidence: confidence,
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(contribution)
}

func (h *QueryHandler) Settle(c *fiber.Ctx) error {
	settlement, err := h.engine.Settle(c.Context(), c.Params("id"))
	switch {
	case errors.Is(err, models.ErrAlreadySettled) && settlement != nil:
		return c.JSON(fiber.Map{"settlement": settlement, "already_settled": true})
	case err != nil:
		return respondError(c, err)
	}
	return c.JSON(fiber.Map{"settlement": settlement, "already_settled": false})
}
