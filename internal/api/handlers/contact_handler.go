package handlers

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/groupchat/backend/internal/expertise"
	"github.com/groupchat/backend/internal/ingestion"
	"github.com/groupchat/backend/internal/storage/models"
	"github.com/groupchat/backend/internal/web"
	"github.com/groupchat/backend/pkg/logger"
)

type ContactIndex interface {
	Upsert(ctx context.Context, contact *models.Contact) error
	Get(ctx context.Context, id string) (*models.Contact, error)
	IngestPage(ctx context.Context, page expertise.ProfilePage) (*models.Contact, error)
	Similar(ctx context.Context, vector []float32, k int) ([]expertise.Hit, error)
}

// PageFetcher downloads a profile page by URL.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string) (string, error)
}

type ContactHandler struct {
	index   ContactIndex
	fetcher PageFetcher
}

// NewContactHandler builds the contact routes. fetcher may be nil, in which
// case profiles must be posted as HTML.
func NewContactHandler(index ContactIndex, fetcher PageFetcher) *ContactHandler {
	return &ContactHandler{index: index, fetcher: fetcher}
}

func (h *ContactHandler) Register(router fiber.Router) {
	router.Post("/contacts", h.Upsert)
	router.Get("/contacts/:id", h.Get)
	router.Post("/contacts/:id/profile", h.IngestProfile)
	router.Get("/contacts/:id/similar", h.Similar)
}

type contactBody struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Summary      string   `json:"expertise_summary"`
	Tags         []string `json:"tags"`
	Consent      []string `json:"consent"`
	TrustScore   *float64 `json:"trust_score"`
	ResponseRate *float64 `json:"response_rate"`
	Available    *bool    `json:"available"`
}

// Upsert registers or updates a contact. Omitted scores take the same
// defaults as seed files.
func (h *ContactHandler) Upsert(c *fiber.Ctx) error {
	var body contactBody
	if err := c.BodyParser(&body); err != nil {
		return badBody(c, err)
	}
	if strings.TrimSpace(body.ID) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "id is required",
			"field": "id",
		})
	}

	contact := ingestion.SeedContact{
		ID:           body.ID,
		Name:         body.Name,
		Summary:      body.Summary,
		Tags:         body.Tags,
		Consent:      body.Consent,
		Trust:        body.TrustScore,
		ResponseRate: body.ResponseRate,
		Available:    body.Available,
	}.Contact()

	if err := h.index.Upsert(c.Context(), contact); err != nil {
		return respondError(c, err)
	}

	logger.Info("Contact upserted", zap.String("contact_id", contact.ID))
	return c.Status(fiber.StatusCreated).JSON(contact)
}

func (h *ContactHandler) Get(c *fiber.Ctx) error {
	contact, err := h.index.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(contact)
}

type profileBody struct {
	Name    string   `json:"name"`
	HTML    string   `json:"html"`
	URL     string   `json:"url"`
	Consent []string `json:"consent"`
	Trust   *float64 `json:"trust_score"`
}

// IngestProfile builds a contact from a profile page, posted inline or
// fetched from a URL.
func (h *ContactHandler) IngestProfile(c *fiber.Ctx) error {
	var body profileBody
	if err := c.BodyParser(&body); err != nil {
		return badBody(c, err)
	}

	if strings.TrimSpace(body.HTML) == "" && body.URL != "" && h.fetcher != nil {
		page, err := h.fetcher.Fetch(c.Context(), body.URL)
		switch {
		case errors.Is(err, web.ErrInvalidURL):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error(), "field": "url"})
		case err != nil:
			logger.Warn("Profile fetch failed", zap.String("url", body.URL), zap.Error(err))
			return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "Failed to fetch profile page"})
		}
		body.HTML = page
	}
	if strings.TrimSpace(body.HTML) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "html or url is required",
			"field": "html",
		})
	}

	page := expertise.ProfilePage{
		ContactID: c.Params("id"),
		Name:      body.Name,
		HTML:      body.HTML,
		Consent:   make(map[models.Channel]bool, len(body.Consent)),
		Trust:     0.5,
	}
	if body.Trust != nil {
		page.Trust = *body.Trust
	}
	for _, ch := range body.Consent {
		page.Consent[models.Channel(strings.ToLower(strings.TrimSpace(ch)))] = true
	}

	contact, err := h.index.IngestPage(c.Context(), page)
	if err != nil {
		return respondError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(contact)
}

type similarContact struct {
	ContactID string  `json:"contact_id"`
	Score     float32 `json:"score"`
}

// Similar lists the active contacts whose expertise is closest to the given
// contact's, excluding the contact itself.
func (h *ContactHandler) Similar(c *fiber.Ctx) error {
	contact, err := h.index.Get(c.Context(), c.Params("id"))
	if err != nil {
		return respondError(c, err)
	}
	if len(contact.ExpertiseVector) == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": "contact has no expertise vector"})
	}

	k := c.QueryInt("k", 5)
	if k < 1 || k > 50 {
		k = 5
	}
	hits, err := h.index.Similar(c.Context(), contact.ExpertiseVector, k+1)
	if err != nil {
		return respondError(c, err)
	}

	similar := make([]similarContact, 0, k)
	for _, hit := range hits {
		if hit.ContactID == contact.ID || len(similar) == k {
			continue
		}
		similar = append(similar, similarContact{ContactID: hit.ContactID, Score: hit.Score})
	}
	return c.JSON(fiber.Map{"contact_id": contact.ID, "similar": similar})
}
