package handlers

import (
	"context"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/groupchat/backend/pkg/circuitbreaker"
	"github.com/groupchat/backend/pkg/logger"
)

// Pinger checks one backing service.
type Pinger func(ctx context.Context) error

type HealthHandler struct {
	checks   map[string]Pinger
	breakers []*circuitbreaker.CircuitBreaker
	registry *circuitbreaker.Registry
}

func NewHealthHandler(checks map[string]Pinger, registry *circuitbreaker.Registry, breakers ...*circuitbreaker.CircuitBreaker) *HealthHandler {
	return &HealthHandler{checks: checks, registry: registry, breakers: breakers}
}

func (h *HealthHandler) Register(router fiber.Router) {
	router.Get("/health", h.Health)
}

// Health reports 503 when a required dependency does not answer. Open
// breakers are reported but do not fail the check.
func (h *HealthHandler) Health(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	deps := make(fiber.Map, len(names))
	for _, name := range names {
		if err := h.checks[name](ctx); err != nil {
			logger.Warn("Health check failed", zap.String("dependency", name), zap.Error(err))
			deps[name] = err.Error()
			healthy = false
			continue
		}
		deps[name] = "ok"
	}

	breakers := make(fiber.Map)
	if h.registry != nil {
		for name, state := range h.registry.States() {
			breakers[name] = state.String()
		}
	}
	for _, cb := range h.breakers {
		breakers[cb.Name()] = cb.State().String()
	}

	status, code := "healthy", fiber.StatusOK
	if !healthy {
		status, code = "degraded", fiber.StatusServiceUnavailable
	}
	return c.Status(code).JSON(fiber.Map{
		"status":       status,
		"dependencies": deps,
		"breakers":     breakers,
	})
}
