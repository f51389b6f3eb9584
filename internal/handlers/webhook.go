package handlers

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/townshq/botfather/internal/bot"
	"github.com/townshq/botfather/internal/tenant"
	"github.com/townshq/botfather/internal/towns"
)

// ErrorResponse is the JSON error body the webhook surface returns.
type ErrorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
}

// WebhookHandler is the externally visible HTTP surface of the router: the
// control-plane webhook plus per-tenant webhook, health, and forwarding
// routes.
type WebhookHandler struct {
	logger  *slog.Logger
	control *bot.ControlPlane
	cache   *bot.Cache
}

func NewWebhookHandler(log *slog.Logger, control *bot.ControlPlane, cache *bot.Cache) *WebhookHandler {
	if log == nil {
		log = slog.Default()
	}
	return &WebhookHandler{
		logger:  log.With(slog.String("handler", "webhook")),
		control: control,
		cache:   cache,
	}
}

func (h *WebhookHandler) Register(e *echo.Echo) {
	e.POST("/webhook", h.control.Handler, h.control.Auth())
	e.POST("/webhook/:address", h.HandleTenant)
	e.GET("/webhook/:address/health", h.HandleHealth)
	e.GET("/bot/:address/health", h.HandleHealth)
	e.Any("/bot/:address/*", h.HandleForward)
}

// HandleTenant resolves the tenant instance (building it on first use) and
// forwards the request through its auth middleware into its handler. The
// middleware's rejection, if any, is returned verbatim.
func (h *WebhookHandler) HandleTenant(c echo.Context) error {
	inst, err := h.resolve(c)
	if inst == nil {
		return err
	}
	return inst.ServeWebhook(c)
}

// HandleHealth broadcasts the health message to every channel the tenant
// registered at build time and returns one summary line per channel.
func (h *WebhookHandler) HandleHealth(c echo.Context) error {
	inst, err := h.resolve(c)
	if inst == nil {
		return err
	}
	results := bot.Broadcast(c.Request().Context(), inst.Client(), inst.Channels)
	return c.String(http.StatusOK, bot.SummarizeBroadcast(results))
}

// HandleForward delegates arbitrary sub-paths into the tenant instance's own
// embedded app. The request is handed over in-process with its method,
// headers, and body intact.
func (h *WebhookHandler) HandleForward(c echo.Context) error {
	inst, err := h.resolve(c)
	if inst == nil {
		return err
	}
	return inst.ServeWebhook(c)
}

// resolve looks up the tenant instance for the request. On failure it writes
// the error response itself and returns a nil instance.
func (h *WebhookHandler) resolve(c echo.Context) (*bot.Instance, error) {
	address := c.Param("address")
	inst, err := h.cache.GetOrCreate(c.Request().Context(), address)
	if err == nil {
		return inst, nil
	}
	switch {
	case errors.Is(err, tenant.ErrNotFound):
		return nil, c.JSON(http.StatusNotFound, ErrorResponse{Success: false, Error: "Bot not found"})
	case errors.Is(err, towns.ErrSessionEstablishment):
		h.logger.Error("tenant session failed", slog.String("tenant", address), slog.Any("error", err))
		return nil, c.JSON(http.StatusBadGateway, ErrorResponse{Success: false, Error: "Bot session could not be established"})
	default:
		h.logger.Error("tenant resolve failed", slog.String("tenant", address), slog.Any("error", err))
		return nil, c.JSON(http.StatusInternalServerError, ErrorResponse{Success: false, Error: "Internal error"})
	}
}
