package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/townshq/botfather/internal/tenant"
	"github.com/townshq/botfather/internal/towns"
)

// Instance is one live tenant bot: a webhook handler plus the middleware
// that authenticates inbound calls for it. Channels is the snapshot taken at
// build time; it is not re-read from storage afterward.
type Instance struct {
	Address  string
	Channels []string
	Handler  echo.HandlerFunc
	Auth     echo.MiddlewareFunc

	session *towns.Session
}

// Client returns the protocol client bound to this instance's identity.
func (i *Instance) Client() *towns.Client {
	return i.session.Client
}

// ServeWebhook runs the instance's auth middleware and, when it passes, the
// webhook handler. An auth rejection is returned verbatim; the inner handler
// never runs.
func (i *Instance) ServeWebhook(c echo.Context) error {
	handler := i.Handler
	if i.Auth != nil {
		handler = i.Auth(handler)
	}
	return handler(c)
}

// RetryPolicy controls outbound send retries with linearly increasing
// backoff.
type RetryPolicy struct {
	Max     int
	Backoff time.Duration
}

// DefaultRetryPolicy is applied when a zero policy is given.
var DefaultRetryPolicy = RetryPolicy{Max: 3, Backoff: 500 * time.Millisecond}

func (p RetryPolicy) normalize() RetryPolicy {
	if p.Max <= 0 {
		p.Max = DefaultRetryPolicy.Max
	}
	if p.Backoff <= 0 {
		p.Backoff = DefaultRetryPolicy.Backoff
	}
	return p
}

// Factory builds tenant bot instances from stored credentials. Re-invoking
// Build for the same tenant creates an independent session, so callers go
// through the Cache.
type Factory struct {
	store   tenant.Store
	logger  *slog.Logger
	baseURL string
	session towns.SessionOpts
	retry   RetryPolicy
}

// NewFactory creates a Factory. baseURL is the externally reachable server
// URL used when composing tenant health links.
func NewFactory(log *slog.Logger, store tenant.Store, baseURL string, sessionOpts towns.SessionOpts, retry RetryPolicy) *Factory {
	if log == nil {
		log = slog.Default()
	}
	return &Factory{
		store:   store,
		logger:  log.With(slog.String("service", "factory")),
		baseURL: baseURL,
		session: sessionOpts,
		retry:   retry.normalize(),
	}
}

// Build establishes the tenant's protocol session and wires its command and
// mention handlers. Session failures propagate towns.ErrSessionEstablishment
// without local retries.
func (f *Factory) Build(ctx context.Context, rec tenant.Record) (*Instance, error) {
	session, err := towns.NewSession(ctx, towns.Credentials{
		AppPrivateData: rec.AppPrivateData,
		WebhookSecret:  rec.WebhookSecret,
	}, f.session)
	if err != nil {
		return nil, fmt.Errorf("build tenant %s: %w", rec.Address, err)
	}

	channels := make([]string, len(rec.ChannelIDs))
	copy(channels, rec.ChannelIDs)

	tb := &tenantBot{
		address: rec.Address,
		session: session,
		store:   f.store,
		baseURL: f.baseURL,
		retry:   f.retry,
		logger:  f.logger.With(slog.String("tenant", rec.Address)),
	}

	return &Instance{
		Address:  rec.Address,
		Channels: channels,
		Handler:  tb.handleWebhook,
		Auth:     session.WebhookMiddleware(),
		session:  session,
	}, nil
}

// tenantBot carries the per-tenant state the command handlers need.
type tenantBot struct {
	address string
	session *towns.Session
	store   tenant.Store
	baseURL string
	retry   RetryPolicy
	logger  *slog.Logger
}

// handleWebhook decodes one webhook event and dispatches it.
func (b *tenantBot) handleWebhook(c echo.Context) error {
	event, err := b.session.DecodeEvent(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	switch event.Type {
	case towns.EventTypeSlashCommand:
		if event.Command != nil {
			b.dispatchCommand(ctx, event)
		}
	case towns.EventTypeMessage:
		// Passive observer: acknowledge mentions with a reaction.
		if event.Message != nil && event.Message.IsMentioned {
			if err := b.session.Client.SendReaction(ctx, event.ChannelID, event.EventID, "👀"); err != nil {
				b.logger.Warn("mention reaction failed", slog.String("channel", event.ChannelID), slog.Any("error", err))
			}
		}
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}
