package bot

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/townshq/botfather/internal/render"
	"github.com/townshq/botfather/internal/tenant"
	"github.com/townshq/botfather/internal/towns"
)

const (
	setupUsage       = "Usage: /setup <APP_PRIVATE_DATA> <JWT_SECRET> (optional: <BEARER_TOKEN>)"
	setCommandsUsage = "Usage: /setcommands <APP_PRIVATE_DATA> <BEARER_TOKEN>"
)

// Deployer is the deployment-automation surface setup uses to push tenant
// credentials into a hosted service and redeploy it. *render.Client
// satisfies it.
type Deployer interface {
	UpdateEnv(ctx context.Context, serviceID string, env map[string]string) error
	TriggerDeploy(ctx context.Context, serviceID string) (string, error)
	WaitForDeploy(ctx context.Context, serviceID, deployID string, onChange func(render.Status) error) (render.Status, error)
}

// ControlPlane is the statically configured onboarding bot. It is not
// tenant-scoped; its only job is registering new tenants and maintaining
// their command metadata.
type ControlPlane struct {
	session     *towns.Session
	store       tenant.Store
	deployer    Deployer
	serviceID   string
	baseURL     string
	sessionOpts towns.SessionOpts
	logger      *slog.Logger
}

// ControlPlaneConfig bundles the control plane's wiring.
type ControlPlaneConfig struct {
	Credentials towns.Credentials
	BaseURL     string
	SessionOpts towns.SessionOpts
	Deployer    Deployer
	ServiceID   string
}

// NewControlPlane establishes the control-plane bot's own session. A failure
// here is fatal to startup: without the onboarding bot the router serves
// only already-known tenants.
func NewControlPlane(ctx context.Context, log *slog.Logger, store tenant.Store, cfg ControlPlaneConfig) (*ControlPlane, error) {
	if log == nil {
		log = slog.Default()
	}
	session, err := towns.NewSession(ctx, cfg.Credentials, cfg.SessionOpts)
	if err != nil {
		return nil, fmt.Errorf("control plane: %w", err)
	}
	return &ControlPlane{
		session:     session,
		store:       store,
		deployer:    cfg.Deployer,
		serviceID:   cfg.ServiceID,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		sessionOpts: cfg.SessionOpts,
		logger:      log.With(slog.String("service", "control_plane"), slog.String("bot", session.Address)),
	}, nil
}

// Address returns the control-plane bot's client address.
func (p *ControlPlane) Address() string {
	return p.session.Address
}

// Auth returns the webhook auth middleware for the control-plane path.
func (p *ControlPlane) Auth() echo.MiddlewareFunc {
	return p.session.WebhookMiddleware()
}

// Handler processes the control-plane webhook.
func (p *ControlPlane) Handler(c echo.Context) error {
	event, err := p.session.DecodeEvent(c.Request())
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()

	if event.Type == towns.EventTypeSlashCommand && event.Command != nil {
		switch cmd, _ := ParseCommand(event.Command.Name); cmd {
		case CommandSetup:
			p.handleSetup(ctx, event)
		case CommandSetCommands:
			p.handleSetCommands(ctx, event)
		default:
			p.reply(ctx, event, fmt.Sprintf("Unknown command: /%s", event.Command.Name))
		}
	}

	return c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// handleSetup onboards a tenant: validate the credential pair by opening a
// session, persist the record, and hand back the webhook URL. When a bearer
// token and a Render service are configured, it also pushes the credentials
// into the hosted service and redeploys it, reporting status transitions in
// chat.
func (p *ControlPlane) handleSetup(ctx context.Context, event towns.Event) {
	args := event.Command.Args
	if len(args) < 2 || strings.TrimSpace(args[0]) == "" || strings.TrimSpace(args[1]) == "" {
		p.reply(ctx, event, setupUsage)
		return
	}
	appPrivateData, webhookSecret := args[0], args[1]
	bearerToken := ""
	if len(args) > 2 {
		bearerToken = args[2]
	}

	// Fail closed: credentials that cannot open a session are reported to
	// the user and never persisted.
	session, err := towns.NewSession(ctx, towns.Credentials{
		AppPrivateData: appPrivateData,
		WebhookSecret:  webhookSecret,
	}, p.sessionOpts)
	if err != nil {
		p.logger.Warn("setup session validation failed", slog.Any("error", err))
		p.reply(ctx, event, fmt.Sprintf("❌ Could not establish a session with those credentials: %v", err))
		return
	}
	address := session.Address

	if err := p.store.Upsert(ctx, tenant.Record{
		Address:        address,
		AppPrivateData: appPrivateData,
		WebhookSecret:  webhookSecret,
	}); err != nil {
		p.logger.Error("setup upsert failed", slog.String("tenant", address), slog.Any("error", err))
		p.reply(ctx, event, fmt.Sprintf("❌ Could not save bot: %v", err))
		return
	}

	webhookURL := fmt.Sprintf("%s/webhook/%s", p.baseURL, address)
	p.reply(ctx, event, fmt.Sprintf("✅ Bot setup complete!\n\nWebhook URL: `%s`", webhookURL))
	p.logger.Info("tenant onboarded", slog.String("tenant", address))

	if bearerToken != "" {
		if err := towns.UpdateAppCommands(ctx, appPrivateData, bearerToken, TenantCommands(), p.sessionOpts); err != nil {
			p.logger.Warn("setup command registration failed", slog.String("tenant", address), slog.Any("error", err))
			p.reply(ctx, event, fmt.Sprintf("⚠️ Could not register slash commands: %v", err))
		}
	}

	if bearerToken != "" && p.deployer != nil && p.serviceID != "" {
		p.deployTenant(ctx, event, address, appPrivateData, webhookSecret)
	}
}

// deployTenant pushes the tenant credentials into the hosted service and
// follows the redeploy to a terminal status. The poll blocks this command
// handler, matching the original's behavior; other requests keep flowing.
func (p *ControlPlane) deployTenant(ctx context.Context, event towns.Event, address, appPrivateData, webhookSecret string) {
	env := map[string]string{
		"APP_PRIVATE_DATA": appPrivateData,
		"JWT_SECRET":       webhookSecret,
	}
	if err := p.deployer.UpdateEnv(ctx, p.serviceID, env); err != nil {
		p.logger.Error("deploy env update failed", slog.String("tenant", address), slog.Any("error", err))
		p.reply(ctx, event, fmt.Sprintf("❌ Could not update service env: %v", err))
		return
	}
	deployID, err := p.deployer.TriggerDeploy(ctx, p.serviceID)
	if err != nil {
		p.logger.Error("deploy trigger failed", slog.String("tenant", address), slog.Any("error", err))
		p.reply(ctx, event, fmt.Sprintf("❌ Could not trigger deploy: %v", err))
		return
	}
	p.reply(ctx, event, fmt.Sprintf("🚀 Deploy %s started", deployID))

	final, err := p.deployer.WaitForDeploy(ctx, p.serviceID, deployID, func(status render.Status) error {
		p.reply(ctx, event, fmt.Sprintf("Deploy %s: %s", deployID, status))
		return nil
	})
	if err != nil {
		p.logger.Error("deploy poll failed", slog.String("deploy", deployID), slog.Any("error", err))
		p.reply(ctx, event, fmt.Sprintf("❌ Deploy status poll failed: %v", err))
		return
	}
	if render.IsFailed(final) {
		p.reply(ctx, event, fmt.Sprintf("❌ Deploy %s ended with status %s", deployID, final))
		return
	}
	p.reply(ctx, event, fmt.Sprintf("✅ Deploy %s is live", deployID))
}

// handleSetCommands pushes the tenant slash-command list to the app registry
// for the bot identified by the supplied credentials.
func (p *ControlPlane) handleSetCommands(ctx context.Context, event towns.Event) {
	args := event.Command.Args
	if len(args) < 2 || strings.TrimSpace(args[0]) == "" || strings.TrimSpace(args[1]) == "" {
		p.reply(ctx, event, setCommandsUsage)
		return
	}
	appPrivateData, bearerToken := args[0], args[1]

	if err := towns.UpdateAppCommands(ctx, appPrivateData, bearerToken, TenantCommands(), p.sessionOpts); err != nil {
		p.logger.Warn("setcommands failed", slog.Any("error", err))
		p.reply(ctx, event, fmt.Sprintf("❌ Could not update slash commands: %v", err))
		return
	}
	p.reply(ctx, event, "✅ Slash commands updated")
}

func (p *ControlPlane) reply(ctx context.Context, event towns.Event, text string) {
	_, err := p.session.Client.SendMessage(ctx, event.ChannelID, text, towns.SendOpts{
		ThreadID: event.ThreadID,
		ReplyID:  event.EventID,
	})
	if err != nil {
		p.logger.Warn("reply failed", slog.String("channel", event.ChannelID), slog.Any("error", err))
	}
}
