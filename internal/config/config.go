package config

import (
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	DefaultConfigPath   = "config.toml"
	DefaultHTTPAddr     = ":3000"
	DefaultDatabasePath = "data/botfather.db"
	DefaultBaseURL      = "http://localhost:3000"
)

type Config struct {
	Log      LogConfig      `toml:"log"`
	Server   ServerConfig   `toml:"server"`
	Bot      BotConfig      `toml:"bot"`
	Database DatabaseConfig `toml:"database"`
	Render   RenderConfig   `toml:"render"`
	Health   HealthConfig   `toml:"health"`
}

type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

type ServerConfig struct {
	Addr string `toml:"addr"`
	// BaseURL is the externally reachable URL used when composing the
	// webhook links shown to users after onboarding.
	BaseURL string `toml:"base_url"`
}

// BotConfig holds the control-plane bot credentials.
type BotConfig struct {
	AppPrivateData string `toml:"app_private_data"`
	WebhookSecret  string `toml:"webhook_secret"`
	// GatewayURL overrides the Towns app gateway endpoint derived from the
	// environment embedded in AppPrivateData. Used mainly in tests.
	GatewayURL string `toml:"gateway_url"`
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

// RenderConfig configures the deployment-automation client. All fields are
// optional; setup skips the redeploy step when ServiceID is empty.
type RenderConfig struct {
	APIKey    string `toml:"api_key"`
	ServiceID string `toml:"service_id"`
}

// HealthConfig schedules periodic health broadcasts. An empty Cron disables
// the scheduler; on-demand broadcasts via the HTTP route are always on.
type HealthConfig struct {
	Cron string `toml:"cron"`
}

// Load reads the TOML config at path, falling back to defaults when the file
// does not exist, then applies environment overrides. The original deployment
// ran purely on environment variables, so those always win over file values.
func Load(path string) (Config, error) {
	cfg := Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Server: ServerConfig{
			Addr:    DefaultHTTPAddr,
			BaseURL: DefaultBaseURL,
		},
		Database: DatabaseConfig{
			Path: DefaultDatabasePath,
		},
	}

	if path == "" {
		path = DefaultConfigPath
	}

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return cfg, err
		}
	} else if !os.IsNotExist(err) {
		return cfg, err
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	setIfEnv(&cfg.Bot.AppPrivateData, "APP_PRIVATE_DATA")
	setIfEnv(&cfg.Bot.WebhookSecret, "JWT_SECRET")
	setIfEnv(&cfg.Server.BaseURL, "RENDER_EXTERNAL_URL")
	setIfEnv(&cfg.Render.APIKey, "RENDER_API_KEY")
	setIfEnv(&cfg.Render.ServiceID, "RENDER_SERVICE_ID")
	setIfEnv(&cfg.Database.Path, "DATABASE_PATH")
	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		cfg.Server.Addr = ":" + port
	}
}

func setIfEnv(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}
