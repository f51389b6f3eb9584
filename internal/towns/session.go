package towns

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	echojwt "github.com/labstack/echo-jwt/v4"
	"github.com/labstack/echo/v4"
)

// ErrSessionEstablishment indicates the credential/secret pair could not
// start a protocol session with the gateway.
var ErrSessionEstablishment = errors.New("towns: session establishment failed")

const eventMaxBodyBytes int64 = 1 << 20 // 1 MiB

// SessionOpts tune session construction. Zero values use the environment
// embedded in the credentials and a default HTTP client.
type SessionOpts struct {
	GatewayURL string
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Session is the live connection state a bot holds with the Towns network
// after credential validation. It owns a Client bound to the bot identity.
type Session struct {
	Address string
	Client  *Client

	webhookSecret string
	logger        *slog.Logger
}

// NewSession validates the credential pair against the gateway and returns a
// session. Failures wrap ErrSessionEstablishment and are not retried here.
func NewSession(ctx context.Context, creds Credentials, opts SessionOpts) (*Session, error) {
	data, err := ParseAppPrivateData(creds.AppPrivateData)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}
	address, err := DeriveAddress(data.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}
	if strings.TrimSpace(creds.WebhookSecret) == "" {
		return nil, fmt.Errorf("%w: webhook secret is empty", ErrSessionEstablishment)
	}

	baseURL := opts.GatewayURL
	if baseURL == "" {
		baseURL = GatewayURL(data.Env)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With(slog.String("bot", address))

	client := &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		address:    address,
		logger:     log,
	}

	token, err := authenticate(ctx, client, data.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSessionEstablishment, err)
	}
	client.token = token

	return &Session{
		Address:       address,
		Client:        client,
		webhookSecret: creds.WebhookSecret,
		logger:        log,
	}, nil
}

// authenticate exchanges a key-possession proof for a session token. The
// proof format is the gateway's contract, opaque to callers.
func authenticate(ctx context.Context, c *Client, privateKeyHex string) (string, error) {
	req := struct {
		Address string `json:"address"`
		Proof   string `json:"proof"`
	}{
		Address: c.address,
		Proof:   signSessionProof(privateKeyHex, c.address),
	}
	var resp struct {
		Token string `json:"token"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/session", req, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", fmt.Errorf("gateway returned empty session token")
	}
	return resp.Token, nil
}

// WebhookMiddleware verifies the JWT the Towns network attaches to inbound
// webhook calls: HS256 over the tenant's webhook secret. Rejections
// short-circuit before the inner handler runs.
func (s *Session) WebhookMiddleware() echo.MiddlewareFunc {
	return echojwt.WithConfig(echojwt.Config{
		SigningKey:    []byte(s.webhookSecret),
		SigningMethod: "HS256",
		TokenLookup:   "header:Authorization:Bearer ",
		NewClaimsFunc: func(c echo.Context) jwt.Claims {
			return jwt.MapClaims{}
		},
	})
}

// DecodeEvent reads and parses a webhook request body into an Event.
func (s *Session) DecodeEvent(r *http.Request) (Event, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, eventMaxBodyBytes))
	if err != nil {
		return Event{}, fmt.Errorf("read event body: %w", err)
	}
	var event Event
	if err := json.Unmarshal(body, &event); err != nil {
		return Event{}, fmt.Errorf("decode event: %w", err)
	}
	if event.Type == "" {
		return Event{}, fmt.Errorf("event has no type")
	}
	return event, nil
}

// WebhookToken mints a signed webhook JWT for the session's bot. The network
// normally does this on its side; exposed for tests and local tooling.
func (s *Session) WebhookToken() (string, error) {
	claims := jwt.MapClaims{
		"aud": s.Address,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.webhookSecret))
}
