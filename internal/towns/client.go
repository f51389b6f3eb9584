package towns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Gateway endpoints per Towns environment. The gateway fronts the app
// registry and stream nodes; the wire protocol behind it is not this
// package's concern.
var gatewayURLs = map[string]string{
	"alpha": "https://app-gateway.alpha.towns.com",
	"gamma": "https://app-gateway.gamma.towns.com",
	"omega": "https://app-gateway.towns.com",
	"delta": "https://app-gateway.delta.towns.com",
}

const defaultEnv = "omega"

// GatewayURL returns the app gateway endpoint for a Towns environment name.
func GatewayURL(env string) string {
	if u, ok := gatewayURLs[strings.ToLower(strings.TrimSpace(env))]; ok {
		return u
	}
	return gatewayURLs[defaultEnv]
}

// Client issues authenticated calls to the Towns app gateway on behalf of
// one bot identity. Construct it through NewSession.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	address    string
	logger     *slog.Logger
}

// SendOpts carries optional message placement parameters.
type SendOpts struct {
	ThreadID string `json:"thread_id,omitempty"`
	ReplyID  string `json:"reply_id,omitempty"`
}

// TipParams describes one tip transfer.
type TipParams struct {
	UserID    string `json:"user_id"`
	AmountWei string `json:"amount_wei"`
	Currency  string `json:"currency"`
}

// Address returns the bot's client address.
func (c *Client) Address() string {
	return c.address
}

// SendMessage posts a message to a channel and returns the created event id.
func (c *Client) SendMessage(ctx context.Context, channelID, text string, opts SendOpts) (string, error) {
	req := struct {
		EventID  string `json:"event_id"`
		Text     string `json:"text"`
		ThreadID string `json:"thread_id,omitempty"`
		ReplyID  string `json:"reply_id,omitempty"`
	}{
		EventID:  uuid.NewString(),
		Text:     text,
		ThreadID: opts.ThreadID,
		ReplyID:  opts.ReplyID,
	}
	var resp struct {
		EventID string `json:"event_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/channels/"+url.PathEscape(channelID)+"/messages", req, &resp); err != nil {
		return "", fmt.Errorf("send message: %w", err)
	}
	if resp.EventID == "" {
		resp.EventID = req.EventID
	}
	return resp.EventID, nil
}

// SendReaction attaches an emoji reaction to an existing event.
func (c *Client) SendReaction(ctx context.Context, channelID, refEventID, emoji string) error {
	req := struct {
		RefEventID string `json:"ref_event_id"`
		Emoji      string `json:"emoji"`
	}{RefEventID: refEventID, Emoji: emoji}
	if err := c.do(ctx, http.MethodPost, "/v1/channels/"+url.PathEscape(channelID)+"/reactions", req, nil); err != nil {
		return fmt.Errorf("send reaction: %w", err)
	}
	return nil
}

// SendTip submits a tip transfer in a channel and returns the transaction
// reference. The gateway owns the on-chain semantics.
func (c *Client) SendTip(ctx context.Context, channelID string, tip TipParams) (string, error) {
	var resp struct {
		TxRef string `json:"tx_ref"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/channels/"+url.PathEscape(channelID)+"/tips", tip, &resp); err != nil {
		return "", fmt.Errorf("send tip: %w", err)
	}
	return resp.TxRef, nil
}

// CreateChannel creates a channel in a space and returns its id.
func (c *Client) CreateChannel(ctx context.Context, spaceID, name string) (string, error) {
	req := struct {
		Name string `json:"name"`
	}{Name: name}
	var resp struct {
		ChannelID string `json:"channel_id"`
	}
	if err := c.do(ctx, http.MethodPost, "/v1/spaces/"+url.PathEscape(spaceID)+"/channels", req, &resp); err != nil {
		return "", fmt.Errorf("create channel: %w", err)
	}
	return resp.ChannelID, nil
}

// PinMessage pins an event in a channel.
func (c *Client) PinMessage(ctx context.Context, channelID, eventID string) error {
	req := struct {
		EventID string `json:"event_id"`
	}{EventID: eventID}
	if err := c.do(ctx, http.MethodPost, "/v1/channels/"+url.PathEscape(channelID)+"/pins", req, nil); err != nil {
		return fmt.Errorf("pin message: %w", err)
	}
	return nil
}

// UnpinMessage removes a pinned event from a channel.
func (c *Client) UnpinMessage(ctx context.Context, channelID, eventID string) error {
	path := "/v1/channels/" + url.PathEscape(channelID) + "/pins/" + url.PathEscape(eventID)
	if err := c.do(ctx, http.MethodDelete, path, nil, nil); err != nil {
		return fmt.Errorf("unpin message: %w", err)
	}
	return nil
}

// GrantRole assigns a space role to a user.
func (c *Client) GrantRole(ctx context.Context, spaceID, userID, role string) error {
	req := struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}{UserID: userID, Role: role}
	if err := c.do(ctx, http.MethodPost, "/v1/spaces/"+url.PathEscape(spaceID)+"/roles", req, nil); err != nil {
		return fmt.Errorf("grant role: %w", err)
	}
	return nil
}

// RevokeRole removes a space role from a user.
func (c *Client) RevokeRole(ctx context.Context, spaceID, userID, role string) error {
	req := struct {
		UserID string `json:"user_id"`
		Role   string `json:"role"`
	}{UserID: userID, Role: role}
	if err := c.do(ctx, http.MethodPost, "/v1/spaces/"+url.PathEscape(spaceID)+"/roles/revoke", req, nil); err != nil {
		return fmt.Errorf("revoke role: %w", err)
	}
	return nil
}

// UpdateSlashCommands replaces the bot's registered slash-command list in the
// app registry metadata. Requires a registry bearer token, not the session
// token, so it is accepted as an argument.
func (c *Client) UpdateSlashCommands(ctx context.Context, bearerToken string, commands []SlashCommand) error {
	req := struct {
		Commands []SlashCommand `json:"slash_commands"`
	}{Commands: commands}
	payload, err := json.Marshal(req)
	if err != nil {
		return err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPut, c.baseURL+"/v1/apps/"+url.PathEscape(c.address)+"/slash-commands", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+bearerToken)
	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("update slash commands: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("update slash commands: gateway returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: 30 * time.Second}
}

// UpdateAppCommands pushes a slash-command list to the app registry for the
// bot identified by appPrivateData, authenticated with a registry bearer
// token. No session is established; the registry call stands alone.
func UpdateAppCommands(ctx context.Context, appPrivateData, bearerToken string, commands []SlashCommand, opts SessionOpts) error {
	data, err := ParseAppPrivateData(appPrivateData)
	if err != nil {
		return err
	}
	address, err := DeriveAddress(data.PrivateKey)
	if err != nil {
		return err
	}
	baseURL := opts.GatewayURL
	if baseURL == "" {
		baseURL = GatewayURL(data.Env)
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = newHTTPClient()
	}
	client := &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		address:    address,
		logger:     slog.Default(),
	}
	return client.UpdateSlashCommands(ctx, bearerToken, commands)
}
