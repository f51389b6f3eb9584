package handlers

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"github.com/townshq/botfather/internal/bot"
	"github.com/townshq/botfather/internal/tenant"
	"github.com/townshq/botfather/internal/towns"
)

// gatewayStub accepts any session and records messages; sends to channels in
// failChannels are rejected.
type gatewayStub struct {
	srv *httptest.Server

	mu           sync.Mutex
	messages     []string
	failChannels map[string]bool
}

func newGatewayStub(t *testing.T) *gatewayStub {
	t.Helper()
	g := &gatewayStub{failChannels: map[string]bool{}}
	g.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.mu.Lock()
		defer g.mu.Unlock()
		switch {
		case r.URL.Path == "/v1/session":
			json.NewEncoder(w).Encode(map[string]string{"token": "tok"})
		case strings.HasSuffix(r.URL.Path, "/messages"):
			parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/"), "/")
			channelID := parts[2]
			if g.failChannels[channelID] {
				http.Error(w, "unreachable", http.StatusBadGateway)
				return
			}
			var req struct {
				Text string `json:"text"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			g.messages = append(g.messages, req.Text)
			json.NewEncoder(w).Encode(map[string]string{"event_id": "evt-1"})
		default:
			w.WriteHeader(http.StatusOK)
		}
	}))
	t.Cleanup(g.srv.Close)
	return g
}

type memStore struct {
	mu      sync.Mutex
	records map[string]tenant.Record
}

func newMemStore() *memStore {
	return &memStore{records: map[string]tenant.Record{}}
}

func (s *memStore) Get(_ context.Context, address string) (tenant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[address]
	if !ok {
		return tenant.Record{}, tenant.ErrNotFound
	}
	return rec, nil
}

func (s *memStore) Upsert(_ context.Context, rec tenant.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Address] = rec
	return nil
}

func (s *memStore) UpdatePartial(_ context.Context, address string, patch tenant.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[address]
	if !ok {
		return nil
	}
	if patch.ChannelIDs != nil {
		rec.ChannelIDs = *patch.ChannelIDs
	}
	s.records[address] = rec
	return nil
}

func (s *memStore) List(_ context.Context) ([]tenant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tenant.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func mintCredentials(t *testing.T, secret string) (towns.Credentials, string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	creds := towns.Credentials{
		AppPrivateData: towns.EncodeAppPrivateData(towns.PrivateData{
			PrivateKey: hex.EncodeToString(ethcrypto.FromECDSA(key)),
			Env:        "omega",
		}),
		WebhookSecret: secret,
	}
	return creds, ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
}

func signToken(t *testing.T, secret string) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"aud": "bot"}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

// newTestApp wires a full echo app: control plane, factory, cache, webhook
// routes. Returns the echo instance, the store, and the control-plane
// webhook secret.
func newTestApp(t *testing.T, gateway *gatewayStub, store tenant.Store) *echo.Echo {
	t.Helper()
	opts := towns.SessionOpts{GatewayURL: gateway.srv.URL}

	cpCreds, _ := mintCredentials(t, "cp-secret")
	control, err := bot.NewControlPlane(context.Background(), nil, store, bot.ControlPlaneConfig{
		Credentials: cpCreds,
		BaseURL:     "https://bots.example.com",
		SessionOpts: opts,
	})
	if err != nil {
		t.Fatalf("control plane: %v", err)
	}

	factory := bot.NewFactory(nil, store, "https://bots.example.com", opts, bot.RetryPolicy{})
	cache := bot.NewCache(nil, store, factory)

	e := echo.New()
	NewWebhookHandler(nil, control, cache).Register(e)
	return e
}

func TestUnknownTenantReturnsNotFound(t *testing.T) {
	gateway := newGatewayStub(t)
	e := newTestApp(t, gateway, newMemStore())

	for _, probe := range []struct {
		method, path string
	}{
		{http.MethodPost, "/webhook/0xdead"},
		{http.MethodGet, "/webhook/0xdead/health"},
		{http.MethodGet, "/bot/0xdead/health"},
		{http.MethodPost, "/bot/0xdead/anything"},
	} {
		req := httptest.NewRequest(probe.method, probe.path, bytes.NewReader([]byte("{}")))
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: status = %d", probe.method, probe.path, rec.Code)
			continue
		}
		var body ErrorResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Errorf("%s %s: body = %q", probe.method, probe.path, rec.Body.String())
			continue
		}
		if body.Success || body.Error != "Bot not found" {
			t.Errorf("%s %s: body = %+v", probe.method, probe.path, body)
		}
	}
}

func TestHealthBroadcastPartialFailure(t *testing.T) {
	gateway := newGatewayStub(t)
	gateway.failChannels["c2"] = true

	store := newMemStore()
	creds, address := mintCredentials(t, "tenant-secret")
	store.Upsert(context.Background(), tenant.Record{
		Address:        address,
		AppPrivateData: creds.AppPrivateData,
		WebhookSecret:  creds.WebhookSecret,
		ChannelIDs:     []string{"c1", "c2", "c3"},
	})
	e := newTestApp(t, gateway, store)

	req := httptest.NewRequest(http.MethodGet, "/webhook/"+address+"/health", nil)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %q", rec.Code, rec.Body.String())
	}
	summary := rec.Body.String()
	lines := strings.Split(strings.TrimSpace(summary), "\n")
	if len(lines) != 3 {
		t.Fatalf("summary = %q", summary)
	}
	if !strings.Contains(summary, "✅ c1") || !strings.Contains(summary, "✅ c3") {
		t.Fatalf("successes missing: %q", summary)
	}
	if !strings.Contains(summary, "❌ c2") {
		t.Fatalf("failure missing: %q", summary)
	}
}

func TestOnboardThenFirstWebhookRequest(t *testing.T) {
	gateway := newGatewayStub(t)
	store := newMemStore()
	e := newTestApp(t, gateway, store)

	tenantCreds, tenantAddress := mintCredentials(t, "tenant-secret")

	// Onboard through the control-plane webhook.
	setupEvent := towns.Event{
		Type:      towns.EventTypeSlashCommand,
		ChannelID: "cp-ch",
		EventID:   "evt-setup",
		Command: &towns.CommandEvent{
			Name: "setup",
			Args: []string{tenantCreds.AppPrivateData, tenantCreds.WebhookSecret},
		},
	}
	body, _ := json.Marshal(setupEvent)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, "cp-secret"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("setup status = %d, body = %q", rec.Code, rec.Body.String())
	}
	if _, err := store.Get(context.Background(), tenantAddress); err != nil {
		t.Fatalf("tenant not onboarded: %v", err)
	}

	// The first request for the new tenant builds, caches, and serves.
	pingEvent := towns.Event{
		Type:      towns.EventTypeSlashCommand,
		ChannelID: "ch1",
		EventID:   "evt-ping",
		Command:   &towns.CommandEvent{Name: "ping"},
	}
	body, _ = json.Marshal(pingEvent)
	req = httptest.NewRequest(http.MethodPost, "/webhook/"+tenantAddress, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, "tenant-secret"))
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("tenant webhook status = %d, body = %q", rec.Code, rec.Body.String())
	}

	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	found := false
	for _, msg := range gateway.messages {
		if msg == "pong" {
			found = true
		}
	}
	if !found {
		t.Fatalf("pong not sent, messages = %v", gateway.messages)
	}
}

func TestTenantWebhookAuthRejectionIsReturned(t *testing.T) {
	gateway := newGatewayStub(t)
	store := newMemStore()
	creds, address := mintCredentials(t, "tenant-secret")
	store.Upsert(context.Background(), tenant.Record{
		Address:        address,
		AppPrivateData: creds.AppPrivateData,
		WebhookSecret:  creds.WebhookSecret,
	})
	e := newTestApp(t, gateway, store)

	body, _ := json.Marshal(towns.Event{
		Type:    towns.EventTypeSlashCommand,
		Command: &towns.CommandEvent{Name: "ping"},
	})
	req := httptest.NewRequest(http.MethodPost, "/webhook/"+address, bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(echo.HeaderAuthorization, "Bearer "+signToken(t, "wrong-secret"))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	gateway.mu.Lock()
	defer gateway.mu.Unlock()
	for _, msg := range gateway.messages {
		if msg == "pong" {
			t.Fatal("rejected request must not reach the handler")
		}
	}
}
