package bot

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/townshq/botfather/internal/tenant"
	"github.com/townshq/botfather/internal/towns"
)

// sentMessage is one message the fake gateway accepted.
type sentMessage struct {
	ChannelID string
	Text      string
}

// fakeGateway stands in for the Towns app gateway. It accepts any session
// proof and records outbound traffic.
type fakeGateway struct {
	srv *httptest.Server

	mu          sync.Mutex
	messages    []sentMessage
	reactions   []string
	tipFailures int
	tipCalls    int
	sendFail    map[string]bool
	sessionFail bool
	commands    []towns.SlashCommand
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	g := &fakeGateway{sendFail: map[string]bool{}}
	g.srv = httptest.NewServer(http.HandlerFunc(g.handle))
	t.Cleanup(g.srv.Close)
	return g
}

func (g *fakeGateway) URL() string { return g.srv.URL }

func (g *fakeGateway) handle(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()

	path := r.URL.Path
	switch {
	case path == "/v1/session":
		if g.sessionFail {
			http.Error(w, "invalid proof", http.StatusUnauthorized)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"token": "test-token"})
	case strings.HasSuffix(path, "/messages"):
		channelID := pathSegment(path, 3)
		if g.sendFail[channelID] {
			http.Error(w, "channel unreachable", http.StatusBadGateway)
			return
		}
		var req struct {
			Text string `json:"text"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		g.messages = append(g.messages, sentMessage{ChannelID: channelID, Text: req.Text})
		json.NewEncoder(w).Encode(map[string]string{"event_id": "evt-1"})
	case strings.HasSuffix(path, "/reactions"):
		var req struct {
			Emoji string `json:"emoji"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		g.reactions = append(g.reactions, req.Emoji)
		w.WriteHeader(http.StatusOK)
	case strings.HasSuffix(path, "/tips"):
		g.tipCalls++
		if g.tipCalls <= g.tipFailures {
			http.Error(w, "node busy", http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"tx_ref": "0xtip"})
	case strings.HasSuffix(path, "/channels") && r.Method == http.MethodPost:
		json.NewEncoder(w).Encode(map[string]string{"channel_id": "ch-new"})
	case strings.Contains(path, "/pins"),
		strings.Contains(path, "/roles"):
		w.WriteHeader(http.StatusOK)
	case strings.HasSuffix(path, "/slash-commands"):
		var req struct {
			Commands []towns.SlashCommand `json:"slash_commands"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		g.commands = req.Commands
		w.WriteHeader(http.StatusOK)
	default:
		http.NotFound(w, r)
	}
}

// pathSegment returns the n-th slash-separated segment of path (0-based,
// leading slash ignored).
func pathSegment(path string, n int) string {
	parts := strings.Split(strings.TrimPrefix(path, "/"), "/")
	if n-1 < len(parts) && n-1 >= 0 {
		return parts[n-1]
	}
	return ""
}

func (g *fakeGateway) sentMessages() []sentMessage {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]sentMessage, len(g.messages))
	copy(out, g.messages)
	return out
}

func (g *fakeGateway) sentReactions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]string, len(g.reactions))
	copy(out, g.reactions)
	return out
}

// newTestCredentials mints a fresh keypair and returns its credentials plus
// the derived address.
func newTestCredentials(t *testing.T) (towns.Credentials, string) {
	t.Helper()
	key, err := ethcrypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	privHex := hex.EncodeToString(ethcrypto.FromECDSA(key))
	address := ethcrypto.PubkeyToAddress(key.PublicKey).Hex()
	creds := towns.Credentials{
		AppPrivateData: towns.EncodeAppPrivateData(towns.PrivateData{PrivateKey: privHex, Env: "omega"}),
		WebhookSecret:  "test-webhook-secret",
	}
	return creds, address
}

// fakeStore is an in-memory tenant.Store.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]tenant.Record
	getErr  error
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: map[string]tenant.Record{}}
}

func (s *fakeStore) Get(_ context.Context, address string) (tenant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return tenant.Record{}, s.getErr
	}
	rec, ok := s.records[address]
	if !ok {
		return tenant.Record{}, tenant.ErrNotFound
	}
	return rec, nil
}

func (s *fakeStore) Upsert(_ context.Context, rec tenant.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := s.records[rec.Address]; ok {
		rec.CreatedAt = existing.CreatedAt
	} else {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.records[rec.Address] = rec
	return nil
}

func (s *fakeStore) UpdatePartial(_ context.Context, address string, patch tenant.Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[address]
	if !ok {
		return nil
	}
	if patch.AppPrivateData != nil {
		rec.AppPrivateData = *patch.AppPrivateData
	}
	if patch.WebhookSecret != nil {
		rec.WebhookSecret = *patch.WebhookSecret
	}
	if patch.ChannelIDs != nil {
		rec.ChannelIDs = *patch.ChannelIDs
	}
	rec.UpdatedAt = time.Now().UTC()
	s.records[address] = rec
	return nil
}

func (s *fakeStore) List(_ context.Context) ([]tenant.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]tenant.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	return out, nil
}

func (s *fakeStore) put(rec tenant.Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.Address] = rec
}
