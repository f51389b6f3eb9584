package towns

import (
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// PrivateData is the decoded form of the APP_PRIVATE_DATA blob handed out by
// the Towns app registry: a base64 envelope carrying the bot's signing key
// and the network environment it was registered against.
type PrivateData struct {
	PrivateKey string `json:"privateKey"`
	Env        string `json:"env"`
}

// Credentials is the pair a tenant needs to resume its protocol session.
type Credentials struct {
	AppPrivateData string
	WebhookSecret  string
}

// ParseAppPrivateData decodes the base64 APP_PRIVATE_DATA envelope.
func ParseAppPrivateData(raw string) (PrivateData, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return PrivateData{}, fmt.Errorf("app private data is empty")
	}
	decoded, err := base64.StdEncoding.DecodeString(trimmed)
	if err != nil {
		return PrivateData{}, fmt.Errorf("decode app private data: %w", err)
	}
	var data PrivateData
	if err := json.Unmarshal(decoded, &data); err != nil {
		return PrivateData{}, fmt.Errorf("parse app private data: %w", err)
	}
	if strings.TrimSpace(data.PrivateKey) == "" {
		return PrivateData{}, fmt.Errorf("app private data has no private key")
	}
	return data, nil
}

// DeriveAddress computes the bot's client address (a 0x-prefixed Ethereum
// address) from the private key inside APP_PRIVATE_DATA. The address is the
// stable tenant identifier for the key's lifetime.
func DeriveAddress(privateKeyHex string) (string, error) {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return "", fmt.Errorf("parse private key: %w", err)
	}
	return ethcrypto.PubkeyToAddress(key.PublicKey).Hex(), nil
}

// EncodeAppPrivateData is the inverse of ParseAppPrivateData. Exposed for
// tooling and tests that need to mint well-formed credential blobs.
func EncodeAppPrivateData(data PrivateData) string {
	payload, _ := json.Marshal(data)
	return base64.StdEncoding.EncodeToString(payload)
}

// signSessionProof produces the key-possession proof the gateway expects
// during session establishment. Callers have already validated the key via
// DeriveAddress, so parse errors cannot occur here.
func signSessionProof(privateKeyHex, address string) string {
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(privateKeyHex), "0x"))
	if err != nil {
		return ""
	}
	digest := ethcrypto.Keccak256([]byte("towns-app-session:" + address))
	sig, err := ethcrypto.Sign(digest, key)
	if err != nil {
		return ""
	}
	return hex.EncodeToString(sig)
}
