package tenant

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound indicates the tenant was never onboarded.
var ErrNotFound = errors.New("tenant not found")

// Record is one onboarded bot identity. Address is immutable and unique;
// CreatedAt is write-once. There is no delete path: tenants persist once
// onboarded.
type Record struct {
	Address        string    `json:"address"`
	AppPrivateData string    `json:"app_private_data"`
	WebhookSecret  string    `json:"webhook_secret"`
	ChannelIDs     []string  `json:"channel_ids"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Patch carries a partial update. Nil fields are left untouched.
type Patch struct {
	AppPrivateData *string
	WebhookSecret  *string
	ChannelIDs     *[]string
}

// Store persists tenant records keyed by address.
type Store interface {
	// Get returns the record for address, or ErrNotFound.
	Get(ctx context.Context, address string) (Record, error)
	// Upsert inserts the record, or overwrites every field except
	// CreatedAt when the address already exists. Atomic on the key.
	Upsert(ctx context.Context, rec Record) error
	// UpdatePartial merges non-nil patch fields into the existing record.
	// A missing tenant is a silent no-op; callers confirm existence first.
	UpdatePartial(ctx context.Context, address string, patch Patch) error
	// List returns all records ordered by creation time.
	List(ctx context.Context) ([]Record, error)
}
