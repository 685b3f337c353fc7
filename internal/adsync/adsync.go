// Package adsync pushes blocked IPs to ad platforms as negative targeting.
package adsync

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotConfigured = errors.New("ad platform credentials are not configured")
	ErrNotFound      = errors.New("account not found")
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
)

// Account is a connected ad platform account belonging to a tenant
type Account struct {
	ID                int64      `json:"id"`
	TenantID          int64      `json:"tenant_id"`
	CustomerID        string     `json:"customer_id"`
	Name              string     `json:"account_name"`
	ManagerCustomerID string     `json:"manager_customer_id,omitempty"`
	AccessToken       string     `json:"-"`
	RefreshToken      string     `json:"-"`
	TokenExpiresAt    *time.Time `json:"token_expires_at,omitempty"`
	AutoSync          bool       `json:"auto_sync_enabled"`
	Active            bool       `json:"is_active"`
	LastSyncedAt      *time.Time `json:"last_synced_at,omitempty"`
	LastSyncStatus    string     `json:"last_sync_status,omitempty"`
	LastSyncError     string     `json:"last_sync_error,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Tokens is an OAuth credential pair
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    *time.Time
}

// Store persists accounts and the block sync state
type Store interface {
	// ListSyncAccounts returns active accounts with auto-sync on, optionally
	// restricted to one tenant
	ListSyncAccounts(ctx context.Context, tenantID *int64) ([]Account, error)
	UnsyncedBlockIPs(ctx context.Context, tenantID int64, now time.Time) ([]string, error)
	MarkBlocksSynced(ctx context.Context, tenantID int64, ips []string, now time.Time) error
	RecordSyncResult(ctx context.Context, accountID int64, status, message string, at time.Time) error
	SaveTokens(ctx context.Context, accountID int64, t Tokens) error
}

// Platform applies IP exclusions to every enabled campaign of an account
type Platform interface {
	ExcludeIPs(ctx context.Context, acct Account, ips []string) error
}
