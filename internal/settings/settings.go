// Package settings keeps operator-managed values in the settings table:
// generated instance secrets, third-party credentials entered through the
// admin API and a few markers such as the last reputation download.
//
// Credentials are sealed with AES-GCM under a key derived from the
// instance secret, which itself is stored in clear.
package settings

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/yaat/clickshield/internal/logging"
)

// Key names a row of the settings table
type Key string

const (
	KeySecret                Key = "secret_key"
	KeyJWTSecret             Key = "jwt_secret"
	KeyIPInfoToken           Key = "ipinfo_token"
	KeyMaxMindAccountID      Key = "maxmind_account_id"
	KeyMaxMindLicenseKey     Key = "maxmind_license_key"
	KeyReputationUpdated     Key = "reputation_db_updated"
	KeyGoogleAdsDevToken     Key = "google_ads_developer_token"
	KeyGoogleAdsClientSecret Key = "google_ads_client_secret"
)

func (k Key) sealed() bool {
	switch k {
	case KeyJWTSecret, KeyIPInfoToken, KeyMaxMindAccountID, KeyMaxMindLicenseKey,
		KeyGoogleAdsDevToken, KeyGoogleAdsClientSecret:
		return true
	}
	return false
}

const sealedPrefix = "enc:"

// Service reads and writes settings through a small in-memory cache. The
// cache holds plaintext; only the table sees sealed values.
type Service struct {
	db     *sql.DB
	secret string
	aead   cipher.AEAD

	mu    sync.RWMutex
	cache map[Key]string
}

// Open loads the instance secret, generating it on first start, and
// returns a service that seals credentials with it
func Open(ctx context.Context, db *sql.DB) (*Service, error) {
	s := &Service{db: db, cache: map[Key]string{}}

	secret, created, err := s.Ensure(ctx, KeySecret)
	if err != nil {
		return nil, fmt.Errorf("load instance secret: %w", err)
	}
	if created {
		logging.Info().Msg("generated new instance secret")
	}

	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	if s.aead, err = cipher.NewGCM(block); err != nil {
		return nil, err
	}
	s.secret = secret
	return s, nil
}

// Secret is the instance secret. It also keys visitor fingerprints.
func (s *Service) Secret() string {
	return s.secret
}

// Get returns the plaintext value of key, or "" when it was never set
func (s *Service) Get(ctx context.Context, key Key) (string, error) {
	s.mu.RLock()
	v, ok := s.cache[key]
	s.mu.RUnlock()
	if ok {
		return v, nil
	}

	var stored string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM settings WHERE key = ?", string(key)).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read setting %s: %w", key, err)
	}

	if v, err = s.open(stored); err != nil {
		return "", fmt.Errorf("unseal setting %s: %w", key, err)
	}

	s.mu.Lock()
	s.cache[key] = v
	s.mu.Unlock()
	return v, nil
}

// Lookup returns the stored value of key, or fallback when it is unset or
// unreadable. Values stored here win over the config file.
func (s *Service) Lookup(ctx context.Context, key Key, fallback string) string {
	v, err := s.Get(ctx, key)
	if err != nil {
		logging.Warn().Err(err).Str("key", string(key)).Msg("using configured value")
		return fallback
	}
	if v == "" {
		return fallback
	}
	return v
}

func (s *Service) Set(ctx context.Context, key Key, value string) error {
	return s.SetMany(ctx, map[Key]string{key: value})
}

// SetMany writes every value in one transaction
func (s *Service) SetMany(ctx context.Context, values map[Key]string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	now := time.Now().UnixMilli()
	for key, value := range values {
		stored := value
		if key.sealed() && value != "" {
			if stored, err = s.seal(value); err != nil {
				return fmt.Errorf("seal setting %s: %w", key, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settings (key, value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
		`, string(key), stored, now)
		if err != nil {
			return fmt.Errorf("write setting %s: %w", key, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.mu.Lock()
	for key, value := range values {
		s.cache[key] = value
	}
	s.mu.Unlock()
	return nil
}

// Ensure returns the value of key, storing a fresh random secret first
// when it is empty. created reports whether one was generated.
func (s *Service) Ensure(ctx context.Context, key Key) (value string, created bool, err error) {
	if value, err = s.Get(ctx, key); err != nil || value != "" {
		return value, false, err
	}
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", false, err
	}
	value = hex.EncodeToString(b)
	if err := s.Set(ctx, key, value); err != nil {
		return "", false, err
	}
	return value, true, nil
}

// seal is a no-op until Open has loaded the instance secret
func (s *Service) seal(plaintext string) (string, error) {
	if s.aead == nil {
		return plaintext, nil
	}
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := s.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return sealedPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

// open passes unsealed values through, so credentials written before the
// secret existed stay readable
func (s *Service) open(stored string) (string, error) {
	encoded, ok := strings.CutPrefix(stored, sealedPrefix)
	if !ok {
		return stored, nil
	}
	if s.aead == nil {
		return "", errors.New("no instance secret loaded")
	}
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	n := s.aead.NonceSize()
	if len(data) < n {
		return "", errors.New("sealed value too short")
	}
	plain, err := s.aead.Open(nil, data[:n], data[n:], nil)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Mask hides all but the ends of a value for display. Empty stays empty.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) <= 4 {
		return "****"
	}
	return value[:2] + strings.Repeat("*", len(value)-4) + value[len(value)-2:]
}
