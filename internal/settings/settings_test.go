package settings_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yaat/clickshield/internal/database"
	"github.com/yaat/clickshield/internal/settings"
)

func openDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Migrate())
	return db
}

func open(t *testing.T, db *database.DB) *settings.Service {
	t.Helper()
	svc, err := settings.Open(context.Background(), db.Conn())
	require.NoError(t, err)
	return svc
}

func rawValue(t *testing.T, db *database.DB, key settings.Key) string {
	t.Helper()
	var v string
	require.NoError(t, db.Conn().QueryRow("SELECT value FROM settings WHERE key = ?", string(key)).Scan(&v))
	return v
}

func TestOpenKeepsInstanceSecret(t *testing.T) {
	db := openDB(t)
	first := open(t, db)
	assert.Len(t, first.Secret(), 64)
	assert.Equal(t, first.Secret(), rawValue(t, db, settings.KeySecret), "the instance secret is stored in clear")

	assert.Equal(t, first.Secret(), open(t, db).Secret())
}

func TestCredentialsSealedAtRest(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	svc := open(t, db)

	require.NoError(t, svc.Set(ctx, settings.KeyIPInfoToken, "tok_secret"))
	raw := rawValue(t, db, settings.KeyIPInfoToken)
	assert.NotContains(t, raw, "tok_secret")
	assert.Contains(t, raw, "enc:")

	// a second process with the same database unseals it
	v, err := open(t, db).Get(ctx, settings.KeyIPInfoToken)
	require.NoError(t, err)
	assert.Equal(t, "tok_secret", v)
}

func TestMarkersStoredInClear(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	svc := open(t, db)

	require.NoError(t, svc.Set(ctx, settings.KeyReputationUpdated, "2026-01-01T00:00:00Z"))
	assert.Equal(t, "2026-01-01T00:00:00Z", rawValue(t, db, settings.KeyReputationUpdated))
}

func TestUnsealedCredentialPassesThrough(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	_, err := db.Conn().Exec("INSERT INTO settings (key, value, updated_at) VALUES (?, ?, 0)",
		string(settings.KeyMaxMindLicenseKey), "legacy-plain")
	require.NoError(t, err)

	v, err := open(t, db).Get(ctx, settings.KeyMaxMindLicenseKey)
	require.NoError(t, err)
	assert.Equal(t, "legacy-plain", v)
}

func TestSealedWithAnotherSecretFallsBack(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	require.NoError(t, open(t, db).Set(ctx, settings.KeyGoogleAdsDevToken, "dev-token"))

	// the instance secret changed underneath the sealed value
	_, err := db.Conn().Exec("UPDATE settings SET value = 'rotated' WHERE key = ?", string(settings.KeySecret))
	require.NoError(t, err)
	svc := open(t, db)

	_, err = svc.Get(ctx, settings.KeyGoogleAdsDevToken)
	assert.Error(t, err)
	assert.Equal(t, "from-config", svc.Lookup(ctx, settings.KeyGoogleAdsDevToken, "from-config"))
}

func TestSetManyAndLookup(t *testing.T) {
	ctx := context.Background()
	db := openDB(t)
	svc := open(t, db)

	require.NoError(t, svc.SetMany(ctx, map[settings.Key]string{
		settings.KeyMaxMindAccountID:  "12345",
		settings.KeyMaxMindLicenseKey: "license-key",
	}))
	assert.Equal(t, "12345", svc.Lookup(ctx, settings.KeyMaxMindAccountID, "fallback"))
	assert.Equal(t, "fallback", svc.Lookup(ctx, settings.KeyIPInfoToken, "fallback"))

	// overwriting keeps a single row
	require.NoError(t, svc.Set(ctx, settings.KeyMaxMindAccountID, "67890"))
	var n int
	require.NoError(t, db.Conn().QueryRow("SELECT COUNT(*) FROM settings WHERE key = ?",
		string(settings.KeyMaxMindAccountID)).Scan(&n))
	assert.Equal(t, 1, n)
	assert.Equal(t, "67890", svc.Lookup(ctx, settings.KeyMaxMindAccountID, ""))
}

func TestEnsureGeneratesOnce(t *testing.T) {
	ctx := context.Background()
	svc := open(t, openDB(t))

	first, created, err := svc.Ensure(ctx, settings.KeyJWTSecret)
	require.NoError(t, err)
	assert.True(t, created)
	assert.NotEmpty(t, first)

	second, created, err := svc.Ensure(ctx, settings.KeyJWTSecret)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first, second)
}

func TestMask(t *testing.T) {
	assert.Equal(t, "", settings.Mask(""))
	assert.Equal(t, "****", settings.Mask("abcd"))
	assert.Equal(t, "ab*de", settings.Mask("abcde"))
	assert.Equal(t, "li*******ey", settings.Mask("license-key"))
}
