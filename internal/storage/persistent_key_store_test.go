package storage

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"

	"github.com/revlens-io/revlens/internal/config"
)

// keyStoreForTest spins up a migrated database and returns a store bound to it.
func keyStoreForTest(ctx context.Context, t *testing.T) (*PersistentKeyStore, *Connection) {
	t.Helper()

	testDB := config.SetupTestDatabase(ctx, t)
	t.Cleanup(func() {
		_ = testDB.Connection.Close()
		_ = testcontainers.TerminateContainer(testDB.Container)
	})

	conn := &Connection{DB: testDB.Connection}
	store := NewPersistentKeyStore(conn, slog.New(slog.DiscardHandler))

	return store, conn
}

func TestPersistentKeyStoreAdd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, conn := keyStoreForTest(ctx, t)

	firstID := uuid.NewString()
	firstKey := "revlens_ak_1234567890abcdef1234567890abcdef1234567890abcdef1234567890abcdef" // pragma: allowlist secret

	tests := []struct {
		name    string
		apiKey  *Key
		wantErr error
	}{
		{
			name: "adds new key with bcrypt hash",
			apiKey: &Key{
				ID:        firstID,
				Key:       firstKey,
				TenantID:  "t-acme",
				Name:      "CI exporter",
				Scopes:    []string{ScopeRead, ScopeJobsWrite},
				CreatedAt: time.Now(),
				Active:    true,
			},
		},
		{
			name: "adds key with expiration",
			apiKey: &Key{
				ID:       uuid.NewString(),
				Key:      "revlens_ak_abcdef1234567890abcdef1234567890abcdef1234567890abcdef1234567890", // pragma: allowlist secret
				TenantID: "t-acme",
				Name:     "Short lived key",
				Scopes:   []string{ScopeRead},
				ExpiresAt: func(exp time.Time) *time.Time {
					return &exp
				}(time.Now().Add(24 * time.Hour)),
				CreatedAt: time.Now(),
				Active:    true,
			},
		},
		{
			name: "rejects duplicate plaintext key",
			apiKey: &Key{
				ID:        uuid.NewString(),
				Key:       firstKey,
				TenantID:  "t-globex",
				Name:      "Duplicate key",
				Scopes:    []string{ScopeRead},
				CreatedAt: time.Now(),
				Active:    true,
			},
			wantErr: ErrKeyAlreadyExists,
		},
		{
			name:    "rejects nil key",
			apiKey:  nil,
			wantErr: ErrKeyNil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.Add(ctx, tt.apiKey)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Add() error = %v, want %v", err, tt.wantErr)
				}

				return
			}

			if err != nil {
				t.Errorf("Add() unexpected error: %v", err)
			}
		})
	}

	// The plaintext must never reach the database.
	var keyHash string
	err := conn.QueryRowContext(ctx,
		`SELECT key_hash FROM admin_api_keys WHERE id = $1`, firstID,
	).Scan(&keyHash)
	if err != nil {
		t.Fatalf("failed to read stored hash: %v", err)
	}

	if keyHash == firstKey || !strings.HasPrefix(keyHash, "$2") {
		t.Errorf("stored value is not a bcrypt hash: %q", keyHash)
	}

	// Every successful Add lands one 'created' row in the audit log.
	var auditCount int
	err = conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM admin_api_key_audit_log WHERE api_key_id = $1 AND operation = 'created'`,
		firstID,
	).Scan(&auditCount)
	if err != nil {
		t.Fatalf("failed to count audit rows: %v", err)
	}

	if auditCount != 1 {
		t.Errorf("audit log rows = %d, want 1", auditCount)
	}
}

func TestPersistentKeyStoreFindByKey(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := keyStoreForTest(ctx, t)

	keyID := uuid.NewString()
	plaintext := "revlens_ak_0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef" // pragma: allowlist secret

	testKey := &Key{
		ID:        keyID,
		Key:       plaintext,
		TenantID:  "t-acme",
		Name:      "Find test key",
		Scopes:    []string{ScopeRead, ScopeCacheInvalidate},
		CreatedAt: time.Now(),
		Active:    true,
	}
	if err := store.Add(ctx, testKey); err != nil {
		t.Fatalf("failed to add test key: %v", err)
	}

	tests := []struct {
		name      string
		key       string
		wantFound bool
	}{
		{
			name:      "finds existing active key",
			key:       plaintext,
			wantFound: true,
		},
		{
			name:      "returns false for unknown key",
			key:       "revlens_ak_ffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffffff", // pragma: allowlist secret
			wantFound: false,
		},
		{
			name:      "returns false for empty key",
			key:       "",
			wantFound: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			found, ok := store.FindByKey(ctx, tt.key)

			if ok != tt.wantFound {
				t.Fatalf("FindByKey() found = %v, want %v", ok, tt.wantFound)
			}

			if !tt.wantFound {
				return
			}

			if found.ID != keyID {
				t.Errorf("FindByKey() ID = %q, want %q", found.ID, keyID)
			}

			if found.TenantID != "t-acme" {
				t.Errorf("FindByKey() TenantID = %q, want %q", found.TenantID, "t-acme")
			}

			// The returned key is masked, never the plaintext.
			if found.Key == plaintext {
				t.Error("FindByKey() returned unmasked key")
			}

			if !strings.HasPrefix(found.Key, "revlens_ak_0123") {
				t.Errorf("masked key prefix = %q, want revlens_ak_0123...", found.Key)
			}

			if len(found.Scopes) != 2 {
				t.Errorf("FindByKey() scopes = %v, want 2 entries", found.Scopes)
			}
		})
	}
}

func TestPersistentKeyStoreUpdate(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := keyStoreForTest(ctx, t)

	keyID := uuid.NewString()
	plaintext := "revlens_ak_feedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedfacefeedface" // pragma: allowlist secret

	testKey := &Key{
		ID:        keyID,
		Key:       plaintext,
		TenantID:  "t-acme",
		Name:      "Original name",
		Scopes:    []string{ScopeRead},
		CreatedAt: time.Now(),
		Active:    true,
	}
	if err := store.Add(ctx, testKey); err != nil {
		t.Fatalf("failed to add test key: %v", err)
	}

	t.Run("updates name and scopes", func(t *testing.T) {
		updated := &Key{
			ID:       keyID,
			TenantID: "t-acme",
			Name:     "Rotated exporter key",
			Scopes:   []string{ScopeRead, ScopeReplay, ScopeSchedulesWrite},
			Active:   true,
		}

		if err := store.Update(ctx, updated); err != nil {
			t.Fatalf("Update() unexpected error: %v", err)
		}

		found, ok := store.FindByKey(ctx, plaintext)
		if !ok {
			t.Fatal("key not found after update")
		}

		if found.Name != "Rotated exporter key" {
			t.Errorf("Name = %q, want %q", found.Name, "Rotated exporter key")
		}

		if len(found.Scopes) != 3 {
			t.Errorf("Scopes = %v, want 3 entries", found.Scopes)
		}
	})

	t.Run("deactivation hides key from lookup", func(t *testing.T) {
		deactivated := &Key{
			ID:       keyID,
			TenantID: "t-acme",
			Name:     "Rotated exporter key",
			Scopes:   []string{ScopeRead},
			Active:   false,
		}

		if err := store.Update(ctx, deactivated); err != nil {
			t.Fatalf("Update() unexpected error: %v", err)
		}

		if _, ok := store.FindByKey(ctx, plaintext); ok {
			t.Error("deactivated key still returned by FindByKey")
		}
	})

	t.Run("unknown ID returns not found", func(t *testing.T) {
		missing := &Key{
			ID:       uuid.NewString(),
			TenantID: "t-acme",
			Name:     "Ghost",
			Scopes:   []string{ScopeRead},
			Active:   true,
		}

		if err := store.Update(ctx, missing); !errors.Is(err, ErrKeyNotFound) {
			t.Errorf("Update() error = %v, want %v", err, ErrKeyNotFound)
		}
	})

	t.Run("nil key rejected", func(t *testing.T) {
		if err := store.Update(ctx, nil); !errors.Is(err, ErrKeyNil) {
			t.Errorf("Update() error = %v, want %v", err, ErrKeyNil)
		}
	})
}

func TestPersistentKeyStoreDelete(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, conn := keyStoreForTest(ctx, t)

	keyID := uuid.NewString()
	plaintext := "revlens_ak_deadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeefdeadbeef" // pragma: allowlist secret

	testKey := &Key{
		ID:        keyID,
		Key:       plaintext,
		TenantID:  "t-acme",
		Name:      "Delete test key",
		Scopes:    []string{ScopeRead},
		CreatedAt: time.Now(),
		Active:    true,
	}
	if err := store.Add(ctx, testKey); err != nil {
		t.Fatalf("failed to add test key: %v", err)
	}

	if err := store.Delete(ctx, keyID); err != nil {
		t.Fatalf("Delete() unexpected error: %v", err)
	}

	// Soft delete: the row survives with active = FALSE.
	var active bool
	err := conn.QueryRowContext(ctx,
		`SELECT active FROM admin_api_keys WHERE id = $1`, keyID,
	).Scan(&active)
	if err != nil {
		t.Fatalf("deleted key row is gone: %v", err)
	}

	if active {
		t.Error("deleted key still active")
	}

	if _, ok := store.FindByKey(ctx, plaintext); ok {
		t.Error("deleted key still returned by FindByKey")
	}

	if err := store.Delete(ctx, uuid.NewString()); !errors.Is(err, ErrKeyNotFound) {
		t.Errorf("Delete() error = %v, want %v", err, ErrKeyNotFound)
	}
}

func TestPersistentKeyStoreListByTenant(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()
	store, _ := keyStoreForTest(ctx, t)

	acmeKeys := []*Key{
		{
			ID:        uuid.NewString(),
			Key:       "revlens_ak_aaaa111111111111111111111111111111111111111111111111111111111111", // pragma: allowlist secret
			TenantID:  "t-acme",
			Name:      "Acme key 1",
			Scopes:    []string{ScopeRead},
			CreatedAt: time.Now(),
			Active:    true,
		},
		{
			ID:        uuid.NewString(),
			Key:       "revlens_ak_bbbb222222222222222222222222222222222222222222222222222222222222", // pragma: allowlist secret
			TenantID:  "t-acme",
			Name:      "Acme key 2",
			Scopes:    []string{ScopeAdmin},
			CreatedAt: time.Now(),
			Active:    true,
		},
	}

	globexKey := &Key{
		ID:        uuid.NewString(),
		Key:       "revlens_ak_cccc333333333333333333333333333333333333333333333333333333333333", // pragma: allowlist secret
		TenantID:  "t-globex",
		Name:      "Globex key",
		Scopes:    []string{ScopeRead},
		CreatedAt: time.Now(),
		Active:    true,
	}

	for _, k := range append(acmeKeys, globexKey) {
		if err := store.Add(ctx, k); err != nil {
			t.Fatalf("failed to add key %s: %v", k.Name, err)
		}
	}

	listed, err := store.ListByTenant(ctx, "t-acme")
	if err != nil {
		t.Fatalf("ListByTenant() unexpected error: %v", err)
	}

	if len(listed) != 2 {
		t.Fatalf("ListByTenant(t-acme) = %d keys, want 2", len(listed))
	}

	for _, k := range listed {
		if k.TenantID != "t-acme" {
			t.Errorf("listed key %s has tenant %q", k.ID, k.TenantID)
		}

		if !strings.Contains(k.Key, "****") {
			t.Errorf("listed key %s is not masked: %q", k.ID, k.Key)
		}
	}

	// Deactivated keys drop out of the listing.
	if err := store.Delete(ctx, acmeKeys[0].ID); err != nil {
		t.Fatalf("Delete() unexpected error: %v", err)
	}

	listed, err = store.ListByTenant(ctx, "t-acme")
	if err != nil {
		t.Fatalf("ListByTenant() unexpected error: %v", err)
	}

	if len(listed) != 1 {
		t.Errorf("ListByTenant(t-acme) after delete = %d keys, want 1", len(listed))
	}

	empty, err := store.ListByTenant(ctx, "t-initech")
	if err != nil {
		t.Fatalf("ListByTenant() unexpected error: %v", err)
	}

	if len(empty) != 0 {
		t.Errorf("ListByTenant(t-initech) = %d keys, want 0", len(empty))
	}
}
