package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// Audit log operation names, constrained by chk_audit_operation.
const (
	keyCreated = "created"
	keyUpdated = "updated"
	keyDeleted = "deleted"
)

// PersistentKeyStore implements KeyStore on PostgreSQL. Only bcrypt hashes
// reach the admin_api_keys table, and every mutation appends to the audit log.
type PersistentKeyStore struct {
	conn   *Connection
	logger *slog.Logger
}

var _ KeyStore = (*PersistentKeyStore)(nil)

// NewPersistentKeyStore creates a PostgreSQL-backed admin key store.
func NewPersistentKeyStore(conn *Connection, logger *slog.Logger) *PersistentKeyStore {
	return &PersistentKeyStore{
		conn:   conn,
		logger: logger.With(slog.String("component", "key_store")),
	}
}

// FindByKey resolves a plaintext admin key to its stored record. Salted
// bcrypt hashes cannot be probed by index, so every active key is fetched
// and compared in memory; the admin key population is small enough for the
// linear scan. The returned record carries a masked key, never the hash.
func (s *PersistentKeyStore) FindByKey(ctx context.Context, key string) (*Key, bool) {
	if key == "" {
		return nil, false
	}

	query := `
		SELECT id, key_hash, tenant_id, name, scopes, created_at, expires_at, active
		FROM admin_api_keys
		WHERE active = TRUE
	`

	rows, err := s.conn.QueryContext(ctx, query)
	if err != nil {
		s.logger.Error("failed to query active keys", slog.String("error", err.Error()))

		return nil, false
	}

	defer func() {
		_ = rows.Close()
	}()

	for rows.Next() {
		candidate, err := scanAdminKey(rows)
		if err != nil {
			continue
		}

		if !CompareAPIKeyHash(candidate.Key, key) {
			continue
		}

		// The provided plaintext matched, so mask it for the caller.
		candidate.Key = MaskKey(key)

		return candidate, true
	}

	if err := rows.Err(); err != nil {
		s.logger.Error("failed to iterate active keys", slog.String("error", err.Error()))
	}

	return nil, false
}

// Add hashes the plaintext with bcrypt before insert, so only the hash ever
// reaches the database. The duplicate check walks existing active keys the
// same way FindByKey does, since two bcrypt hashes of one input never match.
func (s *PersistentKeyStore) Add(ctx context.Context, apiKey *Key) error {
	if apiKey == nil {
		return ErrKeyNil
	}

	if _, found := s.FindByKey(ctx, apiKey.Key); found {
		return ErrKeyAlreadyExists
	}

	keyHash, err := HashAPIKey(apiKey.Key)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}

	scopesJSON, err := scopesToJSON(apiKey.Scopes)
	if err != nil {
		return fmt.Errorf("failed to serialize scopes: %w", err)
	}

	query := `
		INSERT INTO admin_api_keys (id, key_hash, tenant_id, name, scopes, created_at, expires_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = s.conn.ExecContext(
		ctx,
		query,
		apiKey.ID,
		keyHash,
		apiKey.TenantID,
		apiKey.Name,
		scopesJSON,
		apiKey.CreatedAt,
		apiKey.ExpiresAt,
		apiKey.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to insert API key: %w", err)
	}

	s.logAudit(ctx, keyCreated, apiKey)

	return nil
}

// Update rewrites a key's name, scopes, active flag and expiry. The stored
// hash is immutable; rotating a credential means issuing a new key.
func (s *PersistentKeyStore) Update(ctx context.Context, apiKey *Key) error {
	if apiKey == nil {
		return ErrKeyNil
	}

	if apiKey.ID == "" {
		return ErrKeyNotFound
	}

	scopesJSON, err := scopesToJSON(apiKey.Scopes)
	if err != nil {
		return fmt.Errorf("failed to serialize scopes: %w", err)
	}

	query := `
		UPDATE admin_api_keys
		SET name = $1, scopes = $2, active = $3, expires_at = $4
		WHERE id = $5
	`

	err = s.applyKeyChange(ctx, "update", query,
		apiKey.Name, scopesJSON, apiKey.Active, apiKey.ExpiresAt, apiKey.ID)
	if err != nil {
		return err
	}

	s.logAudit(ctx, keyUpdated, apiKey)

	return nil
}

// Delete deactivates a key instead of removing the row, so audit entries
// keep pointing at a real key.
func (s *PersistentKeyStore) Delete(ctx context.Context, keyID string) error {
	if keyID == "" {
		return ErrKeyNotFound
	}

	query := `
		UPDATE admin_api_keys
		SET active = FALSE
		WHERE id = $1
	`

	if err := s.applyKeyChange(ctx, "deactivate", query, keyID); err != nil {
		return err
	}

	s.logAudit(ctx, keyDeleted, &Key{ID: keyID})

	return nil
}

// ListByTenant returns a tenant's active keys, newest first, with the
// stored hashes masked out.
func (s *PersistentKeyStore) ListByTenant(ctx context.Context, tenantID string) ([]*Key, error) {
	query := `
		SELECT id, key_hash, tenant_id, name, scopes, created_at, expires_at, active
		FROM admin_api_keys
		WHERE tenant_id = $1 AND active = TRUE
		ORDER BY created_at DESC
	`

	rows, err := s.conn.QueryContext(ctx, query, tenantID)
	if err != nil {
		return nil, fmt.Errorf("failed to query API keys: %w", err)
	}

	defer func() {
		_ = rows.Close()
	}()

	keys := []*Key{}

	for rows.Next() {
		apiKey, err := scanAdminKey(rows)
		if err != nil {
			continue
		}

		apiKey.Key = MaskKey(apiKey.Key)
		keys = append(keys, apiKey)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate API keys: %w", err)
	}

	return keys, nil
}

// applyKeyChange runs a single-key UPDATE and reports ErrKeyNotFound when no
// row matched.
func (s *PersistentKeyStore) applyKeyChange(ctx context.Context, action, query string, args ...any) error {
	result, err := s.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to %s API key: %w", action, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to %s API key: %w", action, err)
	}

	if affected == 0 {
		return ErrKeyNotFound
	}

	return nil
}

// scanAdminKey reads one admin_api_keys row. The Key field carries the
// stored hash until the caller masks or compares it.
func scanAdminKey(row rowScanner) (*Key, error) {
	var (
		apiKey     Key
		scopesJSON []byte
	)

	err := row.Scan(
		&apiKey.ID,
		&apiKey.Key,
		&apiKey.TenantID,
		&apiKey.Name,
		&scopesJSON,
		&apiKey.CreatedAt,
		&apiKey.ExpiresAt,
		&apiKey.Active,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(scopesJSON, &apiKey.Scopes); err != nil {
		return nil, err
	}

	return &apiKey, nil
}

// scopesToJSON renders scopes as JSONB input, mapping nil to the empty list.
func scopesToJSON(scopes []string) ([]byte, error) {
	if scopes == nil {
		scopes = []string{}
	}

	return json.Marshal(scopes)
}

// logAudit appends one row to the key audit log. A failed audit write is
// logged and never fails the calling operation.
func (s *PersistentKeyStore) logAudit(ctx context.Context, operation string, apiKey *Key) {
	query := `
		INSERT INTO admin_api_key_audit_log (api_key_id, operation, masked_key, tenant_id)
		VALUES ($1, $2, $3, $4)
	`

	_, err := s.conn.ExecContext(ctx, query, apiKey.ID, operation, MaskKey(apiKey.Key), apiKey.TenantID)
	if err != nil {
		s.logger.Error(
			"failed to record key audit entry",
			slog.String("operation", operation),
			slog.String("key_id", apiKey.ID),
			slog.String("error", err.Error()),
		)
	}
}
