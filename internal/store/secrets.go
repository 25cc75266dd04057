package store

import (
	"context"
	"database/sql"
	"sort"
	"time"
)

// SecretStore persists opaque secret blobs by key. Values are expected to be
// encrypted by the caller.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var (
	_ SecretStore = (*MemoryStore)(nil)
	_ SecretStore = (*LibSQLStore)(nil)
)

func (s *MemoryStore) StoreSecret(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	s.secrets[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) GetSecret(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	v, ok := s.secrets[key]
	s.mu.RUnlock()
	if !ok {
		return nil, storeNotFound("secret", key)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) DeleteSecret(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return storeNotFound("secret", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemoryStore) ListSecrets(context.Context) ([]string, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	s.mu.RUnlock()
	sort.Strings(keys)
	return keys, nil
}

func (s *LibSQLStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO secrets (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value, updated_at=excluded.updated_at`,
		key, value, time.Now().UTC(),
	)
	return storeError("store secret", err)
}

func (s *LibSQLStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM secrets WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("secret", key)
	}
	if err != nil {
		return nil, storeError("get secret", err)
	}
	return value, nil
}

func (s *LibSQLStore) DeleteSecret(ctx context.Context, key string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM secrets WHERE key = ?`, key)
	if err != nil {
		return storeError("delete secret", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storeNotFound("secret", key)
	}
	return nil
}

func (s *LibSQLStore) ListSecrets(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT key FROM secrets ORDER BY key`)
	if err != nil {
		return nil, storeError("list secrets", err)
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storeError("scan secret", err)
		}
		keys = append(keys, k)
	}
	return keys, storeError("list secrets", rows.Err())
}
