package secrets

import (
	"context"
	"fmt"
	"strings"

	"screenlens/internal/storage"
)

const keyPrefix = "secret."

// Store persists secret values envelope-encrypted in the settings store.
// The gateway API credential is the main tenant.
type Store struct {
	storage *storage.Store
	manager *Manager
}

func NewStore(st *storage.Store, m *Manager) *Store {
	return &Store{storage: st, manager: m}
}

// Get returns the decrypted secret, or ok=false when it is not set.
func (s *Store) Get(ctx context.Context, name string) (string, bool, error) {
	raw, ok, err := s.storage.Get(ctx, keyPrefix+name)
	if err != nil {
		return "", false, fmt.Errorf("read secret %q: %w", name, err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return "", false, nil
	}
	plain, err := s.manager.UnmarshalEncryptedString(raw)
	if err != nil {
		return "", false, fmt.Errorf("decrypt secret %q: %w", name, err)
	}
	return plain, true, nil
}

func (s *Store) Set(ctx context.Context, name, value string) error {
	raw, err := s.manager.MarshalEncryptedString(value)
	if err != nil {
		return fmt.Errorf("encrypt secret %q: %w", name, err)
	}
	if err := s.storage.Set(ctx, keyPrefix+name, raw); err != nil {
		return fmt.Errorf("write secret %q: %w", name, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if err := s.storage.Delete(ctx, keyPrefix+name); err != nil {
		return fmt.Errorf("delete secret %q: %w", name, err)
	}
	return nil
}
