package secrets

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"screenlens/internal/storage"
)

func TestEncryptDecrypt(t *testing.T) {
	keys := map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	}
	m, err := NewManager("k1", keys)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}

	raw, err := m.MarshalEncryptedString("sk-super-secret")
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}

	out, err := m.UnmarshalEncryptedString(raw)
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if out != "sk-super-secret" {
		t.Fatalf("expected original string, got %q", out)
	}
}

func TestRotationDecryptOldEncryptNew(t *testing.T) {
	oldKey := mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA=")
	newKey := mustKey(t, "AQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQEBAQE=")

	oldManager, err := NewManager("old", map[string][]byte{"old": oldKey})
	if err != nil {
		t.Fatalf("old manager: %v", err)
	}
	oldCipher, err := oldManager.MarshalEncryptedString("legacy")
	if err != nil {
		t.Fatalf("old encrypt: %v", err)
	}

	rotated, err := NewManager("new", map[string][]byte{"old": oldKey, "new": newKey})
	if err != nil {
		t.Fatalf("rotated manager: %v", err)
	}

	plain, err := rotated.UnmarshalEncryptedString(oldCipher)
	if err != nil {
		t.Fatalf("decrypt with old key failed: %v", err)
	}
	if plain != "legacy" {
		t.Fatalf("unexpected plaintext: %q", plain)
	}
}

func TestStorePersistsEncrypted(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "secrets.db")
	st, err := storage.Open(ctx, "sqlite", dsn, true, "")
	if err != nil {
		t.Fatalf("open storage: %v", err)
	}
	defer st.Close()

	m, err := NewManager("k1", map[string][]byte{
		"k1": mustKey(t, "AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA="),
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	store := NewStore(st, m)

	if _, ok, err := store.Get(ctx, "api_key"); err != nil || ok {
		t.Fatalf("expected empty store, got ok=%v err=%v", ok, err)
	}

	if err := store.Set(ctx, "api_key", "sk-abc123"); err != nil {
		t.Fatalf("set: %v", err)
	}

	// The raw stored value must not contain the plaintext.
	raw, ok, err := st.Get(ctx, "secret.api_key")
	if err != nil || !ok {
		t.Fatalf("raw get: ok=%v err=%v", ok, err)
	}
	if raw == "sk-abc123" {
		t.Fatalf("secret stored in plaintext")
	}

	got, ok, err := store.Get(ctx, "api_key")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !ok || got != "sk-abc123" {
		t.Fatalf("unexpected secret %q ok=%v", got, ok)
	}

	if err := store.Delete(ctx, "api_key"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := store.Get(ctx, "api_key"); ok {
		t.Fatalf("secret still present after delete")
	}
}

func mustKey(t *testing.T, b64 string) []byte {
	t.Helper()
	k, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		t.Fatalf("decode key: %v", err)
	}
	if len(k) != 32 {
		t.Fatalf("expected 32-byte key, got %d", len(k))
	}
	return k
}
