package vault

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/synedrio/internal/config"
	"github.com/mtzanidakis/synedrio/internal/store"
)

func mustVault(t *testing.T, passphrase string) *Vault {
	t.Helper()
	v, err := New(passphrase)
	if err != nil {
		t.Fatalf("new vault: %v", err)
	}
	return v
}

func TestRoundTrip(t *testing.T) {
	v := mustVault(t, "test-passphrase")
	plaintext := []byte("hello, vault!")

	ciphertext, nonce, err := v.Seal("greeting", plaintext)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	decrypted, err := v.Open("greeting", ciphertext, nonce)
	if err != nil {
		t.Fatalf("open: %v", err)
	}

	if !bytes.Equal(plaintext, decrypted) {
		t.Fatalf("got %q, want %q", decrypted, plaintext)
	}
}

func TestWrongPassphrase(t *testing.T) {
	v1 := mustVault(t, "correct-passphrase")
	v2 := mustVault(t, "wrong-passphrase")

	ciphertext, nonce, err := v1.Seal("k", []byte("secret"))
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	if _, err := v2.Open("k", ciphertext, nonce); err == nil {
		t.Fatal("expected error opening with wrong passphrase")
	}
}

func TestNameIsBound(t *testing.T) {
	v := mustVault(t, "p")
	ciphertext, nonce, _ := v.Seal("brave", []byte("key"))
	if _, err := v.Open("other", ciphertext, nonce); err == nil {
		t.Fatal("expected error opening under a different name")
	}
}

func TestEmptyPassphrase(t *testing.T) {
	if _, err := New(""); !errors.Is(err, ErrNoPassphrase) {
		t.Fatalf("expected ErrNoPassphrase, got %v", err)
	}
}

func TestSecretsResolve(t *testing.T) {
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	defer s.Close()

	secrets := NewSecrets(s, mustVault(t, "p"))
	if err := secrets.Put("brave", "search key", "BSA-123"); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := secrets.Resolve("secret:brave")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got != "BSA-123" {
		t.Errorf("expected BSA-123, got %q", got)
	}

	plain, err := secrets.Resolve("literal-key")
	if err != nil || plain != "literal-key" {
		t.Errorf("expected literal passthrough, got %q, %v", plain, err)
	}

	if _, err := secrets.Resolve("secret:missing"); err == nil {
		t.Error("expected error for missing secret")
	}

	var none *Secrets
	if _, err := none.Resolve("secret:brave"); err == nil {
		t.Error("expected error resolving without a vault")
	}
	if v, err := none.Resolve("plain"); err != nil || v != "plain" {
		t.Errorf("nil Secrets should pass literals through, got %q, %v", v, err)
	}

	list, _ := secrets.List()
	if len(list) != 1 || list[0].Name != "brave" {
		t.Errorf("unexpected list %+v", list)
	}
	if err := secrets.Delete("brave"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := secrets.Reveal("brave"); err == nil {
		t.Error("expected error after delete")
	}
}
