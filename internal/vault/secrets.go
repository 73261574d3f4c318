package vault

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/store"
)

// RefPrefix marks a config value that names a stored secret.
const RefPrefix = "secret:"

// Secrets stores vault-sealed values in the store's secrets table.
type Secrets struct {
	store *store.Store
	vault *Vault
}

func NewSecrets(s *store.Store, v *Vault) *Secrets {
	return &Secrets{store: s, vault: v}
}

func (s *Secrets) Put(name, description, value string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("secret name is required")
	}
	ct, nonce, err := s.vault.Seal(name, []byte(value))
	if err != nil {
		return err
	}
	return s.store.SaveSecret(&store.Secret{
		Name:        name,
		Description: description,
		Value:       ct,
		Nonce:       nonce,
	})
}

func (s *Secrets) Reveal(name string) (string, error) {
	sec, err := s.store.GetSecret(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", name)
	}
	pt, err := s.vault.Open(sec.Name, sec.Value, sec.Nonce)
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

func (s *Secrets) List() ([]store.Secret, error) {
	return s.store.ListSecrets()
}

func (s *Secrets) Delete(name string) error {
	return s.store.DeleteSecret(name)
}

// IsRef reports whether v is a secret:<name> reference.
func IsRef(v string) bool {
	return strings.HasPrefix(v, RefPrefix)
}

// Resolve returns v unchanged unless it is a secret reference, in which case
// the named secret is decrypted. A nil receiver cannot resolve references.
func (s *Secrets) Resolve(v string) (string, error) {
	if !IsRef(v) {
		return v, nil
	}
	name := strings.TrimPrefix(v, RefPrefix)
	if s == nil {
		return "", fmt.Errorf("secret %q referenced but vault passphrase is not set", name)
	}
	return s.Reveal(name)
}
