package security

import (
	"context"

	"plugbridge/internal/domain"
)

// keyringScope is the encryption scope for keyring entries. Entries are host
// secrets shared by every workspace.
const keyringScope = "keyring"

var _ domain.Keyring = (*StoreKeyring)(nil)

// KeyringStore persists encrypted keyring entries.
type KeyringStore interface {
	GetKeyringSecret(ctx context.Context, service, account string) ([]byte, error)
	SetKeyringSecret(ctx context.Context, service, account string, secret []byte) error
	DeleteKeyringSecret(ctx context.Context, service, account string) error
}

// StoreKeyring is a host keyring kept encrypted in the plugin database.
type StoreKeyring struct {
	store KeyringStore
	enc   domain.Encryptor
}

func NewStoreKeyring(store KeyringStore, enc domain.Encryptor) *StoreKeyring {
	return &StoreKeyring{store: store, enc: enc}
}

func (k *StoreKeyring) Get(ctx context.Context, service, account string) (string, error) {
	ciphertext, err := k.store.GetKeyringSecret(ctx, service, account)
	if err != nil {
		return "", err
	}
	plaintext, err := k.enc.Decrypt(keyringScope, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (k *StoreKeyring) Set(ctx context.Context, service, account, secret string) error {
	if service == "" || account == "" {
		return domain.NewSubSystemError("keyring", "StoreKeyring.Set", domain.ErrInvalidInput, "service and account are required")
	}
	ciphertext, err := k.enc.Encrypt(keyringScope, []byte(secret))
	if err != nil {
		return err
	}
	return k.store.SetKeyringSecret(ctx, service, account, ciphertext)
}

func (k *StoreKeyring) Delete(ctx context.Context, service, account string) error {
	return k.store.DeleteKeyringSecret(ctx, service, account)
}
