package security

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"plugbridge/internal/domain"
)

func TestStoreKeyringEncryptsAtRest(t *testing.T) {
	store := newMemKeyringStore()
	kr := NewStoreKeyring(store, newTestEncryptor(t))
	ctx := context.Background()

	if err := kr.Set(ctx, "aws", "prod", "AKIASECRET"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	raw, err := store.GetKeyringSecret(ctx, "aws", "prod")
	if err != nil {
		t.Fatalf("GetKeyringSecret: %v", err)
	}
	if bytes.Contains(raw, []byte("AKIASECRET")) {
		t.Error("secret stored in plaintext")
	}

	got, err := kr.Get(ctx, "aws", "prod")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "AKIASECRET" {
		t.Errorf("Get = %q", got)
	}

	if err := kr.Delete(ctx, "aws", "prod"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := kr.Get(ctx, "aws", "prod"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get after delete: err = %v, want ErrNotFound", err)
	}
}

func TestStoreKeyringRejectsEmptyKey(t *testing.T) {
	kr := NewStoreKeyring(newMemKeyringStore(), newTestEncryptor(t))
	if err := kr.Set(context.Background(), "", "acct", "x"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}
