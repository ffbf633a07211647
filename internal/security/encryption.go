package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strings"
	"sync"

	"golang.org/x/crypto/argon2"

	"plugbridge/internal/domain"
)

const encPrefix = "enc:"

var _ domain.Encryptor = (*WorkspaceEncryptor)(nil)

// WorkspaceEncryptor implements domain.Encryptor using AES-256-GCM with one key
// per workspace. Keys are derived from the host passphrase via Argon2id and
// held only in memory.
type WorkspaceEncryptor struct {
	mu         sync.RWMutex
	passphrase []byte
	keys       map[string][]byte // workspace id -> 32-byte key
}

// NewWorkspaceEncryptor creates an encryptor from a passphrase.
// Returns error if passphrase is empty.
func NewWorkspaceEncryptor(passphrase string) (*WorkspaceEncryptor, error) {
	if passphrase == "" {
		return nil, fmt.Errorf("passphrase must not be empty")
	}
	return &WorkspaceEncryptor{
		passphrase: []byte(passphrase),
		keys:       make(map[string][]byte),
	}, nil
}

// Encrypt returns nonce + ciphertext sealed under the workspace key.
func (e *WorkspaceEncryptor) Encrypt(workspaceID string, plaintext []byte) ([]byte, error) {
	gcm, err := e.gcm("WorkspaceEncryptor.Encrypt", workspaceID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, domain.NewDomainError("WorkspaceEncryptor.Encrypt", domain.ErrEncryption, "generate nonce: "+err.Error())
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens data produced by Encrypt for the same workspace.
func (e *WorkspaceEncryptor) Decrypt(workspaceID string, data []byte) ([]byte, error) {
	gcm, err := e.gcm("WorkspaceEncryptor.Decrypt", workspaceID)
	if err != nil {
		return nil, err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, domain.NewDomainError("WorkspaceEncryptor.Decrypt", domain.ErrDecryption, "ciphertext too short")
	}
	nonce, sealed := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, domain.NewDomainError("WorkspaceEncryptor.Decrypt", domain.ErrDecryption, err.Error())
	}
	return plaintext, nil
}

// Zeroize clears the passphrase and every derived key. Call on shutdown.
func (e *WorkspaceEncryptor) Zeroize() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.passphrase {
		e.passphrase[i] = 0
	}
	for id, key := range e.keys {
		for i := range key {
			key[i] = 0
		}
		delete(e.keys, id)
	}
}

func (e *WorkspaceEncryptor) gcm(op, workspaceID string) (cipher.AEAD, error) {
	if workspaceID == "" {
		return nil, domain.NewSubSystemError("secure", op, domain.ErrInvalidInput, "workspace id is required")
	}
	key := e.key(workspaceID)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrEncryption, "create cipher: "+err.Error())
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, domain.NewDomainError(op, domain.ErrEncryption, "create gcm: "+err.Error())
	}
	return gcm, nil
}

func (e *WorkspaceEncryptor) key(workspaceID string) []byte {
	e.mu.RLock()
	key, ok := e.keys[workspaceID]
	e.mu.RUnlock()
	if ok {
		return key
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if key, ok := e.keys[workspaceID]; ok {
		return key
	}
	key = deriveWorkspaceKey(e.passphrase, workspaceID)
	e.keys[workspaceID] = key
	return key
}

// deriveWorkspaceKey uses Argon2id to derive a 32-byte key. The salt is fixed
// per workspace so the same passphrase always yields the same key.
func deriveWorkspaceKey(passphrase []byte, workspaceID string) []byte {
	salt := sha256.Sum256([]byte("plugbridge/workspace/" + workspaceID))
	return argon2.IDKey(passphrase, salt[:16], 1, 64*1024, 4, 32)
}

// EncodeValue renders ciphertext as "enc:" + base64, the form stored in templates.
func EncodeValue(ciphertext []byte) string {
	return encPrefix + base64.StdEncoding.EncodeToString(ciphertext)
}

// DecodeValue reverses EncodeValue. ok is false when s is not encrypted.
func DecodeValue(s string) (ciphertext []byte, ok bool, err error) {
	if !IsEncrypted(s) {
		return nil, false, nil
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(s, encPrefix))
	if err != nil {
		return nil, true, domain.NewDomainError("security.DecodeValue", domain.ErrDecryption, "base64 decode: "+err.Error())
	}
	return data, true, nil
}

// IsEncrypted checks if a string has the "enc:" prefix.
func IsEncrypted(s string) bool {
	return strings.HasPrefix(s, encPrefix)
}
