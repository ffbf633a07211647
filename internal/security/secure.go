package security

import (
	"context"
	"log/slog"

	"plugbridge/internal/domain"
)

// Template functions that run host-side and never reach the plugin runtime.
const (
	FnSecure   = "secure"
	FnKeychain = "keychain"
	FnKeyring  = "keyring"
)

// IsSecureFunction reports whether name is handled by SecureFunctions.
func IsSecureFunction(name string) bool {
	switch name {
	case FnSecure, FnKeychain, FnKeyring:
		return true
	}
	return false
}

// SecureFunctions executes the secure template functions in the host process.
// Either collaborator may be nil, in which case the functions that need it
// fail with ErrDisabled.
type SecureFunctions struct {
	enc     domain.Encryptor
	keyring domain.Keyring
	logger  *slog.Logger
}

func NewSecureFunctions(enc domain.Encryptor, keyring domain.Keyring, logger *slog.Logger) *SecureFunctions {
	return &SecureFunctions{enc: enc, keyring: keyring, logger: logger}
}

// Intercept runs name host-side when it is a secure function. handled is false
// for every other name, and the caller should forward the call to the runtime.
func (s *SecureFunctions) Intercept(ctx context.Context, name string, args map[string]string, pctx *domain.PluginContext) (value string, handled bool, err error) {
	switch name {
	case FnSecure:
		value, err = s.decrypt(args["value"], pctx)
	case FnKeychain, FnKeyring:
		value, err = s.lookup(ctx, name, args["service"], args["account"])
	default:
		return "", false, nil
	}
	if err != nil {
		s.logger.Debug("secure function failed", "function", name, "error", err)
	}
	return value, true, err
}

// TransformArg encrypts the plaintext "value" argument of secure() before it is
// stored. Other functions and arguments pass through with handled false.
func (s *SecureFunctions) TransformArg(_ context.Context, name, arg, value string, pctx *domain.PluginContext) (string, bool, error) {
	if name != FnSecure || arg != "value" {
		return value, false, nil
	}
	if value == "" || IsEncrypted(value) {
		return value, true, nil
	}
	if s.enc == nil {
		return "", true, domain.NewSubSystemError("secure", "SecureFunctions.TransformArg", domain.ErrDisabled, "no encryption key configured")
	}
	workspaceID, err := workspaceOf(pctx, "SecureFunctions.TransformArg")
	if err != nil {
		return "", true, err
	}
	ciphertext, err := s.enc.Encrypt(workspaceID, []byte(value))
	if err != nil {
		return "", true, err
	}
	return EncodeValue(ciphertext), true, nil
}

func (s *SecureFunctions) decrypt(value string, pctx *domain.PluginContext) (string, error) {
	if value == "" {
		return "", nil
	}
	ciphertext, ok, err := DecodeValue(value)
	if err != nil {
		return "", err
	}
	if !ok {
		return value, nil // plaintext passthrough
	}
	if s.enc == nil {
		return "", domain.NewSubSystemError("secure", "SecureFunctions.secure", domain.ErrDisabled, "no encryption key configured")
	}
	workspaceID, err := workspaceOf(pctx, "SecureFunctions.secure")
	if err != nil {
		return "", err
	}
	plaintext, err := s.enc.Decrypt(workspaceID, ciphertext)
	if err != nil {
		return "", err
	}
	return string(plaintext), nil
}

func (s *SecureFunctions) lookup(ctx context.Context, name, service, account string) (string, error) {
	if service == "" || account == "" {
		return "", domain.NewSubSystemError("secure", "SecureFunctions."+name, domain.ErrInvalidInput, "service and account are required")
	}
	if s.keyring == nil {
		return "", domain.NewSubSystemError("secure", "SecureFunctions."+name, domain.ErrDisabled, "no keyring configured")
	}
	return s.keyring.Get(ctx, service, account)
}

func workspaceOf(pctx *domain.PluginContext, op string) (string, error) {
	if pctx == nil || pctx.WorkspaceID == "" {
		return "", domain.NewSubSystemError("secure", op, domain.ErrInvalidInput, "workspace context is required")
	}
	return pctx.WorkspaceID, nil
}
