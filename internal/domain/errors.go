package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Use with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrDisabled         = fmt.Errorf("disabled")
	ErrInvalidInput     = fmt.Errorf("invalid input")
)

// Sentinel errors for the bridge.
var (
	ErrConfigLoad = fmt.Errorf("failed to load configuration")
	ErrEncryption = fmt.Errorf("encryption operation failed")
	ErrDecryption = fmt.Errorf("decryption failed")

	// Process supervisor errors.
	ErrSpawnFailed   = fmt.Errorf("runtime spawn failed")
	ErrProcessExited = fmt.Errorf("runtime exited unexpectedly")

	// Transport errors.
	ErrBindFailed   = fmt.Errorf("transport bind failed")
	ErrFrameDecode  = fmt.Errorf("frame decode failed")
	ErrDisconnected = fmt.Errorf("runtime disconnected")

	// Router errors.
	ErrPluginError = fmt.Errorf("plugin returned error")

	// Install errors.
	ErrChecksumMismatch = fmt.Errorf("checksum mismatch")
	ErrDownloadFailed   = fmt.Errorf("download failed")
	ErrExtractFailed    = fmt.Errorf("extract failed")
	ErrRegistry         = fmt.Errorf("registry request failed")

	// Security errors.
	ErrPathOutsideSandbox = fmt.Errorf("path outside sandbox")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Router.Call")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "router", "install"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
// Use this with category sentinels (ErrNotFound, ErrTimeout, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient error that may succeed on retry.
// A dropped runtime connection or an elapsed call timeout qualify; a plugin's own
// error reply does not.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrDisconnected) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown          ErrorCode = "UNKNOWN"
	CodeConfigLoad       ErrorCode = "CONFIG_LOAD"
	CodeEncryption       ErrorCode = "ENCRYPTION"
	CodeDecryption       ErrorCode = "DECRYPTION"
	CodeSpawnFailed      ErrorCode = "PROCESS_SPAWN_FAILED"
	CodeProcessExited    ErrorCode = "PROCESS_EXITED"
	CodeBindFailed       ErrorCode = "TRANSPORT_BIND"
	CodeFrameDecode      ErrorCode = "TRANSPORT_DECODE"
	CodeDisconnected     ErrorCode = "DISCONNECTED"
	CodePluginError      ErrorCode = "PLUGIN_ERROR"
	CodeChecksumMismatch ErrorCode = "INSTALL_CHECKSUM"
	CodeDownloadFailed   ErrorCode = "INSTALL_DOWNLOAD"
	CodeExtractFailed    ErrorCode = "INSTALL_EXTRACT"
	CodeRegistry         ErrorCode = "REGISTRY"
	CodePathOutside      ErrorCode = "PATH_OUTSIDE_SANDBOX"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodePluginNotFound   ErrorCode = "PLUGIN_NOT_FOUND"
	CodePluginDuplicate  ErrorCode = "PLUGIN_DUPLICATE"
	CodePluginPermission ErrorCode = "PLUGIN_PERMISSION"
	CodeFunctionNotFound ErrorCode = "FUNCTION_NOT_FOUND"
	CodeRouterTimeout    ErrorCode = "ROUTER_TIMEOUT"
	CodeBootTimeout      ErrorCode = "BOOT_TIMEOUT"
	CodeKeyringNotFound  ErrorCode = "KEYRING_NOT_FOUND"
	CodeSecureInput      ErrorCode = "SECURE_INVALID_INPUT"

	// Category error codes. Fallback codes when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeDisabled         ErrorCode = "DISABLED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrPermissionDenied: CodePermissionDenied,
	ErrDisabled:         CodeDisabled,
	ErrInvalidInput:     CodeInvalidInput,

	ErrConfigLoad:       CodeConfigLoad,
	ErrEncryption:       CodeEncryption,
	ErrDecryption:       CodeDecryption,
	ErrSpawnFailed:      CodeSpawnFailed,
	ErrProcessExited:    CodeProcessExited,
	ErrBindFailed:       CodeBindFailed,
	ErrFrameDecode:      CodeFrameDecode,
	ErrDisconnected:     CodeDisconnected,
	ErrPluginError:      CodePluginError,
	ErrChecksumMismatch: CodeChecksumMismatch,
	ErrDownloadFailed:   CodeDownloadFailed,
	ErrExtractFailed:    CodeExtractFailed,
	ErrRegistry:         CodeRegistry,

	ErrPathOutsideSandbox: CodePathOutside,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"plugin":   CodePluginNotFound,
		"template": CodeFunctionNotFound,
		"keyring":  CodeKeyringNotFound,
	},
	ErrDuplicate: {
		"plugin": CodePluginDuplicate,
	},
	ErrTimeout: {
		"router": CodeRouterTimeout,
		"boot":   CodeBootTimeout,
	},
	ErrPermissionDenied: {
		"plugin": CodePluginPermission,
	},
	ErrInvalidInput: {
		"secure": CodeSecureInput,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
