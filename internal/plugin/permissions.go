package plugin

import (
	"fmt"

	"plugbridge/internal/domain"
)

// ValidateCapabilities checks that every capability a plugin declared at boot
// is allowed and none are denied. An empty allow list permits anything not
// denied.
func ValidateCapabilities(meta domain.BootMetadata, allowed, denied []string) error {
	denySet := make(map[string]bool, len(denied))
	for _, d := range denied {
		denySet[d] = true
	}
	allowSet := make(map[string]bool, len(allowed))
	for _, a := range allowed {
		allowSet[a] = true
	}

	for _, c := range meta.Capabilities {
		if denySet[c] {
			return fmt.Errorf("%w: plugin %q declares denied capability %q",
				domain.ErrPermissionDenied, meta.Name, c)
		}
		if len(allowSet) > 0 && !allowSet[c] {
			return fmt.Errorf("%w: plugin %q declares unlisted capability %q",
				domain.ErrPermissionDenied, meta.Name, c)
		}
	}
	return nil
}
