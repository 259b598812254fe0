package protocol

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxDelegateIDLength bounds delegate identifiers.
const MaxDelegateIDLength = 32

// delegateIDRegex restricts delegate ids to word characters and hyphens.
var delegateIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// reservedDelegateIDs may not be claimed by delegates; they collide with
// host-internal namespaces.
var reservedDelegateIDs = map[string]struct{}{
	"server":   {},
	"system":   {},
	"internal": {},
	"admin":    {},
}

// ValidateDelegateID enforces the delegate identity rules: bounded length,
// restricted charset, no namespace separator, not a reserved name.
func ValidateDelegateID(id string) error {
	if id == "" {
		return fmt.Errorf("delegateId is required")
	}
	if len(id) > MaxDelegateIDLength {
		return fmt.Errorf("delegateId exceeds %d characters", MaxDelegateIDLength)
	}
	if !delegateIDRegex.MatchString(id) {
		return fmt.Errorf("delegateId %q contains invalid characters (allowed: a-z A-Z 0-9 _ -)", id)
	}
	if strings.Contains(id, NamespaceSeparator) {
		return fmt.Errorf("delegateId %q must not contain %q", id, NamespaceSeparator)
	}
	if _, reserved := reservedDelegateIDs[strings.ToLower(id)]; reserved {
		return fmt.Errorf("delegateId %q is reserved", id)
	}
	return nil
}

// ValidateToolName rejects raw tool names that would break the namespace
// scheme once prefixed.
func ValidateToolName(name string) error {
	if name == "" {
		return fmt.Errorf("tool name is required")
	}
	if strings.Contains(name, NamespaceSeparator) {
		return fmt.Errorf("tool name %q must not contain %q", name, NamespaceSeparator)
	}
	return nil
}

// PrefixedToolName builds the namespaced name the inference engine sees.
func PrefixedToolName(delegateID, toolName string) string {
	return strings.ToLower(delegateID) + NamespaceSeparator + toolName
}
