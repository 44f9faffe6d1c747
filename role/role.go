// Package role validates and decomposes the role names used for fair-share
// accounting. Roles form a hierarchy separated by slashes ("eng/ml"); each
// level shares resources fairly with its siblings.
package role

import (
	"fmt"
	"strings"

	"github.com/xraph/fleet"
)

// Default is the catch-all role owners receive when they declare none.
const Default = "*"

// Separator divides the levels of a hierarchical role name.
const Separator = "/"

// Validate reports whether name is a well-formed role. The default role
// "*" is valid on its own but may not appear inside a hierarchy.
func Validate(name string) error {
	if name == Default {
		return nil
	}
	if name == "" {
		return fmt.Errorf("role is empty: %w", fleet.ErrInvalidRole)
	}
	if strings.HasPrefix(name, Separator) || strings.HasSuffix(name, Separator) {
		return fmt.Errorf("role %q has a leading or trailing separator: %w", name, fleet.ErrInvalidRole)
	}
	for _, component := range strings.Split(name, Separator) {
		if err := validateComponent(name, component); err != nil {
			return err
		}
	}
	return nil
}

func validateComponent(name, component string) error {
	switch component {
	case "":
		return fmt.Errorf("role %q has an empty component: %w", name, fleet.ErrInvalidRole)
	case ".", "..":
		return fmt.Errorf("role %q uses a reserved component %q: %w", name, component, fleet.ErrInvalidRole)
	case Default:
		return fmt.Errorf("role %q nests the default role: %w", name, fleet.ErrInvalidRole)
	}
	if strings.HasPrefix(component, "-") {
		return fmt.Errorf("role %q has a component starting with '-': %w", name, fleet.ErrInvalidRole)
	}
	for _, r := range component {
		if r == '\\' || r <= ' ' || r == 0x7f {
			return fmt.Errorf("role %q contains whitespace or control characters: %w", name, fleet.ErrInvalidRole)
		}
	}
	return nil
}

// ValidateAll validates every role in names and rejects duplicates.
func ValidateAll(names []string) error {
	if len(names) == 0 {
		return fmt.Errorf("no roles declared: %w", fleet.ErrInvalidRole)
	}
	seen := make(map[string]struct{}, len(names))
	for _, name := range names {
		if err := Validate(name); err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("role %q declared twice: %w", name, fleet.ErrInvalidRole)
		}
		seen[name] = struct{}{}
	}
	return nil
}

// Split returns the hierarchy components of a role name.
// Split("eng/ml") = ["eng", "ml"]; Split("*") = ["*"].
func Split(name string) []string {
	return strings.Split(name, Separator)
}

// Top returns the first hierarchy level of a role name: the bucket that
// competes for resources at the root of the fair-share tree.
func Top(name string) string {
	if i := strings.Index(name, Separator); i >= 0 {
		return name[:i]
	}
	return name
}

// Ancestors returns every ancestor of name from the top level down,
// excluding name itself. Ancestors("a/b/c") = ["a", "a/b"].
func Ancestors(name string) []string {
	parts := Split(name)
	if len(parts) <= 1 {
		return nil
	}
	out := make([]string, 0, len(parts)-1)
	for i := 1; i < len(parts); i++ {
		out = append(out, strings.Join(parts[:i], Separator))
	}
	return out
}
