package role_test

import (
	"errors"
	"testing"

	"github.com/xraph/fleet"
	"github.com/xraph/fleet/role"
)

func TestValidate(t *testing.T) {
	valid := []string{"*", "eng", "eng/ml", "a/b/c", "team-1", "x.y"}
	for _, name := range valid {
		if err := role.Validate(name); err != nil {
			t.Errorf("Validate(%q) = %v, want nil", name, err)
		}
	}

	invalid := []string{
		"",
		".",
		"..",
		"a/..",
		"a//b",
		"/a",
		"a/",
		"-lead",
		"a/-b",
		"a b",
		"a\\b",
		"eng/*",
	}
	for _, name := range invalid {
		err := role.Validate(name)
		if err == nil {
			t.Errorf("Validate(%q) = nil, want error", name)
			continue
		}
		if !errors.Is(err, fleet.ErrInvalidRole) {
			t.Errorf("Validate(%q) error %v is not ErrInvalidRole", name, err)
		}
	}
}

func TestValidateAll(t *testing.T) {
	if err := role.ValidateAll([]string{"eng", "ops"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := role.ValidateAll(nil); err == nil {
		t.Error("expected error for empty role list")
	}
	if err := role.ValidateAll([]string{"eng", "eng"}); err == nil {
		t.Error("expected error for duplicate roles")
	}
}

func TestTopAndAncestors(t *testing.T) {
	if got := role.Top("eng/ml/train"); got != "eng" {
		t.Errorf("Top = %q, want %q", got, "eng")
	}
	if got := role.Top("*"); got != "*" {
		t.Errorf("Top(*) = %q, want %q", got, "*")
	}

	anc := role.Ancestors("a/b/c")
	if len(anc) != 2 || anc[0] != "a" || anc[1] != "a/b" {
		t.Errorf("Ancestors = %v, want [a a/b]", anc)
	}
	if role.Ancestors("solo") != nil {
		t.Error("expected nil ancestors for a flat role")
	}
}
