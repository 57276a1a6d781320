package models

import "fmt"

// PermissionLevel is the audience a recipe permission applies to.
type PermissionLevel string

const (
	PermissionEveryone  PermissionLevel = "everyone"
	PermissionHousehold PermissionLevel = "household"
	PermissionOwner     PermissionLevel = "owner"
)

// Valid reports whether p is one of the known levels.
func (p PermissionLevel) Valid() bool {
	switch p {
	case PermissionEveryone, PermissionHousehold, PermissionOwner:
		return true
	}
	return false
}

// ParsePermissionLevel validates a raw setting value.
func ParsePermissionLevel(raw string) (PermissionLevel, error) {
	p := PermissionLevel(raw)
	if !p.Valid() {
		return "", fmt.Errorf("unknown permission level %q", raw)
	}
	return p, nil
}

// RecipePermissionPolicy is the admin-configured recipe visibility policy.
// Only View affects import deduplication.
type RecipePermissionPolicy struct {
	View   PermissionLevel `json:"view"`
	Edit   PermissionLevel `json:"edit"`
	Delete PermissionLevel `json:"delete"`
}

// DefaultRecipePermissionPolicy is used until an admin stores a policy.
func DefaultRecipePermissionPolicy() RecipePermissionPolicy {
	return RecipePermissionPolicy{
		View:   PermissionHousehold,
		Edit:   PermissionHousehold,
		Delete: PermissionOwner,
	}
}
