package models

import (
	"fmt"
	"strings"
)

// Role is the replication role a terminal plays on the LAN.
type Role string

const (
	RoleStandalone Role = "standalone"
	RoleMaster     Role = "master"
	RoleSatellite  Role = "satellite"
)

// ParseRole normalizes a user-supplied role name.
func ParseRole(raw string) (Role, error) {
	role := Role(strings.ToLower(strings.TrimSpace(raw)))
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", raw)
	}
	return role, nil
}

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleStandalone, RoleMaster, RoleSatellite:
		return true
	default:
		return false
	}
}

// TerminalIdentity identifies the local terminal. It is created on first boot and
// persists across restarts.
type TerminalIdentity struct {
	TerminalID  string `json:"terminal_id"`
	DisplayName string `json:"display_name"`
	Role        Role   `json:"role"`
}
