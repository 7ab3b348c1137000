package records

import (
	"strings"

	"github.com/recbase-io/recbase/internal/auth"
)

// Permission is one record-API operation, usable as a bitmask bit.
type Permission uint8

const (
	PermissionCreate Permission = 1 << iota
	PermissionRead
	PermissionUpdate
	PermissionDelete
	PermissionSchema
)

// permissionSlot maps a permission to its access-query slot.
func (p Permission) slot() int {
	switch p {
	case PermissionCreate:
		return 0
	case PermissionRead:
		return 1
	case PermissionUpdate:
		return 2
	case PermissionDelete:
		return 3
	case PermissionSchema:
		return 4
	default:
		return -1
	}
}

func (p Permission) String() string {
	switch p {
	case PermissionCreate:
		return "create"
	case PermissionRead:
		return "read"
	case PermissionUpdate:
		return "update"
	case PermissionDelete:
		return "delete"
	case PermissionSchema:
		return "schema"
	default:
		return "unknown"
	}
}

// parsePermissionList converts config strings ("read", "create", ...)
// into a bitmask. Unknown entries are ignored.
func parsePermissionList(names []string) Permission {
	var mask Permission
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "create":
			mask |= PermissionCreate
		case "read":
			mask |= PermissionRead
		case "update":
			mask |= PermissionUpdate
		case "delete":
			mask |= PermissionDelete
		case "schema":
			mask |= PermissionSchema
		}
	}
	return mask
}

// ACL is the two-slot table-level gate: world and authenticated.
type ACL [2]Permission

// Allows implements the table-level check: world entries apply to
// everyone, authenticated entries only when a user is present.
func (a ACL) Allows(p Permission, user *auth.User) bool {
	mask := a[0]
	if user != nil {
		mask |= a[1]
	}
	return mask&p != 0
}
