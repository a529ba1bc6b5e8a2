package rbac

// Role names are shared with the identity service that mints tokens.
const (
	RoleUser            = "user"
	RoleSupport         = "support" // read-only admin views
	RoleAdmin           = "admin"
	RoleSuperAdmin      = "super_admin"
	RoleBillingOperator = "billing_operator" // hidden role
)

var knownRoles = map[string]struct{}{
	RoleUser:            {},
	RoleSupport:         {},
	RoleAdmin:           {},
	RoleSuperAdmin:      {},
	RoleBillingOperator: {},
}

// IsKnownRole reports whether role is one this service understands. Tokens
// from the shared identity service may carry roles of other products.
func IsKnownRole(role string) bool {
	_, ok := knownRoles[role]
	return ok
}

func IsSuperAdmin(role string) bool { return role == RoleSuperAdmin }

func IsHiddenRole(role string) bool { return role == RoleBillingOperator }
