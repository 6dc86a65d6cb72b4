package rbac

// Platform permission tokens.
const (
	PermOrdersView   = "orders:view"
	PermOrdersUpdate = "orders:update"

	PermInventoryView   = "inventory:view"
	PermInventoryManage = "inventory:manage"

	PermPatientsView = "patients:view"

	PermBillingView = "billing:view"

	PermNotificationsSend = "notifications:send"

	PermDocumentsRender = "documents:render"

	PermReportsView = "reports:view"

	PermUsersManageRoles = "users:manage_roles"
)

// SystemScopes is the fixed permission set granted to the system principal
// used by scheduled jobs. Deliberately minimal: scheduled sweeps read and
// notify, they never administer.
func SystemScopes() PermissionSet {
	return NewPermissionSet(
		PermInventoryView,
		PermNotificationsSend,
		PermDocumentsRender,
		PermReportsView,
	)
}
