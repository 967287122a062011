package auth

// Capability names known to the service. Each one is a group in storage.
const (
	CapViewUsers         = "view_users"
	CapManageUsers       = "manage_users"
	CapManagePermissions = "manage_permissions"
	CapViewCompanies     = "view_companies"
	CapManageCompanies   = "manage_companies"
	CapViewProjects      = "view_projects"
	CapManageProjects    = "manage_projects"
	CapViewEvents        = "view_events"
	CapManageEvents      = "manage_events"
)

// BuiltinGroups are seeded by migrations and granted to the bootstrap
// administrator.
var BuiltinGroups = []Group{
	{Code: "PG001", Name: CapViewUsers, Description: "Read user records", Enabled: true},
	{Code: "PG002", Name: CapManageUsers, Description: "Create and edit users", Enabled: true},
	{Code: "PG003", Name: CapManagePermissions, Description: "Grant and revoke groups", Enabled: true},
	{Code: "PG004", Name: CapViewCompanies, Description: "Read companies", Enabled: true},
	{Code: "PG005", Name: CapManageCompanies, Description: "Create and edit companies", Enabled: true},
	{Code: "PG006", Name: CapViewProjects, Description: "Read projects", Enabled: true},
	{Code: "PG007", Name: CapManageProjects, Description: "Create and edit projects", Enabled: true},
	{Code: "PG008", Name: CapViewEvents, Description: "Read events", Enabled: true},
	{Code: "PG009", Name: CapManageEvents, Description: "Create and edit events", Enabled: true},
}

// BootstrapAdminCode is the login code of the administrator created on
// first initialisation.
const BootstrapAdminCode = "ADM0000"
