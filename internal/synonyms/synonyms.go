// Package synonyms holds the static dictionary of alternate tokens the
// permutation engine may substitute for canonical path segments.
package synonyms

// Table maps a canonical path token to its alternates. A token is always
// implicitly a synonym of itself; the engine appends it as the last
// candidate. Tokens missing from the table are their own only synonym.
var Table = map[string][]string{
	"auth":            {"oauth", "login", "signin"},
	"me":              {"self", "myself"},
	"users":           {"user", "users", "employee", "employees", "account", "accounts", "member", "members", "staff", "people"},
	"projects":        {"task", "tasks", "subprojects", "subproject"},
	"organizations":   {"organization", "institution", "company", "companies", "groups"},
	"integrations":    {"connection", "connections", "setup", "setups"},
	"last_activity":   {"activity", "activities", "action", "actions", "last"},
	"members":         {"staff_member", "staff_members", "persons", "users"},
	"links":           {"integrations", "connectivity"},
	"activities":      {"activity", "actions", "action", "operations", "operation", "work", "working"},
	"last_activities": {"activity", "actions", "action", "operations", "operation", "work", "working"},
	"applications":    {"application", "app", "apps"},
	"urls":            {"url", "link", "links"},
	"screenshots":     {"shots", "screens", "images"},
	"notes":           {"memos", "data"},
	"tasks":           {"todos", "task"},
	"weekly":          {"by_week", "week", "weeks", "seven_days"},
	"my":              {"own", "me", "myself", "i"},
	"team":            {"members", "team_members", "staff"},
	"custom":          {"specific", "advanced"},
	"by_project":      {"projects", "group_by_project", "project"},
	"by_member":       {"members", "member", "group_by_member"},
	"by_date":         {"date", "dates", "days", "day", "daily"},
	"time_edit_logs":  {"time_logs", "edit_logs"},
	"team_payments":   {"earnings", "money"},
	"update_metadata": {"metadata_update", "set_metadata"},
	"update_members":  {"members_update", "set_members"},
	"invites":         {"invitations"},
}

// For returns the candidate replacements for token: its alternates (if
// any) followed by the token itself. The second return reports whether
// the token was present in the table.
func For(token string) ([]string, bool) {
	alts, ok := Table[token]
	out := make([]string, 0, len(alts)+1)
	out = append(out, alts...)
	out = append(out, token)
	return out, ok
}
