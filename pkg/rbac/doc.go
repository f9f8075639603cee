// Package rbac decides what org members may do and lets admins share designs
// with teams.
//
// Every org role carries a fixed permission set (see Allows). Viewers read,
// designers edit designs, equipment and reports, admins manage teams, webhooks
// and the audit log, and owners additionally manage billing and the
// organization itself. Higher roles inherit everything below them.
//
// Teams group members. A DesignGrant gives a team a role on one design, and
// the Checker uses the higher of the member's org role and any grant on the
// design. Decisions are cached in an expirable LRU and invalidated by the
// handlers whenever memberships or grants change:
//
//	checker := rbac.NewChecker(orgService, store, rbac.DefaultCheckerConfig())
//	router.Handle("/designs/{designID}", checker.RequirePermission(
//		rbac.ResourceDesign, rbac.ActionUpdate, "designID")(updateHandler))
package rbac
