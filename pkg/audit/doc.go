// Package audit records who changed what inside an organization.
//
// Events are written through a Logger: DBLogger stores them in the
// audit_logs table, FileLogger appends JSON lines with size based rotation,
// and MultiLogger fans out to several. Middleware attaches the logger to the
// request context and records every mutating request; handlers add richer
// domain events with Record and RecordChange:
//
//	audit.RecordChange(ctx, audit.EventTypeDesignUpdate, audit.ResourceTypeDesign,
//		design.ID, before, after)
//
// Org admins read the log through GET /api/v1/orgs/{org}/audit, optionally
// exported as csv or ndjson with ?format=.
package audit
