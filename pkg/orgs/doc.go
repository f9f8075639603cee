// Package orgs manages tenants: organizations, their members and
// invitations, and the plan-tier quotas that bound what each org may create.
//
// Quotas are a pure function of the plan tier (see QuotasForTier). Usage is
// kept in the org_usage table: designs, equipment and storage bytes are
// running totals, reports reset at the start of each calendar month.
//
// Basic usage:
//
//	svc := orgs.NewPostgresService(db)
//	org, err := svc.CreateOrganization(ctx, orgs.CreateOrgRequest{Name: "Acme"}, userID)
//	if err := svc.CheckDesignQuota(ctx, org.ID); orgs.IsQuotaExceeded(err) {
//		// 429
//	}
package orgs
