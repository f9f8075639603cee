package orgs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// GetQuotas returns the quotas of the org's current tier
func (s *PostgresService) GetQuotas(ctx context.Context, orgID string) (OrgQuotas, error) {
	var tier PlanTier
	err := s.db.QueryRowContext(ctx, `SELECT plan_tier FROM organizations WHERE id = $1`, orgID).Scan(&tier)
	if errors.Is(err, sql.ErrNoRows) {
		return OrgQuotas{}, ErrNotFound
	}
	if err != nil {
		return OrgQuotas{}, fmt.Errorf("failed to get plan tier: %w", err)
	}
	return QuotasForTier(tier), nil
}

// GetUsage returns current usage. A report counter whose period has ended
// reads as zero until the monthly reset rewrites it.
func (s *PostgresService) GetUsage(ctx context.Context, orgID string) (*OrgUsage, error) {
	u := &OrgUsage{OrgID: orgID}
	err := s.db.QueryRowContext(ctx, `
		SELECT designs, equipment, storage_bytes, reports, period_start, period_end, updated_at
		FROM org_usage WHERE org_id = $1
	`, orgID).Scan(&u.Designs, &u.Equipment, &u.StorageBytes, &u.Reports, &u.PeriodStart, &u.PeriodEnd, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}
	if !s.now().Before(u.PeriodEnd) {
		u.Reports = 0
	}
	return u, nil
}

// ResetMonthlyUsage starts a new report period for every org whose period
// ended before now and returns how many orgs were reset.
func (s *PostgresService) ResetMonthlyUsage(ctx context.Context, now time.Time) (int64, error) {
	start, end := monthBounds(now)
	res, err := s.db.ExecContext(ctx, `
		UPDATE org_usage
		SET reports = 0, period_start = $1, period_end = $2, updated_at = $3
		WHERE period_end <= $3
	`, start, end, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to reset monthly usage: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n, nil
}

var usageColumns = map[Resource]string{
	ResourceDesigns:   "designs",
	ResourceEquipment: "equipment",
	ResourceStorage:   "storage_bytes",
	ResourceReports:   "reports",
}

// adjust adds delta to one usage counter, never going below zero
func (s *PostgresService) adjust(ctx context.Context, orgID string, resource Resource, delta int64) error {
	col, ok := usageColumns[resource]
	if !ok {
		return fmt.Errorf("unknown usage resource %q", resource)
	}
	query := fmt.Sprintf(`UPDATE org_usage SET %[1]s = GREATEST(%[1]s + $2, 0), updated_at = $3 WHERE org_id = $1`, col)
	res, err := s.db.ExecContext(ctx, query, orgID, delta, s.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update %s usage: %w", resource, err)
	}
	return expectOneRow(res, ErrNotFound)
}

func (s *PostgresService) IncrementDesigns(ctx context.Context, orgID string, delta int64) error {
	return s.adjust(ctx, orgID, ResourceDesigns, delta)
}

func (s *PostgresService) DecrementDesigns(ctx context.Context, orgID string, delta int64) error {
	return s.adjust(ctx, orgID, ResourceDesigns, -delta)
}

func (s *PostgresService) IncrementEquipment(ctx context.Context, orgID string, delta int64) error {
	return s.adjust(ctx, orgID, ResourceEquipment, delta)
}

func (s *PostgresService) DecrementEquipment(ctx context.Context, orgID string, delta int64) error {
	return s.adjust(ctx, orgID, ResourceEquipment, -delta)
}

func (s *PostgresService) IncrementStorage(ctx context.Context, orgID string, bytes int64) error {
	return s.adjust(ctx, orgID, ResourceStorage, bytes)
}

func (s *PostgresService) DecrementStorage(ctx context.Context, orgID string, bytes int64) error {
	return s.adjust(ctx, orgID, ResourceStorage, -bytes)
}

func (s *PostgresService) IncrementReports(ctx context.Context, orgID string) error {
	return s.adjust(ctx, orgID, ResourceReports, 1)
}

// CheckDesignQuota checks whether one more design fits
func (s *PostgresService) CheckDesignQuota(ctx context.Context, orgID string) error {
	return s.check(ctx, orgID, ResourceDesigns, 1)
}

// CheckEquipmentQuota checks whether n more equipment items fit
func (s *PostgresService) CheckEquipmentQuota(ctx context.Context, orgID string, n int64) error {
	return s.check(ctx, orgID, ResourceEquipment, n)
}

// CheckStorageQuota checks whether additionalBytes more fit
func (s *PostgresService) CheckStorageQuota(ctx context.Context, orgID string, additionalBytes int64) error {
	return s.check(ctx, orgID, ResourceStorage, additionalBytes)
}

// CheckReportQuota checks whether one more report fits in the current month
func (s *PostgresService) CheckReportQuota(ctx context.Context, orgID string) error {
	return s.check(ctx, orgID, ResourceReports, 1)
}

func (s *PostgresService) check(ctx context.Context, orgID string, resource Resource, additional int64) error {
	var (
		tier      PlanTier
		usage     OrgUsage
		periodEnd time.Time
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT o.plan_tier, u.designs, u.equipment, u.storage_bytes, u.reports, u.period_end
		FROM organizations o
		JOIN org_usage u ON u.org_id = o.id
		WHERE o.id = $1
	`, orgID).Scan(&tier, &usage.Designs, &usage.Equipment, &usage.StorageBytes, &usage.Reports, &periodEnd)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to load usage: %w", err)
	}
	if !s.now().Before(periodEnd) {
		usage.Reports = 0
	}
	return CheckQuota(tier, &usage, resource, additional)
}

// CheckQuota reports whether adding additional units of resource to usage
// stays within tier's limit.
func CheckQuota(tier PlanTier, usage *OrgUsage, resource Resource, additional int64) error {
	quotas := QuotasForTier(tier)

	var current, limit int64
	switch resource {
	case ResourceDesigns:
		current, limit = usage.Designs, quotas.MaxDesigns
	case ResourceEquipment:
		current, limit = usage.Equipment, quotas.MaxEquipment
	case ResourceStorage:
		current, limit = usage.StorageBytes, quotas.MaxStorageBytes
	case ResourceReports:
		current, limit = usage.Reports, quotas.MaxReportsPerMonth
	default:
		return fmt.Errorf("unknown quota resource %q", resource)
	}

	if limit == Unlimited || current+additional <= limit {
		return nil
	}
	return &QuotaExceededError{Resource: resource, Current: current, Limit: limit, Tier: tier}
}
