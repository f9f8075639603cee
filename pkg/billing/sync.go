package billing

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/platinummonkey/netforge/pkg/orgs"
)

// SyncPlans pulls the active price catalog from the payment provider and
// makes billing_plans match it. Prices whose product carries no valid tier
// tag are skipped. When several prices map to one tier the cheapest monthly
// price wins.
func (s *Service) SyncPlans(ctx context.Context) (*SyncResult, error) {
	if s.provider == nil {
		return nil, ErrProviderDisabled
	}

	var (
		prices  []ProviderPrice
		current []*Plan
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		prices, err = s.provider.ListPrices(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		current, err = s.store.ListPlans(gctx, false)
		return err
	})
	if err := g.Wait(); err != nil {
		s.countSync("error")
		return nil, fmt.Errorf("plan sync: %w", err)
	}

	plans, skipped := plansFromPrices(prices)
	now := s.now().UTC()
	deactivated, err := s.store.ReplacePlans(ctx, plans, now)
	if err != nil {
		s.countSync("error")
		return nil, fmt.Errorf("plan sync: %w", err)
	}

	changed := 0
	known := make(map[orgs.PlanTier]*Plan, len(current))
	for _, p := range current {
		known[p.Tier] = p
	}
	for _, p := range plans {
		old, ok := known[p.Tier]
		if !ok || !old.Active || old.StripePriceID != p.StripePriceID || old.PriceCents != p.PriceCents {
			changed++
		}
	}

	s.countSync("ok")
	s.logger.WithFields(map[string]interface{}{
		"plans":       len(plans),
		"changed":     changed,
		"deactivated": deactivated,
		"skipped":     skipped,
	}).Info("Billing plans synced")
	return &SyncResult{Upserted: len(plans), Deactivated: deactivated, Skipped: skipped}, nil
}

func (s *Service) countSync(result string) {
	if s.metrics != nil {
		s.metrics.BillingSyncRunsTotal.WithLabelValues(result).Inc()
	}
}

func plansFromPrices(prices []ProviderPrice) ([]*Plan, int) {
	byTier := make(map[orgs.PlanTier]*Plan)
	skipped := 0
	for _, pr := range prices {
		tier, ok := pr.Tier()
		if !ok || !pr.Active || (pr.Product.ID != "" && !pr.Product.Active) {
			skipped++
			continue
		}
		interval := "month"
		if pr.Recurring != nil && pr.Recurring.Interval != "" {
			interval = pr.Recurring.Interval
		}
		candidate := &Plan{
			Tier:          tier,
			Name:          pr.Product.Name,
			PriceCents:    pr.UnitAmount,
			Currency:      pr.Currency,
			Interval:      interval,
			StripePriceID: pr.ID,
			Active:        true,
		}
		if candidate.Name == "" {
			candidate.Name = string(tier)
		}
		if prev, ok := byTier[tier]; ok {
			skipped++
			if !preferPrice(candidate, prev) {
				continue
			}
		}
		byTier[tier] = candidate
	}

	out := make([]*Plan, 0, len(byTier))
	for _, p := range byTier {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].PriceCents != out[j].PriceCents {
			return out[i].PriceCents < out[j].PriceCents
		}
		return out[i].Tier < out[j].Tier
	})
	return out, skipped
}

func preferPrice(candidate, current *Plan) bool {
	if (candidate.Interval == "month") != (current.Interval == "month") {
		return candidate.Interval == "month"
	}
	if candidate.PriceCents != current.PriceCents {
		return candidate.PriceCents < current.PriceCents
	}
	return candidate.StripePriceID < current.StripePriceID
}
