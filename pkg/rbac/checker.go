package rbac

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/netforge/pkg/auth"
	"github.com/platinummonkey/netforge/pkg/orgs"
	"github.com/platinummonkey/netforge/pkg/storage/memcache"
)

// MemberLookup returns a user's org membership
type MemberLookup interface {
	GetMember(ctx context.Context, orgID, userID string) (*orgs.OrgMember, error)
}

// GrantLookup returns the best team-granted role a user holds on a design
type GrantLookup interface {
	DesignRoleForUser(ctx context.Context, orgID, userID, designID string) (auth.Role, error)
}

// Checker evaluates permissions. The effective role for a design is the
// higher of the org member role and any team grant on that design.
type Checker struct {
	members MemberLookup
	grants  GrantLookup
	cache   *memcache.Cache[Decision]
}

// CheckerConfig sizes the decision cache. A zero TTL disables caching.
type CheckerConfig struct {
	CacheSize int
	CacheTTL  time.Duration
}

// DefaultCheckerConfig caches 10k decisions for one minute
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{CacheSize: 10000, CacheTTL: time.Minute}
}

// NewChecker creates a permission checker
func NewChecker(members MemberLookup, grants GrantLookup, cfg CheckerConfig) *Checker {
	c := &Checker{members: members, grants: grants}
	if cfg.CacheTTL > 0 {
		if cfg.CacheSize <= 0 {
			cfg.CacheSize = 10000
		}
		c.cache = memcache.New[Decision](cfg.CacheSize, cfg.CacheTTL)
	}
	return c
}

func cacheKey(orgID, userID string, resource Resource, action Action, resourceID string) string {
	return orgID + "|" + userID + "|" + string(resource) + "|" + string(action) + "|" + resourceID
}

// Check decides whether userID may perform action on resource in orgID.
// resourceID is only consulted for designs, where team grants apply.
func (c *Checker) Check(ctx context.Context, userID, orgID string, resource Resource, action Action, resourceID string) (Decision, error) {
	key := cacheKey(orgID, userID, resource, action, resourceID)
	if c.cache != nil {
		if d, ok := c.cache.Get(key); ok {
			d.Cached = true
			return d, nil
		}
	}

	role, err := c.effectiveRole(ctx, userID, orgID, resource, resourceID)
	if err != nil {
		return Decision{}, err
	}

	perm := Permission{Resource: resource, Action: action}
	d := Decision{Role: role, Allowed: Allows(role, perm)}
	switch {
	case role == "":
		d.Reason = "not a member of the organization"
	case d.Allowed:
		d.Reason = fmt.Sprintf("role %s grants %s", role, perm)
	default:
		d.Reason = fmt.Sprintf("role %s does not grant %s", role, perm)
	}

	if c.cache != nil {
		c.cache.Add(key, d)
	}
	return d, nil
}

func (c *Checker) effectiveRole(ctx context.Context, userID, orgID string, resource Resource, resourceID string) (auth.Role, error) {
	var role auth.Role
	member, err := c.members.GetMember(ctx, orgID, userID)
	switch {
	case err == nil:
		role = member.Role
	case !errors.Is(err, orgs.ErrMemberNotFound):
		return "", fmt.Errorf("failed to load membership: %w", err)
	}

	// Team grants only extend access for people already in the org.
	if role == "" || resource != ResourceDesign || resourceID == "" || c.grants == nil {
		return role, nil
	}
	granted, err := c.grants.DesignRoleForUser(ctx, orgID, userID, resourceID)
	if err != nil {
		return "", fmt.Errorf("failed to load design grants: %w", err)
	}
	return auth.MaxRole(role, granted), nil
}

// InvalidateOrg drops every cached decision for orgID. Call it after
// membership, team or grant changes.
func (c *Checker) InvalidateOrg(orgID string) {
	c.invalidatePrefix(orgID + "|")
}

// InvalidateUser drops cached decisions for one user in orgID
func (c *Checker) InvalidateUser(orgID, userID string) {
	c.invalidatePrefix(orgID + "|" + userID + "|")
}

func (c *Checker) invalidatePrefix(prefix string) {
	if c.cache != nil {
		c.cache.RemovePrefix(prefix)
	}
}

// Close drops every cached decision. The checker keeps working afterwards
// but starts cold.
func (c *Checker) Close() {
	if c.cache != nil {
		c.cache.Purge()
	}
}
