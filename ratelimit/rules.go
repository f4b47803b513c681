package ratelimit

import (
	"strings"
	"time"
)

// Rule bounds a key to Limit requests per fixed Window.
type Rule struct {
	Limit  int64
	Window time.Duration
}

// Role names as resolved by the auth middleware. Unauthenticated traffic is
// treated as guest.
const (
	RoleAdmin    = "admin"
	RoleMerchant = "merchant"
	RoleDriver   = "driver"
	RoleConsumer = "consumer"
	RoleGuest    = "guest"
)

// endpointRule pairs a path prefix with its override rule.
type endpointRule struct {
	Prefix string
	Rule   Rule
}

// defaultEndpointRules protect the endpoints worth more than a per-role
// budget. Longest matching prefix wins, and any endpoint match beats the
// role default.
var defaultEndpointRules = []endpointRule{
	{Prefix: "/api/auth/login", Rule: Rule{Limit: 5, Window: 15 * time.Minute}},
	{Prefix: "/api/payments/initiate", Rule: Rule{Limit: 10, Window: time.Minute}},
}

// defaultRoleRules are the per-role fallbacks.
var defaultRoleRules = map[string]Rule{
	RoleAdmin:    {Limit: 1000, Window: time.Minute},
	RoleMerchant: {Limit: 200, Window: time.Minute},
	RoleDriver:   {Limit: 300, Window: time.Minute},
	RoleConsumer: {Limit: 100, Window: time.Minute},
	RoleGuest:    {Limit: 20, Window: time.Minute},
}

// Rules resolves the applicable rule for an endpoint and role.
type Rules struct {
	endpoints []endpointRule
	roles     map[string]Rule
}

// DefaultRules returns the static limit table.
func DefaultRules() *Rules {
	return &Rules{endpoints: defaultEndpointRules, roles: defaultRoleRules}
}

// NewRules builds a custom table; nil maps fall back to the defaults.
func NewRules(endpoints []endpointRule, roles map[string]Rule) *Rules {
	if endpoints == nil {
		endpoints = defaultEndpointRules
	}
	if roles == nil {
		roles = defaultRoleRules
	}
	return &Rules{endpoints: endpoints, roles: roles}
}

// Resolve returns the rule for the request plus the pattern that matched,
// which becomes part of the counter key so an endpoint override gets its own
// budget.
func (r *Rules) Resolve(path, role string) (Rule, string) {
	var (
		best    *endpointRule
		bestLen int
	)
	for i := range r.endpoints {
		er := &r.endpoints[i]
		if strings.HasPrefix(path, er.Prefix) && len(er.Prefix) > bestLen {
			best = er
			bestLen = len(er.Prefix)
		}
	}
	if best != nil {
		return best.Rule, best.Prefix
	}

	if rule, ok := r.roles[role]; ok {
		return rule, "role"
	}
	return r.roles[RoleGuest], "role"
}
