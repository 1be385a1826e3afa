// Package role defines the closed set of agent roles and the registry
// that maps each role to its system prompt, tool set, and model.
package role

import (
	"fmt"
	"sort"
)

// Role identifies one agent specialization.
type Role string

const (
	Scoping         Role = "scoping"
	Research        Role = "research"
	Planning        Role = "planning"
	Preflight       Role = "preflight"
	Execution       Role = "execution"
	Review          Role = "review"
	ReviewSub       Role = "review_sub"
	RoadmapPlanning Role = "roadmap_planning"
	Discussion      Role = "discussion"
	Basic           Role = "basic"
)

var all = map[Role]bool{
	Scoping:         true,
	Research:        true,
	Planning:        true,
	Preflight:       true,
	Execution:       true,
	Review:          true,
	ReviewSub:       true,
	RoadmapPlanning: true,
	Discussion:      true,
	Basic:           true,
}

// Parse validates a role string.
func Parse(s string) (Role, error) {
	r := Role(s)
	if !all[r] {
		return "", fmt.Errorf("role: unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool { return all[r] }

func (r Role) String() string { return string(r) }

// All returns every role sorted by name.
func All() []Role {
	out := make([]Role, 0, len(all))
	for r := range all {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
