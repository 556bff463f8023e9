// Package stageparse normalizes heterogeneous pipeline configuration into an
// ordered stage list with approval requirements resolved. Parsing never fails
// outward: unrecognized or malformed input falls back to a fixed stage set.
package stageparse

import (
	"strings"
)

// StageSpec is one normalized stage descriptor produced by a parser.
type StageSpec struct {
	Name              string
	Steps             []string
	RequiresApproval  bool
	RequiredApprovers int
	ApproverRoles     []string
}

// Parser recognizes one configuration shape. ok is false when the input does
// not match the shape this parser handles.
type Parser interface {
	Parse(raw string) (specs []StageSpec, ok bool)
}

// Chain tries format-specific parsers in priority order and falls back to a
// fixed default when none recognize the input.
type Chain struct {
	parsers []Parser
}

// NewChain builds the default parser chain: canonical stage list, flat name
// list, then job map.
func NewChain() *Chain {
	return &Chain{
		parsers: []Parser{
			&CanonicalParser{},
			&FlatListParser{},
			&JobMapParser{},
		},
	}
}

// Parse normalizes raw configuration for the target environment. The result
// is never empty and never an error.
func (c *Chain) Parse(raw, environment string) []StageSpec {
	for _, p := range c.parsers {
		if specs, ok := p.Parse(raw); ok && len(specs) > 0 {
			return applyPolicy(specs, environment)
		}
	}
	return applyPolicy(fallbackStages(environment), environment)
}

// fallbackStages is the fixed three-stage set used when no parser matches.
func fallbackStages(environment string) []StageSpec {
	deploy := StageSpec{Name: "Deploy"}
	if productionEnv(environment) {
		deploy.RequiresApproval = true
	}
	return []StageSpec{
		{Name: "Build"},
		{Name: "Test"},
		deploy,
	}
}

func productionEnv(environment string) bool {
	switch strings.ToLower(environment) {
	case "production", "prod":
		return true
	}
	return false
}

// applyPolicy resolves approval defaults. A stage whose name contains
// "deploy" always requires approval in a production environment; this keys
// off the name alone, so a stage like "Undeploy-old" matches too.
func applyPolicy(specs []StageSpec, environment string) []StageSpec {
	prod := productionEnv(environment)
	for i := range specs {
		s := &specs[i]
		deployInProd := prod && strings.Contains(strings.ToLower(s.Name), "deploy")
		if deployInProd {
			s.RequiresApproval = true
			if s.RequiredApprovers < 2 {
				s.RequiredApprovers = 2
			}
			if len(s.ApproverRoles) == 0 {
				s.ApproverRoles = []string{"admin", "lead"}
			}
			continue
		}
		if s.RequiresApproval {
			if s.RequiredApprovers < 1 {
				s.RequiredApprovers = 1
			}
			if len(s.ApproverRoles) == 0 {
				s.ApproverRoles = []string{"admin"}
			}
		}
	}
	return specs
}
