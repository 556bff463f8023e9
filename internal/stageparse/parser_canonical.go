package stageparse

import (
	"gopkg.in/yaml.v3"
)

// CanonicalParser handles the canonical shape: a top-level `stages` list of
// mappings, each with an explicit name and optional steps and approval fields.
// Both camelCase and snake_case field names are accepted.
type CanonicalParser struct{}

func (p *CanonicalParser) Parse(raw string) ([]StageSpec, bool) {
	var doc struct {
		Stages []map[string]interface{} `yaml:"stages"`
	}
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil || len(doc.Stages) == 0 {
		return nil, false
	}

	var specs []StageSpec
	for _, entry := range doc.Stages {
		name, ok := asString(entry["name"])
		if !ok || name == "" {
			return nil, false
		}
		spec := StageSpec{
			Name:  name,
			Steps: asStringList(pick(entry, "steps", "script", "commands")),
		}
		if v, ok := asBool(pick(entry, "requiresApproval", "requires_approval")); ok {
			spec.RequiresApproval = v
		}
		if v, ok := asInt(pick(entry, "requiredApprovers", "required_approvers")); ok {
			spec.RequiredApprovers = v
		}
		spec.ApproverRoles = asStringList(pick(entry, "approverRoles", "approver_roles"))
		specs = append(specs, spec)
	}
	return specs, true
}

func pick(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			return v
		}
	}
	return nil
}

func asString(v interface{}) (string, bool) {
	s, ok := v.(string)
	return s, ok
}

func asBool(v interface{}) (bool, bool) {
	b, ok := v.(bool)
	return b, ok
}

func asInt(v interface{}) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

func asStringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	var out []string
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
