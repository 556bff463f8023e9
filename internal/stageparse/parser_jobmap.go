package stageparse

import (
	"sort"

	"gopkg.in/yaml.v3"
)

// JobMapParser handles a top-level `jobs` mapping of job name to its steps.
// The mapping carries no order, so jobs are emitted in sorted name order to
// keep runs deterministic.
type JobMapParser struct{}

func (p *JobMapParser) Parse(raw string) ([]StageSpec, bool) {
	var doc struct {
		Jobs map[string]interface{} `yaml:"jobs"`
	}
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil || len(doc.Jobs) == 0 {
		return nil, false
	}

	names := make([]string, 0, len(doc.Jobs))
	for name := range doc.Jobs {
		names = append(names, name)
	}
	sort.Strings(names)

	specs := make([]StageSpec, 0, len(names))
	for _, name := range names {
		spec := StageSpec{Name: name}
		switch v := doc.Jobs[name].(type) {
		case []interface{}:
			spec.Steps = asStringList(v)
		case map[string]interface{}:
			spec.Steps = asStringList(pick(v, "steps", "script", "commands"))
		}
		specs = append(specs, spec)
	}
	return specs, true
}
