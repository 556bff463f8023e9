package stageparse

import (
	"gopkg.in/yaml.v3"
)

// FlatListParser handles a top-level `stages` list of bare names, or of
// single-key mappings of stage name to its step list.
type FlatListParser struct{}

func (p *FlatListParser) Parse(raw string) ([]StageSpec, bool) {
	var doc struct {
		Stages []interface{} `yaml:"stages"`
	}
	if err := yaml.Unmarshal([]byte(raw), &doc); err != nil || len(doc.Stages) == 0 {
		return nil, false
	}

	var specs []StageSpec
	for _, entry := range doc.Stages {
		switch v := entry.(type) {
		case string:
			specs = append(specs, StageSpec{Name: v})
		case map[string]interface{}:
			if len(v) != 1 {
				return nil, false
			}
			for name, steps := range v {
				specs = append(specs, StageSpec{Name: name, Steps: asStringList(steps)})
			}
		default:
			return nil, false
		}
	}
	return specs, true
}
