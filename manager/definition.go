package manager

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tailored-agentic-units/workchain/work"
)

// Definition is a chain described in a YAML file:
//
//	name: daily-cat
//	policy: keep
//	stages:
//	  - kind: download
//	    input:
//	      url: https://example.com/cat.jpg
//	    constraints: [requires_network]
//	  - kind: filter
type Definition struct {
	Name   string         `yaml:"name"`
	Policy work.Policy    `yaml:"policy"`
	Stages []work.Request `yaml:"stages"`
}

// Validate reports the first structural problem with d.
func (d Definition) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return work.ErrEmptyName
	}
	if len(d.Stages) == 0 {
		return work.ErrEmptyChain
	}
	for i, s := range d.Stages {
		if s.Kind == "" {
			return fmt.Errorf("stage %d: kind is required", i)
		}
	}
	return nil
}

// Normalized trims the name and canonicalizes the policy. An empty policy
// becomes keep.
func (d Definition) Normalized() (Definition, error) {
	d.Name = strings.TrimSpace(d.Name)
	if d.Policy == "" {
		d.Policy = work.PolicyKeep
		return d, nil
	}
	p, err := work.ParsePolicy(string(d.Policy))
	if err != nil {
		return Definition{}, err
	}
	d.Policy = p
	return d, nil
}

// ParseDefinition decodes and validates a chain definition payload.
func ParseDefinition(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("definition: payload is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("definition: decode: %w", err)
	}
	if err := def.Validate(); err != nil {
		return Definition{}, fmt.Errorf("definition: %w", err)
	}
	return def.Normalized()
}

// LoadDefinition reads a YAML chain definition from path.
func LoadDefinition(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("definition: read %s: %w", path, err)
	}
	def, err := ParseDefinition(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}
