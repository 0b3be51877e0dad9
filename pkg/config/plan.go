package config

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/openfroyo/pms/pkg/engine"
)

// LoadPlan reads a plan from a YAML or JSON file.
func LoadPlan(path string) (*engine.Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan %s: %w", path, err)
	}
	plan, err := ParsePlan(data)
	if err != nil {
		return nil, fmt.Errorf("plan %s: %w", path, err)
	}
	return plan, nil
}

// ParsePlan decodes a plan document. Nodes without a kind are PLAN nodes.
// Step parameters keep their document structure and reach steps as JSON.
func ParsePlan(data []byte) (*engine.Plan, error) {
	// YAML is a superset of JSON, so one decoder covers both.
	var doc interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse plan: %w", err)
	}
	doc = jsonCompatible(doc)
	if m, ok := doc.(map[string]interface{}); ok {
		if nodes, ok := m["nodes"].([]interface{}); ok {
			for _, n := range nodes {
				if node, ok := n.(map[string]interface{}); ok {
					if _, set := node["kind"]; !set {
						node["kind"] = string(engine.NodeKindPlan)
					}
				}
			}
		}
	}

	if err := schemas.ValidateAgainstSchema(context.Background(), "plan", doc); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan: %w", err)
	}
	var plan engine.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, fmt.Errorf("failed to decode plan: %w", err)
	}
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	return &plan, nil
}

// jsonCompatible rewrites maps with non-string keys so the document can be
// marshaled as JSON.
func jsonCompatible(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			t[k] = jsonCompatible(val)
		}
		return t
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = jsonCompatible(val)
		}
		return out
	case []interface{}:
		for i, val := range t {
			t[i] = jsonCompatible(val)
		}
		return t
	default:
		return v
	}
}
