package violation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"ppewatch/internal/ppe"
)

// RuleSet describes which equipment every detected person must wear and how
// equipment boxes are matched to person boxes.
type RuleSet struct {
	// Required lists the equipment each person must wear
	Required []ppe.Item `yaml:"required"`
	// IoUThreshold is the minimum person/equipment overlap counted as "worn"
	IoUThreshold float32 `yaml:"iou_threshold"`
	// MinConfidence drops detections below this score before matching
	MinConfidence float32 `yaml:"min_confidence"`
	// CrowdSize raises severity one level when at least this many persons violate
	CrowdSize int `yaml:"crowd_size"`
}

// DefaultRules returns the built-in rule set used when no rules file is configured
func DefaultRules() RuleSet {
	return RuleSet{
		Required:      []ppe.Item{ppe.Hardhat, ppe.Vest},
		IoUThreshold:  0.15,
		MinConfidence: 0.25,
		CrowdSize:     3,
	}
}

// Validate checks the rule set for values the detector cannot work with
func (r RuleSet) Validate() error {
	if len(r.Required) == 0 {
		return fmt.Errorf("rules: at least one required item is needed")
	}
	for _, item := range r.Required {
		if !ppe.Valid(string(item)) {
			return fmt.Errorf("rules: unknown equipment item %q", item)
		}
	}
	if r.IoUThreshold <= 0 || r.IoUThreshold > 1 {
		return fmt.Errorf("rules: iou_threshold must be in (0,1], got %v", r.IoUThreshold)
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return fmt.Errorf("rules: min_confidence must be in [0,1], got %v", r.MinConfidence)
	}
	if r.CrowdSize < 0 {
		return fmt.Errorf("rules: crowd_size must not be negative")
	}
	return nil
}

// LoadRules reads a YAML rule file. Fields missing from the file keep their
// default values; fields present in it win, zero included. An empty path
// returns the defaults.
func LoadRules(path string) (RuleSet, error) {
	rules := DefaultRules()
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("read rules file: %w", err)
	}

	if err := yaml.Unmarshal(data, &rules); err != nil {
		return RuleSet{}, fmt.Errorf("parse rules file: %w", err)
	}

	if err := rules.Validate(); err != nil {
		return RuleSet{}, err
	}
	return rules, nil
}
