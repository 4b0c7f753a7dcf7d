// Package analysis produces the structured hazard analysis of an incident
// through an ordered chain of interchangeable text-generation backends.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Backend is one text-generation strategy in the fallback chain
type Backend interface {
	// Name returns the backend identifier recorded on the job
	Name() string

	// Generate turns a prompt into a structured analysis
	Generate(ctx context.Context, prompt string) (*Analysis, error)
}

// Hazard is one identified hazard
type Hazard struct {
	Type        string `json:"type"`
	Description string `json:"description"`
	Severity    string `json:"severity,omitempty"`
}

// Analysis is the structured hazard analysis attached to a report
type Analysis struct {
	Summary          string   `json:"summary"`
	Hazards          []Hazard `json:"hazards"`
	Actions          []string `json:"actions"`
	ComplianceStatus string   `json:"compliance_status,omitempty"`
	RiskLevel        string   `json:"risk_level,omitempty"`
	Source           string   `json:"source"`
}

var (
	// ErrChainExhausted is returned when every backend in the chain failed
	ErrChainExhausted = errors.New("all analysis backends failed")

	// ErrMalformedOutput is returned when model output is not a usable analysis
	ErrMalformedOutput = errors.New("malformed model output")

	// ErrUnhealthy is returned by backends whose health probe failed
	ErrUnhealthy = errors.New("backend unhealthy")
)

// GenerationTimeoutError reports a backend that did not answer within its
// timeout. It is recoverable: the chain advances to the next backend.
type GenerationTimeoutError struct {
	Backend string
	Timeout time.Duration
}

func (e *GenerationTimeoutError) Error() string {
	return fmt.Sprintf("backend %s timed out after %s", e.Backend, e.Timeout)
}

func (e *GenerationTimeoutError) Unwrap() error {
	return context.DeadlineExceeded
}

// modelOutput accepts the field spellings models commonly use
type modelOutput struct {
	Summary            string   `json:"summary"`
	Hazards            []Hazard `json:"hazards"`
	Actions            []string `json:"actions"`
	SuggestedActions   []string `json:"suggested_actions"`
	RecommendedActions []string `json:"recommended_actions"`
	ComplianceStatus   string   `json:"compliance_status"`
	RiskLevel          string   `json:"risk_level"`
}

// ParseOutput extracts an Analysis from raw model text. Markdown fences and
// prose around the JSON object are tolerated.
func ParseOutput(raw, source string) (*Analysis, error) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("%w: no JSON object found", ErrMalformedOutput)
	}

	var out modelOutput
	if err := json.Unmarshal([]byte(raw[start:end+1]), &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
	}
	if strings.TrimSpace(out.Summary) == "" {
		return nil, fmt.Errorf("%w: summary is empty", ErrMalformedOutput)
	}

	actions := out.Actions
	if len(actions) == 0 {
		actions = out.SuggestedActions
	}
	if len(actions) == 0 {
		actions = out.RecommendedActions
	}

	a := &Analysis{
		Summary:          strings.TrimSpace(out.Summary),
		Hazards:          out.Hazards,
		Actions:          actions,
		ComplianceStatus: out.ComplianceStatus,
		RiskLevel:        out.RiskLevel,
		Source:           source,
	}
	a.normalize()
	return a, nil
}

func (a *Analysis) normalize() {
	if a.Hazards == nil {
		a.Hazards = []Hazard{}
	}
	if a.Actions == nil {
		a.Actions = []string{}
	}
}
