package analysis

import (
	"context"
	"fmt"
	"strings"
)

// TemplateBackend builds a deterministic analysis from the prompt header.
// It never fails, which guarantees every job can reach a non-failed status.
type TemplateBackend struct{}

// NewTemplateBackend creates the deterministic fallback backend
func NewTemplateBackend() *TemplateBackend {
	return &TemplateBackend{}
}

func (t *TemplateBackend) Name() string {
	return "template"
}

func (t *TemplateBackend) Generate(ctx context.Context, prompt string) (*Analysis, error) {
	a := Minimal(ParsePrompt(prompt))
	a.Source = t.Name()
	return a, nil
}

var actionFor = map[string]string{
	"hardhat": "Stop work and issue a hard hat before the worker re-enters the area.",
	"vest":    "Provide a high-visibility vest and keep the worker clear of vehicle routes until worn.",
	"mask":    "Provide suitable respiratory protection and verify the fit.",
	"gloves":  "Provide task-appropriate gloves.",
	"goggles": "Provide safety goggles before work continues.",
	"boots":   "Require safety footwear on site.",
	"harness": "Stop work at height immediately until fall arrest equipment is worn and anchored.",
}

// Minimal synthesizes an analysis from the incident facts alone. It is used by
// the template backend and by the worker when every backend failed.
func Minimal(in PromptInput) *Analysis {
	severity := in.Severity
	if severity == "" {
		severity = "MEDIUM"
	}

	missing := "required protective equipment"
	if len(in.Missing) > 0 {
		missing = strings.Join(in.Missing, ", ")
	}

	workers := "worker"
	if in.ViolationCount != 1 {
		workers = "workers"
	}

	a := &Analysis{
		Summary: fmt.Sprintf("%d %s of %d detected without %s. Severity %s.",
			in.ViolationCount, workers, in.PersonCount, missing, severity),
		Hazards:          make([]Hazard, 0, len(in.Missing)),
		Actions:          make([]string, 0, len(in.Missing)+1),
		ComplianceStatus: "non-compliant",
		RiskLevel:        strings.ToLower(severity),
		Source:           "verdict",
	}

	for _, item := range in.Missing {
		a.Hazards = append(a.Hazards, Hazard{
			Type:        "missing_" + item,
			Description: fmt.Sprintf("Worker observed without %s.", item),
			Severity:    severity,
		})
		if action, ok := actionFor[item]; ok {
			a.Actions = append(a.Actions, action)
		}
	}
	a.Actions = append(a.Actions, "Review the incident footage with the site supervisor.")
	return a
}

var _ Backend = (*TemplateBackend)(nil)
