// Package violation turns raw per-frame detections into PPE violation verdicts.
//
// Evaluation is a pure function of the detections and the rule set: no state,
// no randomness and no external calls, so identical inputs always produce
// identical verdicts.
package violation

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"ppewatch/internal/pipeline"
	"ppewatch/internal/ppe"
)

// Severity grades a verdict
type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
)

// rank orders severities from least to most severe
func (s Severity) rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	default:
		return 0
	}
}

func (s Severity) raise() Severity {
	switch s {
	case SeverityLow:
		return SeverityMedium
	case SeverityMedium:
		return SeverityHigh
	default:
		return SeverityCritical
	}
}

// Valid reports whether s is one of the four severities
func (s Severity) Valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// ErrInvalidDetection is the sentinel wrapped by DetectionInputError
var ErrInvalidDetection = errors.New("invalid detection input")

// DetectionInputError reports a malformed frame or detection. The ingestion
// loop drops the frame and keeps going.
type DetectionInputError struct {
	Index  int
	Reason string
}

func (e *DetectionInputError) Error() string {
	return fmt.Sprintf("detection %d: %s", e.Index, e.Reason)
}

func (e *DetectionInputError) Unwrap() error {
	return ErrInvalidDetection
}

// PersonFinding lists what one person is missing
type PersonFinding struct {
	Box     pipeline.BBox `json:"bbox"`
	Missing []string      `json:"missing"`
}

// Verdict is the immutable outcome of evaluating one frame
type Verdict struct {
	Missing         []string          `json:"missing_ppe"`
	PersonCount     int               `json:"person_count"`
	ViolationCount  int               `json:"violation_count"`
	Severity        Severity          `json:"severity"`
	Frame           pipeline.FrameRef `json:"frame"`
	Persons         []PersonFinding   `json:"persons,omitempty"`
	DetectedClasses []string          `json:"detected_classes"`
}

// IsViolation reports whether the verdict carries at least one missing item
func (v *Verdict) IsViolation() bool {
	return v != nil && len(v.Missing) > 0
}

// Evaluate checks every detected person against the rule set. It returns nil
// when the frame holds no violation.
func Evaluate(frame pipeline.FrameRef, detections []pipeline.Detection, rules RuleSet) (*Verdict, error) {
	if err := validateDetections(detections); err != nil {
		return nil, err
	}

	var persons []pipeline.BBox
	equipment := make(map[ppe.Item][]pipeline.BBox)
	negatives := make(map[ppe.Item][]pipeline.BBox)
	classes := make(map[string]bool)

	for _, d := range detections {
		if d.Confidence < rules.MinConfidence {
			continue
		}
		if strings.EqualFold(d.Class, ppe.Person) {
			persons = append(persons, d.BBox)
			classes[ppe.Person] = true
			continue
		}
		if item, ok := ppe.Negative(d.Class); ok {
			negatives[item] = append(negatives[item], d.BBox)
			continue
		}
		if item, ok := ppe.Canonical(d.Class); ok {
			equipment[item] = append(equipment[item], d.BBox)
			classes[string(item)] = true
		}
	}

	if len(persons) == 0 {
		return nil, nil
	}

	missingAll := make(map[ppe.Item]bool)
	var findings []PersonFinding

	for _, person := range persons {
		missing := make(map[ppe.Item]bool)
		for _, item := range rules.Required {
			if _, ok := bestMatch(person, equipment[item], rules.IoUThreshold); !ok {
				missing[item] = true
			}
		}
		for item, boxes := range negatives {
			if _, ok := bestMatch(person, boxes, rules.IoUThreshold); ok {
				missing[item] = true
			}
		}
		if len(missing) == 0 {
			continue
		}
		for item := range missing {
			missingAll[item] = true
		}
		findings = append(findings, PersonFinding{Box: person, Missing: ppe.Sorted(missing)})
	}

	if len(findings) == 0 {
		return nil, nil
	}

	detected := make([]string, 0, len(classes))
	for c := range classes {
		detected = append(detected, c)
	}
	sort.Strings(detected)

	severity := severityFor(missingAll)
	if rules.CrowdSize > 0 && len(findings) >= rules.CrowdSize {
		severity = severity.raise()
	}

	return &Verdict{
		Missing:         ppe.Sorted(missingAll),
		PersonCount:     len(persons),
		ViolationCount:  len(findings),
		Severity:        severity,
		Frame:           frame,
		Persons:         findings,
		DetectedClasses: detected,
	}, nil
}

// bestMatch returns the index of the candidate with the highest overlap against
// the person box, provided it reaches the threshold. Ties keep the earliest box.
func bestMatch(person pipeline.BBox, candidates []pipeline.BBox, threshold float32) (int, bool) {
	best := -1
	var bestIoU float32
	for i, c := range candidates {
		iou := overlap(person, c)
		if iou > bestIoU {
			best, bestIoU = i, iou
		}
	}
	if best < 0 || bestIoU < threshold {
		return -1, false
	}
	return best, true
}

// overlap scores how well an equipment box sits on a person. Small items
// (hardhat, gloves) barely move plain IoU, so the intersection is also
// measured against the equipment box itself and the larger score wins.
func overlap(person, item pipeline.BBox) float32 {
	iou := person.IoU(item)
	area := item.Area()
	if area == 0 {
		return iou
	}
	inter := pipeline.BBox{
		X1: max(person.X1, item.X1),
		Y1: max(person.Y1, item.Y1),
		X2: min(person.X2, item.X2),
		Y2: min(person.Y2, item.Y2),
	}.Area()
	return max(iou, inter/area)
}

func severityFor(missing map[ppe.Item]bool) Severity {
	severity := SeverityLow
	for item := range missing {
		var s Severity
		switch item {
		case ppe.Harness:
			s = SeverityCritical
		case ppe.Hardhat:
			s = SeverityHigh
		case ppe.Vest, ppe.Goggles, ppe.Boots:
			s = SeverityMedium
		default:
			s = SeverityLow
		}
		if s.rank() > severity.rank() {
			severity = s
		}
	}
	return severity
}

func validateDetections(detections []pipeline.Detection) error {
	for i, d := range detections {
		if d.Class == "" {
			return &DetectionInputError{Index: i, Reason: "empty class label"}
		}
		c := float64(d.Confidence)
		if math.IsNaN(c) || c < 0 || c > 1 {
			return &DetectionInputError{Index: i, Reason: fmt.Sprintf("confidence %v outside [0,1]", d.Confidence)}
		}
		b := d.BBox
		for _, v := range []float32{b.X1, b.Y1, b.X2, b.Y2} {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return &DetectionInputError{Index: i, Reason: "non-finite box coordinate"}
			}
		}
		if b.X2 < b.X1 || b.Y2 < b.Y1 {
			return &DetectionInputError{Index: i, Reason: "inverted bounding box"}
		}
	}
	return nil
}
