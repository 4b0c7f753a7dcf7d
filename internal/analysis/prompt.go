package analysis

import (
	"fmt"
	"strconv"
	"strings"
)

// PromptInput is everything the backends know about an incident
type PromptInput struct {
	Severity        string
	Missing         []string
	PersonCount     int
	ViolationCount  int
	Caption         string
	Contradictions  []string
	ValidationScore float64
}

// header keys shared by BuildPrompt and ParsePrompt
const (
	keySeverity   = "SEVERITY"
	keyMissing    = "MISSING_PPE"
	keyPersons    = "PERSONS"
	keyViolations = "VIOLATIONS"
	keyCaption    = "CAPTION"
)

// reference notes attached to the prompt for each missing item
var guidance = map[string]string{
	"hardhat": "Head protection is required wherever there is a risk of falling or flying objects or contact with overhead hazards.",
	"vest":    "High-visibility garments are required near moving vehicles and equipment so workers can be seen in all lighting.",
	"mask":    "Respiratory protection is required where airborne dust, fumes or vapours exceed exposure limits.",
	"gloves":  "Hand protection is required when handling sharp, hot, abrasive or chemical materials.",
	"goggles": "Eye protection is required where flying particles, splashes or intense light are present.",
	"boots":   "Protective footwear is required where there is a risk of crushing, punctures or slips.",
	"harness": "Fall arrest equipment is required for work at height above the permitted threshold or near unprotected edges.",
}

// ReferenceNotes returns the reference material for the missing items
func ReferenceNotes(missing []string) []string {
	notes := make([]string, 0, len(missing))
	for _, item := range missing {
		if g, ok := guidance[item]; ok {
			notes = append(notes, fmt.Sprintf("%s: %s", item, g))
		}
	}
	return notes
}

// BuildPrompt renders the prompt sent to every backend. The first lines form
// a machine-readable header so the template backend can work offline.
func BuildPrompt(in PromptInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s: %s\n", keySeverity, in.Severity)
	fmt.Fprintf(&b, "%s: %s\n", keyMissing, strings.Join(in.Missing, ", "))
	fmt.Fprintf(&b, "%s: %d\n", keyPersons, in.PersonCount)
	fmt.Fprintf(&b, "%s: %d\n", keyViolations, in.ViolationCount)
	fmt.Fprintf(&b, "%s: %s\n", keyCaption, strings.ReplaceAll(in.Caption, "\n", " "))
	b.WriteString("\n")

	b.WriteString("You are a workplace safety inspector. A camera on a work site detected personal protective equipment violations.\n")
	if in.Caption == "" {
		b.WriteString("No scene description is available.\n")
	} else {
		fmt.Fprintf(&b, "Scene description: %s\n", in.Caption)
	}
	if len(in.Contradictions) > 0 {
		fmt.Fprintf(&b, "The scene description disagrees with the detector (confidence %.2f): %s. Trust the detector.\n",
			in.ValidationScore, strings.Join(in.Contradictions, "; "))
	}

	if notes := ReferenceNotes(in.Missing); len(notes) > 0 {
		b.WriteString("Reference material:\n")
		for _, n := range notes {
			fmt.Fprintf(&b, "- %s\n", n)
		}
	}

	b.WriteString("Respond with a single JSON object with the keys: ")
	b.WriteString(`"summary" (string), "hazards" (array of {"type","description","severity"}), `)
	b.WriteString(`"actions" (array of strings), "compliance_status" (string), "risk_level" (string).`)
	b.WriteString("\n")
	return b.String()
}

// ParsePrompt reads the header written by BuildPrompt back into a PromptInput
func ParsePrompt(prompt string) PromptInput {
	var in PromptInput
	for _, line := range strings.Split(prompt, "\n") {
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			key, value, ok = strings.Cut(line, ":")
			if !ok {
				continue
			}
		}
		value = strings.TrimSpace(value)
		switch key {
		case keySeverity:
			in.Severity = value
		case keyMissing:
			for _, m := range strings.Split(value, ",") {
				if m = strings.TrimSpace(m); m != "" {
					in.Missing = append(in.Missing, m)
				}
			}
		case keyPersons:
			in.PersonCount, _ = strconv.Atoi(value)
		case keyViolations:
			in.ViolationCount, _ = strconv.Atoi(value)
		case keyCaption:
			in.Caption = value
		}
	}
	return in
}
