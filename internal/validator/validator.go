// Package validator cross-checks a generated scene caption against the raw
// detector output and flags where the narrative contradicts the detections.
//
// The result is advisory: it annotates a report and never blocks it.
package validator

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"ppewatch/internal/ppe"
)

const (
	contradictionPenalty = 0.3
	ambiguousPenalty     = 0.1
	emptyCaptionScore    = 0.5

	windowBefore = 40
	windowAfter  = 25
)

// sentenceBreaks bound the window before a mention; the window after a
// mention also stops at commas so list items do not leak into each other.
const (
	sentenceBreaks = ".;!?"
	clauseBreaks   = ".;!?,"
)

var negationMarkers = []string{
	"not wearing", "isn't wearing", "aren't wearing", "not equipped",
	"without", "missing", "lacking", "lacks", "no", "removed", "took off",
}

var presenceMarkers = []string{
	"wearing", "wears", "wore", "with", "equipped", "has", "have", "in a", "in an", "dons", "donning", "sporting",
}

// clauseConjunctions end the reach of a marker when they follow another item:
// in "no helmet and a vest" the negation belongs to the helmet only.
// "or" and "nor" are absent so "without a helmet or vest" still covers both.
var clauseConjunctions = []string{"and", "but", "while"}

var trailingNegations = []string{"is missing", "are missing", "missing", "not worn", "absent", "removed"}

var trailingPresence = []string{"is worn", "are worn", "on his head", "on her head", "on their head"}

// Mention describes how the caption talks about one equipment item
type Mention struct {
	Mentioned bool   `json:"mentioned"`
	Present   *bool  `json:"present"` // nil when the mention is ambiguous or absent
	Context   string `json:"context,omitempty"`
}

// Result is the immutable outcome of a validation
type Result struct {
	IsValid        bool               `json:"is_valid"`
	Confidence     float64            `json:"confidence"`
	Contradictions []string           `json:"contradictions"`
	Warnings       []string           `json:"warnings"`
	Mentions       map[string]Mention `json:"ppe_mentions"`
}

// Detections is what the detector reported for the incident frame
type Detections struct {
	// Classes lists equipment classes that were detected on the scene
	Classes []string
	// Missing lists equipment the detector found missing
	Missing []string
}

// Validate compares caption with the detector view of the scene.
func Validate(caption string, det Detections) Result {
	res := Result{
		IsValid:        true,
		Confidence:     1,
		Contradictions: []string{},
		Warnings:       []string{},
		Mentions:       make(map[string]Mention, len(ppe.All)),
	}

	present := itemSet(det.Classes)
	missing := itemSet(det.Missing)

	text := strings.ToLower(strings.Join(strings.Fields(caption), " "))
	if text == "" {
		for _, item := range ppe.All {
			res.Mentions[string(item)] = Mention{}
		}
		res.Warnings = append(res.Warnings, "caption is empty")
		res.Confidence = emptyCaptionScore
		return res
	}

	var ambiguous int
	for _, item := range ppe.All {
		idx, phrase := findMention(text, item)
		if idx < 0 {
			res.Mentions[string(item)] = Mention{}
			continue
		}

		ctx := window(text, idx, len(phrase))
		state := classify(text, idx, len(phrase))
		m := Mention{Mentioned: true, Context: ctx}

		switch state {
		case statePresent:
			m.Present = boolPtr(true)
		case stateAbsent:
			m.Present = boolPtr(false)
		default:
			ambiguous++
			res.Warnings = append(res.Warnings, fmt.Sprintf("ambiguous mention of %s: %q", item, ctx))
		}
		res.Mentions[string(item)] = m

		detectedPresent := present[item] && !missing[item]
		detectedMissing := missing[item]

		switch {
		case state == stateAbsent && detectedPresent:
			res.Contradictions = append(res.Contradictions,
				fmt.Sprintf("caption says %s is absent but the detector found it", item))
		case state == statePresent && detectedMissing:
			res.Contradictions = append(res.Contradictions,
				fmt.Sprintf("caption says %s is worn but the detector reported it missing", item))
		case state != stateAmbiguous && !detectedPresent && !detectedMissing:
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("caption mentions %s which the detector did not evaluate", item))
		}
	}

	res.Confidence = Score(len(res.Contradictions), ambiguous)
	res.IsValid = len(res.Contradictions) == 0
	sort.Strings(res.Contradictions)
	return res
}

// Score computes the confidence for a number of contradictions and ambiguous
// mentions. It never increases as either count grows and stays within [0,1].
func Score(contradictions, ambiguous int) float64 {
	score := 1 - contradictionPenalty*float64(max(contradictions, 0)) - ambiguousPenalty*float64(max(ambiguous, 0))
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

type mentionState int

const (
	stateAmbiguous mentionState = iota
	statePresent
	stateAbsent
)

// findMention returns the earliest position of any synonym of item in text,
// matched on word boundaries.
func findMention(text string, item ppe.Item) (int, string) {
	bestIdx, bestPhrase := -1, ""
	for _, syn := range ppe.Synonyms(item) {
		from := 0
		for {
			i := strings.Index(text[from:], syn)
			if i < 0 {
				break
			}
			i += from
			if wordBoundary(text, i, len(syn)) {
				if bestIdx < 0 || i < bestIdx || (i == bestIdx && len(syn) > len(bestPhrase)) {
					bestIdx, bestPhrase = i, syn
				}
				break
			}
			from = i + 1
		}
	}
	return bestIdx, bestPhrase
}

func classify(text string, idx, length int) mentionState {
	start, _ := runeWindow(text, idx, length)
	if k := strings.LastIndexAny(text[start:idx], sentenceBreaks); k >= 0 {
		start += k + 1
	}
	before := text[start:idx]

	// After another item and a conjunction only the markers that follow the
	// conjunction speak for this mention. A presence verb still covers an
	// "and" list; a negation does not.
	carried := stateAmbiguous
	if itemEnd := lastItemEnd(before); itemEnd >= 0 {
		seg := before[itemEnd:]
		if conjEnd := lastMarkerEnd(seg, clauseConjunctions); conjEnd >= 0 {
			if lastMarkerEnd(seg, []string{"and"}) == conjEnd && markerState(before[:itemEnd]) == statePresent {
				carried = statePresent
			}
			before = seg[conjEnd:]
		}
	}

	if state := markerState(before); state != stateAmbiguous {
		return state
	}

	_, end := runeWindow(text, idx, length)
	after := text[idx+length : end]
	if k := strings.IndexAny(after, clauseBreaks); k >= 0 {
		after = after[:k]
	}
	if lastMarkerEnd(after, trailingNegations) >= 0 {
		return stateAbsent
	}
	if lastMarkerEnd(after, trailingPresence) >= 0 {
		return statePresent
	}
	return carried
}

// markerState lets the marker closest to the end of text decide. "not
// wearing" and "wearing" end at the same place, so ties go to the negation.
func markerState(text string) mentionState {
	negEnd := lastMarkerEnd(text, negationMarkers)
	presEnd := lastMarkerEnd(text, presenceMarkers)
	if negEnd >= 0 && negEnd >= presEnd {
		return stateAbsent
	}
	if presEnd >= 0 {
		return statePresent
	}
	return stateAmbiguous
}

// lastItemEnd returns the end offset of the right-most vocabulary mention in
// text, or -1.
func lastItemEnd(text string) int {
	best := -1
	for _, item := range ppe.All {
		best = max(best, lastMarkerEnd(text, ppe.Synonyms(item)))
	}
	return best
}

// lastMarkerEnd returns the end offset of the right-most marker found on word
// boundaries, or -1.
func lastMarkerEnd(text string, markers []string) int {
	best := -1
	for _, marker := range markers {
		from := 0
		for {
			i := strings.Index(text[from:], marker)
			if i < 0 {
				break
			}
			i += from
			end := i + len(marker)
			if (i == 0 || !isLetter(text[i-1])) && (end >= len(text) || !isLetter(text[end])) {
				best = max(best, end)
			}
			from = i + 1
		}
	}
	return best
}

func window(text string, idx, length int) string {
	start, end := runeWindow(text, idx, length)
	return strings.TrimSpace(text[start:end])
}

// runeWindow bounds the context around a mention, widened so neither edge
// falls inside a multi-byte character
func runeWindow(text string, idx, length int) (int, int) {
	start := max(idx-windowBefore, 0)
	for start > 0 && !utf8.RuneStart(text[start]) {
		start--
	}
	end := min(idx+length+windowAfter, len(text))
	for end < len(text) && !utf8.RuneStart(text[end]) {
		end++
	}
	return start, end
}

func wordBoundary(text string, idx, length int) bool {
	if idx > 0 && isLetter(text[idx-1]) {
		return false
	}
	end := idx + length
	if end < len(text) && isLetter(text[end]) && text[end] != 's' {
		return false
	}
	return true
}

func isLetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

func itemSet(labels []string) map[ppe.Item]bool {
	set := make(map[ppe.Item]bool, len(labels))
	for _, l := range labels {
		if item, ok := ppe.Canonical(l); ok {
			set[item] = true
		}
	}
	return set
}

func boolPtr(b bool) *bool { return &b }
