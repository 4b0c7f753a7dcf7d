// Package ppe holds the fixed personal-protective-equipment vocabulary shared by
// the violation detector and the caption validator.
package ppe

import (
	"sort"
	"strings"
)

// Item is a canonical equipment name
type Item string

const (
	Hardhat Item = "hardhat"
	Vest    Item = "vest"
	Mask    Item = "mask"
	Gloves  Item = "gloves"
	Goggles Item = "goggles"
	Boots   Item = "boots"
	Harness Item = "harness"
)

// Person is the detector class that anchors equipment checks
const Person = "person"

// All lists the vocabulary in a stable order
var All = []Item{Hardhat, Vest, Mask, Gloves, Goggles, Boots, Harness}

// synonyms maps each item to the phrases used for it by detectors and in prose.
// Longer phrases come first so text scanning prefers the most specific match.
var synonyms = map[Item][]string{
	Hardhat: {"hard hat", "hard-hat", "hardhat", "safety helmet", "helmet", "head protection"},
	Vest:    {"high-visibility vest", "high visibility vest", "hi-vis vest", "reflective vest", "safety vest", "hi-vis", "vest"},
	Mask:    {"face mask", "respirator", "mask"},
	Gloves:  {"safety gloves", "work gloves", "gloves", "glove"},
	Goggles: {"safety glasses", "safety goggles", "eye protection", "goggles"},
	Boots:   {"safety boots", "steel-toe boots", "safety shoes", "boots"},
	Harness: {"safety harness", "fall protection", "harness"},
}

// Synonyms returns the phrases recognised for an item
func Synonyms(item Item) []string {
	return synonyms[item]
}

// Valid reports whether s names a vocabulary item
func Valid(s string) bool {
	_, ok := synonyms[Item(s)]
	return ok
}

// Canonical maps a detector class label to a vocabulary item.
// It accepts the canonical name, any synonym, and common label spellings
// such as "Hardhat", "safety_vest" or "Safety-Vest".
func Canonical(label string) (Item, bool) {
	norm := normalizeLabel(label)
	if norm == "" {
		return "", false
	}
	for _, item := range All {
		if norm == string(item) {
			return item, true
		}
		for _, syn := range synonyms[item] {
			if norm == normalizeLabel(syn) {
				return item, true
			}
		}
	}
	return "", false
}

// Negative maps detector "absence" classes such as "NO-Hardhat" or "no_vest"
// to the item they report as missing.
func Negative(label string) (Item, bool) {
	norm := normalizeLabel(label)
	rest, ok := strings.CutPrefix(norm, "no ")
	if !ok {
		rest, ok = strings.CutPrefix(norm, "without ")
	}
	if !ok {
		return "", false
	}
	return Canonical(rest)
}

// Sorted returns the items as sorted strings
func Sorted(items map[Item]bool) []string {
	out := make([]string, 0, len(items))
	for item, ok := range items {
		if ok {
			out = append(out, string(item))
		}
	}
	sort.Strings(out)
	return out
}

func normalizeLabel(label string) string {
	s := strings.ToLower(strings.TrimSpace(label))
	s = strings.NewReplacer("_", " ", "-", " ").Replace(s)
	return strings.Join(strings.Fields(s), " ")
}
