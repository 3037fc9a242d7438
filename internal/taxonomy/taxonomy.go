// Package taxonomy defines the closed master reference lists for campaign
// locations and business categories. The lists are fixed at build time; no
// runtime additions are permitted. Anything outside the lists normalizes to
// the designated fallback and is flagged for manual review.
package taxonomy

import (
	"fmt"
	"sort"
	"strings"
)

// FallbackCategory is the designated category for values that do not resolve
// against the master list.
const FallbackCategory = "general-services"

// masterLocations is the closed set of valid location tags.
var masterLocations = map[string]bool{
	"austin-tx":      true,
	"dallas-tx":      true,
	"houston-tx":     true,
	"san-antonio-tx": true,
	"phoenix-az":     true,
	"tucson-az":      true,
	"denver-co":      true,
	"boulder-co":     true,
	"portland-or":    true,
	"seattle-wa":     true,
	"spokane-wa":     true,
	"boise-id":       true,
	"salt-lake-ut":   true,
	"las-vegas-nv":   true,
	"reno-nv":        true,
	"albuquerque-nm": true,
}

// masterCategories is the closed set of valid business category tags.
var masterCategories = map[string]bool{
	"plumbing":          true,
	"electrical":        true,
	"hvac":              true,
	"roofing":           true,
	"landscaping":       true,
	"pest-control":      true,
	"house-cleaning":    true,
	"auto-repair":       true,
	"towing":            true,
	"locksmith":         true,
	"moving":            true,
	"junk-removal":      true,
	"tree-service":      true,
	"pool-service":      true,
	"garage-door":       true,
	"appliance-repair":  true,
	"general-services":  true,
}

// CategoryKind discriminates the closed CategoryTag variant.
type CategoryKind int

const (
	// CategoryKnown means the tag is a member of the master list.
	CategoryKnown CategoryKind = iota
	// CategoryUnresolved means the original text did not resolve; the tag
	// carries the fallback value and the original text for manual review.
	CategoryUnresolved
)

// CategoryTag is a closed tagged variant: either a known master-list member
// or an unresolved value carrying its original text. Never an open string.
type CategoryTag struct {
	Kind     CategoryKind
	Value    string // master-list member, or FallbackCategory when unresolved
	Original string // set only when Kind == CategoryUnresolved
}

// String returns the effective category value.
func (c CategoryTag) String() string { return c.Value }

// NeedsReview reports whether the tag was normalized to the fallback.
func (c CategoryTag) NeedsReview() bool { return c.Kind == CategoryUnresolved }

// ValidationError reports master-list validation failures. The build fails
// fast; no partially-valid queue is produced.
type ValidationError struct {
	BadLocations  []string
	BadCategories []string
}

func (e *ValidationError) Error() string {
	var parts []string
	if len(e.BadLocations) > 0 {
		parts = append(parts, fmt.Sprintf("unknown locations: %s", strings.Join(e.BadLocations, ", ")))
	}
	if len(e.BadCategories) > 0 {
		parts = append(parts, fmt.Sprintf("unknown categories: %s", strings.Join(e.BadCategories, ", ")))
	}
	return "master list validation failed: " + strings.Join(parts, "; ")
}

// canonicalize lowercases and hyphenates free-form input so that user
// spellings like "Austin TX" match master-list tags.
func canonicalize(s string) string {
	s = strings.TrimSpace(strings.ToLower(s))
	s = strings.ReplaceAll(s, "_", " ")
	s = strings.ReplaceAll(s, ",", " ")
	fields := strings.Fields(s)
	return strings.Join(fields, "-")
}

// IsKnownLocation reports whether the tag is a master-list location.
func IsKnownLocation(tag string) bool {
	return masterLocations[canonicalize(tag)]
}

// IsKnownCategory reports whether the tag is a master-list category.
func IsKnownCategory(tag string) bool {
	return masterCategories[canonicalize(tag)]
}

// ValidateSelection checks operator-supplied location and category sets
// against the master lists. Every invalid entry is reported; nothing is
// silently dropped. On success the canonical forms are returned sorted.
func ValidateSelection(locations, categories []string) (locs, cats []string, err error) {
	verr := &ValidationError{}
	seenLoc := make(map[string]bool)
	seenCat := make(map[string]bool)

	for _, l := range locations {
		c := canonicalize(l)
		if !IsKnownLocation(c) {
			verr.BadLocations = append(verr.BadLocations, l)
			continue
		}
		if !seenLoc[c] {
			seenLoc[c] = true
			locs = append(locs, c)
		}
	}
	for _, cat := range categories {
		c := canonicalize(cat)
		if !IsKnownCategory(c) {
			verr.BadCategories = append(verr.BadCategories, cat)
			continue
		}
		if !seenCat[c] {
			seenCat[c] = true
			cats = append(cats, c)
		}
	}

	if len(verr.BadLocations) > 0 || len(verr.BadCategories) > 0 {
		return nil, nil, verr
	}
	if len(locs) == 0 || len(cats) == 0 {
		return nil, nil, fmt.Errorf("at least one location and one category required")
	}

	sort.Strings(locs)
	sort.Strings(cats)
	return locs, cats, nil
}

// NormalizeCategory is total: it always returns a CategoryTag, never errors.
// Values encountered during enrichment that are not in the master list map
// to the fallback and are flagged for manual review.
func NormalizeCategory(text string) CategoryTag {
	c := canonicalize(text)
	if IsKnownCategory(c) {
		return CategoryTag{Kind: CategoryKnown, Value: c}
	}
	return CategoryTag{Kind: CategoryUnresolved, Value: FallbackCategory, Original: text}
}

// Locations returns the master location list, sorted.
func Locations() []string {
	out := make([]string, 0, len(masterLocations))
	for l := range masterLocations {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Categories returns the master category list, sorted.
func Categories() []string {
	out := make([]string, 0, len(masterCategories))
	for c := range masterCategories {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}

// DisplayLocation renders a location tag for human-facing output
// ("austin-tx" -> "Austin, TX").
func DisplayLocation(tag string) string {
	parts := strings.Split(tag, "-")
	if len(parts) < 2 {
		return tag
	}
	state := strings.ToUpper(parts[len(parts)-1])
	cityParts := parts[:len(parts)-1]
	for i, p := range cityParts {
		if p != "" {
			cityParts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(cityParts, " ") + ", " + state
}
