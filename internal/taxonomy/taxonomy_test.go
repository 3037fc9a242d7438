package taxonomy

import (
	"errors"
	"sort"
	"testing"
)

func TestValidateSelectionAccepts(t *testing.T) {
	locs, cats, err := ValidateSelection(
		[]string{"Austin TX", "denver-co"},
		[]string{"Plumbing", "hvac"},
	)
	if err != nil {
		t.Fatalf("ValidateSelection failed: %v", err)
	}
	if len(locs) != 2 || len(cats) != 2 {
		t.Fatalf("expected 2 locations and 2 categories, got %v / %v", locs, cats)
	}
	if !sort.StringsAreSorted(locs) || !sort.StringsAreSorted(cats) {
		t.Error("validated lists must be sorted")
	}
	if locs[0] != "austin-tx" {
		t.Errorf("expected canonical austin-tx, got %s", locs[0])
	}
}

func TestValidateSelectionFailsFast(t *testing.T) {
	_, _, err := ValidateSelection(
		[]string{"austin-tx", "atlantis"},
		[]string{"plumbing", "unicorn-grooming"},
	)
	if err == nil {
		t.Fatal("expected validation error")
	}

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(verr.BadLocations) != 1 || verr.BadLocations[0] != "atlantis" {
		t.Errorf("bad locations = %v", verr.BadLocations)
	}
	if len(verr.BadCategories) != 1 || verr.BadCategories[0] != "unicorn-grooming" {
		t.Errorf("bad categories = %v", verr.BadCategories)
	}
}

func TestValidateSelectionRejectsEmpty(t *testing.T) {
	if _, _, err := ValidateSelection(nil, []string{"plumbing"}); err == nil {
		t.Error("empty location set should be rejected")
	}
}

func TestValidateSelectionDeduplicates(t *testing.T) {
	locs, _, err := ValidateSelection(
		[]string{"austin-tx", "Austin, TX"},
		[]string{"roofing"},
	)
	if err != nil {
		t.Fatalf("ValidateSelection failed: %v", err)
	}
	if len(locs) != 1 {
		t.Errorf("duplicate inputs should collapse, got %v", locs)
	}
}

func TestNormalizeCategoryIsTotal(t *testing.T) {
	known := NormalizeCategory("HVAC")
	if known.Kind != CategoryKnown || known.Value != "hvac" {
		t.Errorf("known category mis-normalized: %+v", known)
	}
	if known.NeedsReview() {
		t.Error("known category should not need review")
	}

	unknown := NormalizeCategory("Underwater Basket Weaving")
	if unknown.Kind != CategoryUnresolved {
		t.Errorf("unknown category should be unresolved: %+v", unknown)
	}
	if unknown.Value != FallbackCategory {
		t.Errorf("unresolved value should be fallback, got %s", unknown.Value)
	}
	if unknown.Original != "Underwater Basket Weaving" {
		t.Errorf("original text lost: %s", unknown.Original)
	}
	if !unknown.NeedsReview() {
		t.Error("unresolved category must be flagged for review")
	}
}

func TestMasterListsAreStable(t *testing.T) {
	a := Locations()
	b := Locations()
	if len(a) != len(b) {
		t.Fatal("master list length changed between calls")
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("master list order unstable at %d: %s vs %s", i, a[i], b[i])
		}
	}
}

func TestDisplayLocation(t *testing.T) {
	if got := DisplayLocation("salt-lake-ut"); got != "Salt Lake, UT" {
		t.Errorf("DisplayLocation = %q", got)
	}
	if got := DisplayLocation("austin-tx"); got != "Austin, TX" {
		t.Errorf("DisplayLocation = %q", got)
	}
}
