// Package record defines the candidate and directory record types and the
// identity-field normalizers used for duplicate detection.
package record

import (
	"strings"
	"time"
	"unicode"
)

// EnrichmentStatus tracks whether a record's description content exists.
type EnrichmentStatus string

const (
	EnrichPending EnrichmentStatus = "/pending"
	EnrichDone    EnrichmentStatus = "/done"
	EnrichFailed  EnrichmentStatus = "/failed"
)

// PublishStatus tracks synchronization with the publishing backend.
type PublishStatus string

const (
	PublishUnsynced   PublishStatus = "/unsynced"
	PublishSynced     PublishStatus = "/synced"
	PublishSyncFailed PublishStatus = "/sync_failed"
)

// Candidate is a raw result from the search collaborator. It is ephemeral:
// it lives only through the dedup decision window and is never persisted
// as-is.
type Candidate struct {
	Name       string `json:"name"`
	Phone      string `json:"phone"`
	Address    string `json:"address"`
	ExternalID string `json:"external_id"` // source-specific id
}

// NormalizedName returns the candidate's name in identity-comparison form.
func (c Candidate) NormalizedName() string { return NormalizeName(c.Name) }

// NormalizedPhone returns the candidate's phone in identity-comparison form.
func (c Candidate) NormalizedPhone() string { return NormalizePhone(c.Phone) }

// NormalizedAddress returns the candidate's address in identity-comparison form.
func (c Candidate) NormalizedAddress() string { return NormalizeAddress(c.Address) }

// Directory is the durable entity once a candidate is accepted.
// Identity fields are written once at insert and never updated; only the
// enrichment and publish fields mutate afterward.
type Directory struct {
	InternalID string `json:"internal_id"`

	// Identity fields (normalized at insert)
	Name    string `json:"name"`
	Phone   string `json:"phone"`
	Address string `json:"address"`

	// Display fields (original forms)
	DisplayName    string `json:"display_name"`
	DisplayAddress string `json:"display_address"`

	SourceID    string `json:"source_id"`
	LocationTag string `json:"location_tag"`
	CategoryTag string `json:"category_tag"`

	// CategoryReview marks records whose enrichment-supplied category did
	// not resolve against the master list and fell back to the default.
	CategoryReview bool `json:"category_review,omitempty"`

	Enrichment         EnrichmentStatus `json:"enrichment_status"`
	EnrichedText       string           `json:"enriched_text,omitempty"`
	Publish            PublishStatus    `json:"publish_status"`
	ExternalPublishRef string           `json:"external_publish_ref,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// legalSuffixes are stripped from names before comparison.
var legalSuffixes = map[string]bool{
	"llc": true, "inc": true, "co": true, "ltd": true,
	"corp": true, "company": true, "incorporated": true,
}

// NormalizeName lowercases, strips punctuation and legal suffixes, and
// collapses whitespace. "Joe's Plumbing, LLC" -> "joes plumbing".
func NormalizeName(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	out := fields[:0]
	for _, f := range fields {
		if !legalSuffixes[f] {
			out = append(out, f)
		}
	}
	return strings.Join(out, " ")
}

// NormalizePhone keeps digits only and strips a leading NANP country code.
// "(512) 555-0134" and "+1 512 555 0134" normalize identically.
func NormalizePhone(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && digits[0] == '1' {
		digits = digits[1:]
	}
	return digits
}

// addressAbbrev maps common street-suffix spellings to one canonical form.
var addressAbbrev = map[string]string{
	"street": "st", "avenue": "ave", "av": "ave", "boulevard": "blvd",
	"drive": "dr", "road": "rd", "lane": "ln", "court": "ct",
	"place": "pl", "suite": "ste", "highway": "hwy", "parkway": "pkwy",
	"north": "n", "south": "s", "east": "e", "west": "w",
	"apartment": "apt", "circle": "cir", "terrace": "ter",
}

// NormalizeAddress lowercases, strips punctuation, contracts common suffix
// words to their abbreviations, and collapses whitespace.
func NormalizeAddress(addr string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(addr) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		case unicode.IsSpace(r) || r == ',' || r == '.' || r == '#':
			b.WriteRune(' ')
		}
	}
	fields := strings.Fields(b.String())
	for i, f := range fields {
		if abbrev, ok := addressAbbrev[f]; ok {
			fields[i] = abbrev
		}
	}
	return strings.Join(fields, " ")
}

// FromCandidate builds a durable record from an accepted candidate.
// Identity fields are stored normalized; originals are kept for display.
func FromCandidate(c Candidate, internalID, locationTag, categoryTag string, now time.Time) Directory {
	return Directory{
		InternalID:     internalID,
		Name:           c.NormalizedName(),
		Phone:          c.NormalizedPhone(),
		Address:        c.NormalizedAddress(),
		DisplayName:    c.Name,
		DisplayAddress: c.Address,
		SourceID:       c.ExternalID,
		LocationTag:    locationTag,
		CategoryTag:    categoryTag,
		Enrichment:     EnrichPending,
		Publish:        PublishUnsynced,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
