// Package dedup decides whether a discovered candidate is the same business
// as a record already held locally or already live in the published
// directory. A candidate is a duplicate when enough independent identity
// signals agree; a single coincidence (two shops sharing a phone line, two
// tenants at one address) is not suppression grounds on its own.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"dirforge/internal/logging"
	"dirforge/internal/record"
)

// ErrIdentityStoreUnavailable means a dedup lookup could not be answered.
// Without dedup, continuing risks polluting the published directory with
// duplicates, so callers treat this as fatal for the campaign.
var ErrIdentityStoreUnavailable = errors.New("identity store unavailable")

// Signal names an identity field that matched.
type Signal string

const (
	SignalName    Signal = "name"
	SignalPhone   Signal = "phone"
	SignalAddress Signal = "address"
)

// Match is the verdict for one candidate.
type Match struct {
	Duplicate bool
	MatchedID string // internal ID (local) or publish ref (external)
	MatchedIn string // "local" or "external"
	Signals   []Signal
}

// LocalIndex is the slice of the record store dedup needs.
type LocalIndex interface {
	FindByIdentity(name, phone, address string) ([]*record.Directory, error)
}

// PublishedEntry is an identity tuple from the live directory.
type PublishedEntry struct {
	Ref     string
	Name    string
	Phone   string
	Address string
}

// PublishedIndex queries the live directory for possible identity matches.
type PublishedIndex interface {
	Lookup(ctx context.Context, c record.Candidate) ([]PublishedEntry, error)
}

// Matcher applies the N-of-3 signal rule, checking the local store first
// (cheap) and the published directory second.
type Matcher struct {
	local          LocalIndex
	published      PublishedIndex
	threshold      int     // signals required to declare a duplicate
	nameSimilarity float64 // token overlap at or above this counts as a name match
}

// NewMatcher builds a matcher. threshold is the number of agreeing signals
// that makes a duplicate (2 in the default configuration); nameSimilarity
// is the token-overlap cutoff for the name signal.
func NewMatcher(local LocalIndex, published PublishedIndex, threshold int, nameSimilarity float64) *Matcher {
	if threshold < 1 {
		threshold = 1
	}
	if threshold > 3 {
		threshold = 3
	}
	return &Matcher{
		local:          local,
		published:      published,
		threshold:      threshold,
		nameSimilarity: nameSimilarity,
	}
}

// Check returns the dedup verdict for a candidate. The first record that
// clears the signal threshold wins; local matches are preferred over
// external ones so suppressed candidates point at a row we own.
func (m *Matcher) Check(ctx context.Context, c record.Candidate) (Match, error) {
	name := c.NormalizedName()
	phone := c.NormalizedPhone()
	address := c.NormalizedAddress()

	if m.local != nil {
		records, err := m.local.FindByIdentity(name, phone, address)
		if err != nil {
			return Match{}, fmt.Errorf("%w: local lookup: %v", ErrIdentityStoreUnavailable, err)
		}
		for _, rec := range records {
			if signals := m.matchSignals(name, phone, address, rec.Name, rec.Phone, rec.Address); len(signals) >= m.threshold {
				logging.Dedup("Duplicate: %q matches local record %s on %v", c.Name, rec.InternalID, signals)
				return Match{Duplicate: true, MatchedID: rec.InternalID, MatchedIn: "local", Signals: signals}, nil
			}
		}
	}

	if m.published != nil {
		entries, err := m.published.Lookup(ctx, c)
		if err != nil {
			return Match{}, fmt.Errorf("%w: published lookup: %v", ErrIdentityStoreUnavailable, err)
		}
		for _, e := range entries {
			en := record.NormalizeName(e.Name)
			ep := record.NormalizePhone(e.Phone)
			ea := record.NormalizeAddress(e.Address)
			if signals := m.matchSignals(name, phone, address, en, ep, ea); len(signals) >= m.threshold {
				logging.Dedup("Duplicate: %q matches published entry %s on %v", c.Name, e.Ref, signals)
				return Match{Duplicate: true, MatchedID: e.Ref, MatchedIn: "external", Signals: signals}, nil
			}
		}
	}

	logging.DedupDebug("No duplicate for %q", c.Name)
	return Match{}, nil
}

// matchSignals collects the agreeing identity signals between a candidate
// and one existing record. Empty fields never count as agreement.
func (m *Matcher) matchSignals(name, phone, address, otherName, otherPhone, otherAddress string) []Signal {
	var signals []Signal
	if name != "" && otherName != "" && TokenOverlap(name, otherName) >= m.nameSimilarity {
		signals = append(signals, SignalName)
	}
	if phone != "" && phone == otherPhone {
		signals = append(signals, SignalPhone)
	}
	if address != "" && address == otherAddress {
		signals = append(signals, SignalAddress)
	}
	return signals
}

// TokenOverlap scores two normalized names by Dice coefficient over their
// word sets: 2*|shared| / (|a|+|b|). Identical strings score 1; disjoint
// strings score 0.
func TokenOverlap(a, b string) float64 {
	if a == b {
		return 1
	}
	aw := strings.Fields(a)
	bw := strings.Fields(b)
	if len(aw) == 0 || len(bw) == 0 {
		return 0
	}
	set := make(map[string]int, len(aw))
	for _, w := range aw {
		set[w]++
	}
	shared := 0
	for _, w := range bw {
		if set[w] > 0 {
			set[w]--
			shared++
		}
	}
	return 2 * float64(shared) / float64(len(aw)+len(bw))
}
