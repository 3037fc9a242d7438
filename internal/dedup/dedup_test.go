package dedup

import (
	"context"
	"errors"
	"testing"
	"time"

	"dirforge/internal/record"
)

type fakeLocal struct {
	records []*record.Directory
	err     error
}

func (f *fakeLocal) FindByIdentity(name, phone, address string) ([]*record.Directory, error) {
	if f.err != nil {
		return nil, f.err
	}
	// Return everything; the matcher applies the signal rule itself.
	return f.records, nil
}

type fakePublished struct {
	entries []PublishedEntry
	err     error
	calls   int
}

func (f *fakePublished) Lookup(ctx context.Context, c record.Candidate) ([]PublishedEntry, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.entries, nil
}

func localRecord(id, name, phone, address string) *record.Directory {
	now := time.Now()
	return &record.Directory{
		InternalID: id,
		Name:       record.NormalizeName(name),
		Phone:      record.NormalizePhone(phone),
		Address:    record.NormalizeAddress(address),
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}

func TestTwoSignalsIsDuplicate(t *testing.T) {
	local := &fakeLocal{records: []*record.Directory{
		localRecord("r-1", "Joe's Plumbing LLC", "(512) 555-1234", "42 Oak Street"),
	}}
	m := NewMatcher(local, nil, 2, 0.85)

	// Same phone and address, different name.
	match, err := m.Check(context.Background(), record.Candidate{
		Name:    "Austin Pipe Masters",
		Phone:   "512-555-1234",
		Address: "42 Oak St",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !match.Duplicate {
		t.Fatal("expected duplicate on phone+address")
	}
	if match.MatchedID != "r-1" || match.MatchedIn != "local" {
		t.Errorf("unexpected match target: %+v", match)
	}
	if len(match.Signals) < 2 {
		t.Errorf("expected at least 2 signals, got %v", match.Signals)
	}
}

func TestSingleSignalIsNotDuplicate(t *testing.T) {
	local := &fakeLocal{records: []*record.Directory{
		localRecord("r-1", "Joe's Plumbing", "(512) 555-1234", "42 Oak Street"),
	}}
	m := NewMatcher(local, nil, 2, 0.85)

	// Shared phone line only: two businesses at different addresses.
	match, err := m.Check(context.Background(), record.Candidate{
		Name:    "Oak Street Bakery",
		Phone:   "512-555-1234",
		Address: "900 Elm Avenue",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if match.Duplicate {
		t.Errorf("a single shared signal must not suppress: %+v", match)
	}
}

func TestNameSimilarityTreatsVariantsAsSame(t *testing.T) {
	local := &fakeLocal{records: []*record.Directory{
		localRecord("r-1", "Joe's Plumbing, LLC", "(512) 555-1234", ""),
	}}
	m := NewMatcher(local, nil, 2, 0.85)

	// Legal suffix and punctuation differences normalize away, so name and
	// phone both agree.
	match, err := m.Check(context.Background(), record.Candidate{
		Name:  "Joes Plumbing Inc",
		Phone: "+1 (512) 555-1234",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !match.Duplicate {
		t.Error("expected name variant plus phone to be a duplicate")
	}
}

func TestPublishedIndexCheckedAfterLocal(t *testing.T) {
	published := &fakePublished{entries: []PublishedEntry{
		{Ref: "pub-9", Name: "Joe's Plumbing", Phone: "512-555-1234", Address: "42 Oak St"},
	}}
	m := NewMatcher(&fakeLocal{}, published, 2, 0.85)

	match, err := m.Check(context.Background(), record.Candidate{
		Name:    "Joes Plumbing",
		Phone:   "5125551234",
		Address: "42 Oak Street",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !match.Duplicate || match.MatchedIn != "external" || match.MatchedID != "pub-9" {
		t.Errorf("expected external duplicate pub-9, got %+v", match)
	}
}

func TestLocalMatchSkipsPublishedLookup(t *testing.T) {
	local := &fakeLocal{records: []*record.Directory{
		localRecord("r-1", "Joe's Plumbing", "(512) 555-1234", "42 Oak Street"),
	}}
	published := &fakePublished{}
	m := NewMatcher(local, published, 2, 0.85)

	match, err := m.Check(context.Background(), record.Candidate{
		Name:    "Joes Plumbing",
		Phone:   "5125551234",
		Address: "42 Oak Street",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !match.Duplicate || match.MatchedIn != "local" {
		t.Fatalf("expected local duplicate, got %+v", match)
	}
	if published.calls != 0 {
		t.Errorf("published index should not be queried after a local hit, got %d calls", published.calls)
	}
}

func TestLookupFailureIsIdentityStoreUnavailable(t *testing.T) {
	m := NewMatcher(&fakeLocal{err: errors.New("disk gone")}, nil, 2, 0.85)
	_, err := m.Check(context.Background(), record.Candidate{Name: "Anything"})
	if !errors.Is(err, ErrIdentityStoreUnavailable) {
		t.Errorf("expected ErrIdentityStoreUnavailable, got %v", err)
	}

	m = NewMatcher(&fakeLocal{}, &fakePublished{err: errors.New("503")}, 2, 0.85)
	_, err = m.Check(context.Background(), record.Candidate{Name: "Anything"})
	if !errors.Is(err, ErrIdentityStoreUnavailable) {
		t.Errorf("expected ErrIdentityStoreUnavailable from published index, got %v", err)
	}
}

func TestThresholdThreeRequiresAllSignals(t *testing.T) {
	local := &fakeLocal{records: []*record.Directory{
		localRecord("r-1", "Joe's Plumbing", "(512) 555-1234", "42 Oak Street"),
	}}
	m := NewMatcher(local, nil, 3, 0.85)

	match, err := m.Check(context.Background(), record.Candidate{
		Name:    "Joes Plumbing",
		Phone:   "5125551234",
		Address: "900 Elm Avenue",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if match.Duplicate {
		t.Error("threshold 3 must require all three signals")
	}

	match, err = m.Check(context.Background(), record.Candidate{
		Name:    "Joes Plumbing",
		Phone:   "5125551234",
		Address: "42 Oak St",
	})
	if err != nil {
		t.Fatalf("Check failed: %v", err)
	}
	if !match.Duplicate {
		t.Error("all three signals agreeing should be a duplicate at threshold 3")
	}
}

func TestTokenOverlap(t *testing.T) {
	cases := []struct {
		a, b string
		want float64
	}{
		{"joes plumbing", "joes plumbing", 1},
		{"joes plumbing", "smith roofing", 0},
		{"", "joes plumbing", 0},
		{"austin pipe masters", "pipe masters", 0.8},
	}
	for _, tc := range cases {
		got := TokenOverlap(tc.a, tc.b)
		if got < tc.want-0.001 || got > tc.want+0.001 {
			t.Errorf("TokenOverlap(%q, %q) = %f, want %f", tc.a, tc.b, got, tc.want)
		}
	}
}
