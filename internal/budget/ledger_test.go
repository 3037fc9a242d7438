package budget

import (
	"sync"
	"testing"
	"time"
)

func testCaps() map[Service]Caps {
	return map[Service]Caps{
		ServiceSearch:  {Daily: 10, Lifetime: 100},
		ServiceEnrich:  {Daily: 5, Lifetime: 50},
		ServicePublish: {Daily: 5, Lifetime: 50},
	}
}

func frozenClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestReserveCommitWithinCap(t *testing.T) {
	l := NewLedger(testCaps(), 0.80, nil)

	d := l.Reserve(ServiceSearch, 2)
	if !d.Allowed {
		t.Fatalf("expected reservation allowed, got %+v", d)
	}
	if d.Remaining != 8 {
		t.Errorf("expected remaining 8, got %f", d.Remaining)
	}

	l.Commit(ServiceSearch, 2)
	if got := l.LifetimeSpent(ServiceSearch); got != 2 {
		t.Errorf("expected lifetime spent 2, got %f", got)
	}
	if got := l.DailyRemaining(ServiceSearch); got != 8 {
		t.Errorf("expected daily remaining 8, got %f", got)
	}
}

func TestDailyCapDeniedThenNextDayAllowed(t *testing.T) {
	day1 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	l := NewLedger(testCaps(), 0.80, nil)
	l.SetClock(frozenClock(day1))

	// Spend up to exactly the daily cap.
	for i := 0; i < 5; i++ {
		if d := l.Reserve(ServiceSearch, 2); !d.Allowed {
			t.Fatalf("reservation %d should be allowed, got %+v", i, d)
		}
		l.Commit(ServiceSearch, 2)
	}

	d := l.Reserve(ServiceSearch, 2)
	if d.Allowed {
		t.Fatal("reservation past the daily cap should be denied")
	}
	if d.Reason != ReasonDailyCap {
		t.Errorf("expected reason %s, got %s", ReasonDailyCap, d.Reason)
	}

	// The boundary opens a fresh bucket.
	l.SetClock(frozenClock(day1.Add(24 * time.Hour)))
	if d := l.Reserve(ServiceSearch, 2); !d.Allowed {
		t.Fatalf("next-day reservation should be allowed, got %+v", d)
	}
}

func TestLifetimeCapNeverResets(t *testing.T) {
	day1 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	caps := map[Service]Caps{ServiceSearch: {Daily: 10, Lifetime: 10}}
	l := NewLedger(caps, 0.80, nil)
	l.SetClock(frozenClock(day1))

	if d := l.Reserve(ServiceSearch, 10); !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	l.Commit(ServiceSearch, 10)

	l.SetClock(frozenClock(day1.Add(24 * time.Hour)))
	d := l.Reserve(ServiceSearch, 1)
	if d.Allowed {
		t.Fatal("lifetime-exhausted reservation should be denied after rollover")
	}
	if d.Reason != ReasonLifetimeCap {
		t.Errorf("expected reason %s, got %s", ReasonLifetimeCap, d.Reason)
	}
	if !l.LifetimeExhausted(ServiceSearch) {
		t.Error("expected LifetimeExhausted to report true")
	}
}

func TestOutstandingReservationsCountAgainstCap(t *testing.T) {
	l := NewLedger(testCaps(), 0.80, nil)

	// Reserve the whole daily enrich budget without committing.
	if d := l.Reserve(ServiceEnrich, 5); !d.Allowed {
		t.Fatalf("expected allowed, got %+v", d)
	}
	if d := l.Reserve(ServiceEnrich, 1); d.Allowed {
		t.Fatal("reservation should be denied while headroom is held")
	}

	l.Release(ServiceEnrich)
	if d := l.Reserve(ServiceEnrich, 1); !d.Allowed {
		t.Fatalf("expected allowed after release, got %+v", d)
	}
}

func TestWarningFiresOncePerBucket(t *testing.T) {
	day1 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	var mu sync.Mutex
	warnings := make(map[string]int)
	l := NewLedger(testCaps(), 0.80, func(svc Service, capName string, spent, limit float64) {
		mu.Lock()
		warnings[string(svc)+"/"+capName]++
		mu.Unlock()
	})
	l.SetClock(frozenClock(day1))

	// 8 of 10 is exactly the 80% threshold.
	l.Reserve(ServiceSearch, 8)
	l.Commit(ServiceSearch, 8)
	l.Reserve(ServiceSearch, 1)
	l.Commit(ServiceSearch, 1)

	if warnings["search/daily"] != 1 {
		t.Errorf("expected one daily warning, got %d", warnings["search/daily"])
	}

	// A fresh day re-arms the daily warning.
	l.SetClock(frozenClock(day1.Add(24 * time.Hour)))
	l.Reserve(ServiceSearch, 9)
	l.Commit(ServiceSearch, 9)
	if warnings["search/daily"] != 2 {
		t.Errorf("expected daily warning re-armed next day, got %d", warnings["search/daily"])
	}
}

func TestExportRestoreSurvivesRestart(t *testing.T) {
	day1 := time.Date(2026, 3, 10, 9, 0, 0, 0, time.Local)
	l := NewLedger(testCaps(), 0.80, nil)
	l.SetClock(frozenClock(day1))

	l.Reserve(ServiceSearch, 6)
	l.Commit(ServiceSearch, 6)
	// An in-flight reservation at snapshot time is dropped on restore.
	l.Reserve(ServiceSearch, 2)

	snap := l.Export()

	restored := NewLedger(testCaps(), 0.80, nil)
	restored.SetClock(frozenClock(day1))
	restored.Restore(snap)

	if got := restored.LifetimeSpent(ServiceSearch); got != 6 {
		t.Errorf("expected lifetime spent 6 after restore, got %f", got)
	}
	if got := restored.DailyRemaining(ServiceSearch); got != 4 {
		t.Errorf("expected daily remaining 4 after restore, got %f", got)
	}
}

func TestUnknownServiceDenied(t *testing.T) {
	l := NewLedger(testCaps(), 0.80, nil)
	d := l.Reserve(Service("billing"), 1)
	if d.Allowed {
		t.Fatal("unknown service should be denied")
	}
	if d.Reason != ReasonUnknownService {
		t.Errorf("expected reason %s, got %s", ReasonUnknownService, d.Reason)
	}
}

func TestConcurrentReserveCommitNeverOverspends(t *testing.T) {
	caps := map[Service]Caps{ServiceSearch: {Daily: 50, Lifetime: 1000}}
	l := NewLedger(caps, 0, nil)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if d := l.Reserve(ServiceSearch, 1); d.Allowed {
				l.Commit(ServiceSearch, 1)
			}
		}()
	}
	wg.Wait()

	if got := l.LifetimeSpent(ServiceSearch); got > 50 {
		t.Errorf("committed spend %f exceeds daily cap 50", got)
	}
	if got := l.DailyRemaining(ServiceSearch); got != 0 {
		t.Errorf("expected daily budget fully consumed, got remaining %f", got)
	}
}
