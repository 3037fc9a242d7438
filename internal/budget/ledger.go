// Package budget tracks cumulative spend per external service against daily
// and campaign-lifetime caps, and vetoes further calls once either cap is
// exhausted. Reserve must be called (and return Allowed) before any external
// call; Commit records the realized cost afterwards.
package budget

import (
	"sync"
	"time"

	"dirforge/internal/logging"
)

// Service identifies one external collaborator's budget domain.
type Service string

const (
	ServiceSearch  Service = "search"
	ServiceEnrich  Service = "enrich"
	ServicePublish Service = "publish"
)

// Reason explains a denial.
type Reason string

const (
	ReasonDailyCap       Reason = "/daily_cap"
	ReasonLifetimeCap    Reason = "/lifetime_cap"
	ReasonUnknownService Reason = "/unknown_service"
)

// Decision is the result of a Reserve call. Control flow, not an error:
// a denial is a hard per-task stop, never a retry condition.
type Decision struct {
	Allowed   bool
	Reason    Reason  // set only when denied
	Remaining float64 // daily headroom after the reservation (when allowed)
}

// Caps holds the two ceilings governing one service; the tighter one wins.
type Caps struct {
	Daily    float64 `json:"daily"`
	Lifetime float64 `json:"lifetime"`
}

// WarnFunc receives non-fatal threshold warnings. Fired at most once per
// cap per bucket; never blocks further calls.
type WarnFunc func(service Service, cap string, spent, limit float64)

// serviceState is the mutable per-service bookkeeping.
type serviceState struct {
	DailySpent    float64   `json:"daily_spent"`
	LifetimeSpent float64   `json:"lifetime_spent"`
	Reservations  []float64 `json:"reservations,omitempty"` // FIFO of outstanding estimates
}

// State is the exportable ledger snapshot, embedded in checkpoints so spend
// survives process restarts.
type State struct {
	Day      string                    `json:"day"` // bucket date, local time
	Services map[Service]*serviceState `json:"services"`
	Warned   map[string]bool           `json:"warned,omitempty"`
}

// Ledger enforces the caps. It is its own serialized actor: one mutex
// guards every reserve/commit pair, so concurrent phases cannot race.
type Ledger struct {
	mu     sync.Mutex
	caps   map[Service]Caps
	warnAt float64
	onWarn WarnFunc
	now    func() time.Time
	state  State
}

// NewLedger creates a ledger for the given per-service caps. warnAt is the
// fraction of either cap at which the warning callback fires (e.g. 0.80).
func NewLedger(caps map[Service]Caps, warnAt float64, onWarn WarnFunc) *Ledger {
	l := &Ledger{
		caps:   caps,
		warnAt: warnAt,
		onWarn: onWarn,
		now:    time.Now,
		state: State{
			Services: make(map[Service]*serviceState),
			Warned:   make(map[string]bool),
		},
	}
	for svc := range caps {
		l.state.Services[svc] = &serviceState{}
	}
	l.state.Day = l.now().Format("2006-01-02")
	return l
}

// SetClock replaces the time source (tests).
func (l *Ledger) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// rollover opens a fresh daily bucket on first use after a date boundary.
// Lifetime totals are cumulative and never reset. Caller holds the lock.
func (l *Ledger) rollover() {
	day := l.now().Format("2006-01-02")
	if day == l.state.Day {
		return
	}
	logging.Budget("Daily budget rollover: %s -> %s", l.state.Day, day)
	l.state.Day = day
	for svc, ss := range l.state.Services {
		ss.DailySpent = 0
		ss.Reservations = nil
		delete(l.state.Warned, string(svc)+"/daily")
	}
}

// reserved returns the sum of outstanding estimates. Caller holds the lock.
func reserved(ss *serviceState) float64 {
	var total float64
	for _, r := range ss.Reservations {
		total += r
	}
	return total
}

// Reserve asks for headroom before an external call. It must return Allowed
// before the call is issued; Denied is final for the current period.
func (l *Ledger) Reserve(service Service, estimate float64) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover()

	caps, ok := l.caps[service]
	ss := l.state.Services[service]
	if !ok || ss == nil {
		return Decision{Allowed: false, Reason: ReasonUnknownService}
	}

	res := reserved(ss)
	if ss.LifetimeSpent+res+estimate > caps.Lifetime {
		logging.Budget("Denied %s reservation of %.4f: lifetime cap %.2f (spent %.4f)",
			service, estimate, caps.Lifetime, ss.LifetimeSpent)
		return Decision{Allowed: false, Reason: ReasonLifetimeCap}
	}
	if ss.DailySpent+res+estimate > caps.Daily {
		logging.Budget("Denied %s reservation of %.4f: daily cap %.2f (spent %.4f)",
			service, estimate, caps.Daily, ss.DailySpent)
		return Decision{Allowed: false, Reason: ReasonDailyCap}
	}

	ss.Reservations = append(ss.Reservations, estimate)
	logging.BudgetDebug("Reserved %.4f for %s (daily %.4f/%.2f)",
		estimate, service, ss.DailySpent+res+estimate, caps.Daily)

	return Decision{
		Allowed:   true,
		Remaining: caps.Daily - ss.DailySpent - res - estimate,
	}
}

// Commit records the realized cost of the oldest outstanding reservation.
// Call exactly once per Allowed reservation, after the external call.
func (l *Ledger) Commit(service Service, actual float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.rollover()

	ss := l.state.Services[service]
	caps, ok := l.caps[service]
	if ss == nil || !ok {
		return
	}

	if len(ss.Reservations) > 0 {
		ss.Reservations = ss.Reservations[1:]
	}
	ss.DailySpent += actual
	ss.LifetimeSpent += actual

	l.checkThreshold(service, "daily", ss.DailySpent, caps.Daily)
	l.checkThreshold(service, "lifetime", ss.LifetimeSpent, caps.Lifetime)
}

// Release drops the oldest outstanding reservation without spend, for calls
// that were reserved but never issued.
func (l *Ledger) Release(service Service) {
	l.mu.Lock()
	defer l.mu.Unlock()
	ss := l.state.Services[service]
	if ss != nil && len(ss.Reservations) > 0 {
		ss.Reservations = ss.Reservations[1:]
	}
}

// checkThreshold fires the warning callback once per cap per bucket.
// Caller holds the lock.
func (l *Ledger) checkThreshold(service Service, capName string, spent, limit float64) {
	if l.onWarn == nil || l.warnAt <= 0 || limit <= 0 {
		return
	}
	if spent < l.warnAt*limit {
		return
	}
	key := string(service) + "/" + capName
	if l.state.Warned[key] {
		return
	}
	l.state.Warned[key] = true
	logging.Budget("Warning threshold crossed for %s %s cap: %.4f / %.2f", service, capName, spent, limit)
	// Callback runs outside the critical section is not needed: warn funcs
	// are expected to be cheap (log/metric), and holding the lock keeps the
	// once-per-bucket guarantee simple.
	l.onWarn(service, capName, spent, limit)
}

// DailyRemaining returns today's headroom for a service, net of outstanding
// reservations.
func (l *Ledger) DailyRemaining(service Service) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.rollover()
	caps, ok := l.caps[service]
	ss := l.state.Services[service]
	if !ok || ss == nil {
		return 0
	}
	rem := caps.Daily - ss.DailySpent - reserved(ss)
	if rem < 0 {
		return 0
	}
	return rem
}

// LifetimeSpent returns the cumulative committed spend for a service.
func (l *Ledger) LifetimeSpent(service Service) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	ss := l.state.Services[service]
	if ss == nil {
		return 0
	}
	return ss.LifetimeSpent
}

// LifetimeExhausted reports whether a service has no lifetime headroom left.
// A lifetime-cap denial is fatal for the campaign.
func (l *Ledger) LifetimeExhausted(service Service) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	caps, ok := l.caps[service]
	ss := l.state.Services[service]
	if !ok || ss == nil {
		return false
	}
	return ss.LifetimeSpent >= caps.Lifetime
}

// Export returns a deep copy of the ledger state for checkpointing.
func (l *Ledger) Export() State {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := State{
		Day:      l.state.Day,
		Services: make(map[Service]*serviceState, len(l.state.Services)),
		Warned:   make(map[string]bool, len(l.state.Warned)),
	}
	for svc, ss := range l.state.Services {
		cp := *ss
		// In-flight reservations are deliberately dropped: on restore the
		// corresponding tasks re-run and re-reserve.
		cp.Reservations = nil
		out.Services[svc] = &cp
	}
	for k, v := range l.state.Warned {
		out.Warned[k] = v
	}
	return out
}

// Restore replaces the ledger state from a checkpoint. Spend recorded
// before the snapshot is never forgotten, so a restart cannot double-spend.
func (l *Ledger) Restore(s State) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if s.Services == nil {
		return
	}
	l.state.Day = s.Day
	l.state.Warned = make(map[string]bool, len(s.Warned))
	for k, v := range s.Warned {
		l.state.Warned[k] = v
	}
	l.state.Services = make(map[Service]*serviceState, len(s.Services))
	for svc, ss := range s.Services {
		cp := *ss
		cp.Reservations = nil
		l.state.Services[svc] = &cp
	}
	// Services configured but absent from the snapshot start fresh.
	for svc := range l.caps {
		if l.state.Services[svc] == nil {
			l.state.Services[svc] = &serviceState{}
		}
	}
	l.rollover()
}
