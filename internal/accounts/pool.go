package accounts

import (
	"math/rand"
	"sort"
	"sync"
	"time"
)

// Strategy selects among eligible accounts.
type Strategy string

const (
	StrategyRoundRobin    Strategy = "round_robin"
	StrategyLeastUsed     Strategy = "least_used"
	StrategyPriority      Strategy = "priority"
	StrategyRandom        Strategy = "random"
	StrategyCostOptimized Strategy = "cost_optimized"
)

// Pool tracks accounts and hands one out per request. Safe for concurrent
// use; updates are simple read-modify-write under one mutex, which is enough
// at this system's request rates.
type Pool struct {
	mu        sync.Mutex
	accounts  []*Account
	strategy  Strategy
	rrIndex   int
	emergency bool
	lastReset time.Time

	// rnd is swappable for tests.
	rnd *rand.Rand
}

// NewPool builds a pool over the given accounts. Statuses are derived
// immediately so misconfigured entries never report healthy.
func NewPool(accts []*Account, strategy Strategy) *Pool {
	if strategy == "" {
		strategy = StrategyRoundRobin
	}
	for _, a := range accts {
		a.deriveStatus()
	}
	return &Pool{
		accounts:  accts,
		strategy:  strategy,
		lastReset: time.Now(),
		rnd:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// GetAccount picks an account able to serve modelType, or nil when the pool
// is exhausted for that capability. preferFree biases selection toward
// accounts whose free tier covers the model.
//
// Eligibility: healthy status, capability present, and either a zero-cost
// model or credits above the account's floor. In emergency mode every
// account is restricted to its zero-cost models regardless of the request.
func (p *Pool) GetAccount(modelType ModelType, preferFree bool) *Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.emergency && !ZeroCost(modelType) {
		return nil
	}

	eligible := p.eligible(modelType)
	if len(eligible) == 0 {
		return nil
	}

	var picked *Account
	switch p.strategy {
	case StrategyLeastUsed:
		picked = minBy(eligible, func(a, b *Account) bool {
			return a.RequestsToday < b.RequestsToday
		})
	case StrategyPriority:
		picked = minBy(eligible, func(a, b *Account) bool {
			return a.Priority > b.Priority
		})
	case StrategyRandom:
		picked = eligible[p.rnd.Intn(len(eligible))]
	case StrategyCostOptimized:
		picked = p.pickCostOptimized(eligible, modelType, preferFree)
	default: // round robin
		picked = eligible[p.rrIndex%len(eligible)]
		p.rrIndex++
	}

	picked.LastUsed = time.Now()
	picked.RequestsToday++

	// Hand out a copy; all mutation goes through the pool's methods.
	cp := *picked
	return &cp
}

// eligible filters by status, capability and credit floor.
func (p *Pool) eligible(modelType ModelType) []*Account {
	var out []*Account
	for _, a := range p.accounts {
		if a.Status != StatusHealthy {
			continue
		}
		if !a.HasModel(modelType) {
			continue
		}
		if !ZeroCost(modelType) && a.Credits <= a.CreditLimit {
			continue
		}
		out = append(out, a)
	}
	return out
}

// pickCostOptimized prefers accounts whose free tier covers the request,
// then falls back to the largest remaining balance.
func (p *Pool) pickCostOptimized(eligible []*Account, modelType ModelType, preferFree bool) *Account {
	if preferFree || ZeroCost(modelType) {
		var free []*Account
		for _, a := range eligible {
			if len(a.FreeModels()) > 0 {
				free = append(free, a)
			}
		}
		if len(free) > 0 {
			eligible = free
		}
	}
	return minBy(eligible, func(a, b *Account) bool {
		return a.Credits > b.Credits
	})
}

// UpdateAfterUse applies the outcome of one provider call. Success resets
// the consecutive error count and burns credits; failure increments it.
// Status is re-derived either way.
func (p *Pool) UpdateAfterUse(accountID string, success bool, creditsUsed float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.byID(accountID)
	if a == nil {
		return
	}

	if success {
		a.ErrorCount = 0
		a.Credits -= creditsUsed
		if a.Credits < 0 {
			a.Credits = 0
		}
	} else {
		a.ErrorCount++
	}
	a.deriveStatus()
}

// Resync replaces an account's provider-reported balance and re-derives its
// status. This is the only path that can bring an unavailable account back:
// the error count is cleared when the provider confirms the account works.
func (p *Pool) Resync(accountID string, credits float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	a := p.byID(accountID)
	if a == nil {
		return
	}
	a.Credits = credits
	a.ErrorCount = 0
	a.deriveStatus()
}

// ResetDaily zeroes the per-day request counters. Called by the health loop
// at local midnight.
func (p *Pool) ResetDaily() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, a := range p.accounts {
		a.RequestsToday = 0
	}
	p.lastReset = time.Now()
}

// SetEmergency toggles emergency mode, which force-restricts the pool to
// zero-cost models when premium capacity is exhausted.
func (p *Pool) SetEmergency(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emergency = on
}

// Emergency reports whether emergency mode is on.
func (p *Pool) Emergency() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.emergency
}

// Snapshot returns copies of all accounts for reporting.
func (p *Pool) Snapshot() []Account {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs lists account IDs, for the resync loop.
func (p *Pool) IDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]string, 0, len(p.accounts))
	for _, a := range p.accounts {
		out = append(out, a.ID)
	}
	return out
}

// Token returns the bearer token for an account, or the empty string.
func (p *Pool) Token(accountID string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if a := p.byID(accountID); a != nil {
		return a.BearerToken
	}
	return ""
}

func (p *Pool) byID(id string) *Account {
	for _, a := range p.accounts {
		if a.ID == id {
			return a
		}
	}
	return nil
}

func minBy(accts []*Account, less func(a, b *Account) bool) *Account {
	best := accts[0]
	for _, a := range accts[1:] {
		if less(a, best) {
			best = a
		}
	}
	return best
}
