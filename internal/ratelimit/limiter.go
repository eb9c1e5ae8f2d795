// Package ratelimit implements the multi-scope token bucket admission check.
package ratelimit

import (
	"log"
	"math"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/brokerlink/internal/domain"
)

// ScopeKind names the level a bucket applies to.
type ScopeKind string

const (
	ScopeGlobal   ScopeKind = "global"
	ScopeAccount  ScopeKind = "account"
	ScopeEndpoint ScopeKind = "endpoint"
)

// Rule is a bucket definition: Capacity tokens refilled evenly over Window.
// A zero capacity disables the scope.
type Rule struct {
	Capacity int
	Window   time.Duration
}

func (r Rule) limit() rate.Limit {
	if r.Window <= 0 {
		return rate.Inf
	}
	return rate.Limit(float64(r.Capacity) / r.Window.Seconds())
}

// Scope identifies one bucket and the rule that creates it.
type Scope struct {
	Kind    ScopeKind
	Account string
	Class   domain.EndpointClass
	Rule    Rule
}

// Key is the bucket table key.
func (s Scope) Key() string {
	switch s.Kind {
	case ScopeAccount:
		return "account:" + s.Account
	case ScopeEndpoint:
		return "endpoint:" + s.Account + ":" + string(s.Class)
	default:
		return "global"
	}
}

// Config holds the limit tables.
type Config struct {
	Global    Rule
	Tiers     map[domain.Tier]Rule
	Endpoints map[domain.EndpointClass]Rule
}

// DefaultConfig returns the stock limit tables.
func DefaultConfig() Config {
	return Config{
		Global: Rule{Capacity: 1000, Window: time.Second},
		Tiers: map[domain.Tier]Rule{
			domain.TierFree:    {Capacity: 120, Window: time.Minute},
			domain.TierPremium: {Capacity: 300, Window: time.Minute},
		},
		Endpoints: map[domain.EndpointClass]Rule{
			domain.EndpointTrading: {Capacity: 10, Window: time.Minute},
			domain.EndpointQuotes:  {Capacity: 60, Window: time.Minute},
			domain.EndpointAccount: {Capacity: 60, Window: time.Minute},
		},
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed bool
	// RetryAfter is the wait imposed by the most constrained scope; zero when allowed.
	RetryAfter time.Duration
	// Scope is the most constrained scope on rejection.
	Scope Scope
}

type bucket struct {
	mu       sync.Mutex
	lim      *rate.Limiter
	lastUsed atomic.Int64
}

// wait is how long until the bucket holds a whole token.
func (b *bucket) wait(now time.Time) time.Duration {
	if b.lim.Limit() == rate.Inf {
		return 0
	}
	tokens := b.lim.TokensAt(now)
	if tokens >= 1 {
		return 0
	}
	limit := float64(b.lim.Limit())
	if limit <= 0 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(math.Ceil((1 - tokens) / limit * float64(time.Second)))
}

// Limiter admits requests against every applicable scope atomically: either a
// token is taken from all scopes or from none.
type Limiter struct {
	cfg     Config
	buckets sync.Map // key -> *bucket
	now     func() time.Time
	logger  *log.Logger
	metrics *limiterMetrics
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		if now != nil {
			l.now = now
		}
	}
}

// WithLogger sets the rejection logger.
func WithLogger(logger *log.Logger) Option {
	return func(l *Limiter) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// New constructs a Limiter from cfg.
func New(cfg Config, opts ...Option) *Limiter {
	l := &Limiter{
		cfg:    cfg,
		now:    time.Now,
		logger: log.New(os.Stdout, "ratelimit ", log.LstdFlags|log.Lmicroseconds),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	l.metrics = newLimiterMetrics()
	return l
}

// Scopes returns the global, account and endpoint scopes for one request.
func (l *Limiter) Scopes(account string, tier domain.Tier, class domain.EndpointClass) []Scope {
	tierRule, ok := l.cfg.Tiers[tier]
	if !ok {
		tierRule = l.cfg.Tiers[domain.TierFree]
	}
	return []Scope{
		{Kind: ScopeGlobal, Rule: l.cfg.Global},
		{Kind: ScopeAccount, Account: account, Rule: tierRule},
		{Kind: ScopeEndpoint, Account: account, Class: class, Rule: l.cfg.Endpoints[class]},
	}
}

// Admit checks the scopes of one request against the current time.
func (l *Limiter) Admit(account string, tier domain.Tier, class domain.EndpointClass) Decision {
	return l.AdmitAt(l.now(), l.Scopes(account, tier, class)...)
}

// AdmitAt checks scopes at the given instant. The buckets involved are
// locked in key order and every one is checked before any token is taken,
// so a rejected request never consumes from any scope.
func (l *Limiter) AdmitAt(now time.Time, scopes ...Scope) Decision {
	type held struct {
		scope Scope
		b     *bucket
	}
	active := make([]held, 0, len(scopes))
	for _, scope := range scopes {
		if scope.Rule.Capacity <= 0 {
			continue
		}
		active = append(active, held{scope: scope, b: l.bucketFor(scope)})
	}
	sort.Slice(active, func(i, j int) bool { return active[i].scope.Key() < active[j].scope.Key() })
	for _, h := range active {
		h.b.mu.Lock()
	}
	defer func() {
		for i := len(active) - 1; i >= 0; i-- {
			active[i].b.mu.Unlock()
		}
	}()

	var (
		worst      time.Duration
		worstScope Scope
		rejected   bool
	)
	for _, h := range active {
		h.b.lastUsed.Store(now.UnixNano())
		if delay := h.b.wait(now); delay > 0 {
			if !rejected || delay > worst {
				worst, worstScope = delay, h.scope
			}
			rejected = true
		}
	}
	if rejected {
		l.metrics.record(string(worstScope.Kind), false)
		l.logger.Printf("rejected scope=%s retry_after=%s", worstScope.Key(), worst)
		return Decision{Allowed: false, RetryAfter: worst, Scope: worstScope}
	}
	for _, h := range active {
		h.b.lim.AllowN(now, 1)
	}
	l.metrics.record("all", true)
	return Decision{Allowed: true}
}

func (l *Limiter) bucketFor(scope Scope) *bucket {
	key := scope.Key()
	if existing, ok := l.buckets.Load(key); ok {
		return existing.(*bucket)
	}
	fresh := &bucket{lim: rate.NewLimiter(scope.Rule.limit(), scope.Rule.Capacity)}
	actual, _ := l.buckets.LoadOrStore(key, fresh)
	return actual.(*bucket)
}

// Forget drops every bucket belonging to account.
func (l *Limiter) Forget(account string) {
	l.buckets.Delete(Scope{Kind: ScopeAccount, Account: account}.Key())
	for class := range l.cfg.Endpoints {
		l.buckets.Delete(Scope{Kind: ScopeEndpoint, Account: account, Class: class}.Key())
	}
}

// Prune removes buckets that are full and have not been used for idle.
// It returns the number of buckets removed.
func (l *Limiter) Prune(now time.Time, idle time.Duration) int {
	cutoff := now.Add(-idle).UnixNano()
	removed := 0
	l.buckets.Range(func(key, value any) bool {
		b := value.(*bucket)
		if b.lastUsed.Load() > cutoff {
			return true
		}
		if b.lim.TokensAt(now) < float64(b.lim.Burst()) {
			return true
		}
		l.buckets.Delete(key)
		removed++
		return true
	})
	return removed
}

// Len reports the number of live buckets.
func (l *Limiter) Len() int {
	n := 0
	l.buckets.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}
