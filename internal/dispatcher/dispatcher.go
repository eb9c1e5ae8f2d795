// Package dispatcher executes client operations against pooled upstream
// connections under the rate limiter and keeps the state store current.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/coachpo/brokerlink/errs"
	"github.com/coachpo/brokerlink/internal/domain"
	"github.com/coachpo/brokerlink/internal/pool"
	"github.com/coachpo/brokerlink/internal/ratelimit"
	"github.com/coachpo/brokerlink/internal/state"
	"github.com/coachpo/brokerlink/internal/upstream"
	"github.com/coachpo/brokerlink/lib/async"
)

const source = "dispatcher"

// Pools resolves an account's connection pool.
type Pools interface {
	Pool(accountID string) (*pool.AccountPool, error)
}

// Admitter decides whether a request may proceed now.
type Admitter interface {
	Admit(account string, tier domain.Tier, class domain.EndpointClass) ratelimit.Decision
}

// Config sizes the dispatcher.
type Config struct {
	Workers   int
	QueueSize int
	// CallTimeout bounds each upstream call on top of the caller's context.
	CallTimeout time.Duration
	// BatchWidth bounds per-symbol fan-out when a batch request falls back.
	BatchWidth int
}

// Outcome is the asynchronous result of Submit.
type Outcome struct {
	Result Result
	Err    error
}

// Dispatcher is the request path facade.
type Dispatcher struct {
	pools   Pools
	limiter Admitter
	store   *state.Store
	cfg     Config
	workers *async.Pool
	logger  *log.Logger
	metrics *dispatchMetrics
	now     func() time.Time
}

// Option customises a Dispatcher.
type Option func(*Dispatcher)

// WithLogger overrides the default logger.
func WithLogger(logger *log.Logger) Option {
	return func(d *Dispatcher) {
		if logger != nil {
			d.logger = logger
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// New constructs a Dispatcher and starts its worker pool.
func New(pools Pools, limiter Admitter, store *state.Store, cfg Config, opts ...Option) (*Dispatcher, error) {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.BatchWidth <= 0 {
		cfg.BatchWidth = 4
	}
	d := &Dispatcher{
		pools:   pools,
		limiter: limiter,
		store:   store,
		cfg:     cfg,
		logger:  log.New(os.Stdout, "dispatcher ", log.LstdFlags|log.Lmicroseconds),
		metrics: newDispatchMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	workers, err := async.NewPool(cfg.Workers, cfg.QueueSize, async.WithPanicHandler(func(r any) {
		d.logger.Printf("submitted operation panicked: %v", r)
	}))
	if err != nil {
		return nil, fmt.Errorf("dispatcher workers: %w", err)
	}
	d.workers = workers
	return d, nil
}

// Execute runs op for the account: admission, borrow, upstream call, state
// merge and release. The lease is returned on every path.
func (d *Dispatcher) Execute(ctx context.Context, accountID string, op Operation) (Result, error) {
	start := d.now()
	res, err := d.execute(ctx, accountID, op)
	name, class := "unknown", domain.EndpointClass("")
	if op != nil {
		name, class = op.Name(), op.Class()
	}
	d.metrics.record(accountID, name, class, err, d.now().Sub(start))
	return res, err
}

func (d *Dispatcher) execute(ctx context.Context, accountID string, op Operation) (Result, error) {
	if op == nil {
		return Result{}, errs.New(source, errs.CodeInvalid, errs.WithAccount(accountID), errs.WithMessage("operation required"))
	}
	if err := op.validate(); err != nil {
		return Result{}, withAccount(err, accountID)
	}
	p, err := d.pools.Pool(accountID)
	if err != nil {
		return Result{}, err
	}
	if err := ctx.Err(); err != nil {
		return Result{}, errs.New(source, errs.CodeUnavailable, errs.WithAccount(accountID), errs.WithMessage("caller gave up"), errs.WithCause(err))
	}
	if batch, ok := op.(QuoteMany); ok {
		return d.quoteMany(ctx, p, batch)
	}
	return d.call(ctx, p, op)
}

func (d *Dispatcher) call(ctx context.Context, p *pool.AccountPool, op Operation) (res Result, err error) {
	account := p.Account()
	if err := d.admit(account, op.Class()); err != nil {
		return Result{}, err
	}
	lease, err := p.Borrow(ctx)
	if err != nil {
		return Result{}, err
	}
	defer func() {
		if r := recover(); r != nil {
			lease.Release(pool.OutcomeTransportError)
			panic(r)
		}
	}()

	callCtx := ctx
	if d.cfg.CallTimeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, d.cfg.CallTimeout)
		defer cancel()
	}
	res, err = op.perform(callCtx, lease.Session())
	if err != nil {
		err = upstream.Classify(source, account.ID, err)
		lease.ReleaseErr(err)
		return Result{}, err
	}
	res.Seq = d.merge(account.ID, op, res)
	lease.Release(pool.OutcomeSuccess)
	return res, nil
}

func (d *Dispatcher) admit(account domain.Account, class domain.EndpointClass) error {
	if d.limiter == nil {
		return nil
	}
	decision := d.limiter.Admit(account.ID, account.Tier, class)
	if decision.Allowed {
		return nil
	}
	return errs.New(source, errs.CodeRateLimited,
		errs.WithAccount(account.ID),
		errs.WithMessage("rate limit exceeded"),
		errs.WithField("scope", decision.Scope.Key()),
		errs.WithRetryAfter(decision.RetryAfter),
		errs.WithCanonicalCode(errs.CanonicalRateLimited))
}

// merge folds a successful result into the state store. Store failures are
// logged; the upstream call already succeeded.
func (d *Dispatcher) merge(accountID string, op Operation, res Result) uint64 {
	if d.store == nil {
		return 0
	}
	var (
		seq uint64
		err error
	)
	switch o := op.(type) {
	case PlaceOrder:
		if res.Order != nil {
			seq, err = d.store.RecordOrder(accountID, *res.Order)
		}
	case CancelOrder:
		seq, err = d.recordCancelRequested(accountID, o.OrderID)
	case GetAccount:
		if res.Balance != nil {
			seq, err = d.store.ApplyBalanceRefresh(accountID, domain.BalanceRefresh{Balance: *res.Balance, At: d.now().UTC()})
		}
	case GetPositions:
		seq, err = d.store.RecordPositions(accountID, res.Positions)
	default:
		return 0
	}
	if err != nil {
		d.logger.Printf("[%s]: merge %s result: %v", accountID, op.Name(), err)
	}
	return seq
}

// recordCancelRequested marks a known order pending_cancel until the stream
// reports the final state.
func (d *Dispatcher) recordCancelRequested(accountID, orderID string) (uint64, error) {
	snap, err := d.store.Read(accountID)
	if err != nil {
		return 0, err
	}
	order, ok := snap.Order(orderID)
	if !ok {
		return snap.Seq, nil
	}
	order.Status = domain.OrderStatusPendingCancel
	order.UpdatedAt = d.now().UTC()
	return d.store.RecordOrder(accountID, order)
}

// quoteMany tries a single multi-symbol request and, if that fails, falls
// back to bounded per-symbol requests so one failure never sinks the batch.
func (d *Dispatcher) quoteMany(ctx context.Context, p *pool.AccountPool, op QuoteMany) (Result, error) {
	res, err := d.call(ctx, p, op)
	if err == nil {
		return res, nil
	}
	if errs.Is(err, errs.CodeRateLimited) || errs.Is(err, errs.CodeThrottled) || errs.Is(err, errs.CodeAuth) || ctx.Err() != nil {
		return Result{}, err
	}
	d.logger.Printf("[%s]: batch quote failed, querying %d symbols individually: %v", p.Account().ID, len(op.Symbols), err)

	symbols := normaliseSymbols(op.Symbols)
	batch := &BatchResult{Items: make([]BatchItem, len(symbols))}
	workers := concpool.New().WithMaxGoroutines(d.cfg.BatchWidth)
	for i, symbol := range symbols {
		workers.Go(func() {
			item := BatchItem{Symbol: symbol}
			single, err := d.call(ctx, p, GetQuote{Symbol: symbol})
			if err != nil {
				item.Err = err
			} else {
				item.Quote = single.Quote
			}
			batch.Items[i] = item
		})
	}
	workers.Wait()
	batch.tally()
	return Result{Batch: batch}, nil
}

// Submit executes op on the worker pool. The returned channel yields exactly
// one Outcome; a saturated pool yields an Unavailable error immediately.
func (d *Dispatcher) Submit(ctx context.Context, accountID string, op Operation) <-chan Outcome {
	out := make(chan Outcome, 1)
	err := d.workers.Submit(ctx, func(taskCtx context.Context) error {
		defer func() {
			if r := recover(); r != nil {
				out <- Outcome{Err: errs.New(source, errs.CodeUnavailable,
					errs.WithAccount(accountID),
					errs.WithMessage(fmt.Sprintf("operation panicked: %v", r)))}
				panic(r)
			}
		}()
		res, err := d.Execute(taskCtx, accountID, op)
		out <- Outcome{Result: res, Err: err}
		return err
	})
	if err != nil {
		if _, ok := errs.As(err); !ok {
			err = errs.New(source, errs.CodeUnavailable, errs.WithAccount(accountID), errs.WithCause(err))
		}
		out <- Outcome{Err: withAccount(err, accountID)}
	}
	return out
}

// Close drains queued submissions until ctx expires.
func (d *Dispatcher) Close(ctx context.Context) error {
	return d.workers.Shutdown(ctx)
}

func withAccount(err error, accountID string) error {
	if e, ok := errs.As(err); ok && e.Account == "" {
		e.Account = accountID
	}
	return err
}
