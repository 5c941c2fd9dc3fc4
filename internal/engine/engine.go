// Package engine drives every order through its lifecycle. A single
// inbox feeds a dispatcher; bounded workers execute one idempotent
// step at a time under a per-order lock. Executors and the monitor
// never call back into the engine: executors return values, the
// monitor delivers reveals through OnSecretRevealed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingswap/internal/log"
	"github.com/Klingon-tech/klingswap/internal/monitor"
	"github.com/Klingon-tech/klingswap/internal/order"
	"github.com/Klingon-tech/klingswap/internal/refund"
	"github.com/Klingon-tech/klingswap/internal/swap"
	"github.com/Klingon-tech/klingswap/pkg/types"
)

// Engine defaults, applied by New when the config leaves them zero.
const (
	DefaultRetryAttempts = 3
	DefaultRetryDelay    = 5 * time.Second
	DefaultStepTimeout   = time.Minute
	DefaultTickInterval  = 30 * time.Second
	DefaultWorkers       = 4
	DefaultPendingGrace  = 30 * time.Second
	DefaultMinExpiryLead = 5 * time.Minute

	inboxSize = 256
)

// ErrAlreadyProcessed is returned by SubmitOrder when the order hash
// already reached a terminal state.
var ErrAlreadyProcessed = fmt.Errorf("order already processed: %w", swap.ErrStateConflict)

// ErrFundingDropped signals that a previously seen funding transaction
// is no longer on the canonical chain. The order falls back to
// htlc_created and the destination is funded (or re-discovered) again.
var ErrFundingDropped = errors.New("funding transaction no longer canonical")

// ErrUnknownChain is returned when an order names a chain the resolver
// is not configured for.
var ErrUnknownChain = fmt.Errorf("chain not configured: %w", swap.ErrValidation)

// SourceExecutor is the source-chain surface the engine drives.
// *evm.Executor implements it.
type SourceExecutor interface {
	ChainID() uint64
	MatchOrder(ctx context.Context, octx *order.Context) (string, error)
	Settle(ctx context.Context, octx *order.Context) (string, error)
	CompleteOrder(ctx context.Context, octx *order.Context, secret types.Secret) (string, error)
}

// Destination places, confirms, and claims the lock on one destination
// chain. Implementations must be idempotent: a replayed Fund or Claim
// discovers the existing side effect instead of paying twice.
type Destination interface {
	ChainID() uint64
	Fund(ctx context.Context, octx *order.Context) (string, error)
	// FundingConfirmed reports whether the destination lock is final.
	// ErrFundingDropped means a reorg removed the funding transaction.
	FundingConfirmed(ctx context.Context, octx *order.Context) (bool, error)
	Claim(ctx context.Context, octx *order.Context, secret types.Secret) (string, error)
}

// Watcher is the monitor surface the engine registers orders with.
type Watcher interface {
	WatchOrder(orderHash types.Hash)
	UnwatchOrder(orderHash types.Hash)
}

// Config tunes retries, deadlines, and the worker pool.
type Config struct {
	// RetryAttempts bounds backoff retries of a transient step failure.
	RetryAttempts int
	// RetryDelay is the base backoff delay, doubled per attempt.
	RetryDelay time.Duration
	// StepTimeout is the deadline for one state-machine step.
	StepTimeout time.Duration
	// TickInterval is the expiry / retry sweep period.
	TickInterval time.Duration
	// Workers bounds concurrently processing orders.
	Workers int
	// PendingGrace is how long a pending order may sit before the
	// sweep re-enqueues it.
	PendingGrace time.Duration
	// MinExpiryLead is the minimum distance between submission and
	// order expiry.
	MinExpiryLead time.Duration
}

type msgKind int

const (
	msgProcess msgKind = iota
	msgSecretRevealed
)

type message struct {
	kind      msgKind
	orderHash types.Hash
}

// Engine owns the order state machine.
type Engine struct {
	store        *order.Store
	src          SourceExecutor
	destinations map[uint64]Destination
	watcher      Watcher
	refunds      *refund.Manager
	cfg          Config
	logger       zerolog.Logger

	inbox chan message
	sem   chan struct{}

	mu       sync.Mutex
	inflight map[types.Hash]bool
	locks    map[types.Hash]*sync.Mutex

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New wires the engine. The destinations slice carries one executor
// per supported destination chain.
func New(store *order.Store, src SourceExecutor, destinations []Destination,
	watcher Watcher, refunds *refund.Manager, cfg Config) (*Engine, error) {

	if store == nil {
		return nil, fmt.Errorf("engine: order store required")
	}
	if src == nil {
		return nil, fmt.Errorf("engine: source executor required")
	}
	if watcher == nil {
		return nil, fmt.Errorf("engine: monitor required")
	}
	if refunds == nil {
		return nil, fmt.Errorf("engine: refund manager required")
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = DefaultStepTimeout
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = DefaultPendingGrace
	}
	if cfg.MinExpiryLead <= 0 {
		cfg.MinExpiryLead = DefaultMinExpiryLead
	}

	dsts := make(map[uint64]Destination, len(destinations))
	for _, d := range destinations {
		if _, dup := dsts[d.ChainID()]; dup {
			return nil, fmt.Errorf("engine: duplicate destination chain %d", d.ChainID())
		}
		dsts[d.ChainID()] = d
	}
	if len(dsts) == 0 {
		return nil, fmt.Errorf("engine: at least one destination required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:        store,
		src:          src,
		destinations: dsts,
		watcher:      watcher,
		refunds:      refunds,
		cfg:          cfg,
		logger:       log.WithComponent("engine"),
		inbox:        make(chan message, inboxSize),
		sem:          make(chan struct{}, cfg.Workers),
		inflight:     make(map[types.Hash]bool),
		locks:        make(map[types.Hash]*sync.Mutex),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start launches the dispatcher and the sweep ticker, then re-enqueues
// every non-terminal order recovered from the store.
func (e *Engine) Start() {
	if e.started {
		return
	}
	e.started = true

	e.wg.Add(1)
	go e.run()

	recovered := e.store.GetActive()
	for _, octx := range recovered {
		switch octx.Status {
		case order.StatusHTLCCreated, order.StatusHTLCFunded, order.StatusSecretRevealed:
			e.watcher.WatchOrder(octx.OrderHash)
		}
		e.enqueue(message{kind: msgProcess, orderHash: octx.OrderHash})
	}
	e.logger.Info().
		Int("recovered", len(recovered)).
		Int("workers", e.cfg.Workers).
		Dur("tick", e.cfg.TickInterval).
		Msg("engine started")
}

// Stop drains the engine: no new work is accepted, in-flight workers
// get one step deadline to reach a persistable state.
func (e *Engine) Stop() {
	if !e.started {
		return
	}
	e.cancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.StepTimeout):
		e.logger.Warn().Msg("shutdown wait capped; workers abandoned at step deadline")
	}
	e.logger.Info().Msg("engine stopped")
}

func (e *Engine) run() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		case msg := <-e.inbox:
			e.dispatch(msg)
		}
	}
}

// dispatch hands a message to a worker, bounded by the pool semaphore.
func (e *Engine) dispatch(msg message) {
	select {
	case e.sem <- struct{}{}:
	case <-e.ctx.Done():
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() { <-e.sem }()
		e.runOrder(msg.orderHash)
	}()
}

// enqueue schedules processing for an order, collapsing duplicates so
// a busy sweep cannot flood the inbox.
func (e *Engine) enqueue(msg message) {
	e.mu.Lock()
	if e.inflight[msg.orderHash] {
		e.mu.Unlock()
		return
	}
	e.inflight[msg.orderHash] = true
	e.mu.Unlock()

	select {
	case e.inbox <- msg:
	case <-e.ctx.Done():
		e.clearInflight(msg.orderHash)
	}
}

func (e *Engine) clearInflight(hash types.Hash) {
	e.mu.Lock()
	delete(e.inflight, hash)
	e.mu.Unlock()
}

// orderLock returns the mutex serializing transitions for one order.
func (e *Engine) orderLock(hash types.Hash) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[hash]
	if !ok {
		l = &sync.Mutex{}
		e.locks[hash] = l
	}
	return l
}

func (e *Engine) releaseLock(hash types.Hash, terminal bool) {
	if !terminal {
		return
	}
	e.mu.Lock()
	delete(e.locks, hash)
	e.mu.Unlock()
}

// SubmitOrder validates and persists a new order. It returns once the
// context is durable; processing continues asynchronously.
func (e *Engine) SubmitOrder(ctx context.Context, o *order.Order) (*order.Context, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	if o.SrcChainID != e.src.ChainID() {
		return nil, fmt.Errorf("source chain %d: %w", o.SrcChainID, ErrUnknownChain)
	}
	if _, ok := e.destinations[o.DstChainID]; !ok {
		return nil, fmt.Errorf("destination chain %d: %w", o.DstChainID, ErrUnknownChain)
	}
	if lead := time.Until(time.Unix(o.ExpiryTime, 0)); lead < e.cfg.MinExpiryLead {
		return nil, fmt.Errorf("%w: expiry %d within minimum lead %s",
			swap.ErrValidation, o.ExpiryTime, e.cfg.MinExpiryLead)
	}

	if existing, err := e.store.Get(o.OrderHash); err == nil {
		if existing.Terminal() {
			return nil, fmt.Errorf("order %s: %w", o.OrderHash.Short(), ErrAlreadyProcessed)
		}
		// Resubmission of an in-flight order is idempotent.
		return existing, nil
	}

	octx := order.NewContext(o)
	if err := e.store.Set(octx); err != nil {
		return nil, err
	}
	e.logger.Info().
		Str("order", octx.OrderHash.Short()).
		Uint64("srcChain", octx.SrcChainID).
		Uint64("dstChain", octx.DstChainID).
		Str("srcAmount", octx.SrcAmount.String()).
		Str("dstAmount", octx.DstAmount.String()).
		Msg("order accepted")

	e.enqueue(message{kind: msgProcess, orderHash: octx.OrderHash})
	return octx, nil
}

// Status returns the stored context for an order.
func (e *Engine) Status(orderHash types.Hash) (*order.Context, error) {
	return e.store.Get(orderHash)
}

// Pending lists orders awaiting their first processing step.
func (e *Engine) Pending() []*order.Context {
	return e.store.GetPending()
}

// Active lists every non-terminal order.
func (e *Engine) Active() []*order.Context {
	return e.store.GetActive()
}

// Cancel withdraws an order that has not acted on any chain yet. Once
// processing starts, cancellation is refused and the order runs to a
// terminal state on its own.
func (e *Engine) Cancel(orderHash types.Hash) error {
	l := e.orderLock(orderHash)
	l.Lock()
	defer l.Unlock()

	octx, err := e.store.Get(orderHash)
	if err != nil {
		return err
	}
	if octx.Status != order.StatusPending {
		return fmt.Errorf("order %s is %s, only pending orders cancel: %w",
			orderHash.Short(), octx.Status, swap.ErrStateConflict)
	}
	if err := e.store.Fail(orderHash, "cancelled by operator"); err != nil {
		return err
	}
	e.watcher.UnwatchOrder(orderHash)
	e.logger.Info().Str("order", orderHash.Short()).Msg("order cancelled")
	return nil
}

// OnSecretRevealed is the monitor's sink. The secret is persisted
// before the call returns so an acknowledged delivery survives a
// crash; duplicate deliveries are no-ops.
func (e *Engine) OnSecretRevealed(ctx context.Context, ev monitor.Event) error {
	octx, err := e.store.Get(ev.OrderHash)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			e.logger.Debug().
				Str("order", ev.OrderHash.Short()).
				Msg("reveal for unknown order dropped")
			return nil
		}
		return err
	}
	if octx.Terminal() {
		return nil
	}

	if err := e.store.SetSecret(ev.OrderHash, ev.Secret); err != nil {
		switch swap.Classify(err) {
		case swap.ClassValidation:
			e.logger.Warn().
				Str("order", ev.OrderHash.Short()).
				Str("tx", ev.TxHash).
				Msg("observed secret does not open the hashlock, dropped")
			return nil
		case swap.ClassStateConflict:
			return nil
		default:
			return err
		}
	}
	if octx.Status == order.StatusHTLCFunded {
		if err := e.store.UpdateStatus(ev.OrderHash, order.StatusSecretRevealed); err != nil &&
			swap.Classify(err) != swap.ClassStateConflict {
			return err
		}
	}
	e.logger.Info().
		Str("order", ev.OrderHash.Short()).
		Str("tx", ev.TxHash).
		Uint64("block", ev.Block).
		Msg("secret reveal accepted")

	e.enqueue(message{kind: msgSecretRevealed, orderHash: ev.OrderHash})
	return nil
}

// tick sweeps every active order: stale pending and unconfirmed
// contexts are re-processed, expired funded ones head to refund.
func (e *Engine) tick() {
	now := time.Now()
	for _, octx := range e.store.GetActive() {
		switch octx.Status {
		case order.StatusPending:
			if now.Sub(octx.UpdatedAt) >= e.cfg.PendingGrace {
				e.enqueue(message{kind: msgProcess, orderHash: octx.OrderHash})
			}
		case order.StatusHTLCCreated, order.StatusHTLCFunded,
			order.StatusSecretRevealed, order.StatusExpired:
			e.enqueue(message{kind: msgProcess, orderHash: octx.OrderHash})
		}
	}
}

// runOrder processes one order for as long as steps keep advancing,
// retrying transient failures with exponential backoff.
func (e *Engine) runOrder(hash types.Hash) {
	defer e.clearInflight(hash)

	l := e.orderLock(hash)
	l.Lock()
	defer l.Unlock()

	attempt := uuid.NewString()
	logger := e.logger.With().
		Str("order", hash.Short()).
		Str("attempt", attempt).
		Logger()

	terminal := false
	defer func() { e.releaseLock(hash, terminal) }()

	for {
		octx, err := e.store.Get(hash)
		if err != nil {
			logger.Error().Err(err).Msg("order vanished from store")
			return
		}
		if octx.Terminal() {
			terminal = true
			e.watcher.UnwatchOrder(hash)
			return
		}

		advanced, err := e.stepWithRetry(octx, logger)
		if err != nil {
			e.handleFailure(octx, err, logger)
			return
		}
		if !advanced {
			return
		}
	}
}

// stepWithRetry runs one step under its deadline, retrying transient
// errors with exponential backoff up to the configured attempts.
func (e *Engine) stepWithRetry(octx *order.Context, logger zerolog.Logger) (bool, error) {
	delay := e.cfg.RetryDelay
	var lastErr error
	for attempt := 0; attempt <= e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			logger.Warn().Err(lastErr).
				Int("attempt", attempt).
				Dur("backoff", delay).
				Msg("transient step failure, backing off")
			select {
			case <-e.ctx.Done():
				return false, lastErr
			case <-time.After(delay):
			}
			delay *= 2

			// The store may have moved on while we slept.
			fresh, err := e.store.Get(octx.OrderHash)
			if err != nil {
				return false, err
			}
			if fresh.Terminal() {
				return false, nil
			}
			octx = fresh
		}

		stepCtx, cancel := context.WithTimeout(e.ctx, e.cfg.StepTimeout)
		advanced, err := e.step(stepCtx, octx)
		cancel()
		if err == nil {
			return advanced, nil
		}
		if !swap.Retryable(err) {
			return false, err
		}
		lastErr = err
	}
	return false, lastErr
}

// step advances an order by at most one status. Every branch is
// idempotent: on-chain side effects are discovered before being
// re-issued, so replaying a step after a crash converges instead of
// double-spending.
func (e *Engine) step(ctx context.Context, octx *order.Context) (bool, error) {
	if expired, handled, err := e.checkExpiry(ctx, octx); handled {
		return expired, err
	}

	switch octx.Status {
	case order.StatusPending:
		return e.stepPending(ctx, octx)
	case order.StatusHTLCCreated:
		return e.stepCreated(ctx, octx)
	case order.StatusHTLCFunded:
		return e.stepFunded(ctx, octx)
	case order.StatusSecretRevealed:
		return e.stepRevealed(ctx, octx)
	case order.StatusExpired:
		return false, e.refunds.Process(ctx, octx)
	default:
		return false, nil
	}
}

// checkExpiry routes orders past their deadline onto the refund path
// before any further on-chain work: an expired order must never
// acquire a lock it does not yet have. An order with the secret
// already observed keeps claiming: the preimage is valid regardless of
// the wall clock, and the claim branch has no timelock.
func (e *Engine) checkExpiry(ctx context.Context, octx *order.Context) (advanced, handled bool, err error) {
	if !octx.Expired(time.Now()) {
		return false, false, nil
	}
	switch octx.Status {
	case order.StatusPending, order.StatusHTLCCreated:
	case order.StatusHTLCFunded:
		if !octx.Secret.IsZero() {
			// MonitorLag: reveal arrived late but the claim still works.
			return false, false, nil
		}
	default:
		return false, false, nil
	}
	return true, true, e.refunds.Expire(ctx, octx)
}

// stepPending places the destination lock.
func (e *Engine) stepPending(ctx context.Context, octx *order.Context) (bool, error) {
	dst, ok := e.destinations[octx.DstChainID]
	if !ok {
		return false, fmt.Errorf("destination chain %d: %w", octx.DstChainID, ErrUnknownChain)
	}
	if _, err := dst.Fund(ctx, octx); err != nil {
		return false, err
	}
	if err := e.store.UpdateStatus(octx.OrderHash, order.StatusHTLCCreated); err != nil {
		return false, err
	}
	return true, nil
}

// stepCreated matches the source escrow, settles the source token,
// registers the reveal watch, and waits for destination confirmation.
func (e *Engine) stepCreated(ctx context.Context, octx *order.Context) (bool, error) {
	dst, ok := e.destinations[octx.DstChainID]
	if !ok {
		return false, fmt.Errorf("destination chain %d: %w", octx.DstChainID, ErrUnknownChain)
	}

	if _, err := e.src.MatchOrder(ctx, octx); err != nil {
		return false, err
	}
	if _, err := e.src.Settle(ctx, octx); err != nil {
		return false, err
	}

	// Watch before the lock confirms: a reveal can only follow the
	// counterparty seeing the funded lock, so registering here keeps
	// the monitor ahead of the first possible reveal.
	e.watcher.WatchOrder(octx.OrderHash)

	confirmed, err := dst.FundingConfirmed(ctx, octx)
	if err != nil {
		if errors.Is(err, ErrFundingDropped) {
			// Replaying Fund adopts a surviving lock or rebuilds it.
			if _, ferr := dst.Fund(ctx, octx); ferr != nil {
				return false, ferr
			}
			return false, nil
		}
		return false, err
	}
	if !confirmed {
		return false, nil
	}
	if err := e.store.UpdateStatus(octx.OrderHash, order.StatusHTLCFunded); err != nil {
		return false, err
	}
	return true, nil
}

// stepFunded re-verifies the lock and promotes an already-observed
// secret. A reorg that dropped the funding falls back to htlc_created.
func (e *Engine) stepFunded(ctx context.Context, octx *order.Context) (bool, error) {
	e.watcher.WatchOrder(octx.OrderHash)

	dst, ok := e.destinations[octx.DstChainID]
	if !ok {
		return false, fmt.Errorf("destination chain %d: %w", octx.DstChainID, ErrUnknownChain)
	}
	if _, err := dst.FundingConfirmed(ctx, octx); err != nil {
		if errors.Is(err, ErrFundingDropped) {
			e.logger.Warn().
				Str("order", octx.OrderHash.Short()).
				Msg("funding transaction reorged away, refunding the lock")
			if err := e.store.UpdateStatus(octx.OrderHash, order.StatusHTLCCreated); err != nil {
				return false, err
			}
			return true, nil
		}
		return false, err
	}

	if !octx.Secret.IsZero() {
		if err := e.store.UpdateStatus(octx.OrderHash, order.StatusSecretRevealed); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, nil
}

// stepRevealed performs the counter-claim with the observed secret and
// completes the source escrow.
func (e *Engine) stepRevealed(ctx context.Context, octx *order.Context) (bool, error) {
	if octx.Secret.IsZero() {
		return false, fmt.Errorf("order %s marked revealed without a secret: %w",
			octx.OrderHash.Short(), swap.ErrStateConflict)
	}
	dst, ok := e.destinations[octx.DstChainID]
	if !ok {
		return false, fmt.Errorf("destination chain %d: %w", octx.DstChainID, ErrUnknownChain)
	}

	if _, err := dst.Claim(ctx, octx, octx.Secret); err != nil {
		return false, err
	}
	// The reveal was observed on the source chain, so the escrow is
	// usually complete already; the factory no-ops a second call.
	if _, err := e.src.CompleteOrder(ctx, octx, octx.Secret); err != nil {
		return false, err
	}

	if err := e.store.UpdateStatus(octx.OrderHash, order.StatusClaimed); err != nil {
		return false, err
	}
	e.watcher.UnwatchOrder(octx.OrderHash)
	e.logger.Info().Str("order", octx.OrderHash.Short()).Msg("swap claimed")
	return true, nil
}

// handleFailure classifies a step error. Transient classes already
// exhausted their retries here; whether the order fails depends on
// whether funds are locked on-chain.
func (e *Engine) handleFailure(octx *order.Context, err error, logger zerolog.Logger) {
	class := swap.Classify(err)
	logger.Error().Err(err).
		Str("class", class.String()).
		Str("status", string(octx.Status)).
		Msg("order step failed")

	switch class {
	case swap.ClassStateConflict, swap.ClassNotYetRefundable:
		// Nothing to record; a later tick or message retries.
		return
	}

	switch octx.Status {
	case order.StatusPending, order.StatusHTLCCreated:
		// No funds are locked yet (Fund discovers partial broadcasts on
		// replay), so the order can fail outright.
		if ferr := e.store.Fail(octx.OrderHash, err.Error()); ferr != nil {
			logger.Error().Err(ferr).Msg("recording failure")
			return
		}
		e.watcher.UnwatchOrder(octx.OrderHash)
	default:
		// Funded orders never fail: the refund path guarantees the
		// lock comes back. Record the error and keep the order live.
		if serr := e.store.SetError(octx.OrderHash, err.Error()); serr != nil {
			logger.Error().Err(serr).Msg("recording step error")
		}
	}
}
