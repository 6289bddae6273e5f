// Package settlement watches individual lnd invoices and fires a one-shot
// trigger once an invoice is settled.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/ellemouton/lnaddr/internal/metrics"
	"github.com/lightninglabs/lndclient"
	"github.com/lightningnetwork/lnd/clock"
	invpkg "github.com/lightningnetwork/lnd/invoices"
	"github.com/lightningnetwork/lnd/lntypes"
	"go.uber.org/zap"
)

// ErrSubscribe is returned by Register when the backend refuses the
// subscription outright.
var ErrSubscribe = errors.New("unable to subscribe to invoice")

// Subscriber is the part of lndclient.InvoicesClient the watcher needs.
type Subscriber interface {
	SubscribeSingleInvoice(ctx context.Context, hash lntypes.Hash) (
		<-chan lndclient.InvoiceUpdate, <-chan error, error)
}

// Settlement describes a settled invoice.
type Settlement struct {
	Hash      lntypes.Hash
	AmtPaid   btcutil.Amount
	SettledAt time.Time
}

// Trigger is called exactly once for a watched invoice that settles. It runs
// on the watch's goroutine; no further updates for the invoice are looked at
// once it has been called.
type Trigger func(ctx context.Context, s Settlement)

// Config holds the watcher's policy.
type Config struct {
	// Timeout bounds how long an invoice is watched. Zero means watches
	// only end on settlement, backend error or shutdown.
	Timeout time.Duration

	// Clock stamps settlements. Defaults to the system clock.
	Clock clock.Clock
}

// Watcher manages one subscription per registered invoice. Watches live as
// long as the context the watcher was created with, independent of whatever
// request registered them.
type Watcher struct {
	ctx      context.Context
	invoices Subscriber
	cfg      Config
	log      *zap.Logger

	wg sync.WaitGroup
}

// NewWatcher creates a watcher whose watches are abandoned when ctx ends.
func NewWatcher(ctx context.Context, invoices Subscriber, cfg Config,
	log *zap.Logger) *Watcher {

	if cfg.Clock == nil {
		cfg.Clock = clock.NewDefaultClock()
	}

	return &Watcher{
		ctx:      ctx,
		invoices: invoices,
		cfg:      cfg,
		log:      log,
	}
}

// Register subscribes to updates for the invoice with the given hash and
// calls trigger once it settles. The subscription is opened before Register
// returns; everything after that happens in the background.
func (w *Watcher) Register(hash lntypes.Hash, trigger Trigger) error {
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if w.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(w.ctx, w.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(w.ctx)
	}

	updates, errs, err := w.invoices.SubscribeSingleInvoice(ctx, hash)
	if err != nil {
		cancel()
		metrics.WatchOutcomes.WithLabelValues("abandoned").Inc()

		return fmt.Errorf("%w %v: %v", ErrSubscribe, hash, err)
	}

	metrics.ActiveWatches.Inc()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer metrics.ActiveWatches.Dec()
		defer cancel()

		w.watch(ctx, &watch{hash: hash}, updates, errs, trigger)
	}()

	return nil
}

// Wait blocks until every watch has ended.
func (w *Watcher) Wait() {
	w.wg.Wait()
}

func (w *Watcher) watch(ctx context.Context, wt *watch,
	updates <-chan lndclient.InvoiceUpdate, errs <-chan error,
	trigger Trigger) {

	log := w.log.With(zap.Stringer("hash", wt.hash))

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				w.abandon(log, wt, errors.New("update stream "+
					"closed"))
				return
			}

			if !wt.advance(update) {
				log.Debug("Ignoring invoice update",
					zap.Stringer("state", update.State))
				continue
			}

			metrics.WatchOutcomes.WithLabelValues("confirmed").Inc()
			log.Info("Invoice settled",
				zap.Int64("amt_paid_sat", int64(update.AmtPaid)))

			w.fire(log, trigger, Settlement{
				Hash:      wt.hash,
				AmtPaid:   update.AmtPaid,
				SettledAt: w.cfg.Clock.Now(),
			})

			return

		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			w.abandon(log, wt, err)
			return

		case <-ctx.Done():
			reason := ctx.Err()
			if errors.Is(reason, context.DeadlineExceeded) {
				reason = fmt.Errorf("not settled within %v",
					w.cfg.Timeout)
			}
			w.abandon(log, wt, reason)
			return
		}
	}
}

// fire runs the trigger, containing any panic so a faulty receipt pipeline
// cannot take the process down.
func (w *Watcher) fire(log *zap.Logger, trigger Trigger, s Settlement) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Panic in settlement trigger",
				zap.Any("panic", r),
				zap.String("stack", string(debug.Stack())))
		}
	}()

	trigger(w.ctx, s)
}

func (w *Watcher) abandon(log *zap.Logger, wt *watch, reason error) {
	if !wt.abandon() {
		return
	}

	metrics.WatchOutcomes.WithLabelValues("abandoned").Inc()
	log.Warn("Abandoning invoice watch, no zap receipt will be sent",
		zap.Error(reason))
}

// State is the lifecycle state of a single watch.
type State uint8

const (
	// StateWatching means the invoice has not settled yet.
	StateWatching State = iota

	// StateConfirmed is terminal: the invoice settled.
	StateConfirmed

	// StateAbandoned is terminal: the watch ended without settlement.
	StateAbandoned
)

func (s State) String() string {
	switch s {
	case StateWatching:
		return "watching"
	case StateConfirmed:
		return "confirmed"
	case StateAbandoned:
		return "abandoned"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

type watch struct {
	hash  lntypes.Hash
	state State
}

// advance applies an invoice update and reports whether it moved the watch
// into StateConfirmed. Updates arriving in a terminal state are ignored.
func (wt *watch) advance(update lndclient.InvoiceUpdate) bool {
	if wt.state != StateWatching {
		return false
	}
	if update.State != invpkg.ContractSettled {
		return false
	}

	wt.state = StateConfirmed

	return true
}

// abandon moves a watching watch into StateAbandoned.
func (wt *watch) abandon() bool {
	if wt.state != StateWatching {
		return false
	}

	wt.state = StateAbandoned

	return true
}
