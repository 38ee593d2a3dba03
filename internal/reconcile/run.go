package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/temirov/premerge/internal/watcher"
)

const (
	defaultPollIntervalConstant = 30 * time.Second
	pollFailedMessageConstant   = "poll failed, retrying on next tick"
	runStoppedMessageConstant   = "reconciliation loop stopped"
)

// Poller reports reference movements since its previous call.
type Poller interface {
	Poll(executionContext context.Context) ([]watcher.ChangeEvent, error)
}

// PollAndReconcile performs one poll followed by one full cycle.
func (reconciler *Reconciler) PollAndReconcile(executionContext context.Context, poller Poller) (CycleSummary, error) {
	events, pollError := poller.Poll(executionContext)
	if pollError != nil {
		return CycleSummary{}, pollError
	}
	reconciler.Apply(events)
	return reconciler.Reconcile(executionContext)
}

// Run polls on its own ticker and reconciles on a separate goroutine until the
// context ends or a cycle fails fatally. Poll failures are logged and retried
// on the next tick; branches in StateError are retried after every successful poll.
func (reconciler *Reconciler) Run(executionContext context.Context, poller Poller, interval time.Duration) error {
	if interval <= 0 {
		interval = defaultPollIntervalConstant
	}

	group, groupContext := errgroup.WithContext(executionContext)
	wake := make(chan struct{}, 1)

	group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			reconciler.pollOnce(groupContext, poller, wake)
			select {
			case <-groupContext.Done():
				return nil
			case <-ticker.C:
			}
		}
	})

	group.Go(func() error {
		for {
			select {
			case <-groupContext.Done():
				return nil
			case <-wake:
			}
			if _, cycleError := reconciler.Reconcile(groupContext); cycleError != nil && groupContext.Err() == nil {
				return cycleError
			}
		}
	})

	runError := group.Wait()
	reconciler.logger.Info(runStoppedMessageConstant, zap.Error(runError))
	return runError
}

func (reconciler *Reconciler) pollOnce(executionContext context.Context, poller Poller, wake chan<- struct{}) {
	events, pollError := poller.Poll(executionContext)
	if pollError != nil {
		if executionContext.Err() == nil {
			reconciler.logger.Warn(pollFailedMessageConstant, zap.Error(pollError))
		}
		return
	}

	reconciler.Apply(events)
	reconciler.RetryFailed()
	select {
	case wake <- struct{}{}:
	default:
	}
}
