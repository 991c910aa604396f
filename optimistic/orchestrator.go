// Package optimistic implements the Optimistic Orchestrator (C6, §4.6):
// it wraps one prepare/apply cycle in a bounded retry loop, retrying only
// the recoverable error kinds C5 can report and giving up once the wall-
// clock budget is exhausted. Grounded on the original's
// OptimisticDiff.update retry loop, carried over into a logrus severity
// escalation instead of logging.debug/info/warning calls.
package optimistic

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/applyengine"
	"github.com/osmng/editcore/diffengine"
	"github.com/osmng/editcore/model"
	"github.com/sirupsen/logrus"
)

// Orchestrator is C6.
type Orchestrator struct {
	Preparer *diffengine.Preparer
	Applier  *applyengine.Applier
	Budget   time.Duration
	Log      *logrus.Logger
}

// New constructs an Orchestrator with the default §6.4 retry budget.
func New(preparer *diffengine.Preparer, applier *applyengine.Applier, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{Preparer: preparer, Applier: applier, Budget: model.OptimisticRetryBudget, Log: log}
}

// Apply runs the full prepare/apply cycle for one osmChange submission,
// retrying recoverable conflicts until the budget is spent.
func (o *Orchestrator) Apply(ctx context.Context, changesetID, callerUserID int64, role model.Role, actions []diffengine.Action) (*applyengine.AppliedDiff, error) {
	if len(actions) == 0 {
		return &applyengine.AppliedDiff{}, nil
	}

	budget := o.Budget
	if budget <= 0 {
		budget = model.OptimisticRetryBudget
	}
	start := time.Now()

	// diffID correlates every retry attempt and both sub-stage log lines
	// for one osmChange submission across logs/traces.
	diffID := uuid.New().String()
	log := o.logger().WithField("diff_id", diffID).WithField("changeset_id", changesetID)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		diff, err := o.Preparer.Prepare(ctx, changesetID, callerUserID, role, actions)
		if err != nil {
			if !o.shouldRetry(log, err, start, budget, attempt) {
				return nil, err
			}
			continue
		}

		applied, err := o.Applier.Apply(ctx, diff, role)
		if err != nil {
			if !o.shouldRetry(log, err, start, budget, attempt) {
				return nil, err
			}
			continue
		}

		return applied, nil
	}
}

// shouldRetry reports whether err is recoverable and the budget permits
// another attempt, logging at the escalating severity of §4.6.
func (o *Orchestrator) shouldRetry(log *logrus.Entry, err error, start time.Time, budget time.Duration, attempt int) bool {
	if !apierror.Recoverable(err) {
		return false
	}

	elapsed := time.Since(start)
	if elapsed >= budget {
		log.WithError(err).WithField("attempt", attempt).
			Error("optimistic diff failed and timed out, giving up")
		return false
	}

	entry := log.WithError(err).WithField("attempt", attempt)
	switch {
	case attempt <= 2:
		entry.Debug("optimistic diff failed, retrying")
	case attempt == 3:
		entry.Info("optimistic diff failed, retrying")
	default:
		entry.Warn("optimistic diff failed, retrying")
	}
	return true
}

func (o *Orchestrator) logger() *logrus.Logger {
	if o.Log != nil {
		return o.Log
	}
	return logrus.StandardLogger()
}
