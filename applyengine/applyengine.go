// Package applyengine implements the Diff Applier (C5, §4.5): it commits
// a PreparedDiff inside one transaction guarded by the element-table
// advisory lock, re-checking every race window the Optimistic
// Orchestrator (C6) exists to retry around. The transaction runs at the
// connection's default isolation level, not SERIALIZABLE; writers are
// serialized by the advisory lock alone.
package applyengine

import (
	"context"
	"strings"
	"time"

	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/changeset"
	"github.com/osmng/editcore/db"
	"github.com/osmng/editcore/diffengine"
	"github.com/osmng/editcore/element"
	"github.com/osmng/editcore/model"
	"gorm.io/gorm"
)

// AppliedDiff is what a successful Apply hands back to the caller.
type AppliedDiff struct {
	// PlaceholderMap maps each client-supplied placeholder ref to the
	// real id assigned to it (passed through from the PreparedDiff).
	PlaceholderMap map[model.ElementRef]int64
	Elements       []model.Element
}

// Applier is C5.
type Applier struct {
	DB         *gorm.DB
	Elements   *element.Store
	Changesets *changeset.Store
	Now        func() time.Time
}

func New(gdb *gorm.DB, elements *element.Store, changesets *changeset.Store, now func() time.Time) *Applier {
	return &Applier{DB: gdb, Elements: elements, Changesets: changesets, Now: now}
}

// Apply commits diff. Any returned *apierror.Error with a recoverable
// Kind means the caller (C6) should re-prepare against a fresh snapshot
// and try again; every other error is final.
func (a *Applier) Apply(ctx context.Context, diff *diffengine.PreparedDiff, role model.Role) (*AppliedDiff, error) {
	var result *AppliedDiff

	err := a.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := db.AdvisoryXactLock(tx, db.ElementWriteLockKey); err != nil {
			return err
		}

		elementsTx := a.Elements.WithTx(tx)
		changesetsTx := a.Changesets.WithTx(tx)
		now := a.Now()

		latestCreatedAt, err := elementsTx.LatestCreatedAt(ctx)
		if err != nil {
			return err
		}
		if !latestCreatedAt.IsZero() && latestCreatedAt.After(now) {
			return apierror.TimeIntegrity()
		}

		for _, check := range diff.ReferenceChecks {
			current, err := elementsTx.CurrentVersion(ctx, check.Ref, 0)
			if err != nil {
				return err
			}
			if current != check.Version {
				return apierror.SnapshotDrift(check.Ref, check.Version, current)
			}

			exists, err := elementsTx.AnyParentExistsAfter(ctx, []model.ElementRef{check.Ref}, check.SequenceFloor)
			if err != nil {
				return err
			}
			if exists {
				return apierror.PostSnapshotParent(check.Ref)
			}
		}

		updatedAt, err := changesetsTx.UpdatedAt(ctx, []int64{diff.ChangesetID})
		if err != nil {
			return err
		}
		if ts, ok := updatedAt[diff.ChangesetID]; ok && ts.After(diff.ChangesetUpdatedAt) {
			return apierror.UpdatedAtDrift(diff.ChangesetID)
		}

		committed := make([]model.Element, len(diff.Elements))
		for i, e := range diff.Elements {
			e.CreatedAt = now
			committed[i] = e
		}

		if err := elementsTx.Insert(ctx, committed); err != nil {
			if isUniqueViolation(err) {
				return apierror.UniqueViolation(err)
			}
			return err
		}

		_, ok, err := changesetsTx.TryIncreaseSize(ctx, diff.ChangesetID, role, diff.DeltaCreate, diff.DeltaModify, diff.DeltaDelete, now)
		if err != nil {
			return err
		}
		if !ok {
			// The changeset grew concurrently between prepare and apply;
			// C4 already bounded the request by a conservative estimate,
			// so this can only be a race. Retry against a fresh snapshot.
			return apierror.UpdatedAtDrift(diff.ChangesetID)
		}

		if err := changesetsTx.ApplyBounds(ctx, diff.ChangesetID, diff.BBoxPoints); err != nil {
			return err
		}

		result = &AppliedDiff{PlaceholderMap: diff.PlaceholderMap, Elements: committed}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// isUniqueViolation recognizes a Postgres unique-constraint error (SQLSTATE
// 23505) without importing the pgconn/pq error types directly, so this
// package stays agnostic to which postgres driver GORM uses underneath.
func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "23505") || strings.Contains(msg, "duplicate key value")
}
