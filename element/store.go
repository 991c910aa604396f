package element

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/osmng/editcore/cache"
	"github.com/osmng/editcore/model"
	"gorm.io/gorm"
)

// SortBy selects the ordering for GetByChangeset.
type SortBy int

const (
	SortByID SortBy = iota
	SortBySequence
)

// VersionRange optionally bounds GetVersions; a nil bound is unbounded.
type VersionRange struct {
	From *int
	To   *int
}

// Store is the Element Store contract (C1, §4.1). All read operations take
// atSnapshot: 0 means "unbounded, read the latest state"; a positive value
// pins reads to "current at S" as defined in §4.1.
type Store struct {
	db    *gorm.DB
	cache *cache.Cache
}

// New wraps a GORM handle (a plain connection or an open transaction) as
// an Element Store.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithCache attaches a read-through cache for CurrentSequenceID and
// single-ref current-version lookups. A nil cache (the zero value from
// New) is always a safe no-op.
func (s *Store) WithCache(c *cache.Cache) *Store {
	return &Store{db: s.db, cache: c}
}

// WithTx returns a Store bound to tx, for use inside the applier's
// transaction (C5). The cache, if any, carries over unchanged.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx, cache: s.cache}
}

func snapshotClause(atSnapshot int64) (string, []any) {
	if atSnapshot <= 0 {
		return "", nil
	}
	return "seq <= ?", []any{atSnapshot}
}

func andClauses(clauses ...string) string {
	var nonEmpty []string
	for _, c := range clauses {
		if c != "" {
			nonEmpty = append(nonEmpty, c)
		}
	}
	if len(nonEmpty) == 0 {
		return "TRUE"
	}
	return strings.Join(nonEmpty, " AND ")
}

// CurrentSequenceID returns the largest committed write-sequence id, or 0
// if the store is empty. Read-through cached per §4.7's hot-path note;
// a cache hit skips Postgres entirely.
func (s *Store) CurrentSequenceID(ctx context.Context) (int64, error) {
	if seq, ok := s.cache.GetSequence(ctx); ok {
		return seq, nil
	}
	var seq int64
	if err := s.db.WithContext(ctx).Raw(`SELECT COALESCE(MAX(seq), 0) FROM elements`).Scan(&seq).Error; err != nil {
		return 0, err
	}
	s.cache.SetSequence(ctx, seq)
	return seq, nil
}

// LatestCreatedAt returns the created_at of the most recently committed
// element row, or the zero time if the store is empty. Used by the Diff
// Preparer's clock-regression guard (§4.4 step 1).
func (s *Store) LatestCreatedAt(ctx context.Context) (time.Time, error) {
	var createdAt *time.Time
	err := s.db.WithContext(ctx).
		Raw(`SELECT created_at FROM elements ORDER BY seq DESC LIMIT 1`).
		Scan(&createdAt).Error
	if err != nil || createdAt == nil {
		return time.Time{}, err
	}
	return *createdAt, nil
}

// MaxID returns the largest assigned id for typ, or 0 if none exist.
func (s *Store) MaxID(ctx context.Context, typ model.ElementType) (int64, error) {
	var id int64
	err := s.db.WithContext(ctx).
		Raw(`SELECT COALESCE(MAX(typed_id), 0) FROM elements WHERE type = ?`, uint8(typ)).
		Scan(&id).Error
	return id, err
}

// CurrentVersion returns the current version of ref at atSnapshot, or 0 if
// it never existed at that snapshot.
func (s *Store) CurrentVersion(ctx context.Context, ref model.ElementRef, atSnapshot int64) (int, error) {
	snapClause, snapArgs := snapshotClause(atSnapshot)
	query := fmt.Sprintf(`
		SELECT version FROM elements
		WHERE type = ? AND typed_id = ? AND %s
		ORDER BY version DESC LIMIT 1`, andClauses(snapClause))
	args := append([]any{uint8(ref.Type), ref.ID}, snapArgs...)

	var version int
	err := s.db.WithContext(ctx).Raw(query, args...).Scan(&version).Error
	return version, err
}

// GetVersions returns the full (optionally range-bounded) version history
// of ref, ordered ascending by version unless asc is false.
func (s *Store) GetVersions(ctx context.Context, ref model.ElementRef, vr *VersionRange, asc bool, limit int) ([]model.Element, error) {
	clauses := []string{"type = ?", "typed_id = ?"}
	args := []any{uint8(ref.Type), ref.ID}

	if vr != nil {
		if vr.From != nil {
			clauses = append(clauses, "version >= ?")
			args = append(args, *vr.From)
		}
		if vr.To != nil {
			clauses = append(clauses, "version <= ?")
			args = append(args, *vr.To)
		}
	}

	order := "version ASC"
	if !asc {
		order = "version DESC"
	}

	query := fmt.Sprintf(`SELECT * FROM elements WHERE %s ORDER BY %s`, strings.Join(clauses, " AND "), order)
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []Row
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// GetByVersioned returns the exact element version named by each ref.
func (s *Store) GetByVersioned(ctx context.Context, refs []model.VersionedElementRef, atSnapshot int64, limit int) ([]model.Element, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	var orClauses []string
	var args []any
	for _, r := range refs {
		orClauses = append(orClauses, "(type = ? AND typed_id = ? AND version = ?)")
		args = append(args, uint8(r.Type), r.ID, r.Version)
	}
	snapClause, snapArgs := snapshotClause(atSnapshot)
	args = append(args, snapArgs...)

	query := fmt.Sprintf(`SELECT * FROM elements WHERE (%s) AND %s ORDER BY type, typed_id, version`,
		strings.Join(orClauses, " OR "), andClauses(snapClause))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []Row
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// GetCurrent returns the current version at atSnapshot of each ref. When
// recurseWays is true, any returned way also pulls in its current member
// nodes (one level, ways -> nodes only, per §4.1).
func (s *Store) GetCurrent(ctx context.Context, refs []model.ElementRef, atSnapshot int64, recurseWays bool, limit int) ([]model.Element, error) {
	elements, err := s.getCurrentByRefs(ctx, refs, atSnapshot, limit)
	if err != nil {
		return nil, err
	}
	if !recurseWays {
		return elements, nil
	}

	var nodeRefs []model.ElementRef
	seen := map[model.ElementRef]bool{}
	for _, e := range elements {
		seen[e.Ref] = true
	}
	for _, e := range elements {
		if e.Ref.Type != model.ElementTypeWay {
			continue
		}
		for _, m := range e.Members {
			if !seen[m] {
				seen[m] = true
				nodeRefs = append(nodeRefs, m)
			}
		}
	}
	if len(nodeRefs) == 0 {
		return elements, nil
	}

	nodes, err := s.getCurrentByRefs(ctx, nodeRefs, atSnapshot, 0)
	if err != nil {
		return nil, err
	}
	return append(elements, nodes...), nil
}

func (s *Store) getCurrentByRefs(ctx context.Context, refs []model.ElementRef, atSnapshot int64, limit int) ([]model.Element, error) {
	if len(refs) == 0 {
		return nil, nil
	}

	// Only single unversioned current-ref lookups are cached, to keep the
	// cache's key scheme a plain (type,id) pair.
	if len(refs) == 1 && atSnapshot == 0 {
		if e, ok := s.cache.GetElement(ctx, refs[0]); ok {
			return []model.Element{e}, nil
		}
		elements, err := s.getCurrentByRefsUncached(ctx, refs, atSnapshot, limit)
		if err != nil {
			return nil, err
		}
		if len(elements) == 1 {
			s.cache.SetElement(ctx, elements[0])
		}
		return elements, nil
	}

	return s.getCurrentByRefsUncached(ctx, refs, atSnapshot, limit)
}

func (s *Store) getCurrentByRefsUncached(ctx context.Context, refs []model.ElementRef, atSnapshot int64, limit int) ([]model.Element, error) {
	var orClauses []string
	var args []any
	for _, r := range refs {
		orClauses = append(orClauses, "(type = ? AND typed_id = ?)")
		args = append(args, uint8(r.Type), r.ID)
	}
	snapClause, snapArgs := snapshotClause(atSnapshot)
	args = append(args, snapArgs...)

	query := fmt.Sprintf(`
		SELECT DISTINCT ON (type, typed_id) *
		FROM elements
		WHERE (%s) AND %s
		ORDER BY type, typed_id, version DESC`,
		strings.Join(orClauses, " OR "), andClauses(snapClause))
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []Row
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// GetByMixed resolves a batch that mixes versioned and unversioned refs,
// preserving caller order and dropping duplicates; a ref that does not
// exist yields a nil slot.
func (s *Store) GetByMixed(ctx context.Context, refs []model.MixedRef, atSnapshot int64, limit int) ([]*model.Element, error) {
	var unversioned []model.ElementRef
	var versioned []model.VersionedElementRef
	for _, r := range refs {
		if r.Versioned == nil {
			unversioned = append(unversioned, r.Ref)
		} else {
			versioned = append(versioned, model.VersionedElementRef{ElementRef: r.Ref, Version: *r.Versioned})
		}
	}

	currentByRef := map[model.ElementRef]model.Element{}
	if len(unversioned) > 0 {
		elements, err := s.getCurrentByRefs(ctx, unversioned, atSnapshot, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range elements {
			currentByRef[e.Ref] = e
		}
	}

	byVersioned := map[model.VersionedElementRef]model.Element{}
	if len(versioned) > 0 {
		elements, err := s.GetByVersioned(ctx, versioned, atSnapshot, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range elements {
			byVersioned[e.VersionedRef()] = e
		}
	}

	out := make([]*model.Element, 0, len(refs))
	seen := map[model.MixedRef]bool{}
	for _, r := range refs {
		if seen[r] {
			continue
		}
		seen[r] = true

		if r.Versioned == nil {
			if e, ok := currentByRef[r.Ref]; ok {
				e := e
				out = append(out, &e)
			} else {
				out = append(out, nil)
			}
			continue
		}
		vref := model.VersionedElementRef{ElementRef: r.Ref, Version: *r.Versioned}
		if e, ok := byVersioned[vref]; ok {
			e := e
			out = append(out, &e)
		} else {
			out = append(out, nil)
		}
	}

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func memberMatchClause(refs []model.ElementRef) (string, []any) {
	var ors []string
	var args []any
	for _, r := range refs {
		ors = append(ors, "(m->>'type' = ? AND (m->>'id')::bigint = ?)")
		args = append(args, r.Type.String(), r.ID)
	}
	return strings.Join(ors, " OR "), args
}

// GetParents returns current elements that currently reference any of
// memberRefs. When parentType is non-nil, the search is narrowed to that
// type (the §4.1 optimization: member refs that are all ways/relations can
// only have relation parents).
func (s *Store) GetParents(ctx context.Context, memberRefs []model.ElementRef, atSnapshot int64, parentType *model.ElementType, limit int) ([]model.Element, error) {
	if len(memberRefs) == 0 {
		return nil, nil
	}

	memberClause, memberArgs := memberMatchClause(memberRefs)
	snapClause, snapArgs := snapshotClause(atSnapshot)

	typeClause := ""
	var typeArgs []any
	if parentType != nil {
		typeClause = "type = ?"
		typeArgs = []any{uint8(*parentType)}
	}

	query := fmt.Sprintf(`
		WITH current AS (
			SELECT DISTINCT ON (type, typed_id) *
			FROM elements
			WHERE %s
			ORDER BY type, typed_id, version DESC
		)
		SELECT * FROM current
		WHERE %s
		AND EXISTS (
			SELECT 1 FROM jsonb_array_elements(COALESCE(members, '[]'::jsonb)) m
			WHERE %s
		)
		ORDER BY type, typed_id`,
		andClauses(snapClause), andClauses(typeClause), memberClause)

	args := append(append([]any{}, snapArgs...), typeArgs...)
	args = append(args, memberArgs...)

	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}

	var rows []Row
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// GetByChangeset returns every element version written under changesetID.
func (s *Store) GetByChangeset(ctx context.Context, changesetID int64, sortBy SortBy) ([]model.Element, error) {
	order := "type, typed_id, version"
	if sortBy == SortBySequence {
		order = "seq"
	}
	var rows []Row
	err := s.db.WithContext(ctx).
		Raw(fmt.Sprintf(`SELECT * FROM elements WHERE changeset_id = ? ORDER BY %s`, order), changesetID).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// FindByGeom returns current, visible nodes inside rect (§4.7 step 2).
func (s *Store) FindByGeom(ctx context.Context, rect model.Rect, nodesLimit int) ([]model.Element, error) {
	query := `
		WITH current_nodes AS (
			SELECT DISTINCT ON (typed_id) *
			FROM elements
			WHERE type = 0
			ORDER BY typed_id, version DESC
		)
		SELECT * FROM current_nodes
		WHERE visible = TRUE AND lon BETWEEN ? AND ? AND lat BETWEEN ? AND ?
		ORDER BY typed_id`
	args := []any{rect.MinLon, rect.MaxLon, rect.MinLat, rect.MaxLat}
	if nodesLimit > 0 {
		query += fmt.Sprintf(" LIMIT %d", nodesLimit)
	}

	var rows []Row
	if err := s.db.WithContext(ctx).Raw(query, args...).Scan(&rows).Error; err != nil {
		return nil, err
	}
	return fromRows(rows)
}

// AnyParentExistsAfter reports whether any element committed after
// sequenceID now references any of memberRefs (C5's post-snapshot
// reference re-check).
func (s *Store) AnyParentExistsAfter(ctx context.Context, memberRefs []model.ElementRef, sequenceID int64) (bool, error) {
	if len(memberRefs) == 0 {
		return false, nil
	}

	memberClause, memberArgs := memberMatchClause(memberRefs)
	query := fmt.Sprintf(`
		SELECT EXISTS (
			SELECT 1 FROM elements
			WHERE seq > ?
			AND EXISTS (
				SELECT 1 FROM jsonb_array_elements(COALESCE(members, '[]'::jsonb)) m
				WHERE %s
			)
		)`, memberClause)

	args := append([]any{sequenceID}, memberArgs...)

	var exists bool
	err := s.db.WithContext(ctx).Raw(query, args...).Scan(&exists).Error
	return exists, err
}

// Insert writes new element rows inside the caller's transaction (used by
// the Diff Applier, C5). Elements must already have CreatedAt and real
// (non-placeholder) ids assigned.
func (s *Store) Insert(ctx context.Context, elements []model.Element) error {
	if len(elements) == 0 {
		return nil
	}
	rows := make([]Row, len(elements))
	refs := make([]model.ElementRef, len(elements))
	for i, e := range elements {
		row, err := toRow(e)
		if err != nil {
			return err
		}
		rows[i] = row
		refs[i] = e.Ref
	}
	if err := s.db.WithContext(ctx).Create(&rows).Error; err != nil {
		return err
	}
	s.cache.InvalidateSequence(ctx)
	s.cache.InvalidateElements(ctx, refs)
	return nil
}

func fromRows(rows []Row) ([]model.Element, error) {
	out := make([]model.Element, len(rows))
	for i, row := range rows {
		e, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}
