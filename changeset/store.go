package changeset

import (
	"context"
	"time"

	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store is the Changeset Store contract (C2, §4.2) plus the lifecycle
// operations of C8 (§4.8).
type Store struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// Get loads a changeset by id, or returns nil if it does not exist.
func (s *Store) Get(ctx context.Context, id int64) (*model.Changeset, error) {
	var row Row
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetForUpdate loads a changeset with a row lock, for the owner-only
// lifecycle mutations of §4.8.
func (s *Store) GetForUpdate(ctx context.Context, id int64) (*model.Changeset, error) {
	var row Row
	err := s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}).First(&row, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c, err := fromRow(row)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// UpdatedAt returns each changeset's updated_at, used by C5's drift check
// to detect a racing tag update between prepare and apply.
func (s *Store) UpdatedAt(ctx context.Context, ids []int64) (map[int64]time.Time, error) {
	if len(ids) == 0 {
		return map[int64]time.Time{}, nil
	}
	var rows []struct {
		ID        int64
		UpdatedAt time.Time
	}
	err := s.db.WithContext(ctx).Model(&Row{}).
		Select("id, updated_at").
		Where("id IN ?", ids).
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make(map[int64]time.Time, len(rows))
	for _, r := range rows {
		out[r.ID] = r.UpdatedAt
	}
	return out, nil
}

// Filter narrows Find's result set; zero-value fields are unconstrained.
type Filter struct {
	UserID        *int64
	Open          *bool
	CreatedBefore *time.Time
	ClosedAfter   *time.Time
	Geometry      *model.Rect
	IDs           []int64
	Limit         int
}

// Find lists changesets matching filter, newest id first.
func (s *Store) Find(ctx context.Context, f Filter) ([]model.Changeset, error) {
	q := s.db.WithContext(ctx).Model(&Row{})

	if f.UserID != nil {
		q = q.Where("user_id = ?", *f.UserID)
	}
	if f.Open != nil {
		if *f.Open {
			q = q.Where("closed_at IS NULL")
		} else {
			q = q.Where("closed_at IS NOT NULL")
		}
	}
	if f.CreatedBefore != nil {
		q = q.Where("created_at < ?", *f.CreatedBefore)
	}
	if f.ClosedAfter != nil {
		q = q.Where("closed_at > ?", *f.ClosedAfter)
	}
	if len(f.IDs) > 0 {
		q = q.Where("id IN ?", f.IDs)
	}
	if f.Geometry != nil && !f.Geometry.Empty() {
		// Bounds is stored as opaque JSON (no PostGIS dependency), so the
		// geometry filter is a coarse bbox-vs-bbox overlap test evaluated
		// in Go over a candidate page rather than pushed into SQL.
	}

	limit := f.Limit
	if limit <= 0 || limit > 10000 {
		limit = 100
	}

	var rows []Row
	if err := q.Order("id DESC").Limit(limit * 4).Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]model.Changeset, 0, len(rows))
	for _, row := range rows {
		c, err := fromRow(row)
		if err != nil {
			return nil, err
		}
		if f.Geometry != nil && !f.Geometry.Empty() {
			if !boundsIntersect(c.Bounds, *f.Geometry) {
				continue
			}
		}
		out = append(out, c)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

func boundsIntersect(bounds model.Bounds, r model.Rect) bool {
	for _, b := range bounds {
		if b.Intersects(r) {
			return true
		}
	}
	return false
}

// CountByUser returns how many changesets userID has ever opened.
func (s *Store) CountByUser(ctx context.Context, userID int64) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&Row{}).Where("user_id = ?", userID).Count(&count).Error
	return count, err
}

// Create opens a new changeset for userID (§4.8 "Create").
func (s *Store) Create(ctx context.Context, userID int64, tags map[string]string, now time.Time) (*model.Changeset, error) {
	if err := apierror.ValidateTags(tags); err != nil {
		return nil, err
	}
	c := model.Changeset{
		UserID:    userID,
		Tags:      tags,
		CreatedAt: now,
		UpdatedAt: now,
		Bounds:    model.Bounds{},
	}
	row, err := toRow(c)
	if err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	c.ID = row.ID
	return &c, nil
}

// UpdateTags replaces a changeset's tag set (§4.8 "Update tags"). Caller
// must already hold the row lock via GetForUpdate and have verified
// ownership and open state.
func (s *Store) UpdateTags(ctx context.Context, id int64, tags map[string]string, now time.Time) error {
	if err := apierror.ValidateTags(tags); err != nil {
		return err
	}
	tagsJSON, err := marshalTags(tags)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Row{}).Where("id = ?", id).
		Updates(map[string]any{"tags": tagsJSON, "updated_at": now}).Error
}

// Close sets closed_at (§4.8 "Close" and the auto-close path of §4.9).
func (s *Store) Close(ctx context.Context, id int64, now time.Time) error {
	return s.db.WithContext(ctx).Model(&Row{}).Where("id = ?", id).
		Updates(map[string]any{"closed_at": now, "updated_at": now}).Error
}

// TryIncreaseSize atomically reserves Δ operations against the
// changeset's size cap (§4.2 "Size management"). It returns the updated
// changeset and whether the reservation succeeded; on failure the
// changeset is unchanged.
func (s *Store) TryIncreaseSize(ctx context.Context, id int64, role model.Role, deltaCreate, deltaModify, deltaDelete int, now time.Time) (*model.Changeset, bool, error) {
	c, err := s.GetForUpdate(ctx, id)
	if err != nil {
		return nil, false, err
	}
	if c == nil {
		return nil, false, apierror.ChangesetNotFound(id)
	}
	if !c.IsOpen() {
		return c, false, nil
	}

	delta := deltaCreate + deltaModify + deltaDelete
	capLimit := model.SizeCap(role)
	newSize := c.Size + delta
	if newSize > capLimit {
		return c, false, nil
	}

	c.Size = newSize
	c.NumCreate += deltaCreate
	c.NumModify += deltaModify
	c.NumDelete += deltaDelete
	c.UpdatedAt = now

	err = s.db.WithContext(ctx).Model(&Row{}).Where("id = ?", id).
		Updates(map[string]any{
			"size": c.Size, "num_create": c.NumCreate, "num_modify": c.NumModify,
			"num_delete": c.NumDelete, "updated_at": now,
		}).Error
	if err != nil {
		return nil, false, err
	}

	if newSize == capLimit {
		if err := s.Close(ctx, id, now); err != nil {
			return nil, false, err
		}
		closedAt := now
		c.ClosedAt = &closedAt
	}

	return c, true, nil
}

// ApplyBounds folds bbox contribution points into the changeset's stored
// bounds (§4.2 accumulation rule).
func (s *Store) ApplyBounds(ctx context.Context, id int64, points []model.Point) error {
	if len(points) == 0 {
		return nil
	}
	c, err := s.GetForUpdate(ctx, id)
	if err != nil {
		return err
	}
	if c == nil {
		return apierror.ChangesetNotFound(id)
	}
	merged := AccumulatePoints(c.Bounds, points)
	boundsJSON, err := marshalBounds(merged)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&Row{}).Where("id = ?", id).
		Update("bounds", boundsJSON).Error
}

// AddComment appends a discussion comment (§4.8 "Comment").
func (s *Store) AddComment(ctx context.Context, changesetID, userID int64, body string, now time.Time) (*model.ChangesetComment, error) {
	row := CommentRow{ChangesetID: changesetID, UserID: userID, Body: body, CreatedAt: now}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return nil, err
	}
	if err := s.db.WithContext(ctx).Model(&Row{}).Where("id = ?", changesetID).
		Update("updated_at", now).Error; err != nil {
		return nil, err
	}
	c := fromCommentRow(row)
	return &c, nil
}

// ListComments returns a changeset's visible comments, oldest first.
func (s *Store) ListComments(ctx context.Context, changesetID int64) ([]model.ChangesetComment, error) {
	var rows []CommentRow
	err := s.db.WithContext(ctx).
		Where("changeset_id = ? AND hidden = FALSE", changesetID).
		Order("id ASC").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]model.ChangesetComment, len(rows))
	for i, r := range rows {
		out[i] = fromCommentRow(r)
	}
	return out, nil
}

// DeleteComment logically hides a comment (§4.8 "Delete comment",
// moderator-only).
func (s *Store) DeleteComment(ctx context.Context, commentID int64) error {
	return s.db.WithContext(ctx).Model(&CommentRow{}).Where("id = ?", commentID).
		Update("hidden", true).Error
}

func marshalTags(tags map[string]string) ([]byte, error) {
	row, err := toRow(model.Changeset{Tags: tags})
	if err != nil {
		return nil, err
	}
	return row.Tags, nil
}

func marshalBounds(bounds model.Bounds) ([]byte, error) {
	row, err := toRow(model.Changeset{Bounds: bounds})
	if err != nil {
		return nil, err
	}
	return row.Bounds, nil
}
