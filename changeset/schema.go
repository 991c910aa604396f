// Package changeset implements the Changeset Store (C2) and the
// changeset lifecycle operations of §4.9: creation, tag updates, bbox
// accumulation, size reservation, closing, and comments.
package changeset

import (
	"encoding/json"
	"time"

	"github.com/osmng/editcore/model"
	"gorm.io/gorm"
)

// Row is the GORM-mapped storage row for one changeset.
type Row struct {
	ID        int64  `gorm:"column:id;primaryKey;autoIncrement"`
	UserID    int64  `gorm:"column:user_id;not null;index"`
	Tags      []byte `gorm:"column:tags;type:jsonb"`
	CreatedAt time.Time  `gorm:"column:created_at;not null;index"`
	UpdatedAt time.Time  `gorm:"column:updated_at;not null"`
	ClosedAt  *time.Time `gorm:"column:closed_at;index"`

	Size      int `gorm:"column:size;not null;default:0"`
	NumCreate int `gorm:"column:num_create;not null;default:0"`
	NumModify int `gorm:"column:num_modify;not null;default:0"`
	NumDelete int `gorm:"column:num_delete;not null;default:0"`

	// Bounds is the serialized MultiPolygon of up to N_BBOX rectangles
	// (§4.2), stored as JSON rather than PostGIS geometry to keep the
	// module's only spatial dependency the plain lon/lat columns on
	// elements.
	Bounds []byte `gorm:"column:bounds;type:jsonb"`
}

func (Row) TableName() string { return "changesets" }

// Migrate creates/updates the changesets and changeset_comments tables.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Row{}, &CommentRow{})
}

// CommentRow is the GORM-mapped storage row for one changeset comment.
type CommentRow struct {
	ID          int64     `gorm:"column:id;primaryKey;autoIncrement"`
	ChangesetID int64     `gorm:"column:changeset_id;not null;index"`
	UserID      int64     `gorm:"column:user_id;not null"`
	Body        string    `gorm:"column:body;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index"`
	Hidden      bool      `gorm:"column:hidden;not null;default:false"`
}

func (CommentRow) TableName() string { return "changeset_comments" }

func toRow(c model.Changeset) (Row, error) {
	tagsJSON, err := json.Marshal(nonNilTags(c.Tags))
	if err != nil {
		return Row{}, err
	}
	boundsJSON, err := json.Marshal(c.Bounds)
	if err != nil {
		return Row{}, err
	}
	return Row{
		ID:        c.ID,
		UserID:    c.UserID,
		Tags:      tagsJSON,
		CreatedAt: c.CreatedAt,
		UpdatedAt: c.UpdatedAt,
		ClosedAt:  c.ClosedAt,
		Size:      c.Size,
		NumCreate: c.NumCreate,
		NumModify: c.NumModify,
		NumDelete: c.NumDelete,
		Bounds:    boundsJSON,
	}, nil
}

func fromRow(row Row) (model.Changeset, error) {
	c := model.Changeset{
		ID:        row.ID,
		UserID:    row.UserID,
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
		ClosedAt:  row.ClosedAt,
		Size:      row.Size,
		NumCreate: row.NumCreate,
		NumModify: row.NumModify,
		NumDelete: row.NumDelete,
	}

	if len(row.Tags) > 0 {
		var tags map[string]string
		if err := json.Unmarshal(row.Tags, &tags); err != nil {
			return model.Changeset{}, err
		}
		if len(tags) > 0 {
			c.Tags = tags
		}
	}

	if len(row.Bounds) > 0 {
		var bounds model.Bounds
		if err := json.Unmarshal(row.Bounds, &bounds); err != nil {
			return model.Changeset{}, err
		}
		c.Bounds = bounds
	}

	return c, nil
}

func fromCommentRow(row CommentRow) model.ChangesetComment {
	return model.ChangesetComment{
		ID:          row.ID,
		ChangesetID: row.ChangesetID,
		UserID:      row.UserID,
		Body:        row.Body,
		CreatedAt:   row.CreatedAt,
		Hidden:      row.Hidden,
	}
}

func nonNilTags(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}
