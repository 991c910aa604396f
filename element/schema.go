// Package element implements the Element Store (C1): versioned,
// append-only storage of nodes/ways/relations, and every read shape the
// rest of the system needs (current, versioned, historical, parent,
// changeset-scoped, and bbox lookups, all parameterized by a snapshot
// sequence id).
package element

import (
	"encoding/json"
	"time"

	"github.com/osmng/editcore/model"
	"gorm.io/gorm"
)

// Row is the GORM-mapped storage row for one element version. Seq is the
// write-sequence id (§3.3, §9 "Snapshot token"): a plain auto-incrementing
// integer is sufficient and deliberately not a wall-clock timestamp, so the
// Element Store and Changeset Store agree on ordering.
type Row struct {
	Seq         int64  `gorm:"column:seq;primaryKey;autoIncrement"`
	Type        uint8  `gorm:"column:type;not null;index:idx_elements_typed,priority:1;uniqueIndex:idx_elements_version,priority:1"`
	TypedID     int64  `gorm:"column:typed_id;not null;index:idx_elements_typed,priority:2;uniqueIndex:idx_elements_version,priority:2"`
	Version     int    `gorm:"column:version;not null;uniqueIndex:idx_elements_version,priority:3"`
	ChangesetID int64  `gorm:"column:changeset_id;not null;index"`
	Visible     bool   `gorm:"column:visible;not null"`
	Tags        []byte `gorm:"column:tags;type:jsonb"`
	Lon         *float64 `gorm:"column:lon"`
	Lat         *float64 `gorm:"column:lat"`
	Members     []byte `gorm:"column:members;type:jsonb"`
	MemberRoles []byte `gorm:"column:member_roles;type:jsonb"`
	CreatedAt   time.Time `gorm:"column:created_at;not null;index"`
}

// TableName pins the GORM table name regardless of struct name changes.
func (Row) TableName() string { return "elements" }

// Migrate creates/updates the elements table, following the teacher's
// AutoMigrate convention (db/postgres.go) generalized from a single
// RabbitLog model to the element-graph schema.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Row{})
}

type memberJSON struct {
	Type ElementTypeJSON `json:"type"`
	ID   int64           `json:"id"`
}

// ElementTypeJSON is model.ElementType under its wire name, so stored JSON
// stays human-readable ("node"/"way"/"relation") instead of a bare integer.
type ElementTypeJSON string

func toRow(e model.Element) (Row, error) {
	tagsJSON, err := json.Marshal(nonNilTags(e.Tags))
	if err != nil {
		return Row{}, err
	}

	row := Row{
		Seq:         e.Sequence,
		Type:        uint8(e.Ref.Type),
		TypedID:     e.Ref.ID,
		Version:     e.Version,
		ChangesetID: e.ChangesetID,
		Visible:     e.Visible,
		Tags:        tagsJSON,
		CreatedAt:   e.CreatedAt,
	}

	if e.Point != nil {
		lon, lat := e.Point.Lon, e.Point.Lat
		row.Lon, row.Lat = &lon, &lat
	}

	if e.Members != nil {
		members := make([]memberJSON, len(e.Members))
		for i, m := range e.Members {
			members[i] = memberJSON{Type: ElementTypeJSON(m.Type.String()), ID: m.ID}
		}
		membersJSON, err := json.Marshal(members)
		if err != nil {
			return Row{}, err
		}
		row.Members = membersJSON
	}

	if e.MemberRoles != nil {
		rolesJSON, err := json.Marshal(e.MemberRoles)
		if err != nil {
			return Row{}, err
		}
		row.MemberRoles = rolesJSON
	}

	return row, nil
}

func fromRow(row Row) (model.Element, error) {
	e := model.Element{
		Ref:         model.ElementRef{Type: model.ElementType(row.Type), ID: row.TypedID},
		Version:     row.Version,
		ChangesetID: row.ChangesetID,
		Visible:     row.Visible,
		CreatedAt:   row.CreatedAt,
		Sequence:    row.Seq,
	}

	if len(row.Tags) > 0 {
		var tags map[string]string
		if err := json.Unmarshal(row.Tags, &tags); err != nil {
			return model.Element{}, err
		}
		if len(tags) > 0 {
			e.Tags = tags
		}
	}

	if row.Lon != nil && row.Lat != nil {
		e.Point = &model.Point{Lon: *row.Lon, Lat: *row.Lat}
	}

	if len(row.Members) > 0 {
		var members []memberJSON
		if err := json.Unmarshal(row.Members, &members); err != nil {
			return model.Element{}, err
		}
		refs := make([]model.ElementRef, len(members))
		for i, m := range members {
			typ, err := model.ParseElementType(string(m.Type))
			if err != nil {
				return model.Element{}, err
			}
			refs[i] = model.ElementRef{Type: typ, ID: m.ID}
		}
		e.Members = refs
	}

	if len(row.MemberRoles) > 0 {
		var roles []string
		if err := json.Unmarshal(row.MemberRoles, &roles); err != nil {
			return model.Element{}, err
		}
		e.MemberRoles = roles
	}

	return e, nil
}

func nonNilTags(tags map[string]string) map[string]string {
	if tags == nil {
		return map[string]string{}
	}
	return tags
}
