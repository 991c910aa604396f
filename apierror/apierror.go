// Package apierror defines the error taxonomy of §7: a small set of typed,
// constructor-built errors carrying enough structured context (refs,
// versions, limits) for a collaborator to format the user-visible message
// and pick an HTTP status code (§6.3). It plays the role of the teacher's
// flat `var ErrXxx = errors.New(...)` tables (auth/errors.go), generalized
// because this taxonomy needs attached context the flat style can't carry.
package apierror

import (
	"fmt"
	"net/http"

	"github.com/osmng/editcore/model"
)

// Kind names one taxonomy entry from §7.
type Kind string

const (
	KindBadXML                    Kind = "bad-xml"
	KindBadBBox                    Kind = "bad-bbox"
	KindBadTag                     Kind = "bad-tag"
	KindChangesetNotFound          Kind = "changeset-not-found"
	KindElementNotFound            Kind = "element-not-found"
	KindElementCurrentlyHidden     Kind = "element-currently-hidden"
	KindChangesetAccessDenied      Kind = "changeset-access-denied"
	KindChangesetAlreadyClosed     Kind = "changeset-already-closed"
	KindVersionConflict            Kind = "version-conflict"
	KindChangesetMissingOnElement  Kind = "changeset-missing-on-element"
	KindMemberNotFound             Kind = "member-not-found"
	KindElementInUse               Kind = "element-in-use"
	KindAlreadyDeleted              Kind = "already-deleted"
	KindChangesetTooBig            Kind = "changeset-too-big"
	KindMapBBoxTooLarge            Kind = "map-bbox-too-large"
	KindMapNodesLimitExceeded      Kind = "map-nodes-limit-exceeded"
	KindTimeIntegrity              Kind = "time-integrity"

	// Recoverable kinds: handled exclusively inside the optimistic
	// orchestrator (C6) and never surfaced to callers.
	KindSnapshotDrift    Kind = "snapshot-drift"
	KindUpdatedAtDrift   Kind = "updated-at-drift"
	KindPostSnapshotParent Kind = "post-snapshot-parent"
	KindUniqueViolation  Kind = "unique-violation"
)

// recoverableKinds mirrors §7's taxonomy table: these never reach the
// request boundary, only the orchestrator.
var recoverableKinds = map[Kind]bool{
	KindSnapshotDrift:      true,
	KindUpdatedAtDrift:     true,
	KindPostSnapshotParent: true,
	KindUniqueViolation:    true,
}

// Recoverable reports whether the orchestrator (C6) should retry on this
// error instead of surfacing it.
func Recoverable(err error) bool {
	e, ok := err.(*Error)
	return ok && recoverableKinds[e.Kind]
}

// Error is one instance of the §7 taxonomy, with the ref (if any) that
// first triggered it attached so collaborators can format a precise
// message.
type Error struct {
	Kind    Kind
	Message string
	Ref     *model.ElementRef
	// Extra carries kind-specific structured context, e.g. the two
	// versions compared for a version-conflict.
	Extra map[string]any
	cause error
}

func (e *Error) Error() string {
	if e.Ref != nil {
		return fmt.Sprintf("%s: %s (%s)", e.Kind, e.Message, e.Ref)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// HTTPStatus maps a Kind to the status code in §6.3. Recoverable kinds map
// to 500 as a defensive fallback; they must never actually reach a
// response writer.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindBadXML, KindBadBBox, KindBadTag:
		return http.StatusBadRequest
	case KindChangesetNotFound, KindElementNotFound:
		return http.StatusNotFound
	case KindElementCurrentlyHidden:
		return http.StatusGone
	case KindChangesetAccessDenied:
		return http.StatusForbidden
	case KindChangesetAlreadyClosed, KindVersionConflict, KindChangesetMissingOnElement:
		return http.StatusConflict
	case KindMemberNotFound, KindElementInUse, KindAlreadyDeleted:
		return http.StatusPreconditionFailed
	case KindChangesetTooBig, KindMapBBoxTooLarge, KindMapNodesLimitExceeded:
		return http.StatusRequestEntityTooLarge
	case KindTimeIntegrity:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func newErr(kind Kind, ref *model.ElementRef, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Ref: ref}
}

// --- Constructors, one per taxonomy entry (raise_for style) ---

func BadXML(cause error) *Error {
	return &Error{Kind: KindBadXML, Message: "malformed osmChange document", cause: cause}
}

func BadBBox(reason string) *Error {
	return newErr(KindBadBBox, nil, "invalid bbox: %s", reason)
}

func BadTag(reason string) *Error {
	return newErr(KindBadTag, nil, "invalid tag: %s", reason)
}

// ValidateTags enforces the §6.4 tag-set limits (key/value length, entry
// count, aggregate byte size) against a single element's or changeset's
// tag map.
func ValidateTags(tags map[string]string) error {
	var aggregate int
	if len(tags) > model.MaxTagsPerElement {
		return BadTag(fmt.Sprintf("%d tags exceeds the maximum of %d", len(tags), model.MaxTagsPerElement))
	}
	for k, v := range tags {
		if len(k) > model.MaxTagKeyLen {
			return BadTag(fmt.Sprintf("key %q exceeds the maximum length of %d", k, model.MaxTagKeyLen))
		}
		if len(v) > model.MaxTagValueLen {
			return BadTag(fmt.Sprintf("value of key %q exceeds the maximum length of %d", k, model.MaxTagValueLen))
		}
		aggregate += len(k) + len(v)
	}
	if aggregate > model.MaxTagsAggregateBytes {
		return BadTag(fmt.Sprintf("tag set of %d bytes exceeds the aggregate maximum of %d", aggregate, model.MaxTagsAggregateBytes))
	}
	return nil
}

// ValidateMemberLimit enforces the §6.4 per-type member-count ceiling
// (way: 2,000 nodes; relation: 32,000 members).
func ValidateMemberLimit(typ model.ElementType, count int) error {
	var limit int
	switch typ {
	case model.ElementTypeWay:
		limit = model.MaxWayMembers
	case model.ElementTypeRelation:
		limit = model.MaxRelationMembers
	default:
		return nil
	}
	if count > limit {
		return BadTag(fmt.Sprintf("%s has %d members, exceeding the maximum of %d", typ, count, limit))
	}
	return nil
}

func ChangesetNotFound(id int64) *Error {
	return newErr(KindChangesetNotFound, nil, "changeset %d not found", id)
}

func ElementNotFound(ref model.ElementRef) *Error {
	return newErr(KindElementNotFound, &ref, "%s not found", ref)
}

func ElementCurrentlyHidden(ref model.ElementRef, version int) *Error {
	e := newErr(KindElementCurrentlyHidden, &ref, "%s is currently deleted (version %d)", ref, version)
	e.Extra = map[string]any{"version": version}
	return e
}

func ChangesetAccessDenied(changesetID, ownerID, callerID int64) *Error {
	e := newErr(KindChangesetAccessDenied, nil, "changeset %d is owned by another user", changesetID)
	e.Extra = map[string]any{"owner_id": ownerID, "caller_id": callerID}
	return e
}

func ChangesetAlreadyClosed(changesetID int64) *Error {
	return newErr(KindChangesetAlreadyClosed, nil, "changeset %d is already closed", changesetID)
}

func ElementVersionConflict(ref model.VersionedElementRef, serverVersion int) *Error {
	e := newErr(KindVersionConflict, &ref.ElementRef,
		"version mismatch on %s: provided %d, server had %d", ref.ElementRef, ref.Version-1, serverVersion)
	e.Extra = map[string]any{"provided": ref.Version - 1, "server": serverVersion}
	return e
}

func ChangesetMissingOnElement(ref model.ElementRef) *Error {
	return newErr(KindChangesetMissingOnElement, &ref, "%s requires a changeset id", ref)
}

func MemberNotFound(parent model.VersionedElementRef, member model.ElementRef) *Error {
	e := newErr(KindMemberNotFound, &parent.ElementRef,
		"%s references missing or non-visible member %s", parent.ElementRef, member)
	e.Extra = map[string]any{"member": member}
	return e
}

func ElementInUse(ref model.VersionedElementRef, usedBy []model.ElementRef) *Error {
	e := newErr(KindElementInUse, &ref.ElementRef, "%s is still used by %d element(s)", ref.ElementRef, len(usedBy))
	e.Extra = map[string]any{"used_by": usedBy}
	return e
}

func AlreadyDeleted(ref model.VersionedElementRef) *Error {
	return newErr(KindAlreadyDeleted, &ref.ElementRef, "%s is already deleted", ref.ElementRef)
}

func ChangesetTooBig(changesetID int64, attempted, capLimit int) *Error {
	e := newErr(KindChangesetTooBig, nil, "changeset %d would grow to %d operations, over the cap of %d", changesetID, attempted, capLimit)
	e.Extra = map[string]any{"attempted": attempted, "cap": capLimit}
	return e
}

func MapBBoxTooLarge(area, maxArea float64) *Error {
	e := newErr(KindMapBBoxTooLarge, nil, "bbox area %.6f exceeds the maximum of %.6f sq-deg", area, maxArea)
	e.Extra = map[string]any{"area": area, "max_area": maxArea}
	return e
}

func MapNodesLimitExceeded(limit int) *Error {
	return newErr(KindMapNodesLimitExceeded, nil, "query returned more than %d nodes", limit)
}

func TimeIntegrity() *Error {
	return newErr(KindTimeIntegrity, nil, "server clock regression detected")
}

func SnapshotDrift(ref model.ElementRef, observed, now int) *Error {
	e := newErr(KindSnapshotDrift, &ref, "%s version drifted (observed %d, now %d)", ref, observed, now)
	e.Extra = map[string]any{"observed": observed, "now": now}
	return e
}

func UpdatedAtDrift(changesetID int64) *Error {
	return newErr(KindUpdatedAtDrift, nil, "changeset %d was modified concurrently", changesetID)
}

func PostSnapshotParent(ref model.ElementRef) *Error {
	return newErr(KindPostSnapshotParent, &ref, "%s gained a new parent after the snapshot was taken", ref)
}

func UniqueViolation(cause error) *Error {
	return &Error{Kind: KindUniqueViolation, Message: "unique constraint violation", cause: cause}
}
