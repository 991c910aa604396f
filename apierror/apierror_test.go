package apierror

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/osmng/editcore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoverable(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"snapshot drift is recoverable", SnapshotDrift(model.ElementRef{Type: model.ElementTypeNode, ID: 1}, 1, 2), true},
		{"updated-at drift is recoverable", UpdatedAtDrift(1), true},
		{"post-snapshot parent is recoverable", PostSnapshotParent(model.ElementRef{Type: model.ElementTypeNode, ID: 1}), true},
		{"unique violation is recoverable", UniqueViolation(errors.New("dup")), true},
		{"not found is not recoverable", ChangesetNotFound(1), false},
		{"a plain error is not recoverable", errors.New("boom"), false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, Recoverable(c.err))
		})
	}
}

func TestError_HTTPStatus(t *testing.T) {
	cases := []struct {
		err  *Error
		want int
	}{
		{BadXML(nil), http.StatusBadRequest},
		{BadBBox("too big"), http.StatusBadRequest},
		{BadTag("too long"), http.StatusBadRequest},
		{ChangesetNotFound(1), http.StatusNotFound},
		{ElementNotFound(model.ElementRef{Type: model.ElementTypeNode, ID: 1}), http.StatusNotFound},
		{ElementCurrentlyHidden(model.ElementRef{Type: model.ElementTypeNode, ID: 1}, 3), http.StatusGone},
		{ChangesetAccessDenied(1, 2, 3), http.StatusForbidden},
		{ChangesetAlreadyClosed(1), http.StatusConflict},
		{UpdatedAtDrift(1), http.StatusInternalServerError},
		{TimeIntegrity(), http.StatusInternalServerError},
		{ChangesetTooBig(1, 10001, 10000), http.StatusRequestEntityTooLarge},
		{MapBBoxTooLarge(1, 0.25), http.StatusRequestEntityTooLarge},
	}
	for _, c := range cases {
		t.Run(string(c.err.Kind), func(t *testing.T) {
			assert.Equal(t, c.want, c.err.HTTPStatus())
		})
	}
}

func TestError_ErrorString(t *testing.T) {
	t.Run("includes the ref when present", func(t *testing.T) {
		err := ElementNotFound(model.ElementRef{Type: model.ElementTypeWay, ID: 5})
		assert.Contains(t, err.Error(), "way/5")
		assert.Contains(t, err.Error(), string(KindElementNotFound))
	})

	t.Run("omits the ref when absent", func(t *testing.T) {
		err := ChangesetNotFound(42)
		assert.NotContains(t, err.Error(), "/")
		assert.Contains(t, err.Error(), "42")
	})
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := BadXML(cause)
	assert.Same(t, cause, errors.Unwrap(err))

	t.Run("errors.Is sees through to the cause", func(t *testing.T) {
		require.True(t, errors.Is(err, cause))
	})
}

func TestElementVersionConflict_Extra(t *testing.T) {
	ref := model.VersionedElementRef{ElementRef: model.ElementRef{Type: model.ElementTypeNode, ID: 1}, Version: 3}
	err := ElementVersionConflict(ref, 5)
	assert.Equal(t, 2, err.Extra["provided"])
	assert.Equal(t, 5, err.Extra["server"])
}

func TestElementInUse_Extra(t *testing.T) {
	used := []model.ElementRef{{Type: model.ElementTypeWay, ID: 1}, {Type: model.ElementTypeWay, ID: 2}}
	ref := model.VersionedElementRef{ElementRef: model.ElementRef{Type: model.ElementTypeNode, ID: 9}, Version: 1}
	err := ElementInUse(ref, used)
	assert.Contains(t, err.Error(), "2 element(s)")
	assert.Equal(t, used, err.Extra["used_by"])
}

func TestValidateTags_KeyLengthBoundary(t *testing.T) {
	atCap := map[string]string{strings.Repeat("k", model.MaxTagKeyLen): "v"}
	assert.NoError(t, ValidateTags(atCap))

	overCap := map[string]string{strings.Repeat("k", model.MaxTagKeyLen+1): "v"}
	err := ValidateTags(overCap)
	require.Error(t, err)
	assert.Equal(t, KindBadTag, err.(*Error).Kind)
}

func TestValidateTags_ValueLengthBoundary(t *testing.T) {
	atCap := map[string]string{"k": strings.Repeat("v", model.MaxTagValueLen)}
	assert.NoError(t, ValidateTags(atCap))

	overCap := map[string]string{"k": strings.Repeat("v", model.MaxTagValueLen+1)}
	assert.Error(t, ValidateTags(overCap))
}

func TestValidateTags_CountBoundary(t *testing.T) {
	atCap := make(map[string]string, model.MaxTagsPerElement)
	for i := 0; i < model.MaxTagsPerElement; i++ {
		atCap[strconv.Itoa(i)] = "v"
	}
	assert.NoError(t, ValidateTags(atCap))

	overCap := make(map[string]string, model.MaxTagsPerElement+1)
	for i := 0; i < model.MaxTagsPerElement+1; i++ {
		overCap[strconv.Itoa(i)] = "v"
	}
	assert.Error(t, ValidateTags(overCap))
}

func TestValidateTags_AggregateBytesBoundary(t *testing.T) {
	// 128 pairs of 255-byte keys and values (65,280 bytes) plus one 1-byte
	// key with a 255-byte value: exactly the aggregate cap, with every key
	// and value within its own length limit.
	atCap := map[string]string{}
	for i := 0; i < 128; i++ {
		id := strconv.Itoa(i)
		atCap[strings.Repeat("k", model.MaxTagKeyLen-len(id))+id] = strings.Repeat("v", model.MaxTagValueLen)
	}
	atCap["x"] = strings.Repeat("v", model.MaxTagValueLen)
	assert.NoError(t, ValidateTags(atCap))

	// One byte more: the 1-byte key becomes a 2-byte key.
	overCap := map[string]string{}
	for k, v := range atCap {
		overCap[k] = v
	}
	delete(overCap, "x")
	overCap["xy"] = strings.Repeat("v", model.MaxTagValueLen)
	assert.Error(t, ValidateTags(overCap))
}

func TestValidateMemberLimit_WayBoundary(t *testing.T) {
	assert.NoError(t, ValidateMemberLimit(model.ElementTypeWay, model.MaxWayMembers))
	err := ValidateMemberLimit(model.ElementTypeWay, model.MaxWayMembers+1)
	require.Error(t, err)
	assert.Equal(t, KindBadTag, err.(*Error).Kind)
}

func TestValidateMemberLimit_RelationBoundary(t *testing.T) {
	assert.NoError(t, ValidateMemberLimit(model.ElementTypeRelation, model.MaxRelationMembers))
	assert.Error(t, ValidateMemberLimit(model.ElementTypeRelation, model.MaxRelationMembers+1))
}

func TestValidateMemberLimit_NodeHasNoLimit(t *testing.T) {
	assert.NoError(t, ValidateMemberLimit(model.ElementTypeNode, 1_000_000))
}
