package rest

import (
	"testing"

	"github.com/osmng/editcore/apierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseBBox_Valid(t *testing.T) {
	rect, err := parseBBox("1.0, 2.0, 3.0, 4.0")
	require.NoError(t, err)
	assert.Equal(t, 1.0, rect.MinLon)
	assert.Equal(t, 2.0, rect.MinLat)
	assert.Equal(t, 3.0, rect.MaxLon)
	assert.Equal(t, 4.0, rect.MaxLat)
}

func TestParseBBox_WrongPartCount(t *testing.T) {
	_, err := parseBBox("1.0,2.0,3.0")
	ae, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.KindBadBBox, ae.Kind)
}

func TestParseBBox_NonNumeric(t *testing.T) {
	_, err := parseBBox("a,b,c,d")
	ae, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.KindBadBBox, ae.Kind)
}

func TestParseBBox_MinExceedsMaxRejected(t *testing.T) {
	_, err := parseBBox("10,10,0,0")
	ae, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.KindBadBBox, ae.Kind)
}
