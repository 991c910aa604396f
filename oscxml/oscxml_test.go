package oscxml

import (
	"strings"
	"testing"

	"github.com/osmng/editcore/apierror"
	"github.com/osmng/editcore/diffengine"
	"github.com/osmng/editcore/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleOsmChange = `<?xml version="1.0" encoding="UTF-8"?>
<osmChange version="0.6" generator="test">
  <create>
    <node id="-1" version="0" changeset="1" lat="1.2345678" lon="2.3456789">
      <tag k="amenity" v="cafe"/>
    </node>
    <node id="-2" version="0" changeset="1" lat="1.0" lon="2.0"/>
    <way id="-3" version="0" changeset="1">
      <nd ref="-1"/>
      <nd ref="-2"/>
      <tag k="highway" v="residential"/>
    </way>
  </create>
  <modify>
    <node id="5" version="2" changeset="1" lat="3.0" lon="4.0"/>
  </modify>
  <delete>
    <node id="6" version="3" changeset="1" if-unused="true"/>
  </delete>
</osmChange>`

func TestDecodeOsmChange_OrderAndKinds(t *testing.T) {
	actions, err := DecodeOsmChange(strings.NewReader(sampleOsmChange))
	require.NoError(t, err)
	require.Len(t, actions, 5)

	assert.Equal(t, diffengine.ActionCreate, actions[0].Kind)
	assert.Equal(t, diffengine.ActionCreate, actions[1].Kind)
	assert.Equal(t, diffengine.ActionCreate, actions[2].Kind)
	assert.Equal(t, diffengine.ActionModify, actions[3].Kind)

	node := actions[0].Element
	assert.Equal(t, model.ElementTypeNode, node.Ref.Type)
	assert.Equal(t, int64(-1), node.Ref.ID)
	assert.Equal(t, "cafe", node.Tags["amenity"])
	require.NotNil(t, node.Point)
	assert.InDelta(t, 1.2345678, node.Point.Lat, 1e-7)

	way := actions[2].Element
	assert.Equal(t, model.ElementTypeWay, way.Ref.Type)
	require.Len(t, way.Members, 2)
	assert.Equal(t, int64(-1), way.Members[0].ID)
	assert.Equal(t, int64(-2), way.Members[1].ID)
}

func TestDecodeOsmChange_IfUnused(t *testing.T) {
	actions, err := DecodeOsmChange(strings.NewReader(sampleOsmChange))
	require.NoError(t, err)

	del := actions[len(actions)-1]
	assert.Equal(t, diffengine.ActionDelete, del.Kind)
	assert.True(t, del.IfUnused)
}

func TestDecodeOsmChange_MalformedXML(t *testing.T) {
	_, err := DecodeOsmChange(strings.NewReader("<osmChange><not-closed>"))
	require.Error(t, err)
	apiErr, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.KindBadXML, apiErr.Kind)
}

func TestDecodeOsmChange_WaySingleNodeRejected(t *testing.T) {
	doc := `<osmChange version="0.6" generator="test">
  <create>
    <way id="-1" version="0" changeset="1"><nd ref="-2"/></way>
  </create>
</osmChange>`
	_, err := DecodeOsmChange(strings.NewReader(doc))
	require.Error(t, err)
	apiErr, ok := err.(*apierror.Error)
	require.True(t, ok)
	assert.Equal(t, apierror.KindBadXML, apiErr.Kind)
}

func TestDecodeOsmChange_OutOfRangeCoordinateRejected(t *testing.T) {
	doc := `<osmChange version="0.6" generator="test">
  <create>
    <node id="-1" version="0" changeset="1" lat="1000" lon="2.0"/>
  </create>
</osmChange>`
	_, err := DecodeOsmChange(strings.NewReader(doc))
	require.Error(t, err)
}

func TestElementToNode_RoundTrip(t *testing.T) {
	e := model.Element{
		Ref:         model.ElementRef{Type: model.ElementTypeNode, ID: 10},
		Version:     2,
		ChangesetID: 7,
		Visible:     true,
		Tags:        map[string]string{"name": "Cafe"},
		Point:       &model.Point{Lon: 1.5, Lat: 2.5},
	}
	wire := ElementToNode(e)
	assert.Equal(t, e.Ref.ID, wire.ID)
	assert.Equal(t, e.Version, wire.Version)
	require.NotNil(t, wire.Lon)
	require.NotNil(t, wire.Lat)
	assert.Equal(t, 1.5, *wire.Lon)
	require.NotNil(t, wire.Visible)
	assert.True(t, *wire.Visible)
}

func TestNewDoc_SplitsByType(t *testing.T) {
	elements := []model.Element{
		{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: 1}, Visible: true},
		{Ref: model.ElementRef{Type: model.ElementTypeWay, ID: 2}, Visible: true},
		{Ref: model.ElementRef{Type: model.ElementTypeRelation, ID: 3}, Visible: true},
	}
	doc := NewDoc(elements)
	assert.Len(t, doc.Nodes, 1)
	assert.Len(t, doc.Ways, 1)
	assert.Len(t, doc.Relations, 1)
	assert.Equal(t, "0.6", doc.Version)
}

func TestNewDiffResult(t *testing.T) {
	originals := []model.ElementRef{
		{Type: model.ElementTypeNode, ID: -1},
		{Type: model.ElementTypeWay, ID: -2},
	}
	applied := []model.Element{
		{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: 100}, Version: 1},
		{Ref: model.ElementRef{Type: model.ElementTypeWay, ID: 200}, Version: 1},
	}
	doc := NewDiffResult(originals, applied)
	require.Len(t, doc.Entries, 2)
	assert.Equal(t, "node", doc.Entries[0].XMLName.Local)
	assert.Equal(t, int64(-1), doc.Entries[0].OldID)
	assert.Equal(t, int64(100), doc.Entries[0].NewID)
}

func TestEncodeOsmChange_GroupsByActionKind(t *testing.T) {
	elements := []model.Element{
		{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: 1}, Version: 1, Visible: true},
		{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: 1}, Version: 2, Visible: true},
		{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: 1}, Version: 3, Visible: false},
	}
	doc := EncodeOsmChange(elements)
	require.Len(t, doc.Actions, 3)
	assert.Equal(t, "create", doc.Actions[0].XMLName.Local)
	assert.Equal(t, "modify", doc.Actions[1].XMLName.Local)
	assert.Equal(t, "delete", doc.Actions[2].XMLName.Local)
}

func TestMarshal_IncludesXMLProlog(t *testing.T) {
	doc := NewDoc([]model.Element{{Ref: model.ElementRef{Type: model.ElementTypeNode, ID: 1}, Visible: true}})
	out, err := Marshal(doc)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(out), `<?xml version="1.0"`))
	assert.Contains(t, string(out), "<node")
}
