package bbox

import (
	"testing"

	"github.com/osmng/editcore/model"
	"github.com/stretchr/testify/assert"
)

func elem(t model.ElementType, id int64) model.Element {
	return model.Element{Ref: model.ElementRef{Type: t, ID: id}}
}

func TestResult_All_Order(t *testing.T) {
	r := Result{
		Nodes:          []model.Element{elem(model.ElementTypeNode, 1)},
		Ways:           []model.Element{elem(model.ElementTypeWay, 2)},
		Relations:      []model.Element{elem(model.ElementTypeRelation, 3)},
		WayMemberNodes: []model.Element{elem(model.ElementTypeNode, 4)},
	}
	all := r.All()
	assert.Equal(t, []model.Element{
		elem(model.ElementTypeNode, 1),
		elem(model.ElementTypeWay, 2),
		elem(model.ElementTypeRelation, 3),
		elem(model.ElementTypeNode, 4),
	}, all)
}

func TestDedupElements(t *testing.T) {
	in := []model.Element{
		elem(model.ElementTypeRelation, 1),
		elem(model.ElementTypeRelation, 2),
		elem(model.ElementTypeRelation, 1),
	}
	out := dedupElements(in)
	assert.Len(t, out, 2)
	assert.Equal(t, elem(model.ElementTypeRelation, 1), out[0])
	assert.Equal(t, elem(model.ElementTypeRelation, 2), out[1])
}

func TestDedupElements_Empty(t *testing.T) {
	assert.Empty(t, dedupElements(nil))
}
