package protos

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func testModel() *ModelProto {
	return &ModelProto{
		IrVersion:    8,
		ProducerName: "onnxopt-test",
		OpsetImport:  []*OperatorSetID{{Version: 17}},
		Graph: &GraphProto{
			Name: "g",
			Node: []*NodeProto{
				{
					Name:   "add0",
					OpType: "Add",
					Input:  []string{"x", "w"},
					Output: []string{"y"},
				},
				{
					Name:   "cast0",
					OpType: "Cast",
					Input:  []string{"y"},
					Output: []string{"z"},
					Attribute: []*AttributeProto{
						{Name: "to", Type: AttrInt, I: int64(Float)},
					},
				},
			},
			Initializer: []*TensorProto{
				{Name: "w", DataType: Float, Dims: []int64{2}, FloatData: []float32{1, 2}},
			},
			Input: []*ValueInfoProto{{
				Name: "x",
				Type: &TypeProto{TensorType: &TensorTypeProto{
					ElemType: Float,
					Shape: &TensorShapeProto{Dim: []*DimensionProto{
						DimParam("batch"), DimValue(2),
					}},
				}},
			}},
			Output: []*ValueInfoProto{{
				Name: "z",
				Type: &TypeProto{TensorType: &TensorTypeProto{ElemType: Float}},
			}},
		},
	}
}

func TestRoundTrip(t *testing.T) {
	original := testModel()
	encoded, err := Marshal(original)
	require.NoError(t, err)

	var decoded ModelProto
	require.NoError(t, Unmarshal(encoded, &decoded))

	assert.Equal(t, int64(8), decoded.IrVersion)
	assert.Equal(t, "onnxopt-test", decoded.ProducerName)
	require.Len(t, decoded.OpsetImport, 1)
	assert.Equal(t, int64(17), decoded.OpsetImport[0].Version)

	g := decoded.Graph
	require.NotNil(t, g)
	require.Len(t, g.Node, 2)
	assert.Equal(t, "Add", g.Node[0].OpType)
	assert.Equal(t, []string{"x", "w"}, g.Node[0].Input)
	require.Len(t, g.Node[1].Attribute, 1)
	assert.Equal(t, AttrInt, g.Node[1].Attribute[0].Type)
	assert.Equal(t, int64(Float), g.Node[1].Attribute[0].I)

	require.Len(t, g.Initializer, 1)
	assert.Equal(t, []float32{1, 2}, g.Initializer[0].FloatData)

	require.Len(t, g.Input, 1)
	shape := g.Input[0].Type.GetTensorType().GetShape()
	require.NotNil(t, shape)
	require.Len(t, shape.Dim, 2)
	assert.Equal(t, "batch", shape.Dim[0].Param)
	assert.True(t, shape.Dim[1].HasValue)
	assert.Equal(t, int64(2), shape.Dim[1].Value)

	// Re-encoding the decoded model must be stable.
	reEncoded, err := Marshal(&decoded)
	require.NoError(t, err)
	assert.Equal(t, encoded, reEncoded)
}

func TestUnknownFieldsPreserved(t *testing.T) {
	encoded, err := Marshal(testModel())
	require.NoError(t, err)

	// Append a field number the codec does not know about (training_info,
	// field 20 of ModelProto).
	withUnknown := protowire.AppendTag(encoded, 20, protowire.BytesType)
	withUnknown = protowire.AppendBytes(withUnknown, []byte("opaque-payload"))

	var decoded ModelProto
	require.NoError(t, Unmarshal(withUnknown, &decoded))
	assert.Equal(t, int64(8), decoded.IrVersion)

	reEncoded, err := Marshal(&decoded)
	require.NoError(t, err)
	assert.Contains(t, string(reEncoded), "opaque-payload",
		"unrecognized fields must survive a decode/encode round trip")
}

func TestUnmarshalTruncated(t *testing.T) {
	encoded, err := Marshal(testModel())
	require.NoError(t, err)

	var decoded ModelProto
	assert.Error(t, Unmarshal(encoded[:len(encoded)-3], &decoded))
}

func TestPackedAndUnpackedInts(t *testing.T) {
	// dims (field 1 of TensorProto) written unpacked, one varint per entry.
	var raw []byte
	for _, dim := range []int64{3, 4} {
		raw = protowire.AppendTag(raw, 1, protowire.VarintType)
		raw = protowire.AppendVarint(raw, uint64(dim))
	}
	raw = protowire.AppendTag(raw, 2, protowire.VarintType)
	raw = protowire.AppendVarint(raw, uint64(Int64))

	var model []byte
	var graph []byte
	graph = protowire.AppendTag(graph, 5, protowire.BytesType)
	graph = protowire.AppendBytes(graph, raw)
	model = protowire.AppendTag(model, 7, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	var decoded ModelProto
	require.NoError(t, Unmarshal(model, &decoded))
	require.Len(t, decoded.Graph.Initializer, 1)
	assert.Equal(t, []int64{3, 4}, decoded.Graph.Initializer[0].Dims)

	// The marshaller writes dims packed; both forms must decode alike.
	reEncoded, err := Marshal(&decoded)
	require.NoError(t, err)
	var again ModelProto
	require.NoError(t, Unmarshal(reEncoded, &again))
	assert.Equal(t, []int64{3, 4}, again.Graph.Initializer[0].Dims)
}
