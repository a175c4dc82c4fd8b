package passes

import (
	"testing"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
	"github.com/gomlx/onnxopt/shapeinference"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func makeValueInfo(name string, dtype protos.DataType, dims ...any) *protos.ValueInfoProto {
	shape := &protos.TensorShapeProto{}
	for _, dim := range dims {
		switch d := dim.(type) {
		case int:
			shape.Dim = append(shape.Dim, protos.DimValue(int64(d)))
		case string:
			shape.Dim = append(shape.Dim, protos.DimParam(d))
		default:
			panic("dims must be int or string")
		}
	}
	return &protos.ValueInfoProto{
		Name: name,
		Type: &protos.TypeProto{TensorType: &protos.TensorTypeProto{
			ElemType: dtype,
			Shape:    shape,
		}},
	}
}

func makeNode(opType string, inputs, outputs []string, attrs ...*protos.AttributeProto) *protos.NodeProto {
	return &protos.NodeProto{
		Name:      outputs[0],
		OpType:    opType,
		Input:     inputs,
		Output:    outputs,
		Attribute: attrs,
	}
}

func intAttr(name string, value int64) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttrInt, I: value}
}

func intsAttr(name string, values ...int64) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttrInts, Ints: values}
}

func newModel(g *protos.GraphProto) *onnx.Model {
	return &onnx.Model{Proto: protos.ModelProto{IrVersion: 8, Graph: g}}
}

func opTypes(m *onnx.Model) []string {
	types := make([]string, 0, m.NodeCount())
	for _, node := range m.Graph().Node {
		types = append(types, node.OpType)
	}
	return types
}

func TestApplyRejectsUnknownPass(t *testing.T) {
	m := newModel(&protos.GraphProto{})
	_, err := Apply(m, []string{"no_such_pass"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no_such_pass")
}

func TestDefaultPassesAreRegistered(t *testing.T) {
	available := make(map[string]bool)
	for _, name := range Available() {
		available[name] = true
	}
	for _, name := range Default() {
		assert.True(t, available[name], "default pass %s is not registered", name)
	}
}

func TestEliminateIdentity(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Identity", []string{"x"}, []string{"a"}),
			makeNode("Relu", []string{"a"}, []string{"y"}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2)},
	}
	m := newModel(g)
	changed, err := Apply(m, []string{"eliminate_identity"})
	require.NoError(t, err)
	assert.True(t, changed)
	require.Equal(t, []string{"Relu"}, opTypes(m))
	assert.Equal(t, []string{"x"}, m.Graph().Node[0].Input)
}

func TestEliminateIdentityFeedingGraphOutput(t *testing.T) {
	// The Identity output is a graph output; the upstream tensor is renamed
	// so the output name survives.
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Relu", []string{"x"}, []string{"a"}),
			makeNode("Identity", []string{"a"}, []string{"y"}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2)},
	}
	m := newModel(g)
	changed, err := Apply(m, []string{"eliminate_identity"})
	require.NoError(t, err)
	assert.True(t, changed)
	require.Equal(t, []string{"Relu"}, opTypes(m))
	assert.Equal(t, []string{"y"}, m.Graph().Node[0].Output)
}

func TestEliminateNopTranspose(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Transpose", []string{"x"}, []string{"a"}, intsAttr("perm", 0, 1, 2)),
			makeNode("Relu", []string{"a"}, []string{"y"}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2, 3, 4)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2, 3, 4)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"eliminate_nop_transpose"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Relu"}, opTypes(m))
}

func TestEliminateNopWithUnit(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Add", []string{"x", "zero"}, []string{"a"}),
			makeNode("Mul", []string{"one", "a"}, []string{"b"}),
			makeNode("Relu", []string{"b"}, []string{"y"}),
		},
		Initializer: []*protos.TensorProto{
			onnx.FloatTensor("zero", nil, []float32{0}),
			onnx.FloatTensor("one", nil, []float32{1}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2, 3)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2, 3)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"eliminate_nop_with_unit", "eliminate_unused_initializer"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Relu"}, opTypes(m))
	assert.Equal(t, []string{"x"}, m.Graph().Node[0].Input)
	assert.Empty(t, m.Graph().Initializer)
}

func TestEliminateDeadend(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Relu", []string{"x"}, []string{"y"}),
			makeNode("Shape", []string{"x"}, []string{"dead1"}),
			makeNode("Cast", []string{"dead1"}, []string{"dead2"}, intAttr("to", int64(protos.Float))),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2)},
	}
	m := newModel(g)
	changed, err := Apply(m, []string{"eliminate_deadend"})
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, []string{"Relu"}, opTypes(m))
}

func graphAttr(name string, g *protos.GraphProto) *protos.AttributeProto {
	return &protos.AttributeProto{Name: name, Type: protos.AttrGraph, G: g}
}

// ifBranch builds a one-node branch graph returning Identity(captured), where
// captured comes from the enclosing scope.
func ifBranch(captured string) *protos.GraphProto {
	return &protos.GraphProto{
		Node:   []*protos.NodeProto{makeNode("Identity", []string{captured}, []string{"branch_out"})},
		Output: []*protos.ValueInfoProto{makeValueInfo("branch_out", protos.Float, 2)},
	}
}

func TestEliminateDeadendKeepsSubgraphCaptures(t *testing.T) {
	// "hidden" is read only from inside the If branches; it must still count
	// as live.
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Relu", []string{"x"}, []string{"hidden"}),
			makeNode("If", []string{"cond"}, []string{"y"},
				graphAttr("then_branch", ifBranch("hidden")),
				graphAttr("else_branch", ifBranch("hidden"))),
		},
		Input: []*protos.ValueInfoProto{
			makeValueInfo("x", protos.Float, 2),
			makeValueInfo("cond", protos.Bool),
		},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2)},
	}
	m := newModel(g)
	changed, err := Apply(m, []string{"eliminate_deadend"})
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, []string{"Relu", "If"}, opTypes(m))
}

func TestEliminateUnusedInitializerKeepsSubgraphCaptures(t *testing.T) {
	branch := &protos.GraphProto{
		Node:   []*protos.NodeProto{makeNode("Add", []string{"x", "w"}, []string{"branch_out"})},
		Output: []*protos.ValueInfoProto{makeValueInfo("branch_out", protos.Float, 2)},
	}
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("If", []string{"cond"}, []string{"y"},
				graphAttr("then_branch", branch),
				graphAttr("else_branch", ifBranch("x"))),
		},
		Initializer: []*protos.TensorProto{
			onnx.FloatTensor("w", []int64{2}, []float32{1, 2}),
			onnx.FloatTensor("orphan", []int64{2}, []float32{3, 4}),
		},
		Input: []*protos.ValueInfoProto{
			makeValueInfo("x", protos.Float, 2),
			makeValueInfo("cond", protos.Bool),
		},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2)},
	}
	m := newModel(g)
	changed, err := Apply(m, []string{"eliminate_unused_initializer"})
	require.NoError(t, err)
	assert.True(t, changed)
	require.Len(t, m.Graph().Initializer, 1)
	assert.Equal(t, "w", m.Graph().Initializer[0].Name)
}

func TestEliminateIdentityRenamesSubgraphReads(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Relu", []string{"x"}, []string{"a"}),
			makeNode("Identity", []string{"a"}, []string{"b"}),
			makeNode("If", []string{"cond"}, []string{"y"},
				graphAttr("then_branch", ifBranch("b")),
				graphAttr("else_branch", ifBranch("b"))),
		},
		Input: []*protos.ValueInfoProto{
			makeValueInfo("x", protos.Float, 2),
			makeValueInfo("cond", protos.Bool),
		},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"eliminate_identity"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Relu", "If"}, opTypes(m))
	thenBranch := onnx.GetAttr(m.Graph().Node[1], "then_branch").G
	assert.Equal(t, []string{"a"}, thenBranch.Node[0].Input,
		"the branch read must follow the bypassed tensor")
}

func TestEliminateDuplicateInitializer(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Add", []string{"x", "w1"}, []string{"a"}),
			makeNode("Add", []string{"a", "w2"}, []string{"y"}),
		},
		Initializer: []*protos.TensorProto{
			onnx.FloatTensor("w1", []int64{2}, []float32{1, 2}),
			onnx.FloatTensor("w2", []int64{2}, []float32{1, 2}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"eliminate_duplicate_initializer"})
	require.NoError(t, err)
	require.Len(t, m.Graph().Initializer, 1)
	assert.Equal(t, []string{"a", "w1"}, m.Graph().Node[1].Input)
}

func TestEliminateCommonSubexpression(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Transpose", []string{"x"}, []string{"t1"}, intsAttr("perm", 1, 0)),
			makeNode("Transpose", []string{"x"}, []string{"t2"}, intsAttr("perm", 1, 0)),
			makeNode("Add", []string{"t1", "t2"}, []string{"y"}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2, 3)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 3, 2)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"eliminate_common_subexpression"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Transpose", "Add"}, opTypes(m))
	assert.Equal(t, []string{"t1", "t1"}, m.Graph().Node[1].Input)
}

func TestExtractConstantToInitializer(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			{
				Name:   "c",
				OpType: "Constant",
				Output: []string{"c"},
				Attribute: []*protos.AttributeProto{{
					Name: "value",
					Type: protos.AttrTensor,
					T:    onnx.Int64Tensor("", []int64{1}, []int64{42}),
				}},
			},
			makeNode("Add", []string{"x", "c"}, []string{"y"}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Int64, 1)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Int64, 1)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"extract_constant_to_initializer"})
	require.NoError(t, err)
	assert.Equal(t, []string{"Add"}, opTypes(m))
	require.Len(t, m.Graph().Initializer, 1)
	assert.Equal(t, "c", m.Graph().Initializer[0].Name)
}

func TestFuseConsecutiveTransposes(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Transpose", []string{"x"}, []string{"a"}, intsAttr("perm", 1, 2, 0)),
			makeNode("Transpose", []string{"a"}, []string{"b"}, intsAttr("perm", 1, 2, 0)),
			makeNode("Relu", []string{"b"}, []string{"y"}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2, 3, 4)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 4, 2, 3)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"fuse_consecutive_transposes"})
	require.NoError(t, err)
	require.Equal(t, []string{"Transpose", "Relu"}, opTypes(m))
	assert.Equal(t, []int64{2, 0, 1}, onnx.AttrInts(m.Graph().Node[0], "perm"))
}

func TestFuseCancellingTransposes(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Transpose", []string{"x"}, []string{"a"}, intsAttr("perm", 1, 0)),
			makeNode("Transpose", []string{"a"}, []string{"b"}, intsAttr("perm", 1, 0)),
			makeNode("Relu", []string{"b"}, []string{"y"}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2, 3)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2, 3)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"fuse_consecutive_transposes"})
	require.NoError(t, err)
	require.Equal(t, []string{"Relu"}, opTypes(m))
	assert.Equal(t, []string{"x"}, m.Graph().Node[0].Input)
}

func TestFuseMatMulAddBiasIntoGemm(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("MatMul", []string{"x", "w"}, []string{"mm"}),
			makeNode("Add", []string{"mm", "bias"}, []string{"y"}),
		},
		Initializer: []*protos.TensorProto{
			onnx.FloatTensor("w", []int64{4, 8}, make([]float32, 32)),
			onnx.FloatTensor("bias", []int64{8}, make([]float32, 8)),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2, 4)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2, 8)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"fuse_matmul_add_bias_into_gemm"})
	require.NoError(t, err)
	require.Equal(t, []string{"Gemm"}, opTypes(m))
	assert.Equal(t, []string{"x", "w", "bias"}, m.Graph().Node[0].Input)
	assert.Equal(t, []string{"y"}, m.Graph().Node[0].Output)
}

func TestFuseTransposeIntoGemm(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Transpose", []string{"x"}, []string{"xt"}, intsAttr("perm", 1, 0)),
			makeNode("Gemm", []string{"xt", "w", "bias"}, []string{"y"}),
		},
		Initializer: []*protos.TensorProto{
			onnx.FloatTensor("w", []int64{4, 8}, make([]float32, 32)),
			onnx.FloatTensor("bias", []int64{8}, make([]float32, 8)),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 4, 2)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2, 8)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"fuse_transpose_into_gemm"})
	require.NoError(t, err)
	require.Equal(t, []string{"Gemm"}, opTypes(m))
	assert.Equal(t, "x", m.Graph().Node[0].Input[0])
	assert.Equal(t, int64(1), onnx.AttrInt(m.Graph().Node[0], "transA", 0))
}

func TestFuseBNIntoConv(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Conv", []string{"x", "w"}, []string{"c"}, intsAttr("kernel_shape", 1, 1)),
			makeNode("BatchNormalization",
				[]string{"c", "scale", "shift", "mean", "variance"}, []string{"y"}),
		},
		Initializer: []*protos.TensorProto{
			onnx.FloatTensor("w", []int64{2, 1, 1, 1}, []float32{1, 1}),
			onnx.FloatTensor("scale", []int64{2}, []float32{2, 2}),
			onnx.FloatTensor("shift", []int64{2}, []float32{1, 1}),
			onnx.FloatTensor("mean", []int64{2}, []float32{0, 0}),
			onnx.FloatTensor("variance", []int64{2}, []float32{4, 4}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 1, 1, 8, 8)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 1, 2, 8, 8)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"fuse_bn_into_conv"})
	require.NoError(t, err)
	require.Equal(t, []string{"Conv"}, opTypes(m))
	conv := m.Graph().Node[0]
	assert.Equal(t, []string{"y"}, conv.Output)
	require.Len(t, conv.Input, 3)

	// k = 2/sqrt(4+eps) ~ 1, so W' ~ W and B' ~ shift.
	weights, err := onnx.TensorFloats(onnx.Initializers(m.Graph())["w"])
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1}, weights, 1e-3)
	bias, err := onnx.TensorFloats(onnx.Initializers(m.Graph())[conv.Input[2]])
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{1, 1}, bias, 1e-3)
}

func TestFusePadIntoConv(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Pad", []string{"x", "pads"}, []string{"p"}),
			makeNode("Conv", []string{"p", "w"}, []string{"y"}, intsAttr("kernel_shape", 3, 3)),
		},
		Initializer: []*protos.TensorProto{
			onnx.Int64Tensor("pads", []int64{8}, []int64{0, 0, 1, 1, 0, 0, 1, 1}),
			onnx.FloatTensor("w", []int64{4, 3, 3, 3}, make([]float32, 4*27)),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 1, 3, 32, 32)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 1, 4, 32, 32)},
	}
	m := newModel(g)
	_, err := Apply(m, []string{"fuse_pad_into_conv"})
	require.NoError(t, err)
	require.Equal(t, []string{"Conv"}, opTypes(m))
	conv := m.Graph().Node[0]
	assert.Equal(t, "x", conv.Input[0])
	assert.Equal(t, []int64{1, 1, 1, 1}, onnx.AttrInts(conv, "pads"))
}

// The canonical cleanup scenario: once the input shape is static, a
// Shape -> Gather -> Unsqueeze -> Concat -> Reshape chain collapses to a
// single Reshape from an initializer.
func TestShapeChainCollapses(t *testing.T) {
	g := &protos.GraphProto{
		Node: []*protos.NodeProto{
			makeNode("Shape", []string{"x"}, []string{"xshape"}),
			makeNode("Gather", []string{"xshape", "zero"}, []string{"dim0"}, intAttr("axis", 0)),
			makeNode("Unsqueeze", []string{"dim0"}, []string{"dim0v"}, intsAttr("axes", 0)),
			makeNode("Concat", []string{"dim0v", "rest"}, []string{"target"}, intAttr("axis", 0)),
			makeNode("Reshape", []string{"x", "target"}, []string{"y"}),
		},
		Initializer: []*protos.TensorProto{
			onnx.Int64Tensor("zero", nil, []int64{0}),
			onnx.Int64Tensor("rest", []int64{1}, []int64{-1}),
		},
		Input:  []*protos.ValueInfoProto{makeValueInfo("x", protos.Float, 2, 3, 4)},
		Output: []*protos.ValueInfoProto{makeValueInfo("y", protos.Float, 2, 12)},
	}
	m := newModel(g)

	// Shape inference annotates the intermediates, then two rounds of the
	// default passes fold the chain: round one folds, round two sweeps the
	// nodes the folding orphaned. This mirrors the driver's iteration.
	_, err := shapeinference.Infer(m, true)
	require.NoError(t, err)
	for round := 0; round < 2; round++ {
		changed, err := Apply(m, nil)
		require.NoError(t, err)
		assert.True(t, changed, "round %d", round)
	}

	require.Equal(t, []string{"Reshape"}, opTypes(m))
	require.Len(t, m.Graph().Initializer, 1)
	reshape := m.Graph().Node[0]
	assert.Equal(t, "x", reshape.Input[0])
	target := onnx.Initializers(m.Graph())[reshape.Input[1]]
	require.NotNil(t, target, "reshape target must be an initializer after folding")
	values, err := onnx.TensorInts(target)
	require.NoError(t, err)
	assert.Equal(t, []int64{2, -1}, values)
}
