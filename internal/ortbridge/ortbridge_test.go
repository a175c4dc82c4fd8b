package ortbridge

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
	"github.com/gomlx/onnxopt/optimizer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// The integration test needs a Python interpreter with the onnxruntime
// package; point ONNXOPT_ORT_PYTHON at it to enable the test. Setting
// ONNXRUNTIME_SHARED_LIB as well also exercises the native load-back check.
const (
	pythonEnv = "ONNXOPT_ORT_PYTHON"
	ortLibEnv = "ONNXRUNTIME_SHARED_LIB"
)

// identityChainModel is a minimal model ONNX Runtime's basic level can
// shrink: two Identity nodes around an Add.
func identityChainModel() *onnx.Model {
	return &onnx.Model{Proto: protos.ModelProto{
		IrVersion:   8,
		OpsetImport: []*protos.OperatorSetID{{Version: 17}},
		Graph: &protos.GraphProto{
			Name: "identity_chain",
			Node: []*protos.NodeProto{
				{OpType: "Identity", Input: []string{"x"}, Output: []string{"a"}, Name: "id0"},
				{OpType: "Add", Input: []string{"a", "one"}, Output: []string{"b"}, Name: "add0"},
				{OpType: "Identity", Input: []string{"b"}, Output: []string{"y"}, Name: "id1"},
			},
			Initializer: []*protos.TensorProto{
				onnx.FloatTensor("one", []int64{2}, []float32{1, 1}),
			},
			Input: []*protos.ValueInfoProto{{
				Name: "x",
				Type: &protos.TypeProto{TensorType: &protos.TensorTypeProto{
					ElemType: protos.Float,
					Shape: &protos.TensorShapeProto{Dim: []*protos.DimensionProto{
						protos.DimValue(2),
					}},
				}},
			}},
			Output: []*protos.ValueInfoProto{{
				Name: "y",
				Type: &protos.TypeProto{TensorType: &protos.TensorTypeProto{
					ElemType: protos.Float,
					Shape: &protos.TensorShapeProto{Dim: []*protos.DimensionProto{
						protos.DimValue(2),
					}},
				}},
			}},
		},
	}}
}

func TestOptimizeWithONNXRuntime(t *testing.T) {
	python := os.Getenv(pythonEnv)
	if python == "" {
		t.Skipf("set %s to run the onnxruntime integration test", pythonEnv)
	}

	dir := t.TempDir()
	inputPath := filepath.Join(dir, "in.onnx")
	outputPath := filepath.Join(dir, "out.onnx")
	require.NoError(t, identityChainModel().WriteFile(inputPath))

	bridge := New(os.Getenv(ortLibEnv))
	bridge.Python = python
	require.NoError(t, bridge.Optimize(inputPath, optimizer.RuntimeBasic, outputPath))

	optimized, err := onnx.ReadFile(outputPath)
	require.NoError(t, err)
	assert.LessOrEqual(t, optimized.NodeCount(), 3)
	assert.Equal(t, []string{"x"}, optimized.InputNames())
	assert.Equal(t, []string{"y"}, optimized.OutputNames())
}

func TestOptimizeMissingModel(t *testing.T) {
	// Fails whether or not an interpreter is available: either the exec
	// fails, or the runtime cannot load the missing file.
	bridge := New("")
	err := bridge.Optimize("/no/such/model.onnx", optimizer.RuntimeBasic, filepath.Join(t.TempDir(), "out.onnx"))
	require.Error(t, err)
}

func TestLevelMapping(t *testing.T) {
	want := map[optimizer.RuntimeLevel]string{
		optimizer.RuntimeDisabled: "ORT_DISABLE_ALL",
		optimizer.RuntimeBasic:    "ORT_ENABLE_BASIC",
		optimizer.RuntimeExtended: "ORT_ENABLE_EXTENDED",
		optimizer.RuntimeAll:      "ORT_ENABLE_ALL",
	}
	for level, name := range want {
		assert.Equal(t, name, ortLevelName(level), "level %s", level)
	}
}
