package optimizer

import (
	"os"
	"testing"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEngines counts calls and removes a scripted number of nodes per pass
// round, so convergence behavior is tested without real passes.
type fakeEngines struct {
	inferCalls int
	passCalls  int
	// removals[i] is how many nodes pass round i+1 removes.
	removals []int
	inferErr error
}

func (f *fakeEngines) InferShapes(m *onnx.Model, propagateData bool) (*onnx.Model, error) {
	f.inferCalls++
	if f.inferErr != nil {
		return nil, f.inferErr
	}
	return m, nil
}

func (f *fakeEngines) ApplyPasses(m *onnx.Model, names []string) (bool, error) {
	drop := 0
	if f.passCalls < len(f.removals) {
		drop = f.removals[f.passCalls]
	}
	f.passCalls++
	g := m.Graph()
	if drop > len(g.Node) {
		drop = len(g.Node)
	}
	g.Node = g.Node[:len(g.Node)-drop]
	return drop > 0, nil
}

func modelWithNodes(n int) *onnx.Model {
	g := &protos.GraphProto{
		Input: []*protos.ValueInfoProto{{
			Name: "x",
			Type: &protos.TypeProto{TensorType: &protos.TensorTypeProto{
				ElemType: protos.Float,
				Shape: &protos.TensorShapeProto{Dim: []*protos.DimensionProto{
					protos.DimParam("batch"), protos.DimValue(4),
				}},
			}},
		}},
		Output: []*protos.ValueInfoProto{{
			Name: "y",
			Type: &protos.TypeProto{TensorType: &protos.TensorTypeProto{ElemType: protos.Float}},
		}},
	}
	prev := "x"
	for i := 0; i < n; i++ {
		out := "y"
		if i < n-1 {
			out = "t" + string(rune('0'+i))
		}
		g.Node = append(g.Node, &protos.NodeProto{
			OpType: "Relu",
			Input:  []string{prev},
			Output: []string{out},
		})
		prev = out
	}
	return &onnx.Model{Proto: protos.ModelProto{IrVersion: 8, Graph: g}}
}

func TestRunNeverConvergesOnFirstRound(t *testing.T) {
	// No pass ever changes anything, but an unchanged count after round one
	// alone must not count as convergence.
	engines := &fakeEngines{}
	result, err := Run(modelWithNodes(5), Config{Engines: engines})
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.Equal(t, 2, result.Iterations, "a stable count needs a second round to confirm")
}

func TestRunStopsWhenNodeCountStabilizes(t *testing.T) {
	engines := &fakeEngines{removals: []int{3, 0, 0, 0, 0}}
	result, err := Run(modelWithNodes(10), Config{Engines: engines, MaxIterations: 10})
	require.NoError(t, err)
	assert.True(t, result.Converged)
	assert.Equal(t, 2, result.Iterations)
	assert.Equal(t, 10, result.Before.Nodes)
	assert.Equal(t, 7, result.After.Nodes)
}

func TestRunHitsIterationLimit(t *testing.T) {
	// Every round removes one node; the driver must stop at MaxIterations.
	engines := &fakeEngines{removals: []int{1, 1, 1, 1, 1, 1, 1, 1}}
	result, err := Run(modelWithNodes(20), Config{Engines: engines, MaxIterations: 3})
	require.NoError(t, err)
	assert.False(t, result.Converged)
	assert.Equal(t, 3, result.Iterations)
	assert.Equal(t, 17, result.After.Nodes)
}

func TestRunDefaultsToThreeIterations(t *testing.T) {
	engines := &fakeEngines{removals: []int{1, 1, 1, 1, 1}}
	result, err := Run(modelWithNodes(20), Config{Engines: engines})
	require.NoError(t, err)
	assert.Equal(t, DefaultMaxIterations, result.Iterations)
}

func TestRunSkipPasses(t *testing.T) {
	engines := &fakeEngines{removals: []int{5}}
	result, err := Run(modelWithNodes(5), Config{Engines: engines, SkipPasses: true})
	require.NoError(t, err)
	assert.Zero(t, engines.passCalls)
	assert.Equal(t, 5, result.After.Nodes)
	// Final shape inference still runs.
	assert.Equal(t, 1, engines.inferCalls)
}

func TestRunSkipInference(t *testing.T) {
	engines := &fakeEngines{}
	_, err := Run(modelWithNodes(3), Config{Engines: engines, SkipInference: true})
	require.NoError(t, err)
	assert.Zero(t, engines.inferCalls)
	assert.NotZero(t, engines.passCalls)
}

// freshModelEngines returns a brand-new annotated model from InferShapes, the
// way an engine that rebuilds rather than mutates would, and records whether
// each pass round saw the annotation.
type freshModelEngines struct {
	sawAnnotation []bool
}

func (f *freshModelEngines) InferShapes(m *onnx.Model, propagateData bool) (*onnx.Model, error) {
	fresh := modelWithNodes(m.NodeCount())
	fresh.Graph().ValueInfo = append(fresh.Graph().ValueInfo, &protos.ValueInfoProto{Name: "annotated"})
	return fresh, nil
}

func (f *freshModelEngines) ApplyPasses(m *onnx.Model, names []string) (bool, error) {
	found := false
	for _, vi := range m.Graph().ValueInfo {
		if vi.Name == "annotated" {
			found = true
		}
	}
	f.sawAnnotation = append(f.sawAnnotation, found)
	return false, nil
}

func TestRunAdoptsInferredModelEachRound(t *testing.T) {
	engines := &freshModelEngines{}
	result, err := Run(modelWithNodes(4), Config{Engines: engines})
	require.NoError(t, err)
	require.NotEmpty(t, engines.sawAnnotation)
	for round, saw := range engines.sawAnnotation {
		assert.True(t, saw, "pass round %d ran on a model without the inferred annotations", round+1)
	}
	assert.Equal(t, "annotated",
		result.Model.Graph().ValueInfo[len(result.Model.Graph().ValueInfo)-1].Name,
		"the result must carry the final inference output")
}

func TestRunFixesInputShapes(t *testing.T) {
	engines := &fakeEngines{}
	m := modelWithNodes(2)
	_, err := Run(m, Config{
		Engines:     engines,
		InputShapes: map[string][]onnx.Dim{"x": {{Value: 8}, {Value: 4}}},
	})
	require.NoError(t, err)
	shape := m.Graph().Input[0].Type.GetTensorType().GetShape()
	require.Len(t, shape.Dim, 2)
	assert.Equal(t, int64(8), shape.Dim[0].Value)
}

func TestRunInferenceErrorIsFatal(t *testing.T) {
	engines := &fakeEngines{inferErr: errors.New("bad graph")}
	_, err := Run(modelWithNodes(3), Config{Engines: engines})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad graph")
}

// fakeRuntime either writes a scripted optimized model or fails.
type fakeRuntime struct {
	calls      int
	fail       bool
	gotLevel   RuntimeLevel
	resultFunc func() *onnx.Model
}

func (f *fakeRuntime) Optimize(modelPath string, level RuntimeLevel, outputPath string) error {
	f.calls++
	f.gotLevel = level
	if f.fail {
		return errors.New("onnxruntime exploded")
	}
	// The input must be a readable model file.
	if _, err := onnx.ReadFile(modelPath); err != nil {
		return err
	}
	return f.resultFunc().WriteFile(outputPath)
}

func TestRunRuntimeBridge(t *testing.T) {
	runtime := &fakeRuntime{resultFunc: func() *onnx.Model { return modelWithNodes(1) }}
	result, err := Run(modelWithNodes(5), Config{
		Engines:      &fakeEngines{},
		Runtime:      runtime,
		RuntimeLevel: RuntimeExtended,
		TempDir:      t.TempDir(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, runtime.calls)
	assert.Equal(t, RuntimeExtended, runtime.gotLevel)
	assert.True(t, result.RuntimeApplied)
	assert.Equal(t, 1, result.After.Nodes)
}

func TestRunRuntimeFailureIsSoft(t *testing.T) {
	runtime := &fakeRuntime{fail: true}
	result, err := Run(modelWithNodes(5), Config{
		Engines:      &fakeEngines{},
		Runtime:      runtime,
		RuntimeLevel: RuntimeBasic,
		TempDir:      t.TempDir(),
	})
	require.NoError(t, err, "a runtime failure must not fail the run")
	assert.False(t, result.RuntimeApplied)
	assert.Equal(t, 5, result.After.Nodes, "the pre-runtime model must survive")
}

func TestRunRuntimeDisabledSkipsBridge(t *testing.T) {
	runtime := &fakeRuntime{resultFunc: func() *onnx.Model { return modelWithNodes(1) }}
	_, err := Run(modelWithNodes(5), Config{
		Engines:      &fakeEngines{},
		Runtime:      runtime,
		RuntimeLevel: RuntimeDisabled,
	})
	require.NoError(t, err)
	assert.Zero(t, runtime.calls)
}

func TestRunCleansScratchFiles(t *testing.T) {
	scratch := t.TempDir()
	runtime := &fakeRuntime{resultFunc: func() *onnx.Model { return modelWithNodes(1) }}
	_, err := Run(modelWithNodes(5), Config{
		Engines:      &fakeEngines{},
		Runtime:      runtime,
		RuntimeLevel: RuntimeAll,
		TempDir:      scratch,
	})
	require.NoError(t, err)
	entries, err := os.ReadDir(scratch)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch files must be removed")
}

func TestParseRuntimeLevel(t *testing.T) {
	for name, want := range map[string]RuntimeLevel{
		"disabled": RuntimeDisabled,
		"basic":    RuntimeBasic,
		"EXTENDED": RuntimeExtended,
		"all":      RuntimeAll,
	} {
		level, err := ParseRuntimeLevel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, level, name)
	}
	_, err := ParseRuntimeLevel("turbo")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turbo")
}

func TestResultDeltas(t *testing.T) {
	result := &Result{
		Before: onnx.Stats{Nodes: 10, ShapeOps: 2},
		After:  onnx.Stats{Nodes: 6},
	}
	deltas := result.Deltas()
	assert.Equal(t, onnx.Metric{Name: "nodes", Value: -4}, deltas[0])
	assert.Equal(t, onnx.Metric{Name: "Shape ops", Value: -2}, deltas[5])
}
