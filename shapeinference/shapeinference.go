// Package shapeinference propagates element types and tensor shapes through
// an ONNX graph, annotating intermediate values and outputs.
//
// Shapes come from four layered sources, in priority order: annotations
// already embedded in the model (value_info), declared input shapes,
// initializer dims, and shapes computed by propagating through the graph's
// operators. With data propagation enabled, the contents of small integer
// tensors (Shape results, axes, target shapes) are tracked as well, so
// data-dependent shapes like Reshape targets resolve to concrete dimensions.
//
// Operators without a propagation rule simply yield unknown output shapes;
// that is not an error. Structurally broken graphs (references to undeclared
// tensors, cycles) are.
package shapeinference

import (
	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
	"github.com/pkg/errors"
)

// valueShape is the inferred annotation for one tensor: element type plus
// dimension list. A nil dims slice with rankKnown false means only the dtype
// is known.
type valueShape struct {
	dtype     protos.DataType
	dims      []*protos.DimensionProto
	rankKnown bool
}

type inferrer struct {
	graph         *protos.GraphProto
	propagateData bool

	// shapes holds the best-known annotation per tensor name.
	shapes map[string]*valueShape
	// values holds known contents of small integer tensors, for data
	// propagation through shape-computation chains.
	values map[string][]int64
}

// maxTrackedElements bounds the integer tensors tracked for data
// propagation; shape vectors are tiny, weight tensors are not.
const maxTrackedElements = 1024

// Infer propagates type and shape annotations through the model's graph,
// rewriting value_info and output annotations in place and returning the
// same model. Graph topology is never modified.
func Infer(m *onnx.Model, propagateData bool) (*onnx.Model, error) {
	inf := &inferrer{
		graph:         m.Proto.Graph,
		propagateData: propagateData,
		shapes:        make(map[string]*valueShape),
		values:        make(map[string][]int64),
	}
	inf.seed()

	sorted, err := onnx.SortedNodes(inf.graph)
	if err != nil {
		return nil, errors.WithMessage(err, "shape inference")
	}
	for _, node := range sorted {
		if err := inf.inferNode(node); err != nil {
			return nil, errors.WithMessagef(err, "shape inference at node %q (%s)", node.Name, node.OpType)
		}
	}

	inf.writeBack()
	return m, nil
}

// seed loads shapes from the model's own annotations and initializers, and
// (for data propagation) the contents of small integer initializers.
func (inf *inferrer) seed() {
	fromValueInfo := func(infos []*protos.ValueInfoProto) {
		for _, vi := range infos {
			tensorType := vi.Type.GetTensorType()
			if vi.Name == "" || tensorType == nil {
				continue
			}
			vs := &valueShape{dtype: tensorType.ElemType}
			if shape := tensorType.GetShape(); shape != nil {
				vs.rankKnown = true
				for _, dim := range shape.Dim {
					vs.dims = append(vs.dims, cloneDim(dim))
				}
			}
			inf.shapes[vi.Name] = vs
		}
	}
	fromValueInfo(inf.graph.Input)
	fromValueInfo(inf.graph.ValueInfo)
	// Output annotations are re-derived, but seed them anyway: they are the
	// only source for graphs whose interior we cannot propagate through.
	fromValueInfo(inf.graph.Output)

	for _, tensor := range inf.graph.Initializer {
		vs := &valueShape{dtype: tensor.DataType, rankKnown: true}
		for _, dim := range tensor.Dims {
			vs.dims = append(vs.dims, protos.DimValue(dim))
		}
		inf.shapes[tensor.Name] = vs

		if inf.propagateData && isIntType(tensor.DataType) && onnx.TensorLen(tensor) <= maxTrackedElements {
			if values, err := onnx.TensorInts(tensor); err == nil {
				inf.values[tensor.Name] = values
			}
		}
	}
}

// writeBack replaces the graph's value_info with the inferred annotations for
// intermediate tensors and refreshes output annotations.
func (inf *inferrer) writeBack() {
	boundary := make(map[string]bool)
	for _, vi := range inf.graph.Input {
		boundary[vi.Name] = true
	}
	for _, vi := range inf.graph.Output {
		boundary[vi.Name] = true
	}
	initializers := onnx.Initializers(inf.graph)

	// Keep existing value_info entries we could not improve on.
	existing := make(map[string]*protos.ValueInfoProto)
	for _, vi := range inf.graph.ValueInfo {
		existing[vi.Name] = vi
	}

	var valueInfo []*protos.ValueInfoProto
	for _, node := range inf.graph.Node {
		for _, outputName := range node.Output {
			if outputName == "" || boundary[outputName] {
				continue
			}
			if _, isInit := initializers[outputName]; isInit {
				continue
			}
			if vs := inf.shapes[outputName]; vs != nil {
				valueInfo = append(valueInfo, vs.toValueInfo(outputName))
			} else if vi := existing[outputName]; vi != nil {
				valueInfo = append(valueInfo, vi)
			}
		}
	}
	inf.graph.ValueInfo = valueInfo

	for _, vi := range inf.graph.Output {
		if vs := inf.shapes[vi.Name]; vs != nil {
			refreshed := vs.toValueInfo(vi.Name)
			vi.Type = refreshed.Type
		}
	}
}

func (vs *valueShape) toValueInfo(name string) *protos.ValueInfoProto {
	tensorType := &protos.TensorTypeProto{ElemType: vs.dtype}
	if vs.rankKnown {
		shape := &protos.TensorShapeProto{}
		for _, dim := range vs.dims {
			shape.Dim = append(shape.Dim, cloneDim(dim))
		}
		tensorType.Shape = shape
	}
	return &protos.ValueInfoProto{
		Name: name,
		Type: &protos.TypeProto{TensorType: tensorType},
	}
}

func cloneDim(dim *protos.DimensionProto) *protos.DimensionProto {
	clone := *dim
	return &clone
}

func isIntType(dt protos.DataType) bool {
	return dt == protos.Int64 || dt == protos.Int32
}

// concreteDims returns the dimension extents when every dimension has a
// concrete value.
func (vs *valueShape) concreteDims() ([]int64, bool) {
	if vs == nil || !vs.rankKnown {
		return nil, false
	}
	dims := make([]int64, len(vs.dims))
	for i, dim := range vs.dims {
		if !dim.HasValue {
			return nil, false
		}
		dims[i] = dim.Value
	}
	return dims, true
}

func (vs *valueShape) rank() int { return len(vs.dims) }

// shapeOf returns the best-known annotation for a tensor name, or nil.
func (inf *inferrer) shapeOf(name string) *valueShape {
	return inf.shapes[name]
}

// valueOf returns the known integer contents of a tensor, or nil.
func (inf *inferrer) valueOf(name string) []int64 {
	if !inf.propagateData {
		return nil
	}
	return inf.values[name]
}

func (inf *inferrer) setShape(name string, vs *valueShape) {
	if name == "" || vs == nil {
		return
	}
	inf.shapes[name] = vs
}

func (inf *inferrer) setValue(name string, values []int64) {
	if name == "" || !inf.propagateData || values == nil || len(values) > maxTrackedElements {
		return
	}
	inf.values[name] = values
}

func concreteShape(dtype protos.DataType, dims []int64) *valueShape {
	vs := &valueShape{dtype: dtype, rankKnown: true}
	for _, dim := range dims {
		vs.dims = append(vs.dims, protos.DimValue(dim))
	}
	return vs
}

func unknownShape(dtype protos.DataType) *valueShape {
	return &valueShape{dtype: dtype}
}
