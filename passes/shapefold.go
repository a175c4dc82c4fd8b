package passes

import (
	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
)

// Shape folding: Shape nodes (and the Gather/Slice selections downstream of
// them) whose answer is statically known become INT64 initializers. The Shape
// node itself is left behind for eliminate_deadend once nothing consumes it.
//
// These passes are the backbone of static-shape cleanup: models exported with
// dynamic batch dimensions and later pinned to concrete input shapes carry
// long Shape -> Gather -> Concat -> Reshape chains that all collapse once the
// dimensions are constants.

func init() {
	register("eliminate_shape_op", eliminateShapeOp)
	register("eliminate_shape_gather", eliminateShapeGather)
	register("eliminate_slice_after_shape", eliminateSliceAfterShape)
}

// shapeResult returns the dimension list a Shape node produces, honoring its
// start/end attributes, with ok=false when the input's rank is unknown.
func shapeResult(gi *graphInfo, shapeNode *protos.NodeProto) ([]*protos.DimensionProto, bool) {
	dims, ok := gi.dims(shapeNode.Input[0])
	if !ok {
		return nil, false
	}
	rank := int64(len(dims))
	start, end := clampRange(
		onnx.AttrInt(shapeNode, "start", 0),
		onnx.AttrInt(shapeNode, "end", rank),
		rank)
	return dims[start:end], true
}

func concreteValues(dims []*protos.DimensionProto) ([]int64, bool) {
	values := make([]int64, len(dims))
	for i, dim := range dims {
		if !dim.HasValue {
			return nil, false
		}
		values[i] = dim.Value
	}
	return values, true
}

// eliminateShapeOp replaces Shape nodes over statically-shaped tensors with
// an INT64 initializer holding the dimensions.
func eliminateShapeOp(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Shape" || gi.outputs[node.Output[0]] {
				continue
			}
			dims, ok := shapeResult(gi, node)
			if !ok {
				continue
			}
			values, ok := concreteValues(dims)
			if !ok {
				continue
			}
			gi.g.Initializer = append(gi.g.Initializer,
				onnx.Int64Tensor(node.Output[0], []int64{int64(len(values))}, values))
			gi.removeNodes(node)
			return true
		}
		return false
	})
}

// eliminateShapeGather folds Gather(Shape(x), indices) when the selected
// dimensions of x are static, even if other dimensions of x are not. This is
// what unpins a dynamic batch dimension from shape-computation chains that
// only ever select the static dimensions.
func eliminateShapeGather(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Gather" || onnx.AttrInt(node, "axis", 0) != 0 {
				continue
			}
			if gi.outputs[node.Output[0]] {
				continue
			}
			shapeNode := gi.byOutput[node.Input[0]]
			if shapeNode == nil || shapeNode.OpType != "Shape" {
				continue
			}
			dims, ok := shapeResult(gi, shapeNode)
			if !ok {
				continue
			}
			indices := gi.intValues(node.Input[1])
			if indices == nil {
				continue
			}
			selected := make([]int64, len(indices))
			resolved := true
			for i, idx := range indices {
				if idx < 0 {
					idx += int64(len(dims))
				}
				if idx < 0 || idx >= int64(len(dims)) || !dims[idx].HasValue {
					resolved = false
					break
				}
				selected[i] = dims[idx].Value
			}
			if !resolved {
				continue
			}
			// Scalar indices produce a scalar; 1-D indices a vector.
			tensorDims := []int64{int64(len(selected))}
			if idxDims, ok := gi.dims(node.Input[1]); ok && len(idxDims) == 0 {
				tensorDims = nil
			}
			gi.g.Initializer = append(gi.g.Initializer,
				onnx.Int64Tensor(node.Output[0], tensorDims, selected))
			gi.removeNodes(node)
			return true
		}
		return false
	})
}

// eliminateSliceAfterShape folds Slice(Shape(x), ...) with constant slice
// parameters when the selected dimensions are static.
func eliminateSliceAfterShape(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Slice" || gi.outputs[node.Output[0]] {
				continue
			}
			shapeNode := gi.byOutput[node.Input[0]]
			if shapeNode == nil || shapeNode.OpType != "Shape" {
				continue
			}
			starts, ends, ok := sliceParams(gi, node)
			if !ok {
				continue
			}
			dims, resolved := shapeResult(gi, shapeNode)
			if !resolved {
				continue
			}
			start, end := clampRange(starts, ends, int64(len(dims)))
			values, allConcrete := concreteValues(dims[start:end])
			if !allConcrete {
				continue
			}
			gi.g.Initializer = append(gi.g.Initializer,
				onnx.Int64Tensor(node.Output[0], []int64{int64(len(values))}, values))
			gi.removeNodes(node)
			return true
		}
		return false
	})
}

// sliceParams extracts a Slice node's single-axis start/end over axis 0 with
// step 1, from attributes or constant inputs.
func sliceParams(gi *graphInfo, node *protos.NodeProto) (start, end int64, ok bool) {
	starts := onnx.AttrInts(node, "starts")
	ends := onnx.AttrInts(node, "ends")
	axes := onnx.AttrInts(node, "axes")
	var steps []int64
	if starts == nil && len(node.Input) > 2 {
		starts = gi.intValues(node.Input[1])
		ends = gi.intValues(node.Input[2])
		if len(node.Input) > 3 && node.Input[3] != "" {
			axes = gi.intValues(node.Input[3])
			if axes == nil {
				return 0, 0, false
			}
		}
		if len(node.Input) > 4 && node.Input[4] != "" {
			steps = gi.intValues(node.Input[4])
			if steps == nil {
				return 0, 0, false
			}
		}
	}
	if len(starts) != 1 || len(ends) != 1 {
		return 0, 0, false
	}
	if axes != nil && !(len(axes) == 1 && axes[0] == 0) {
		return 0, 0, false
	}
	if steps != nil && !(len(steps) == 1 && steps[0] == 1) {
		return 0, 0, false
	}
	return starts[0], ends[0], true
}

// clampRange resolves negative indices and clamps [start, end) to [0, n].
func clampRange(start, end, n int64) (int64, int64) {
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if start < 0 {
		start = 0
	}
	if start > n {
		start = n
	}
	if end < start {
		end = start
	}
	if end > n {
		end = n
	}
	return start, end
}
