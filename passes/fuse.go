package passes

import (
	"math"
	"slices"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
)

// Fusion passes: merge chains of compatible nodes into one, or fold a
// neighboring op into an operator that subsumes it (bias into Conv, BN into
// Conv weights, Pad into Conv pads, MatMul+Add into Gemm).

func init() {
	register("fuse_consecutive_concats", fuseConsecutiveConcats)
	register("fuse_consecutive_squeezes", fuseConsecutiveSqueezes)
	register("fuse_consecutive_transposes", fuseConsecutiveTransposes)
	register("fuse_consecutive_unsqueezes", fuseConsecutiveUnsqueezes)
	register("fuse_consecutive_slices", fuseConsecutiveSlices)
	register("fuse_concat_into_reshape", fuseConcatIntoReshape)
	register("fuse_add_bias_into_conv", fuseAddBiasIntoConv)
	register("fuse_bn_into_conv", fuseBNIntoConv)
	register("fuse_pad_into_conv", fusePadIntoConv)
	register("fuse_pad_into_pool", fusePadIntoPool)
	register("fuse_matmul_add_bias_into_gemm", fuseMatMulAddBiasIntoGemm)
	register("fuse_transpose_into_gemm", fuseTransposeIntoGemm)
}

// fuseConsecutiveConcats inlines a Concat's inputs into a downstream Concat
// on the same axis.
func fuseConsecutiveConcats(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Concat" {
				continue
			}
			axis := onnx.AttrInt(node, "axis", math.MinInt64)
			for i, inputName := range node.Input {
				producer := gi.byOutput[inputName]
				if producer == nil || producer.OpType != "Concat" {
					continue
				}
				if onnx.AttrInt(producer, "axis", math.MinInt64) != axis {
					continue
				}
				if !gi.soleConsumerNotOutput(inputName) {
					continue
				}
				inlined := make([]string, 0, len(node.Input)+len(producer.Input)-1)
				inlined = append(inlined, node.Input[:i]...)
				inlined = append(inlined, producer.Input...)
				inlined = append(inlined, node.Input[i+1:]...)
				node.Input = inlined
				gi.removeNodes(producer)
				return true
			}
		}
		return false
	})
}

// axesOf reads a Squeeze/Unsqueeze axes list, from the attribute (opset < 13)
// or the second input (opset >= 13). All axes must be non-negative; negative
// axes need the rank to normalize and are not handled.
func axesOf(gi *graphInfo, node *protos.NodeProto) []int64 {
	axes := onnx.AttrInts(node, "axes")
	if axes == nil && len(node.Input) > 1 {
		axes = gi.intValues(node.Input[1])
	}
	for _, axis := range axes {
		if axis < 0 {
			return nil
		}
	}
	return axes
}

// setAxes writes a combined axes list back onto node in the same style it
// already uses: attribute, or constant second input.
func setAxes(gi *graphInfo, node *protos.NodeProto, axes []int64) {
	if onnx.GetAttr(node, "axes") != nil || len(node.Input) < 2 {
		setIntsAttr(node, "axes", axes)
		node.Input = node.Input[:1]
		return
	}
	name := gi.uniqueName(node.Output[0] + "_axes")
	gi.g.Initializer = append(gi.g.Initializer,
		onnx.Int64Tensor(name, []int64{int64(len(axes))}, axes))
	node.Input[1] = name
}

// fuseConsecutiveSqueezes merges Squeeze(Squeeze(x)) into one Squeeze. The
// second node's axes index the already-squeezed tensor, so they are shifted
// back to positions in the original input.
func fuseConsecutiveSqueezes(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Squeeze" {
				continue
			}
			producer := gi.byOutput[node.Input[0]]
			if producer == nil || producer.OpType != "Squeeze" || !gi.soleConsumerNotOutput(node.Input[0]) {
				continue
			}
			firstAxes, secondAxes := axesOf(gi, producer), axesOf(gi, node)
			if firstAxes == nil || secondAxes == nil {
				continue
			}
			first := slices.Clone(firstAxes)
			slices.Sort(first)
			combined := slices.Clone(first)
			for _, axis := range secondAxes {
				pos := axis
				for _, removed := range first {
					if removed <= pos {
						pos++
					}
				}
				combined = append(combined, pos)
			}
			slices.Sort(combined)
			node.Input[0] = producer.Input[0]
			setAxes(gi, node, combined)
			gi.removeNodes(producer)
			return true
		}
		return false
	})
}

// fuseConsecutiveUnsqueezes merges Unsqueeze(Unsqueeze(x)). The first node's
// axes are positions in the intermediate tensor; they map to the free slots
// the second insertion leaves open.
func fuseConsecutiveUnsqueezes(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Unsqueeze" {
				continue
			}
			producer := gi.byOutput[node.Input[0]]
			if producer == nil || producer.OpType != "Unsqueeze" || !gi.soleConsumerNotOutput(node.Input[0]) {
				continue
			}
			firstAxes, secondAxes := axesOf(gi, producer), axesOf(gi, node)
			if firstAxes == nil || secondAxes == nil {
				continue
			}
			second := slices.Clone(secondAxes)
			slices.Sort(second)
			combined := slices.Clone(second)
			for _, axis := range firstAxes {
				pos := axis
				for _, inserted := range second {
					if inserted <= pos {
						pos++
					}
				}
				combined = append(combined, pos)
			}
			slices.Sort(combined)
			node.Input[0] = producer.Input[0]
			setAxes(gi, node, combined)
			gi.removeNodes(producer)
			return true
		}
		return false
	})
}

// fuseConsecutiveTransposes composes two Transpose nodes into one, or into
// nothing when the permutations cancel.
func fuseConsecutiveTransposes(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Transpose" {
				continue
			}
			producer := gi.byOutput[node.Input[0]]
			if producer == nil || producer.OpType != "Transpose" || !gi.soleConsumerNotOutput(node.Input[0]) {
				continue
			}
			p1 := onnx.AttrInts(producer, "perm")
			p2 := onnx.AttrInts(node, "perm")
			if p1 == nil || p2 == nil || len(p1) != len(p2) {
				continue
			}
			combined := make([]int64, len(p2))
			for i, axis := range p2 {
				if axis < 0 || int(axis) >= len(p1) {
					combined = nil
					break
				}
				combined[i] = p1[axis]
			}
			if combined == nil {
				continue
			}
			if isIdentityPerm(combined) {
				if !gi.bypass(producer.Input[0], node.Output[0]) {
					continue
				}
				gi.removeNodes(producer, node)
				return true
			}
			node.Input[0] = producer.Input[0]
			setIntsAttr(node, "perm", combined)
			gi.removeNodes(producer)
			return true
		}
		return false
	})
}

// fuseConsecutiveSlices merges two Slice nodes over disjoint axes into one,
// rewriting the fused node to the input (opset >= 10) form.
func fuseConsecutiveSlices(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Slice" {
				continue
			}
			producer := gi.byOutput[node.Input[0]]
			if producer == nil || producer.OpType != "Slice" || !gi.soleConsumerNotOutput(node.Input[0]) {
				continue
			}
			first, ok1 := fullSliceParams(gi, producer)
			second, ok2 := fullSliceParams(gi, node)
			if !ok1 || !ok2 || axesOverlap(first.axes, second.axes) {
				continue
			}
			merged := sliceSpec{
				starts: append(slices.Clone(first.starts), second.starts...),
				ends:   append(slices.Clone(first.ends), second.ends...),
				axes:   append(slices.Clone(first.axes), second.axes...),
				steps:  append(slices.Clone(first.steps), second.steps...),
			}
			n := int64(len(merged.starts))
			names := [4]string{}
			for i, suffix := range []string{"_starts", "_ends", "_axes", "_steps"} {
				names[i] = gi.uniqueName(node.Output[0] + suffix)
			}
			gi.g.Initializer = append(gi.g.Initializer,
				onnx.Int64Tensor(names[0], []int64{n}, merged.starts),
				onnx.Int64Tensor(names[1], []int64{n}, merged.ends),
				onnx.Int64Tensor(names[2], []int64{n}, merged.axes),
				onnx.Int64Tensor(names[3], []int64{n}, merged.steps))
			node.Input = []string{producer.Input[0], names[0], names[1], names[2], names[3]}
			node.Attribute = slices.DeleteFunc(node.Attribute, func(attr *protos.AttributeProto) bool {
				switch attr.Name {
				case "starts", "ends", "axes", "steps":
					return true
				}
				return false
			})
			gi.removeNodes(producer)
			return true
		}
		return false
	})
}

type sliceSpec struct {
	starts, ends, axes, steps []int64
}

// fullSliceParams extracts a Slice node's constant parameters, normalizing
// defaults. Axes must be explicit and non-negative.
func fullSliceParams(gi *graphInfo, node *protos.NodeProto) (sliceSpec, bool) {
	var spec sliceSpec
	spec.starts = onnx.AttrInts(node, "starts")
	spec.ends = onnx.AttrInts(node, "ends")
	spec.axes = onnx.AttrInts(node, "axes")
	if spec.starts == nil && len(node.Input) > 2 {
		spec.starts = gi.intValues(node.Input[1])
		spec.ends = gi.intValues(node.Input[2])
		if len(node.Input) > 3 && node.Input[3] != "" {
			spec.axes = gi.intValues(node.Input[3])
		}
		if len(node.Input) > 4 && node.Input[4] != "" {
			spec.steps = gi.intValues(node.Input[4])
		}
	}
	n := len(spec.starts)
	if n == 0 || len(spec.ends) != n || len(spec.axes) != n {
		return spec, false
	}
	if spec.steps == nil {
		spec.steps = make([]int64, n)
		for i := range spec.steps {
			spec.steps[i] = 1
		}
	}
	if len(spec.steps) != n {
		return spec, false
	}
	for _, axis := range spec.axes {
		if axis < 0 {
			return spec, false
		}
	}
	return spec, true
}

func axesOverlap(a, b []int64) bool {
	set := make(map[int64]bool, len(a))
	for _, axis := range a {
		set[axis] = true
	}
	for _, axis := range b {
		if set[axis] {
			return true
		}
	}
	return false
}

// fuseConcatIntoReshape folds a Concat of constant pieces feeding a Reshape
// target into a single initializer. Pieces may include -1, so this works on
// the usual flatten-and-infer idiom.
func fuseConcatIntoReshape(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Reshape" || len(node.Input) < 2 {
				continue
			}
			producer := gi.byOutput[node.Input[1]]
			if producer == nil || producer.OpType != "Concat" || onnx.AttrInt(producer, "axis", 0) != 0 {
				continue
			}
			var combined []int64
			resolved := true
			for _, pieceName := range producer.Input {
				piece := gi.intValues(pieceName)
				if piece == nil {
					resolved = false
					break
				}
				combined = append(combined, piece...)
			}
			if !resolved {
				continue
			}
			name := gi.uniqueName(node.Input[1] + "_folded")
			gi.g.Initializer = append(gi.g.Initializer,
				onnx.Int64Tensor(name, []int64{int64(len(combined))}, combined))
			node.Input[1] = name
			return true
		}
		return false
	})
}

// fuseMatMulAddBiasIntoGemm rewrites Add(MatMul(A, B), C) with rank-2 A and B
// into Gemm(A, B, C).
func fuseMatMulAddBiasIntoGemm(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Add" || len(node.Input) != 2 {
				continue
			}
			for idx := 0; idx < 2; idx++ {
				matmul := gi.byOutput[node.Input[idx]]
				if matmul == nil || matmul.OpType != "MatMul" || !gi.soleConsumerNotOutput(node.Input[idx]) {
					continue
				}
				aDims, okA := gi.dims(matmul.Input[0])
				bDims, okB := gi.dims(matmul.Input[1])
				if !okA || !okB || len(aDims) != 2 || len(bDims) != 2 {
					continue
				}
				biasName := node.Input[1-idx]
				biasDims, okC := gi.dims(biasName)
				if !okC || len(biasDims) > 2 {
					continue
				}
				node.OpType = "Gemm"
				node.Input = []string{matmul.Input[0], matmul.Input[1], biasName}
				node.Attribute = nil
				gi.removeNodes(matmul)
				return true
			}
		}
		return false
	})
}

// fuseTransposeIntoGemm absorbs a 2-D Transpose feeding Gemm's A or B operand
// by flipping the corresponding trans attribute.
func fuseTransposeIntoGemm(m *onnx.Model) bool {
	flip := [2]string{"transA", "transB"}
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Gemm" {
				continue
			}
			for i := 0; i < 2 && i < len(node.Input); i++ {
				producer := gi.byOutput[node.Input[i]]
				if producer == nil || producer.OpType != "Transpose" || !gi.soleConsumerNotOutput(node.Input[i]) {
					continue
				}
				perm := onnx.AttrInts(producer, "perm")
				if !slices.Equal(perm, []int64{1, 0}) {
					continue
				}
				node.Input[i] = producer.Input[0]
				setIntAttr(node, flip[i], 1-onnx.AttrInt(node, flip[i], 0))
				gi.removeNodes(producer)
				return true
			}
		}
		return false
	})
}
