package passes

import (
	"slices"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
)

// Structural no-op eliminations: nodes whose output is provably identical to
// (one of) their inputs get bypassed, and dead graph pieces get dropped.

func init() {
	register("eliminate_identity", eliminateIdentity)
	register("eliminate_nop_cast", eliminateNopCast)
	register("eliminate_nop_dropout", eliminateNopDropout)
	register("eliminate_nop_flatten", eliminateNopFlatten)
	register("eliminate_nop_monotone_argmax", eliminateNopMonotoneArgmax)
	register("eliminate_nop_pad", eliminateNopPad)
	register("eliminate_nop_concat", eliminateNopConcat)
	register("eliminate_nop_split", eliminateNopSplit)
	register("eliminate_nop_expand", eliminateNopExpand)
	register("eliminate_nop_transpose", eliminateNopTranspose)
	register("eliminate_nop_reshape", eliminateNopReshape)
	register("eliminate_nop_with_unit", eliminateNopWithUnit)
	register("eliminate_deadend", eliminateDeadends)
	register("eliminate_unused_initializer", eliminateUnusedInitializers)
	register("eliminate_duplicate_initializer", eliminateDuplicateInitializers)
	register("extract_constant_to_initializer", extractConstantToInitializer)
}

// bypassMatching is the shared driver for single-input no-op eliminations:
// it bypasses and removes the first node accepted by match.
func bypassMatching(m *onnx.Model, match func(gi *graphInfo, node *protos.NodeProto) bool) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if !match(gi, node) {
				continue
			}
			if !gi.bypass(node.Input[0], node.Output[0]) {
				continue
			}
			gi.removeNodes(node)
			return true
		}
		return false
	})
}

func eliminateIdentity(m *onnx.Model) bool {
	return bypassMatching(m, func(gi *graphInfo, node *protos.NodeProto) bool {
		return node.OpType == "Identity"
	})
}

// eliminateNopCast removes Cast nodes whose target type matches the input's
// declared type.
func eliminateNopCast(m *onnx.Model) bool {
	return bypassMatching(m, func(gi *graphInfo, node *protos.NodeProto) bool {
		if node.OpType != "Cast" {
			return false
		}
		dtype := gi.dtypeOf(node.Input[0])
		return dtype != protos.Undefined && int64(dtype) == onnx.AttrInt(node, "to", -1)
	})
}

// eliminateNopDropout removes Dropout nodes that are identity at inference
// time: mask output unused and no training_mode input.
func eliminateNopDropout(m *onnx.Model) bool {
	return bypassMatching(m, func(gi *graphInfo, node *protos.NodeProto) bool {
		if node.OpType != "Dropout" {
			return false
		}
		if len(node.Input) > 2 && node.Input[2] != "" {
			return false
		}
		if len(node.Output) > 1 && node.Output[1] != "" && gi.useCount(node.Output[1]) > 0 {
			return false
		}
		return true
	})
}

// eliminateNopFlatten removes Flatten(axis=1) over an input that is already
// two-dimensional.
func eliminateNopFlatten(m *onnx.Model) bool {
	return bypassMatching(m, func(gi *graphInfo, node *protos.NodeProto) bool {
		if node.OpType != "Flatten" || onnx.AttrInt(node, "axis", 1) != 1 {
			return false
		}
		dims, ok := gi.dims(node.Input[0])
		return ok && len(dims) == 2
	})
}

// eliminateNopMonotoneArgmax drops a monotone elementwise op feeding ArgMax:
// the argmax of Exp(x) is the argmax of x.
func eliminateNopMonotoneArgmax(m *onnx.Model) bool {
	monotone := map[string]bool{"Exp": true, "Log": true, "Sqrt": true}
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "ArgMax" {
				continue
			}
			producer := gi.byOutput[node.Input[0]]
			if producer == nil || !gi.soleConsumerNotOutput(producer.Output[0]) {
				continue
			}
			if !monotone[producer.OpType] &&
				!(producer.OpType == "Softmax" &&
					onnx.AttrInt(producer, "axis", -1) == onnx.AttrInt(node, "axis", 0)) {
				continue
			}
			node.Input[0] = producer.Input[0]
			gi.removeNodes(producer)
			return true
		}
		return false
	})
}

// eliminateNopPad removes Pad nodes whose padding amounts are all zero.
func eliminateNopPad(m *onnx.Model) bool {
	return bypassMatching(m, func(gi *graphInfo, node *protos.NodeProto) bool {
		if node.OpType != "Pad" {
			return false
		}
		pads := onnx.AttrInts(node, "pads")
		if pads == nil && len(node.Input) > 1 {
			pads = gi.intValues(node.Input[1])
		}
		if pads == nil {
			return false
		}
		for _, p := range pads {
			if p != 0 {
				return false
			}
		}
		return true
	})
}

func eliminateNopConcat(m *onnx.Model) bool {
	return bypassMatching(m, func(gi *graphInfo, node *protos.NodeProto) bool {
		return node.OpType == "Concat" && len(node.Input) == 1
	})
}

// eliminateNopSplit removes Split nodes with a single output and no explicit
// split sizes.
func eliminateNopSplit(m *onnx.Model) bool {
	return bypassMatching(m, func(gi *graphInfo, node *protos.NodeProto) bool {
		if node.OpType != "Split" || len(node.Output) != 1 {
			return false
		}
		if onnx.GetAttr(node, "split") != nil {
			return false
		}
		return len(node.Input) < 2 || node.Input[1] == ""
	})
}

// eliminateNopExpand removes Expand nodes whose target shape cannot change
// the input: all ones no longer than the input's rank, or exactly the input's
// static shape.
func eliminateNopExpand(m *onnx.Model) bool {
	return bypassMatching(m, func(gi *graphInfo, node *protos.NodeProto) bool {
		if node.OpType != "Expand" || len(node.Input) < 2 {
			return false
		}
		target := gi.intValues(node.Input[1])
		if target == nil {
			return false
		}
		allOnes := true
		for _, v := range target {
			if v != 1 {
				allOnes = false
				break
			}
		}
		if allOnes {
			dims, ok := gi.dims(node.Input[0])
			return ok && len(target) <= len(dims)
		}
		dims, ok := gi.concreteDims(node.Input[0])
		return ok && slices.Equal(dims, target)
	})
}

func eliminateNopTranspose(m *onnx.Model) bool {
	return bypassMatching(m, func(gi *graphInfo, node *protos.NodeProto) bool {
		if node.OpType != "Transpose" {
			return false
		}
		perm := onnx.AttrInts(node, "perm")
		return perm != nil && isIdentityPerm(perm)
	})
}

// eliminateNopReshape removes Reshape nodes whose target shape is provably
// the input's shape, honoring the 0 (copy) and single -1 (infer) entries.
func eliminateNopReshape(m *onnx.Model) bool {
	return bypassMatching(m, func(gi *graphInfo, node *protos.NodeProto) bool {
		if node.OpType != "Reshape" || len(node.Input) < 2 {
			return false
		}
		target := gi.intValues(node.Input[1])
		dims, ok := gi.concreteDims(node.Input[0])
		if target == nil || !ok || len(target) != len(dims) {
			return false
		}
		inferred := false
		for i, t := range target {
			switch {
			case t == 0 && onnx.AttrInt(node, "allowzero", 0) == 0:
				// Copies the input dimension.
			case t == -1:
				if inferred {
					return false
				}
				inferred = true
			case t != dims[i]:
				return false
			}
		}
		return true
	})
}

// unitOps maps elementwise ops to their neutral element and whether both
// operand positions are eligible (commutative) or only the second.
var unitOps = map[string]struct {
	unit        float64
	commutative bool
}{
	"Add": {0, true},
	"Sub": {0, false},
	"Mul": {1, true},
	"Div": {1, false},
	"Pow": {1, false},
}

// eliminateNopWithUnit removes elementwise arithmetic against a constant
// neutral element (x+0, x*1, x/1, x^1) when the constant cannot broadcast the
// other operand to a larger shape.
func eliminateNopWithUnit(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			spec, isUnitOp := unitOps[node.OpType]
			if !isUnitOp || len(node.Input) != 2 {
				continue
			}
			candidates := []int{1}
			if spec.commutative {
				candidates = []int{0, 1}
			}
			for _, constIdx := range candidates {
				constName := node.Input[constIdx]
				keepName := node.Input[1-constIdx]
				if !isUnitConstant(gi, constName, keepName, spec.unit) {
					continue
				}
				if !gi.bypass(keepName, node.Output[0]) {
					continue
				}
				gi.removeNodes(node)
				return true
			}
		}
		return false
	})
}

// isUnitConstant reports whether constName is a constant filled with unit
// whose shape cannot enlarge other under broadcasting: a scalar, or all-ones
// dims no longer than other's known rank.
func isUnitConstant(gi *graphInfo, constName, other string, unit float64) bool {
	values := gi.constFloats(constName)
	if values == nil {
		return false
	}
	for _, v := range values {
		if v != unit {
			return false
		}
	}
	constDims, ok := gi.concreteDims(constName)
	if !ok {
		return false
	}
	if len(constDims) == 0 {
		return true
	}
	for _, d := range constDims {
		if d != 1 {
			return false
		}
	}
	otherDims, ok := gi.dims(other)
	return ok && len(constDims) <= len(otherDims)
}

// eliminateDeadends iteratively removes nodes none of whose outputs are
// consumed or exported.
func eliminateDeadends(m *onnx.Model) bool {
	g := m.Graph()
	changed := false
	for {
		gi := newGraphInfo(g)
		var drop []*protos.NodeProto
		for _, node := range g.Node {
			live := false
			for _, outputName := range node.Output {
				if outputName != "" && gi.useCount(outputName) > 0 {
					live = true
					break
				}
			}
			if !live {
				drop = append(drop, node)
			}
		}
		if len(drop) == 0 {
			return changed
		}
		gi.removeNodes(drop...)
		changed = true
	}
}

// eliminateUnusedInitializers drops initializers nothing consumes, along with
// their matching graph input declarations.
func eliminateUnusedInitializers(m *onnx.Model) bool {
	g := m.Graph()
	gi := newGraphInfo(g)
	dropped := make(map[string]bool)
	kept := g.Initializer[:0]
	for _, tensor := range g.Initializer {
		if gi.useCount(tensor.Name) == 0 {
			dropped[tensor.Name] = true
			continue
		}
		kept = append(kept, tensor)
	}
	if len(dropped) == 0 {
		return false
	}
	g.Initializer = kept
	keptInputs := g.Input[:0]
	for _, vi := range g.Input {
		if !dropped[vi.Name] {
			keptInputs = append(keptInputs, vi)
		}
	}
	g.Input = keptInputs
	return true
}

// eliminateDuplicateInitializers merges initializers with identical type,
// shape, and payload, rewiring consumers to the first occurrence.
func eliminateDuplicateInitializers(m *onnx.Model) bool {
	g := m.Graph()
	gi := newGraphInfo(g)
	keeper := make(map[string]string)
	dropped := make(map[string]bool)
	kept := g.Initializer[:0]
	for _, tensor := range g.Initializer {
		key := tensorDataKey(tensor)
		first, seen := keeper[key]
		// Boundary names must keep their identity.
		if !seen || gi.inputs[tensor.Name] || gi.outputs[tensor.Name] {
			if !seen {
				keeper[key] = tensor.Name
			}
			kept = append(kept, tensor)
			continue
		}
		gi.renameUses(tensor.Name, first)
		dropped[tensor.Name] = true
	}
	if len(dropped) == 0 {
		return false
	}
	g.Initializer = kept
	keptInputs := g.Input[:0]
	for _, vi := range g.Input {
		if !dropped[vi.Name] {
			keptInputs = append(keptInputs, vi)
		}
	}
	g.Input = keptInputs
	return true
}

// extractConstantToInitializer converts Constant nodes into initializers
// named after their output, shrinking the node list.
func extractConstantToInitializer(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Constant" {
				continue
			}
			tensor := constantNodeTensor(node)
			if tensor == nil {
				continue
			}
			if gi.outputs[tensor.Name] || gi.inits[tensor.Name] != nil {
				continue
			}
			gi.g.Initializer = append(gi.g.Initializer, tensor)
			gi.removeNodes(node)
			return true
		}
		return false
	})
}

// constantNodeTensor materializes a Constant node's value as a tensor named
// after the node's output, or nil for value forms it does not cover (sparse,
// string).
func constantNodeTensor(node *protos.NodeProto) *protos.TensorProto {
	outputName := node.Output[0]
	if t := onnx.AttrTensor(node, "value"); t != nil {
		clone := *t
		clone.Name = outputName
		return &clone
	}
	if attr := onnx.GetAttr(node, "value_int"); attr != nil {
		return onnx.Int64Tensor(outputName, nil, []int64{attr.I})
	}
	if attr := onnx.GetAttr(node, "value_ints"); attr != nil {
		return onnx.Int64Tensor(outputName, []int64{int64(len(attr.Ints))}, attr.Ints)
	}
	if attr := onnx.GetAttr(node, "value_float"); attr != nil {
		return onnx.FloatTensor(outputName, nil, []float32{attr.F})
	}
	if attr := onnx.GetAttr(node, "value_floats"); attr != nil {
		return onnx.FloatTensor(outputName, []int64{int64(len(attr.Floats))}, attr.Floats)
	}
	return nil
}

func isIdentityPerm(perm []int64) bool {
	for i, p := range perm {
		if p != int64(i) {
			return false
		}
	}
	return true
}
