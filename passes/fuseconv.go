package passes

import (
	"math"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
)

// Convolution-adjacent fusions. These fold neighboring arithmetic into the
// Conv operator itself, rewriting weight and bias initializers in place when
// they are not shared, so they do numeric work unlike the purely structural
// passes.

// fuseAddBiasIntoConv rewrites Add(Conv(x, W), B) into Conv(x, W, B) when B
// is a per-channel constant.
func fuseAddBiasIntoConv(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "Add" || len(node.Input) != 2 {
				continue
			}
			for idx := 0; idx < 2; idx++ {
				conv := gi.byOutput[node.Input[idx]]
				if conv == nil || conv.OpType != "Conv" || len(conv.Input) != 2 {
					continue
				}
				if !gi.soleConsumerNotOutput(node.Input[idx]) {
					continue
				}
				wDims, ok := gi.concreteDims(conv.Input[1])
				if !ok || len(wDims) < 3 {
					continue
				}
				channels := wDims[0]
				biasName := gi.perChannelBias(node.Input[1-idx], channels, len(wDims))
				if biasName == "" {
					continue
				}
				conv.Input = append(conv.Input, biasName)
				conv.Output[0] = node.Output[0]
				gi.removeNodes(node)
				return true
			}
		}
		return false
	})
}

// perChannelBias checks that name is an initializer holding exactly one value
// per output channel in a broadcast-compatible layout ([C], [C,1,...], or
// [1,C,1,...]) and returns the name of a 1-D [C] version of it, flattening in
// place when the tensor has no other consumers.
func (gi *graphInfo) perChannelBias(name string, channels int64, convRank int) string {
	tensor := gi.inits[name]
	if tensor == nil {
		return ""
	}
	if len(tensor.Dims) == 1 && tensor.Dims[0] == channels {
		return name
	}
	if int64(onnx.TensorLen(tensor)) != channels {
		return ""
	}
	// The C extent must sit on the channel axis, i.e. convRank-2 dims from
	// the right, with everything else 1.
	channelPos := len(tensor.Dims) - (convRank - 1)
	for i, d := range tensor.Dims {
		switch {
		case i == channelPos && d == channels:
		case d == 1:
		default:
			return ""
		}
	}
	if gi.useCount(name) == 1 && !gi.inputs[name] {
		tensor.Dims = []int64{channels}
		return name
	}
	flat := *tensor
	flat.Name = gi.uniqueName(name + "_flat")
	flat.Dims = []int64{channels}
	gi.g.Initializer = append(gi.g.Initializer, &flat)
	return flat.Name
}

// fuseBNIntoConv folds BatchNormalization(Conv(x, W, B?)) into the Conv
// weights and bias:
//
//	k = scale / sqrt(var + eps)
//	W' = W * k (per output channel)
//	B' = (B - mean) * k + shift
func fuseBNIntoConv(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		for _, node := range gi.g.Node {
			if node.OpType != "BatchNormalization" || len(node.Input) < 5 {
				continue
			}
			if len(node.Output) > 1 {
				// Training-mode outputs (running mean/var) in use block the fold.
				inUse := false
				for _, outputName := range node.Output[1:] {
					if outputName != "" && gi.useCount(outputName) > 0 {
						inUse = true
						break
					}
				}
				if inUse {
					continue
				}
			}
			conv := gi.byOutput[node.Input[0]]
			if conv == nil || conv.OpType != "Conv" || !gi.soleConsumerNotOutput(node.Input[0]) {
				continue
			}
			if gi.foldBNIntoConv(node, conv) {
				conv.Output[0] = node.Output[0]
				gi.removeNodes(node)
				return true
			}
		}
		return false
	})
}

func (gi *graphInfo) foldBNIntoConv(bn, conv *protos.NodeProto) bool {
	weights := gi.inits[conv.Input[1]]
	// The weights are mutated, so they must not be shared.
	if weights == nil || gi.useCount(conv.Input[1]) != 1 || len(weights.Dims) < 3 {
		return false
	}
	wValues, err := onnx.TensorFloats(weights)
	if err != nil {
		return false
	}
	channels := weights.Dims[0]
	scale := gi.constFloats(bn.Input[1])
	shift := gi.constFloats(bn.Input[2])
	mean := gi.constFloats(bn.Input[3])
	variance := gi.constFloats(bn.Input[4])
	for _, v := range [][]float64{scale, shift, mean, variance} {
		if int64(len(v)) != channels {
			return false
		}
	}

	var bias []float64
	var biasTensor *protos.TensorProto
	if len(conv.Input) > 2 && conv.Input[2] != "" {
		biasTensor = gi.inits[conv.Input[2]]
		if biasTensor == nil || gi.useCount(conv.Input[2]) != 1 {
			return false
		}
		bias, err = onnx.TensorFloats(biasTensor)
		if err != nil || int64(len(bias)) != channels {
			return false
		}
	} else {
		bias = make([]float64, channels)
	}

	eps := float64(onnx.AttrFloat(bn, "epsilon", 1e-5))
	block := 1
	for _, d := range weights.Dims[1:] {
		block *= int(d)
	}
	newBias := make([]float64, channels)
	for c := int64(0); c < channels; c++ {
		k := scale[c] / math.Sqrt(variance[c]+eps)
		for j := 0; j < block; j++ {
			wValues[int(c)*block+j] *= k
		}
		newBias[c] = (bias[c]-mean[c])*k + shift[c]
	}
	if err := onnx.SetTensorFloats(weights, wValues); err != nil {
		return false
	}
	if biasTensor != nil {
		return onnx.SetTensorFloats(biasTensor, newBias) == nil
	}
	created := &protos.TensorProto{
		Name:     gi.uniqueName(conv.Output[0] + "_bias"),
		DataType: weights.DataType,
		Dims:     []int64{channels},
	}
	if err := onnx.SetTensorFloats(created, newBias); err != nil {
		return false
	}
	gi.g.Initializer = append(gi.g.Initializer, created)
	conv.Input = append(conv.Input[:2], created.Name)
	return true
}

// fusePadIntoConv absorbs a constant zero-valued Pad into the pads attribute
// of a downstream Conv. Zero padding is exactly Conv's implicit padding, so
// this is always exact.
func fusePadIntoConv(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		return fusePadInto(gi, func(node *protos.NodeProto, padValue float64) bool {
			return node.OpType == "Conv" && padValue == 0
		})
	})
}

// fusePadIntoPool absorbs a constant Pad into a pooling node when the padded
// value matches the pool's own implicit padding: -inf for MaxPool, zero for
// AveragePool with count_include_pad set.
func fusePadIntoPool(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		return fusePadInto(gi, func(node *protos.NodeProto, padValue float64) bool {
			switch node.OpType {
			case "MaxPool":
				return math.IsInf(padValue, -1)
			case "AveragePool":
				return padValue == 0 && onnx.AttrInt(node, "count_include_pad", 0) == 1
			}
			return false
		})
	})
}

// fusePadInto finds one Pad node whose sole consumer is accepted by target,
// folds the spatial padding into the consumer's pads attribute, and bypasses
// the Pad. Returns whether it rewrote anything.
func fusePadInto(gi *graphInfo, target func(node *protos.NodeProto, padValue float64) bool) bool {
	for _, padNode := range gi.g.Node {
		if padNode.OpType != "Pad" {
			continue
		}
		if onnx.AttrString(padNode, "mode", "constant") != "constant" {
			continue
		}
		if !gi.soleConsumerNotOutput(padNode.Output[0]) {
			continue
		}
		consumer := gi.consumers[padNode.Output[0]][0]
		if consumer.Input[0] != padNode.Output[0] {
			continue
		}
		if onnx.AttrString(consumer, "auto_pad", "NOTSET") != "NOTSET" {
			continue
		}
		pads := onnx.AttrInts(padNode, "pads")
		if pads == nil && len(padNode.Input) > 1 {
			pads = gi.intValues(padNode.Input[1])
		}
		if pads == nil || len(pads)%2 != 0 {
			continue
		}
		rank := len(pads) / 2
		if rank < 3 {
			continue
		}
		value := float64(onnx.AttrFloat(padNode, "value", 0))
		if len(padNode.Input) > 2 && padNode.Input[2] != "" {
			constant := gi.constFloats(padNode.Input[2])
			if len(constant) != 1 {
				continue
			}
			value = constant[0]
		}
		if !target(consumer, value) {
			continue
		}
		// Only spatial padding folds; batch and channel must be untouched,
		// and the amounts must be non-negative.
		ok := pads[0] == 0 && pads[1] == 0 && pads[rank] == 0 && pads[rank+1] == 0
		for _, p := range pads {
			if p < 0 {
				ok = false
				break
			}
		}
		if !ok {
			continue
		}
		spatial := rank - 2
		existing := onnx.AttrInts(consumer, "pads")
		if existing == nil {
			existing = make([]int64, 2*spatial)
		}
		if len(existing) != 2*spatial {
			continue
		}
		combined := make([]int64, 2*spatial)
		for i := 0; i < spatial; i++ {
			combined[i] = existing[i] + pads[2+i]
			combined[spatial+i] = existing[spatial+i] + pads[rank+2+i]
		}
		consumer.Input[0] = padNode.Input[0]
		setIntsAttr(consumer, "pads", combined)
		gi.removeNodes(padNode)
		return true
	}
	return false
}
