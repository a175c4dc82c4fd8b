package shapeinference

import (
	"slices"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
	"github.com/pkg/errors"
)

// Per-operator propagation rules. Each rule computes output annotations (and,
// under data propagation, output values) from the inputs' annotations. A rule
// that cannot resolve a shape records what it does know -- usually just the
// element type -- and moves on.

// elementwiseOps produce an output with the same shape and dtype as their
// first input.
var elementwiseOps = map[string]bool{
	"Abs": true, "Acos": true, "Asin": true, "Atan": true, "Ceil": true,
	"Celu": true, "Clip": true, "Cos": true, "Cosh": true, "Elu": true,
	"Erf": true, "Exp": true, "Floor": true, "Gelu": true, "HardSigmoid": true,
	"HardSwish": true, "LeakyRelu": true, "Log": true, "LogSoftmax": true,
	"Mish": true, "Neg": true, "Not": true, "PRelu": true, "Reciprocal": true,
	"Relu": true, "Round": true, "Selu": true, "Sigmoid": true, "Sign": true,
	"Sin": true, "Sinh": true, "Softmax": true, "Softplus": true,
	"Softsign": true, "Sqrt": true, "Tan": true, "Tanh": true,
}

// broadcastOps produce the numpy-style broadcast of their first two inputs.
var broadcastOps = map[string]bool{
	"Add": true, "Div": true, "Max": true, "Min": true, "Mod": true,
	"Mul": true, "Pow": true, "Sub": true,
}

// comparisonOps broadcast like broadcastOps but produce booleans.
var comparisonOps = map[string]bool{
	"And": true, "Equal": true, "Greater": true, "GreaterOrEqual": true,
	"Less": true, "LessOrEqual": true, "Or": true, "Xor": true,
}

func (inf *inferrer) inShape(node *protos.NodeProto, i int) *valueShape {
	if i >= len(node.Input) || node.Input[i] == "" {
		return nil
	}
	return inf.shapeOf(node.Input[i])
}

func (inf *inferrer) inValue(node *protos.NodeProto, i int) []int64 {
	if i >= len(node.Input) || node.Input[i] == "" {
		return nil
	}
	return inf.valueOf(node.Input[i])
}

func (inf *inferrer) out(node *protos.NodeProto, i int) string {
	if i >= len(node.Output) {
		return ""
	}
	return node.Output[i]
}

func (inf *inferrer) inferNode(node *protos.NodeProto) error {
	switch {
	case elementwiseOps[node.OpType]:
		inf.inferElementwise(node)
	case broadcastOps[node.OpType]:
		if err := inf.inferBroadcast(node, protos.Undefined); err != nil {
			return err
		}
		inf.propagateBinaryValue(node)
	case comparisonOps[node.OpType]:
		return inf.inferBroadcast(node, protos.Bool)
	default:
		switch node.OpType {
		case "Identity":
			inf.inferElementwise(node)
			inf.setValue(inf.out(node, 0), inf.inValue(node, 0))
		case "Cast":
			inf.inferCast(node)
		case "Dropout":
			inf.inferDropout(node)
		case "BatchNormalization", "InstanceNormalization", "LayerNormalization", "LpNormalization":
			inf.inferElementwise(node)
		case "MatMul":
			return inf.inferMatMul(node)
		case "Gemm":
			return inf.inferGemm(node)
		case "Transpose":
			return inf.inferTranspose(node)
		case "Shape":
			inf.inferShapeOp(node)
		case "Size":
			inf.inferSize(node)
		case "Constant":
			inf.inferConstant(node)
		case "ConstantOfShape":
			inf.inferConstantOfShape(node)
		case "Reshape":
			return inf.inferReshape(node)
		case "Unsqueeze":
			inf.inferUnsqueeze(node)
		case "Squeeze":
			inf.inferSqueeze(node)
		case "Concat":
			inf.inferConcat(node)
		case "Gather":
			inf.inferGather(node)
		case "Slice":
			inf.inferSlice(node)
		case "Flatten":
			inf.inferFlatten(node)
		case "Expand":
			inf.inferExpand(node)
		case "Range":
			inf.inferRange(node)
		case "Where":
			return inf.inferWhere(node)
		case "ArgMax", "ArgMin":
			inf.inferArg(node)
		case "ReduceMean", "ReduceSum", "ReduceMax", "ReduceMin", "ReduceProd", "ReduceL1", "ReduceL2":
			inf.inferReduce(node)
		case "Conv", "MaxPool", "AveragePool", "LpPool":
			inf.inferConvPool(node)
		case "GlobalAveragePool", "GlobalMaxPool", "GlobalLpPool":
			inf.inferGlobalPool(node)
		case "Pad":
			inf.inferPad(node)
		default:
			// No rule: keep the dtype if the first input's is known,
			// leave the shape unknown.
			if in := inf.inShape(node, 0); in != nil {
				for _, outputName := range node.Output {
					inf.setShape(outputName, unknownShape(in.dtype))
				}
			}
		}
	}
	return nil
}

func (inf *inferrer) inferElementwise(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil {
		return
	}
	inf.setShape(inf.out(node, 0), in.clone())
}

func (inf *inferrer) inferCast(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	target := protos.DataType(onnx.AttrInt(node, "to", 0))
	if in == nil {
		inf.setShape(inf.out(node, 0), unknownShape(target))
		return
	}
	out := in.clone()
	out.dtype = target
	inf.setShape(inf.out(node, 0), out)
	if isIntType(target) {
		inf.setValue(inf.out(node, 0), inf.inValue(node, 0))
	}
}

func (inf *inferrer) inferDropout(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil {
		return
	}
	inf.setShape(inf.out(node, 0), in.clone())
	if mask := inf.out(node, 1); mask != "" {
		maskShape := in.clone()
		maskShape.dtype = protos.Bool
		inf.setShape(mask, maskShape)
	}
}

func (inf *inferrer) inferBroadcast(node *protos.NodeProto, forceDType protos.DataType) error {
	a, b := inf.inShape(node, 0), inf.inShape(node, 1)
	dtype := forceDType
	if dtype == protos.Undefined {
		if a != nil {
			dtype = a.dtype
		} else if b != nil {
			dtype = b.dtype
		}
	}
	if a == nil || b == nil || !a.rankKnown || !b.rankKnown {
		inf.setShape(inf.out(node, 0), unknownShape(dtype))
		return nil
	}
	dims, err := broadcastDims(a.dims, b.dims)
	if err != nil {
		return errors.WithMessagef(err, "broadcasting inputs %q and %q", node.Input[0], node.Input[1])
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: dtype, dims: dims, rankKnown: true})
	return nil
}

// propagateBinaryValue folds elementwise integer arithmetic over tracked
// values (scalar-or-equal-length operands only).
func (inf *inferrer) propagateBinaryValue(node *protos.NodeProto) {
	a, b := inf.inValue(node, 0), inf.inValue(node, 1)
	if a == nil || b == nil {
		return
	}
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	if (len(a) != n && len(a) != 1) || (len(b) != n && len(b) != 1) {
		return
	}
	pick := func(v []int64, i int) int64 {
		if len(v) == 1 {
			return v[0]
		}
		return v[i]
	}
	out := make([]int64, n)
	for i := range out {
		x, y := pick(a, i), pick(b, i)
		switch node.OpType {
		case "Add":
			out[i] = x + y
		case "Sub":
			out[i] = x - y
		case "Mul":
			out[i] = x * y
		case "Div":
			if y == 0 {
				return
			}
			out[i] = x / y
		default:
			return
		}
	}
	inf.setValue(inf.out(node, 0), out)
}

func (inf *inferrer) inferMatMul(node *protos.NodeProto) error {
	a, b := inf.inShape(node, 0), inf.inShape(node, 1)
	if a == nil || b == nil || !a.rankKnown || !b.rankKnown || a.rank() == 0 || b.rank() == 0 {
		var dtype protos.DataType
		if a != nil {
			dtype = a.dtype
		}
		inf.setShape(inf.out(node, 0), unknownShape(dtype))
		return nil
	}
	// 1-D operands get a broadcast dimension that is dropped afterwards.
	aDims := slices.Clone(a.dims)
	bDims := slices.Clone(b.dims)
	aVec, bVec := false, false
	if len(aDims) == 1 {
		aDims = append([]*protos.DimensionProto{protos.DimValue(1)}, aDims...)
		aVec = true
	}
	if len(bDims) == 1 {
		bDims = append(bDims, protos.DimValue(1))
		bVec = true
	}
	contractA, contractB := aDims[len(aDims)-1], bDims[len(bDims)-2]
	if contractA.HasValue && contractB.HasValue && contractA.Value != contractB.Value {
		return errors.Errorf("MatMul contracting dimensions mismatch: %d vs %d", contractA.Value, contractB.Value)
	}
	batch, err := broadcastDims(aDims[:len(aDims)-2], bDims[:len(bDims)-2])
	if err != nil {
		return errors.WithMessage(err, "MatMul batch dimensions")
	}
	dims := batch
	if !aVec {
		dims = append(dims, cloneDim(aDims[len(aDims)-2]))
	}
	if !bVec {
		dims = append(dims, cloneDim(bDims[len(bDims)-1]))
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: a.dtype, dims: dims, rankKnown: true})
	return nil
}

func (inf *inferrer) inferGemm(node *protos.NodeProto) error {
	a, b := inf.inShape(node, 0), inf.inShape(node, 1)
	if a == nil || b == nil || a.rank() != 2 || b.rank() != 2 {
		var dtype protos.DataType
		if a != nil {
			dtype = a.dtype
		}
		inf.setShape(inf.out(node, 0), unknownShape(dtype))
		return nil
	}
	transA := onnx.AttrInt(node, "transA", 0) != 0
	transB := onnx.AttrInt(node, "transB", 0) != 0
	m, ka := a.dims[0], a.dims[1]
	if transA {
		m, ka = ka, m
	}
	kb, n := b.dims[0], b.dims[1]
	if transB {
		kb, n = n, kb
	}
	if ka.HasValue && kb.HasValue && ka.Value != kb.Value {
		return errors.Errorf("Gemm contracting dimensions mismatch: %d vs %d", ka.Value, kb.Value)
	}
	inf.setShape(inf.out(node, 0), &valueShape{
		dtype:     a.dtype,
		dims:      []*protos.DimensionProto{cloneDim(m), cloneDim(n)},
		rankKnown: true,
	})
	return nil
}

func (inf *inferrer) inferTranspose(node *protos.NodeProto) error {
	in := inf.inShape(node, 0)
	if in == nil || !in.rankKnown {
		if in != nil {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		}
		return nil
	}
	perm := onnx.AttrInts(node, "perm")
	if perm == nil {
		perm = make([]int64, in.rank())
		for i := range perm {
			perm[i] = int64(in.rank() - 1 - i)
		}
	}
	if len(perm) != in.rank() {
		return errors.Errorf("Transpose perm has %d entries for rank-%d input", len(perm), in.rank())
	}
	dims := make([]*protos.DimensionProto, len(perm))
	for i, axis := range perm {
		if axis < 0 || int(axis) >= in.rank() {
			return errors.Errorf("Transpose perm axis %d out of range for rank %d", axis, in.rank())
		}
		dims[i] = cloneDim(in.dims[axis])
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: in.dtype, dims: dims, rankKnown: true})
	return nil
}

func (inf *inferrer) inferShapeOp(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil || !in.rankKnown {
		inf.setShape(inf.out(node, 0), unknownShape(protos.Int64))
		return
	}
	start, end := sliceRange(onnx.AttrInt(node, "start", 0), onnx.AttrInt(node, "end", int64(in.rank())), int64(in.rank()))
	n := end - start
	if n < 0 {
		n = 0
	}
	inf.setShape(inf.out(node, 0), concreteShape(protos.Int64, []int64{n}))
	if dims, ok := in.concreteDims(); ok {
		inf.setValue(inf.out(node, 0), dims[start:end])
	}
}

func (inf *inferrer) inferSize(node *protos.NodeProto) {
	inf.setShape(inf.out(node, 0), concreteShape(protos.Int64, nil))
	if in := inf.inShape(node, 0); in != nil {
		if dims, ok := in.concreteDims(); ok {
			size := int64(1)
			for _, dim := range dims {
				size *= dim
			}
			inf.setValue(inf.out(node, 0), []int64{size})
		}
	}
}

func (inf *inferrer) inferConstant(node *protos.NodeProto) {
	if tensor := onnx.AttrTensor(node, "value"); tensor != nil {
		inf.setShape(inf.out(node, 0), concreteShape(tensor.DataType, tensor.Dims))
		if isIntType(tensor.DataType) && onnx.TensorLen(tensor) <= maxTrackedElements {
			if values, err := onnx.TensorInts(tensor); err == nil {
				inf.setValue(inf.out(node, 0), values)
			}
		}
		return
	}
	if attr := onnx.GetAttr(node, "value_int"); attr != nil {
		inf.setShape(inf.out(node, 0), concreteShape(protos.Int64, nil))
		inf.setValue(inf.out(node, 0), []int64{attr.I})
		return
	}
	if attr := onnx.GetAttr(node, "value_ints"); attr != nil {
		inf.setShape(inf.out(node, 0), concreteShape(protos.Int64, []int64{int64(len(attr.Ints))}))
		inf.setValue(inf.out(node, 0), slices.Clone(attr.Ints))
		return
	}
	if onnx.GetAttr(node, "value_float") != nil {
		inf.setShape(inf.out(node, 0), concreteShape(protos.Float, nil))
		return
	}
	if attr := onnx.GetAttr(node, "value_floats"); attr != nil {
		inf.setShape(inf.out(node, 0), concreteShape(protos.Float, []int64{int64(len(attr.Floats))}))
	}
}

func (inf *inferrer) inferConstantOfShape(node *protos.NodeProto) {
	dtype := protos.Float
	if tensor := onnx.AttrTensor(node, "value"); tensor != nil {
		dtype = tensor.DataType
	}
	if target := inf.inValue(node, 0); target != nil {
		inf.setShape(inf.out(node, 0), concreteShape(dtype, target))
		return
	}
	out := unknownShape(dtype)
	if in := inf.inShape(node, 0); in != nil {
		if dims, ok := in.concreteDims(); ok && len(dims) == 1 {
			// Rank is known even when the extents are not.
			out = &valueShape{dtype: dtype, dims: make([]*protos.DimensionProto, dims[0]), rankKnown: true}
			for i := range out.dims {
				out.dims[i] = &protos.DimensionProto{}
			}
		}
	}
	inf.setShape(inf.out(node, 0), out)
}

func (inf *inferrer) inferReshape(node *protos.NodeProto) error {
	in := inf.inShape(node, 0)
	target := inf.inValue(node, 1)
	if in == nil || target == nil {
		if in != nil {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		}
		return nil
	}
	inDims, inConcrete := in.concreteDims()
	dims := make([]int64, len(target))
	inferIdx := -1
	known := int64(1)
	for i, v := range target {
		switch {
		case v == -1:
			if inferIdx >= 0 {
				return errors.New("Reshape target has more than one -1 dimension")
			}
			inferIdx = i
		case v == 0:
			if in.rankKnown && i < in.rank() && in.dims[i].HasValue {
				dims[i] = in.dims[i].Value
				known *= dims[i]
			} else {
				inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
				return nil
			}
		default:
			dims[i] = v
			known *= v
		}
	}
	if inferIdx >= 0 {
		if !inConcrete {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
			return nil
		}
		total := int64(1)
		for _, dim := range inDims {
			total *= dim
		}
		if known == 0 || total%known != 0 {
			return errors.Errorf("Reshape cannot infer -1: %d elements into %v", total, target)
		}
		dims[inferIdx] = total / known
	}
	inf.setShape(inf.out(node, 0), concreteShape(in.dtype, dims))
	return nil
}

// unsqueezeAxes returns the axes list for Squeeze/Unsqueeze, which moved from
// an attribute to a second input at opset 13.
func (inf *inferrer) squeezeAxes(node *protos.NodeProto) []int64 {
	if axes := onnx.AttrInts(node, "axes"); axes != nil {
		return axes
	}
	return inf.inValue(node, 1)
}

func (inf *inferrer) inferUnsqueeze(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	axes := inf.squeezeAxes(node)
	if in == nil || !in.rankKnown || axes == nil {
		if in != nil {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		}
		return
	}
	outRank := in.rank() + len(axes)
	normalized := make(map[int]bool, len(axes))
	for _, axis := range axes {
		if axis < 0 {
			axis += int64(outRank)
		}
		normalized[int(axis)] = true
	}
	dims := make([]*protos.DimensionProto, 0, outRank)
	next := 0
	for i := 0; i < outRank; i++ {
		if normalized[i] {
			dims = append(dims, protos.DimValue(1))
		} else if next < in.rank() {
			dims = append(dims, cloneDim(in.dims[next]))
			next++
		}
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: in.dtype, dims: dims, rankKnown: true})
	inf.setValue(inf.out(node, 0), inf.inValue(node, 0))
}

func (inf *inferrer) inferSqueeze(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil || !in.rankKnown {
		if in != nil {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		}
		return
	}
	axes := inf.squeezeAxes(node)
	drop := make(map[int]bool)
	if axes == nil {
		for i, dim := range in.dims {
			if dim.HasValue && dim.Value == 1 {
				drop[i] = true
			}
		}
	} else {
		for _, axis := range axes {
			if axis < 0 {
				axis += int64(in.rank())
			}
			drop[int(axis)] = true
		}
	}
	var dims []*protos.DimensionProto
	for i, dim := range in.dims {
		if !drop[i] {
			dims = append(dims, cloneDim(dim))
		}
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: in.dtype, dims: dims, rankKnown: true})
	inf.setValue(inf.out(node, 0), inf.inValue(node, 0))
}

func (inf *inferrer) inferConcat(node *protos.NodeProto) {
	first := inf.inShape(node, 0)
	if first == nil || !first.rankKnown {
		if first != nil {
			inf.setShape(inf.out(node, 0), unknownShape(first.dtype))
		}
		return
	}
	axis := onnx.AttrInt(node, "axis", 0)
	if axis < 0 {
		axis += int64(first.rank())
	}
	if axis < 0 || int(axis) >= first.rank() {
		inf.setShape(inf.out(node, 0), unknownShape(first.dtype))
		return
	}
	dims := make([]*protos.DimensionProto, first.rank())
	for i, dim := range first.dims {
		dims[i] = cloneDim(dim)
	}
	total := int64(0)
	resolved := true
	for i := range node.Input {
		in := inf.inShape(node, i)
		if in == nil || !in.rankKnown || in.rank() != first.rank() || !in.dims[axis].HasValue {
			resolved = false
			break
		}
		total += in.dims[axis].Value
	}
	if resolved {
		dims[axis] = protos.DimValue(total)
	} else {
		dims[axis] = &protos.DimensionProto{}
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: first.dtype, dims: dims, rankKnown: true})

	// Value propagation: concatenation of known vectors/scalars.
	var concatenated []int64
	for i := range node.Input {
		value := inf.inValue(node, i)
		if value == nil {
			return
		}
		concatenated = append(concatenated, value...)
	}
	inf.setValue(inf.out(node, 0), concatenated)
}

func (inf *inferrer) inferGather(node *protos.NodeProto) {
	data, indices := inf.inShape(node, 0), inf.inShape(node, 1)
	if data == nil || !data.rankKnown || indices == nil || !indices.rankKnown {
		if data != nil {
			inf.setShape(inf.out(node, 0), unknownShape(data.dtype))
		}
		return
	}
	axis := onnx.AttrInt(node, "axis", 0)
	if axis < 0 {
		axis += int64(data.rank())
	}
	if axis < 0 || int(axis) >= data.rank() {
		inf.setShape(inf.out(node, 0), unknownShape(data.dtype))
		return
	}
	var dims []*protos.DimensionProto
	for i, dim := range data.dims {
		if int64(i) == axis {
			for _, idxDim := range indices.dims {
				dims = append(dims, cloneDim(idxDim))
			}
			continue
		}
		dims = append(dims, cloneDim(dim))
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: data.dtype, dims: dims, rankKnown: true})

	// Value propagation: gathering from a known vector along axis 0.
	if axis != 0 || data.rank() != 1 {
		return
	}
	dataValues := inf.inValue(node, 0)
	idxValues := inf.inValue(node, 1)
	if dataValues == nil || idxValues == nil {
		return
	}
	gathered := make([]int64, len(idxValues))
	for i, idx := range idxValues {
		if idx < 0 {
			idx += int64(len(dataValues))
		}
		if idx < 0 || idx >= int64(len(dataValues)) {
			return
		}
		gathered[i] = dataValues[idx]
	}
	inf.setValue(inf.out(node, 0), gathered)
}

func (inf *inferrer) inferSlice(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil || !in.rankKnown {
		if in != nil {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		}
		return
	}
	starts := inf.inValue(node, 1)
	ends := inf.inValue(node, 2)
	if starts == nil {
		starts = onnx.AttrInts(node, "starts")
		ends = onnx.AttrInts(node, "ends")
	}
	if starts == nil || ends == nil || len(starts) != len(ends) {
		out := &valueShape{dtype: in.dtype, dims: make([]*protos.DimensionProto, in.rank()), rankKnown: true}
		for i := range out.dims {
			out.dims[i] = &protos.DimensionProto{}
		}
		inf.setShape(inf.out(node, 0), out)
		return
	}
	axes := inf.inValue(node, 3)
	if axes == nil {
		axes = onnx.AttrInts(node, "axes")
	}
	if axes == nil {
		axes = make([]int64, len(starts))
		for i := range axes {
			axes[i] = int64(i)
		}
	}
	steps := inf.inValue(node, 4)
	if steps == nil {
		steps = make([]int64, len(starts))
		for i := range steps {
			steps[i] = 1
		}
	}

	dims := make([]*protos.DimensionProto, in.rank())
	for i, dim := range in.dims {
		dims[i] = cloneDim(dim)
	}
	for i, axis := range axes {
		if axis < 0 {
			axis += int64(in.rank())
		}
		if axis < 0 || int(axis) >= in.rank() || i >= len(steps) || steps[i] == 0 {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
			return
		}
		dim := in.dims[axis]
		if !dim.HasValue {
			dims[axis] = &protos.DimensionProto{}
			continue
		}
		n := slicedLen(dim.Value, starts[i], ends[i], steps[i])
		dims[axis] = protos.DimValue(n)
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: in.dtype, dims: dims, rankKnown: true})

	// Value propagation for 1-D slices with step 1.
	if in.rank() == 1 && len(axes) == 1 && steps[0] == 1 {
		if values := inf.inValue(node, 0); values != nil {
			start, end := sliceRange(starts[0], ends[0], int64(len(values)))
			inf.setValue(inf.out(node, 0), slices.Clone(values[start:end]))
		}
	}
}

func (inf *inferrer) inferFlatten(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil || !in.rankKnown {
		if in != nil {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		}
		return
	}
	axis := onnx.AttrInt(node, "axis", 1)
	if axis < 0 {
		axis += int64(in.rank())
	}
	if axis < 0 || axis > int64(in.rank()) {
		inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		return
	}
	outer, inner := int64(1), int64(1)
	resolved := true
	for i, dim := range in.dims {
		if !dim.HasValue {
			resolved = false
			break
		}
		if int64(i) < axis {
			outer *= dim.Value
		} else {
			inner *= dim.Value
		}
	}
	if !resolved {
		out := &valueShape{dtype: in.dtype, dims: []*protos.DimensionProto{{}, {}}, rankKnown: true}
		inf.setShape(inf.out(node, 0), out)
		return
	}
	inf.setShape(inf.out(node, 0), concreteShape(in.dtype, []int64{outer, inner}))
}

func (inf *inferrer) inferExpand(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	target := inf.inValue(node, 1)
	if in == nil {
		return
	}
	if target == nil || !in.rankKnown {
		inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		return
	}
	targetDims := make([]*protos.DimensionProto, len(target))
	for i, v := range target {
		targetDims[i] = protos.DimValue(v)
	}
	dims, err := broadcastDims(in.dims, targetDims)
	if err != nil {
		inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		return
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: in.dtype, dims: dims, rankKnown: true})
}

func (inf *inferrer) inferRange(node *protos.NodeProto) {
	dtype := protos.Int64
	if in := inf.inShape(node, 0); in != nil {
		dtype = in.dtype
	}
	start, limit, delta := inf.inValue(node, 0), inf.inValue(node, 1), inf.inValue(node, 2)
	if len(start) != 1 || len(limit) != 1 || len(delta) != 1 || delta[0] == 0 {
		inf.setShape(inf.out(node, 0), unknownShape(dtype))
		return
	}
	n := (limit[0] - start[0] + delta[0] - signOf(delta[0])) / delta[0]
	if n < 0 {
		n = 0
	}
	inf.setShape(inf.out(node, 0), concreteShape(dtype, []int64{n}))
	if n <= maxTrackedElements {
		values := make([]int64, n)
		for i := range values {
			values[i] = start[0] + int64(i)*delta[0]
		}
		inf.setValue(inf.out(node, 0), values)
	}
}

func (inf *inferrer) inferWhere(node *protos.NodeProto) error {
	cond, a, b := inf.inShape(node, 0), inf.inShape(node, 1), inf.inShape(node, 2)
	var dtype protos.DataType
	if a != nil {
		dtype = a.dtype
	} else if b != nil {
		dtype = b.dtype
	}
	if cond == nil || a == nil || b == nil || !cond.rankKnown || !a.rankKnown || !b.rankKnown {
		inf.setShape(inf.out(node, 0), unknownShape(dtype))
		return nil
	}
	dims, err := broadcastDims(a.dims, b.dims)
	if err != nil {
		return errors.WithMessage(err, "Where value operands")
	}
	dims, err = broadcastDims(dims, cond.dims)
	if err != nil {
		return errors.WithMessage(err, "Where condition operand")
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: dtype, dims: dims, rankKnown: true})
	return nil
}

func (inf *inferrer) inferArg(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil || !in.rankKnown {
		inf.setShape(inf.out(node, 0), unknownShape(protos.Int64))
		return
	}
	axis := onnx.AttrInt(node, "axis", 0)
	if axis < 0 {
		axis += int64(in.rank())
	}
	keepDims := onnx.AttrInt(node, "keepdims", 1) != 0
	var dims []*protos.DimensionProto
	for i, dim := range in.dims {
		if int64(i) == axis {
			if keepDims {
				dims = append(dims, protos.DimValue(1))
			}
			continue
		}
		dims = append(dims, cloneDim(dim))
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: protos.Int64, dims: dims, rankKnown: true})
}

func (inf *inferrer) inferReduce(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil || !in.rankKnown {
		if in != nil {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		}
		return
	}
	axes := onnx.AttrInts(node, "axes")
	if axes == nil {
		axes = inf.inValue(node, 1)
	}
	keepDims := onnx.AttrInt(node, "keepdims", 1) != 0
	if axes == nil {
		if len(node.Input) > 1 && node.Input[1] != "" {
			// Axes input present but unresolved.
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
			return
		}
		// Default: reduce all axes.
		axes = make([]int64, in.rank())
		for i := range axes {
			axes[i] = int64(i)
		}
	}
	reduce := make(map[int]bool, len(axes))
	for _, axis := range axes {
		if axis < 0 {
			axis += int64(in.rank())
		}
		reduce[int(axis)] = true
	}
	var dims []*protos.DimensionProto
	for i, dim := range in.dims {
		if reduce[i] {
			if keepDims {
				dims = append(dims, protos.DimValue(1))
			}
			continue
		}
		dims = append(dims, cloneDim(dim))
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: in.dtype, dims: dims, rankKnown: true})
}

func (inf *inferrer) inferConvPool(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil || !in.rankKnown || in.rank() < 3 {
		if in != nil {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		}
		return
	}
	spatial := in.rank() - 2
	kernel := onnx.AttrInts(node, "kernel_shape")
	if node.OpType == "Conv" {
		if w := inf.inShape(node, 1); kernel == nil && w != nil && w.rankKnown && w.rank() == in.rank() {
			if wDims, ok := w.concreteDims(); ok {
				kernel = wDims[2:]
			}
		}
	}
	dims := make([]*protos.DimensionProto, in.rank())
	dims[0] = cloneDim(in.dims[0])
	// Channel dimension: Conv takes it from the weights, pooling keeps it.
	if node.OpType == "Conv" {
		if w := inf.inShape(node, 1); w != nil && w.rankKnown && w.rank() >= 1 {
			dims[1] = cloneDim(w.dims[0])
		} else {
			dims[1] = &protos.DimensionProto{}
		}
	} else {
		dims[1] = cloneDim(in.dims[1])
	}

	strides := onnx.AttrInts(node, "strides")
	pads := onnx.AttrInts(node, "pads")
	dilations := onnx.AttrInts(node, "dilations")
	autoPad := onnx.AttrString(node, "auto_pad", "NOTSET")
	for i := 0; i < spatial; i++ {
		inDim := in.dims[i+2]
		stride, dilation := int64(1), int64(1)
		if i < len(strides) {
			stride = strides[i]
		}
		if i < len(dilations) {
			dilation = dilations[i]
		}
		if !inDim.HasValue || kernel == nil || i >= len(kernel) || stride <= 0 {
			dims[i+2] = &protos.DimensionProto{}
			continue
		}
		switch autoPad {
		case "SAME_UPPER", "SAME_LOWER":
			dims[i+2] = protos.DimValue((inDim.Value + stride - 1) / stride)
		case "VALID", "NOTSET":
			pad := int64(0)
			if autoPad == "NOTSET" && len(pads) == 2*spatial {
				pad = pads[i] + pads[i+spatial]
			}
			effective := (kernel[i]-1)*dilation + 1
			n := (inDim.Value + pad - effective) / stride
			dims[i+2] = protos.DimValue(n + 1)
		default:
			dims[i+2] = &protos.DimensionProto{}
		}
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: in.dtype, dims: dims, rankKnown: true})
}

func (inf *inferrer) inferGlobalPool(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil || !in.rankKnown || in.rank() < 3 {
		if in != nil {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		}
		return
	}
	dims := []*protos.DimensionProto{cloneDim(in.dims[0]), cloneDim(in.dims[1])}
	for i := 2; i < in.rank(); i++ {
		dims = append(dims, protos.DimValue(1))
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: in.dtype, dims: dims, rankKnown: true})
}

func (inf *inferrer) inferPad(node *protos.NodeProto) {
	in := inf.inShape(node, 0)
	if in == nil || !in.rankKnown {
		if in != nil {
			inf.setShape(inf.out(node, 0), unknownShape(in.dtype))
		}
		return
	}
	pads := onnx.AttrInts(node, "pads")
	if pads == nil {
		pads = inf.inValue(node, 1)
	}
	dims := make([]*protos.DimensionProto, in.rank())
	for i, dim := range in.dims {
		if dim.HasValue && len(pads) == 2*in.rank() {
			dims[i] = protos.DimValue(dim.Value + pads[i] + pads[i+in.rank()])
		} else if !dim.HasValue {
			dims[i] = cloneDim(dim)
		} else {
			dims[i] = &protos.DimensionProto{}
		}
	}
	inf.setShape(inf.out(node, 0), &valueShape{dtype: in.dtype, dims: dims, rankKnown: true})
}

func (vs *valueShape) clone() *valueShape {
	out := &valueShape{dtype: vs.dtype, rankKnown: vs.rankKnown}
	for _, dim := range vs.dims {
		out.dims = append(out.dims, cloneDim(dim))
	}
	return out
}

// broadcastDims applies numpy broadcasting to two dimension lists, aligning
// on the right. Symbolic dimensions survive when the other side is 1 or the
// same symbol; a symbolic-vs-concrete conflict degrades to unknown rather
// than failing, matching the forgiving behavior of ONNX shape inference.
func broadcastDims(a, b []*protos.DimensionProto) ([]*protos.DimensionProto, error) {
	rank := len(a)
	if len(b) > rank {
		rank = len(b)
	}
	dims := make([]*protos.DimensionProto, rank)
	for i := 0; i < rank; i++ {
		var da, db *protos.DimensionProto
		if i >= rank-len(a) {
			da = a[i-(rank-len(a))]
		}
		if i >= rank-len(b) {
			db = b[i-(rank-len(b))]
		}
		switch {
		case da == nil:
			dims[i] = cloneDim(db)
		case db == nil:
			dims[i] = cloneDim(da)
		case da.HasValue && db.HasValue:
			switch {
			case da.Value == db.Value, db.Value == 1:
				dims[i] = cloneDim(da)
			case da.Value == 1:
				dims[i] = cloneDim(db)
			default:
				return nil, errors.Errorf("incompatible dimensions %d and %d", da.Value, db.Value)
			}
		case da.HasValue && da.Value == 1:
			dims[i] = cloneDim(db)
		case db.HasValue && db.Value == 1:
			dims[i] = cloneDim(da)
		case da.IsSymbolic() && db.IsSymbolic() && da.Param == db.Param:
			dims[i] = cloneDim(da)
		case da.HasValue:
			dims[i] = cloneDim(da)
		case db.HasValue:
			dims[i] = cloneDim(db)
		default:
			dims[i] = &protos.DimensionProto{}
		}
	}
	return dims, nil
}

// slicedLen computes the output extent of one sliced axis of size n. Negative
// starts and ends count from the back; out-of-range bounds clamp to [0, n] for
// positive steps and to [-1, n-1] for negative ones, so sentinel values like
// math.MaxInt64 mean "to the end".
func slicedLen(n, start, end, step int64) int64 {
	if start < 0 {
		start += n
	}
	if end < 0 {
		end += n
	}
	if step > 0 {
		start = min(max(start, 0), n)
		end = min(max(end, 0), n)
		if end <= start {
			return 0
		}
		return (end - start + step - 1) / step
	}
	start = min(max(start, 0), n-1)
	end = min(max(end, -1), n-1)
	if start <= end {
		return 0
	}
	return (start - end - step - 1) / -step
}

// sliceRange clamps a [start, end) pair to [0, n], resolving negatives.
func sliceRange(start, end, n int64) (int64, int64) {
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

func signOf(v int64) int64 {
	if v < 0 {
		return -1
	}
	if v > 0 {
		return 1
	}
	return 0
}
