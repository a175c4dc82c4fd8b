package passes

import (
	"fmt"
	"slices"
	"strconv"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
)

// graphInfo bundles the per-sweep indices the passes match against. It is
// valid until the first mutation; sweep rebuilds it after every rewrite.
type graphInfo struct {
	g         *protos.GraphProto
	consumers map[string][]*protos.NodeProto
	byOutput  map[string]*protos.NodeProto
	inits     map[string]*protos.TensorProto
	outputs   map[string]bool
	inputs    map[string]bool

	// captured counts reads of top-level tensors made from inside subgraph
	// attributes (If branches, Loop and Scan bodies). Those are legal
	// outer-scope references and keep their producers alive.
	captured map[string]int

	// annotations holds the declared type per tensor name, from graph
	// inputs, outputs and value_info.
	annotations map[string]*protos.TypeProto
}

func newGraphInfo(g *protos.GraphProto) *graphInfo {
	gi := &graphInfo{
		g:           g,
		consumers:   onnx.ConsumerMap(g),
		byOutput:    onnx.NodeByOutput(g),
		inits:       onnx.Initializers(g),
		outputs:     onnx.GraphOutputSet(g),
		inputs:      make(map[string]bool, len(g.Input)),
		annotations: make(map[string]*protos.TypeProto),
	}
	for _, vi := range g.Input {
		gi.inputs[vi.Name] = true
		gi.annotations[vi.Name] = vi.Type
	}
	for _, vi := range g.Output {
		gi.annotations[vi.Name] = vi.Type
	}
	for _, vi := range g.ValueInfo {
		gi.annotations[vi.Name] = vi.Type
	}
	gi.captured = make(map[string]int)
	walkSubgraphReads(g, func(node *protos.NodeProto, i int) {
		gi.captured[node.Input[i]]++
	})
	return gi
}

// walkSubgraphReads visits every node input inside a subgraph attribute of g
// (recursively) that resolves to the top-level scope, i.e. is produced by no
// graph along the subgraph chain.
func walkSubgraphReads(g *protos.GraphProto, visit func(node *protos.NodeProto, i int)) {
	for _, node := range g.Node {
		for _, attr := range node.Attribute {
			if attr.G != nil {
				visitOuterReads(attr.G, nil, visit)
			}
			for _, sub := range attr.Graphs {
				visitOuterReads(sub, nil, visit)
			}
		}
	}
}

func visitOuterReads(sub *protos.GraphProto, shadowed map[string]bool, visit func(node *protos.NodeProto, i int)) {
	local := make(map[string]bool, len(shadowed))
	for name := range shadowed {
		local[name] = true
	}
	for _, vi := range sub.Input {
		local[vi.Name] = true
	}
	for _, tensor := range sub.Initializer {
		local[tensor.Name] = true
	}
	for _, node := range sub.Node {
		for _, outputName := range node.Output {
			if outputName != "" {
				local[outputName] = true
			}
		}
	}
	for _, node := range sub.Node {
		for i, inputName := range node.Input {
			if inputName != "" && !local[inputName] {
				visit(node, i)
			}
		}
		for _, attr := range node.Attribute {
			if attr.G != nil {
				visitOuterReads(attr.G, local, visit)
			}
			for _, nested := range attr.Graphs {
				visitOuterReads(nested, local, visit)
			}
		}
	}
}

// sweep repeatedly calls rewrite with a fresh index until it finds nothing
// left to do. rewrite must apply at most one transformation per call and
// report whether it did.
func sweep(m *onnx.Model, rewrite func(gi *graphInfo) bool) bool {
	changed := false
	for {
		if !rewrite(newGraphInfo(m.Graph())) {
			return changed
		}
		changed = true
	}
}

// useCount counts the consumers of a tensor name, including outer-scope reads
// from subgraphs and counting a graph output as one extra use.
func (gi *graphInfo) useCount(name string) int {
	n := len(gi.consumers[name]) + gi.captured[name]
	if gi.outputs[name] {
		n++
	}
	return n
}

// soleConsumerNotOutput reports whether name feeds exactly one node and is
// neither a graph output nor read from a subgraph, the usual precondition for
// merging its producer into that node.
func (gi *graphInfo) soleConsumerNotOutput(name string) bool {
	return !gi.outputs[name] && gi.captured[name] == 0 && len(gi.consumers[name]) == 1
}

// dims returns the declared dimensions of a tensor name, from its initializer
// or its type annotation. The second result is false when the rank is
// unknown.
func (gi *graphInfo) dims(name string) ([]*protos.DimensionProto, bool) {
	if t := gi.inits[name]; t != nil {
		dims := make([]*protos.DimensionProto, len(t.Dims))
		for i, d := range t.Dims {
			dims[i] = protos.DimValue(d)
		}
		return dims, true
	}
	tensorType := gi.annotations[name].GetTensorType()
	if tensorType == nil {
		return nil, false
	}
	shape := tensorType.GetShape()
	if shape == nil {
		return nil, false
	}
	return shape.Dim, true
}

// concreteDims returns the extents of name when its full shape is static.
func (gi *graphInfo) concreteDims(name string) ([]int64, bool) {
	dims, ok := gi.dims(name)
	if !ok {
		return nil, false
	}
	values := make([]int64, len(dims))
	for i, dim := range dims {
		if !dim.HasValue {
			return nil, false
		}
		values[i] = dim.Value
	}
	return values, true
}

// dtypeOf returns the declared element type of a tensor name, or Undefined.
func (gi *graphInfo) dtypeOf(name string) protos.DataType {
	if t := gi.inits[name]; t != nil {
		return t.DataType
	}
	if tensorType := gi.annotations[name].GetTensorType(); tensorType != nil {
		return tensorType.ElemType
	}
	return protos.Undefined
}

// intValues resolves the integer contents of a tensor name when it is a
// compile-time constant: an initializer, a Constant node, or a pure reshaping
// (Identity, Squeeze, Unsqueeze) of one.
func (gi *graphInfo) intValues(name string) []int64 {
	if t := gi.inits[name]; t != nil {
		if values, err := onnx.TensorInts(t); err == nil {
			return values
		}
		return nil
	}
	node := gi.byOutput[name]
	if node == nil {
		return nil
	}
	switch node.OpType {
	case "Constant":
		if t := onnx.AttrTensor(node, "value"); t != nil {
			if values, err := onnx.TensorInts(t); err == nil {
				return values
			}
			return nil
		}
		if attr := onnx.GetAttr(node, "value_int"); attr != nil {
			return []int64{attr.I}
		}
		if attr := onnx.GetAttr(node, "value_ints"); attr != nil {
			return slices.Clone(attr.Ints)
		}
	case "Identity", "Squeeze", "Unsqueeze":
		if len(node.Input) > 0 {
			return gi.intValues(node.Input[0])
		}
	}
	return nil
}

// constFloats resolves the floating-point contents of a constant tensor name
// (initializer or Constant node), converting integer constants as needed.
func (gi *graphInfo) constFloats(name string) []float64 {
	tensor := gi.inits[name]
	if tensor == nil {
		if node := gi.byOutput[name]; node != nil && node.OpType == "Constant" {
			tensor = onnx.AttrTensor(node, "value")
		}
	}
	if tensor == nil {
		return nil
	}
	if values, err := onnx.TensorFloats(tensor); err == nil {
		return values
	}
	if ints, err := onnx.TensorInts(tensor); err == nil {
		values := make([]float64, len(ints))
		for i, v := range ints {
			values[i] = float64(v)
		}
		return values
	}
	return nil
}

// bypass reroutes every use of out to in, making the node between them dead.
// When out is a graph output its name must survive, so the upstream tensor is
// renamed instead; that fails (returns false) if in is a graph input,
// initializer, or another graph output.
func (gi *graphInfo) bypass(in, out string) bool {
	if !gi.outputs[out] {
		gi.renameUses(out, in)
		return true
	}
	if gi.inputs[in] || gi.inits[in] != nil || gi.outputs[in] || gi.byOutput[in] == nil {
		return false
	}
	gi.renameAll(in, out)
	return true
}

// renameUses rewrites node inputs referring to old so they refer to new,
// including outer-scope reads from inside subgraph attributes.
func (gi *graphInfo) renameUses(old, new string) {
	for _, node := range gi.g.Node {
		for i, inputName := range node.Input {
			if inputName == old {
				node.Input[i] = new
			}
		}
	}
	walkSubgraphReads(gi.g, func(node *protos.NodeProto, i int) {
		if node.Input[i] == old {
			node.Input[i] = new
		}
	})
}

// renameAll renames a tensor everywhere: producing output, consuming inputs,
// and value_info.
func (gi *graphInfo) renameAll(old, new string) {
	for _, node := range gi.g.Node {
		for i, outputName := range node.Output {
			if outputName == old {
				node.Output[i] = new
			}
		}
	}
	gi.renameUses(old, new)
	for _, vi := range gi.g.ValueInfo {
		if vi.Name == old {
			vi.Name = new
		}
	}
}

// removeNodes drops the given nodes from the graph, preserving order.
func (gi *graphInfo) removeNodes(drop ...*protos.NodeProto) {
	dropSet := make(map[*protos.NodeProto]bool, len(drop))
	for _, node := range drop {
		dropSet[node] = true
	}
	kept := gi.g.Node[:0]
	for _, node := range gi.g.Node {
		if !dropSet[node] {
			kept = append(kept, node)
		}
	}
	gi.g.Node = kept
}

// uniqueName derives a tensor name from base that collides with nothing in
// the graph.
func (gi *graphInfo) uniqueName(base string) string {
	taken := func(name string) bool {
		if gi.inputs[name] || gi.outputs[name] || gi.inits[name] != nil || gi.byOutput[name] != nil {
			return true
		}
		return false
	}
	if !taken(base) {
		return base
	}
	for i := 1; ; i++ {
		candidate := base + "_" + strconv.Itoa(i)
		if !taken(candidate) {
			return candidate
		}
	}
}

// setIntsAttr sets (or replaces) an INTS attribute on a node.
func setIntsAttr(node *protos.NodeProto, name string, values []int64) {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			attr.Type = protos.AttrInts
			attr.Ints = values
			return
		}
	}
	node.Attribute = append(node.Attribute, &protos.AttributeProto{
		Name: name,
		Type: protos.AttrInts,
		Ints: values,
	})
}

// setIntAttr sets (or replaces) an INT attribute on a node.
func setIntAttr(node *protos.NodeProto, name string, value int64) {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			attr.Type = protos.AttrInt
			attr.I = value
			return
		}
	}
	node.Attribute = append(node.Attribute, &protos.AttributeProto{
		Name: name,
		Type: protos.AttrInt,
		I:    value,
	})
}

// tensorDataKey fingerprints a tensor's type, shape and payload, for
// duplicate detection.
func tensorDataKey(t *protos.TensorProto) string {
	return fmt.Sprintf("%d|%v|%q|%v|%v|%v|%v|%v|%v",
		t.DataType, t.Dims, t.RawData,
		t.FloatData, t.Int32Data, t.Int64Data, t.DoubleData, t.Uint64Data, t.StringData)
}
