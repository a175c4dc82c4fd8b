package onnx

import (
	"github.com/gomlx/onnxopt/internal/protos"
)

// Dim is one entry of a caller-supplied shape: either a concrete extent
// (Param empty) or a symbolic dimension name.
type Dim struct {
	Value int64
	Param string
}

// IsSymbolic reports whether the entry names a symbolic dimension.
func (d Dim) IsSymbolic() bool { return d.Param != "" }

// FixInputShapes replaces the declared shape of every graph input named in
// shapes with the given dimension list. The replacement is total: the input's
// previous shape is discarded entirely, so callers must supply every
// dimension of an input they fix. Names in shapes that do not match any
// declared input are silently ignored; validate names beforehand if strict
// checking is wanted.
func (m *Model) FixInputShapes(shapes map[string][]Dim) {
	for _, input := range m.Proto.Graph.Input {
		dims, found := shapes[input.Name]
		if !found {
			continue
		}
		if input.Type == nil {
			input.Type = &protos.TypeProto{}
		}
		if input.Type.TensorType == nil {
			input.Type.TensorType = &protos.TensorTypeProto{}
		}
		shape := &protos.TensorShapeProto{Dim: make([]*protos.DimensionProto, 0, len(dims))}
		for _, dim := range dims {
			if dim.IsSymbolic() {
				shape.Dim = append(shape.Dim, protos.DimParam(dim.Param))
			} else {
				shape.Dim = append(shape.Dim, protos.DimValue(dim.Value))
			}
		}
		input.Type.TensorType.Shape = shape
	}
}
