package onnx

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/gomlx/onnxopt/internal/protos"
)

// String implements fmt.Stringer, and pretty prints model information.
func (m *Model) String() string {
	var buf bytes.Buffer
	w := func(format string, args ...any) {
		if len(args) == 0 {
			buf.WriteString(format)
		} else {
			buf.WriteString(fmt.Sprintf(format, args...))
		}
	}
	w("ONNX Model:\n")
	if m.Proto.DocString != "" {
		w("%s\n", m.Proto.DocString)
	}
	if m.Proto.ModelVersion != 0 {
		w("\tVersion:\t%d\n", m.Proto.ModelVersion)
	}
	if m.Proto.ProducerName != "" {
		w("\tProducer:\t%s / %s\n", m.Proto.ProducerName, m.Proto.ProducerVersion)
	}
	w("\tIR Version:\t%d\n", m.Proto.IrVersion)
	w("\tOperator Sets:\t[")
	for ii, opSetID := range m.Proto.OpsetImport {
		if ii > 0 {
			w(", ")
		}
		if opSetID.Domain != "" {
			w("v%d (%s)", opSetID.Version, opSetID.Domain)
		} else {
			w("v%d", opSetID.Version)
		}
	}
	w("]\n")

	w("\t# nodes:\t%d\n", len(m.Proto.Graph.Node))
	w("\t# initializers:\t%d\n", len(m.Proto.Graph.Initializer))
	w("\tOp types:\t%#v\n", SortedOpTypes(m.Proto.Graph))

	if len(m.Proto.MetadataProps) > 0 {
		w("\tMetadata: [")
		for ii, prop := range m.Proto.MetadataProps {
			if ii > 0 {
				w(", ")
			}
			w("%s=%s", prop.Key, prop.Value)
		}
		w("]\n")
	}
	return buf.String()
}

// FormatValueInfo renders a value annotation as "name: [d0 x d1 x ...] (DTYPE)".
// Symbolic dimensions show their name, unknown dimensions show "?".
func FormatValueInfo(vi *protos.ValueInfoProto) string {
	tensorType := vi.Type.GetTensorType()
	if tensorType == nil {
		return fmt.Sprintf("%s: (non-tensor)", vi.Name)
	}
	var dims []string
	if shape := tensorType.GetShape(); shape != nil {
		for _, dim := range shape.Dim {
			switch {
			case dim.IsSymbolic():
				dims = append(dims, dim.Param)
			case dim.HasValue:
				dims = append(dims, fmt.Sprintf("%d", dim.Value))
			default:
				dims = append(dims, "?")
			}
		}
	}
	return fmt.Sprintf("%s: [%s] (%s)", vi.Name, strings.Join(dims, " x "), tensorType.ElemType)
}
