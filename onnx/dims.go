package onnx

import (
	"slices"
	"strings"

	"github.com/gomlx/onnxopt/internal/protos"
)

// UnknownDimPrefix is the prefix ONNX Runtime and other tools use for
// symbolic dimensions they invent when they cannot name an axis.
const UnknownDimPrefix = "unk__"

// DynamicDims returns the set of distinct symbolic (named, non-constant)
// dimension names appearing in the graph's inputs, outputs, and value_info
// annotations. Dimensions with concrete values or with neither value nor
// name are excluded.
func (m *Model) DynamicDims() map[string]bool {
	dims := make(map[string]bool)
	collect := func(infos []*protos.ValueInfoProto) {
		for _, vi := range infos {
			tensorType := vi.Type.GetTensorType()
			if tensorType == nil || tensorType.Shape == nil {
				continue
			}
			for _, dim := range tensorType.Shape.Dim {
				if dim.IsSymbolic() {
					dims[dim.Param] = true
				}
			}
		}
	}
	collect(m.Proto.Graph.Input)
	collect(m.Proto.Graph.Output)
	collect(m.Proto.Graph.ValueInfo)
	return dims
}

// SplitDynamicDims partitions a set of symbolic dimension names into named
// (meaningful) dimensions and the generic "unk__*" placeholders, each sorted.
func SplitDynamicDims(dims map[string]bool) (named, unknown []string) {
	for dim := range dims {
		if strings.HasPrefix(dim, UnknownDimPrefix) {
			unknown = append(unknown, dim)
		} else {
			named = append(named, dim)
		}
	}
	slices.Sort(named)
	slices.Sort(unknown)
	return
}
