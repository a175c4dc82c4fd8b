package passes

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/gomlx/onnxopt/onnx"
)

func init() {
	register("eliminate_common_subexpression", eliminateCommonSubexpression)
}

// nondeterministicOps must never be merged even when their inputs and
// attributes match.
var nondeterministicOps = map[string]bool{
	"RandomNormal":      true,
	"RandomNormalLike":  true,
	"RandomUniform":     true,
	"RandomUniformLike": true,
	"Multinomial":       true,
	"Dropout":           true,
}

// eliminateCommonSubexpression merges nodes that compute the same value: same
// op, same inputs, same attributes. The first occurrence survives; consumers
// of the duplicates are rewired to it.
func eliminateCommonSubexpression(m *onnx.Model) bool {
	return sweep(m, func(gi *graphInfo) bool {
		seen := make(map[string]*protos.NodeProto)
		for _, node := range gi.g.Node {
			key, hashable := nodeKey(node)
			if !hashable {
				continue
			}
			keeper, dup := seen[key]
			if !dup {
				seen[key] = node
				continue
			}
			if len(keeper.Output) != len(node.Output) {
				continue
			}
			// Keep graph output names where they are.
			exported := false
			for _, outputName := range node.Output {
				if gi.outputs[outputName] {
					exported = true
					break
				}
			}
			if exported {
				continue
			}
			for i, outputName := range node.Output {
				if outputName != "" {
					gi.renameUses(outputName, keeper.Output[i])
				}
			}
			gi.removeNodes(node)
			return true
		}
		return false
	})
}

// nodeKey fingerprints a node's computation. Nodes with subgraph attributes
// or nondeterministic semantics are not hashable.
func nodeKey(node *protos.NodeProto) (string, bool) {
	if nondeterministicOps[node.OpType] {
		return "", false
	}
	var b strings.Builder
	b.WriteString(node.Domain)
	b.WriteByte(0)
	b.WriteString(node.OpType)
	for _, inputName := range node.Input {
		b.WriteByte(0)
		b.WriteString(inputName)
	}
	attrs := slices.Clone(node.Attribute)
	slices.SortFunc(attrs, func(a, b *protos.AttributeProto) int {
		return strings.Compare(a.Name, b.Name)
	})
	for _, attr := range attrs {
		switch attr.Type {
		case protos.AttrGraph, protos.AttrGraphs:
			return "", false
		case protos.AttrTensor:
			fmt.Fprintf(&b, "\x00%s=tensor:%s", attr.Name, tensorDataKey(attr.T))
		case protos.AttrTensors:
			return "", false
		default:
			fmt.Fprintf(&b, "\x00%s=%d:%v:%v:%q:%v:%v:%q",
				attr.Name, attr.Type, attr.I, attr.F, attr.S, attr.Ints, attr.Floats, attr.Strings)
		}
	}
	return b.String(), true
}
