package onnx

import (
	"maps"
	"slices"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/pkg/errors"
)

// Shared graph indexing helpers used by the rewrite passes and shape
// inference. They are rebuilt from scratch after every transformation; none
// of them are kept in sync with graph mutations.

// ConsumerMap builds a map from tensor name to all nodes that consume it as
// an input.
func ConsumerMap(g *protos.GraphProto) map[string][]*protos.NodeProto {
	consumers := make(map[string][]*protos.NodeProto)
	for _, node := range g.Node {
		for _, inputName := range node.Input {
			if inputName == "" {
				continue
			}
			consumers[inputName] = append(consumers[inputName], node)
		}
	}
	return consumers
}

// SoleConsumer returns the single consumer of outputName, or nil if there are
// 0 or 2+ consumers.
func SoleConsumer(consumers map[string][]*protos.NodeProto, outputName string) *protos.NodeProto {
	list := consumers[outputName]
	if len(list) == 1 {
		return list[0]
	}
	return nil
}

// NodeByOutput builds a map from output tensor name to its producing node.
// Output names are unique within a valid graph.
func NodeByOutput(g *protos.GraphProto) map[string]*protos.NodeProto {
	byOutput := make(map[string]*protos.NodeProto)
	for _, node := range g.Node {
		for _, outputName := range node.Output {
			if outputName == "" {
				continue
			}
			byOutput[outputName] = node
		}
	}
	return byOutput
}

// Initializers builds a map from initializer name to its tensor.
func Initializers(g *protos.GraphProto) map[string]*protos.TensorProto {
	byName := make(map[string]*protos.TensorProto, len(g.Initializer))
	for _, tensor := range g.Initializer {
		byName[tensor.Name] = tensor
	}
	return byName
}

func initializerSet(g *protos.GraphProto) map[string]bool {
	set := make(map[string]bool, len(g.Initializer))
	for _, tensor := range g.Initializer {
		set[tensor.Name] = true
	}
	return set
}

// GraphOutputSet returns the set of declared graph output names.
func GraphOutputSet(g *protos.GraphProto) map[string]bool {
	set := make(map[string]bool, len(g.Output))
	for _, output := range g.Output {
		set[output.Name] = true
	}
	return set
}

// SortedNodes returns the graph's nodes in a topological (dependency-first)
// order. It fails if a node references a tensor that is neither a graph
// input, an initializer, nor a prior node output -- the graph invariant the
// rest of the pipeline relies on.
func SortedNodes(g *protos.GraphProto) ([]*protos.NodeProto, error) {
	sortedNodes := make([]*protos.NodeProto, 0, len(g.Node))

	// Everything resolvable so far: graph inputs, initializers, and outputs
	// of already-sorted nodes. The empty name (unused optional input) is
	// always resolvable.
	done := make(map[string]bool)
	done[""] = true
	for _, input := range g.Input {
		done[input.Name] = true
	}
	for _, tensor := range g.Initializer {
		done[tensor.Name] = true
	}

	isReady := func(node *protos.NodeProto) bool {
		for _, input := range node.Input {
			if !done[input] {
				return false
			}
		}
		return true
	}

	pending := slices.Clone(g.Node)
	for len(pending) > 0 {
		progressed := false
		remaining := pending[:0]
		for _, node := range pending {
			if !isReady(node) {
				remaining = append(remaining, node)
				continue
			}
			sortedNodes = append(sortedNodes, node)
			for _, output := range node.Output {
				done[output] = true
			}
			progressed = true
		}
		pending = remaining
		if !progressed {
			var unresolved []string
			for _, node := range pending {
				for _, input := range node.Input {
					if !done[input] {
						unresolved = append(unresolved, input)
					}
				}
			}
			slices.Sort(unresolved)
			unresolved = slices.Compact(unresolved)
			return nil, errors.Errorf("graph is not a DAG or references undeclared tensors: %d nodes unresolved, missing %q",
				len(pending), unresolved)
		}
	}
	return sortedNodes, nil
}

// OpTypeCounts counts nodes per operator type.
func OpTypeCounts(g *protos.GraphProto) map[string]int {
	counts := make(map[string]int)
	for _, node := range g.Node {
		counts[node.OpType]++
	}
	return counts
}

// SortedOpTypes returns the distinct operator types in the graph, sorted.
func SortedOpTypes(g *protos.GraphProto) []string {
	return slices.Sorted(maps.Keys(OpTypeCounts(g)))
}
