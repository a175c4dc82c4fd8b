// Package passes implements the graph rewrite passes: local,
// semantics-preserving transformations that remove or merge nodes. Each pass
// is registered under a stable name; the optimizer driver applies a list of
// them per iteration and watches the node count for convergence.
//
// Passes work directly on the underlying GraphProto. They rebuild their
// indices from scratch after every rewrite instead of patching them, trading
// speed for an obviously-correct single-writer model.
package passes

import (
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/onnxopt/onnx"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Func is a single rewrite pass. It mutates the model in place and reports
// whether anything changed. Structural problems panic and are converted to
// errors at the Apply boundary.
type Func func(m *onnx.Model) bool

var registry = map[string]Func{}

// register adds a pass to the registry. Meant to be called from init.
func register(name string, fn Func) {
	if _, dup := registry[name]; dup {
		exceptions.Panicf("rewrite pass %q registered twice", name)
	}
	registry[name] = fn
}

// Available returns the registered pass names, sorted.
func Available() []string {
	return slices.Sorted(maps.Keys(registry))
}

// Default returns the standard pass list, in application order: constant and
// shape folding first so downstream eliminations see the folded graph, dead
// code removal next, then the structural no-op eliminations and fusions.
func Default() []string {
	return []string{
		"eliminate_shape_gather",
		"eliminate_slice_after_shape",
		"eliminate_shape_op",
		"extract_constant_to_initializer",
		"eliminate_identity",
		"eliminate_deadend",
		"eliminate_unused_initializer",
		"eliminate_duplicate_initializer",
		"eliminate_nop_cast",
		"eliminate_nop_dropout",
		"eliminate_nop_flatten",
		"eliminate_nop_monotone_argmax",
		"eliminate_nop_pad",
		"eliminate_nop_concat",
		"eliminate_nop_split",
		"eliminate_nop_expand",
		"eliminate_nop_transpose",
		"eliminate_nop_reshape",
		"eliminate_nop_with_unit",
		"eliminate_common_subexpression",
		"fuse_consecutive_concats",
		"fuse_consecutive_squeezes",
		"fuse_consecutive_transposes",
		"fuse_consecutive_unsqueezes",
		"fuse_consecutive_slices",
		"fuse_concat_into_reshape",
		"fuse_add_bias_into_conv",
		"fuse_bn_into_conv",
		"fuse_pad_into_conv",
		"fuse_pad_into_pool",
		"fuse_matmul_add_bias_into_gemm",
		"fuse_transpose_into_gemm",
	}
}

// Apply runs the named passes over the model, in order, and reports whether
// any of them changed the graph. A nil names slice means the default list.
// Unknown pass names are a hard error.
func Apply(m *onnx.Model, names []string) (bool, error) {
	if names == nil {
		names = Default()
	}
	changed := false
	for _, name := range names {
		fn, found := registry[name]
		if !found {
			return changed, errors.Errorf("unknown rewrite pass %q, available passes: %s",
				name, strings.Join(Available(), ", "))
		}
		var passChanged bool
		err := exceptions.TryCatch[error](func() {
			passChanged = fn(m)
		})
		if err != nil {
			return changed, errors.WithMessagef(err, "rewrite pass %q", name)
		}
		if passChanged {
			klog.V(1).Infof("pass %s changed the graph, %d nodes remain", name, m.NodeCount())
		}
		changed = changed || passChanged
	}
	return changed, nil
}
