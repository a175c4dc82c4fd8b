// Package optimizer is the iterative optimization driver: it alternates shape
// inference and rewrite passes over a model until the node count stops
// shrinking, optionally hands the result to an external runtime optimizer,
// and reports before/after statistics.
package optimizer

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/onnxopt/onnx"
	"github.com/gomlx/onnxopt/passes"
	"github.com/gomlx/onnxopt/shapeinference"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// RuntimeLevel selects how aggressively the external runtime optimizer is
// allowed to rewrite the model.
type RuntimeLevel int

const (
	RuntimeDisabled RuntimeLevel = iota
	RuntimeBasic
	RuntimeExtended
	RuntimeAll
)

var runtimeLevelNames = map[RuntimeLevel]string{
	RuntimeDisabled: "disabled",
	RuntimeBasic:    "basic",
	RuntimeExtended: "extended",
	RuntimeAll:      "all",
}

func (l RuntimeLevel) String() string {
	if name, ok := runtimeLevelNames[l]; ok {
		return name
	}
	return "invalid"
}

// ParseRuntimeLevel parses a level name: disabled, basic, extended, or all.
func ParseRuntimeLevel(name string) (RuntimeLevel, error) {
	for level, levelName := range runtimeLevelNames {
		if levelName == strings.ToLower(name) {
			return level, nil
		}
	}
	return RuntimeDisabled, errors.Errorf("invalid runtime optimization level %q, valid levels are disabled, basic, extended, all", name)
}

// RuntimeOptimizer is an external engine that optimizes a serialized model
// file. Implementations load modelPath, apply their own rewrites at the given
// level, and write the result to outputPath.
type RuntimeOptimizer interface {
	Optimize(modelPath string, level RuntimeLevel, outputPath string) error
}

// Engines abstracts the two in-process optimization engines the driver
// alternates, so tests can substitute instrumented fakes.
type Engines interface {
	// InferShapes propagates shape annotations through the model and
	// returns the annotated model, which need not be the argument; callers
	// must continue with the returned value.
	InferShapes(m *onnx.Model, propagateData bool) (*onnx.Model, error)
	// ApplyPasses runs the named rewrite passes, reporting whether the
	// graph changed.
	ApplyPasses(m *onnx.Model, names []string) (bool, error)
}

// defaultEngines wires the real shapeinference and passes packages.
type defaultEngines struct{}

func (defaultEngines) InferShapes(m *onnx.Model, propagateData bool) (*onnx.Model, error) {
	return shapeinference.Infer(m, propagateData)
}

func (defaultEngines) ApplyPasses(m *onnx.Model, names []string) (bool, error) {
	return passes.Apply(m, names)
}

// DefaultMaxIterations bounds the optimization rounds when the config does
// not say otherwise. Models usually converge by the second round.
const DefaultMaxIterations = 3

// Config controls one optimization run. The zero value runs the default
// passes for up to DefaultMaxIterations rounds with no runtime bridge.
type Config struct {
	// Passes lists the rewrite passes per round; nil means passes.Default().
	Passes []string
	// MaxIterations bounds the rounds; 0 means DefaultMaxIterations.
	MaxIterations int
	// SkipInference disables the shape-inference half of each round.
	SkipInference bool
	// SkipPasses disables the rewrite-pass half of each round.
	SkipPasses bool
	// InputShapes pins declared input shapes before optimizing,
	// keyed by input name.
	InputShapes map[string][]onnx.Dim

	// Runtime, when non-nil and RuntimeLevel is not RuntimeDisabled, is
	// invoked after the iterative rounds. Its failure is not fatal: the
	// pre-runtime model is kept.
	Runtime      RuntimeOptimizer
	RuntimeLevel RuntimeLevel
	// TempDir hosts the scratch files for the runtime round trip; empty
	// means the system temp dir.
	TempDir string

	// Engines substitutes the in-process engines, for tests. Nil means
	// the real ones.
	Engines Engines
}

// Result summarizes an optimization run.
type Result struct {
	Model *onnx.Model

	Before, After onnx.Stats
	// Iterations is the number of optimization rounds executed.
	Iterations int
	// Converged reports whether the run stopped because the node count
	// stabilized, rather than hitting MaxIterations.
	Converged bool
	// RuntimeApplied reports whether the external runtime optimizer ran
	// and its output was adopted.
	RuntimeApplied bool
}

// Deltas returns the per-metric change from Before to After.
func (r *Result) Deltas() []onnx.Metric {
	return r.Before.Delta(r.After)
}

// phase enumerates the driver's states. Run is a straight-line walk through
// them; the explicit states keep the skip combinations (no inference, no
// passes, no runtime) from turning into nested conditionals.
type phase int

const (
	phaseInit phase = iota
	phaseFixShapes
	phaseIterate
	phaseRuntime
	phaseFinalInference
	phaseDone
)

// Run optimizes the model in place per the config and returns the summary.
// The returned model is always usable, even when the runtime bridge failed.
func Run(m *onnx.Model, cfg Config) (*Result, error) {
	engines := cfg.Engines
	if engines == nil {
		engines = defaultEngines{}
	}
	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	result := &Result{Model: m, Before: m.Stats()}
	current := phaseInit
	for current != phaseDone {
		switch current {
		case phaseInit:
			klog.V(1).Infof("optimizing model: %d nodes, %d initializers",
				result.Before.Nodes, result.Before.Initializers)
			current = phaseFixShapes

		case phaseFixShapes:
			if len(cfg.InputShapes) > 0 {
				m.FixInputShapes(cfg.InputShapes)
			}
			current = phaseIterate

		case phaseIterate:
			if cfg.SkipPasses {
				current = phaseRuntime
				continue
			}
			iterated, err := iterate(m, cfg, engines, maxIterations, result)
			if err != nil {
				return nil, err
			}
			m = iterated
			result.Model = m
			current = phaseRuntime

		case phaseRuntime:
			if cfg.Runtime == nil || cfg.RuntimeLevel == RuntimeDisabled {
				current = phaseFinalInference
				continue
			}
			optimized, err := runtimeRoundTrip(m, cfg)
			if err != nil {
				// Soft failure: the runtime bridge is best-effort.
				klog.Warningf("runtime optimization failed, keeping the current model: %v", err)
			} else {
				m = optimized
				result.Model = m
				result.RuntimeApplied = true
			}
			current = phaseFinalInference

		case phaseFinalInference:
			if !cfg.SkipInference {
				refreshed, err := engines.InferShapes(m, true)
				if err != nil {
					return nil, errors.WithMessage(err, "final shape inference")
				}
				m = refreshed
				result.Model = m
			}
			current = phaseDone
		}
	}
	result.After = m.Stats()
	return result, nil
}

// iterate alternates shape inference and rewrite passes until the node count
// stops changing, returning the model the last round produced. The first
// round never counts as converged: the initial count predates any rewriting,
// so an unchanged count after round one is the only trustworthy signal.
func iterate(m *onnx.Model, cfg Config, engines Engines, maxIterations int, result *Result) (*onnx.Model, error) {
	previousNodes := m.NodeCount()
	for round := 1; round <= maxIterations; round++ {
		if !cfg.SkipInference {
			inferred, err := engines.InferShapes(m, true)
			if err != nil {
				return nil, errors.WithMessagef(err, "shape inference, round %d", round)
			}
			m = inferred
		}
		if _, err := engines.ApplyPasses(m, cfg.Passes); err != nil {
			return nil, errors.WithMessagef(err, "rewrite passes, round %d", round)
		}
		result.Iterations = round
		currentNodes := m.NodeCount()
		klog.V(1).Infof("optimization round %d: %d -> %d nodes", round, previousNodes, currentNodes)
		if currentNodes == previousNodes && round > 1 {
			result.Converged = true
			return m, nil
		}
		previousNodes = currentNodes
	}
	return m, nil
}

// runtimeRoundTrip writes the model to a scratch file, runs the external
// runtime optimizer on it, and parses the optimized output. Scratch files are
// removed on every path.
func runtimeRoundTrip(m *onnx.Model, cfg Config) (*onnx.Model, error) {
	dir, err := os.MkdirTemp(cfg.TempDir, "onnxopt-runtime-")
	if err != nil {
		return nil, errors.Wrap(err, "creating scratch directory for runtime optimization")
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			klog.Warningf("failed to remove scratch directory %s: %v", dir, err)
		}
	}()

	inputPath := filepath.Join(dir, "input.onnx")
	outputPath := filepath.Join(dir, "optimized.onnx")
	if err := m.WriteFile(inputPath); err != nil {
		return nil, err
	}
	if err := cfg.Runtime.Optimize(inputPath, cfg.RuntimeLevel, outputPath); err != nil {
		return nil, errors.WithMessage(err, "external runtime optimizer")
	}
	optimized, err := onnx.ReadFile(outputPath)
	if err != nil {
		return nil, errors.WithMessage(err, "parsing runtime-optimized model")
	}
	return optimized, nil
}
