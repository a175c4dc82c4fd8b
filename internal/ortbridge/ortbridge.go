// Package ortbridge runs ONNX Runtime's own graph optimizer over a model
// file. ONNX Runtime dumps its rewritten graph to disk when a session is
// created with an optimized-model filepath set; those session knobs are only
// reachable through the runtime's Python API, so the bridge shells out to a
// Python interpreter with the onnxruntime package installed. When a shared
// library path is configured, the optimized file is then loaded back through
// the native bindings to confirm the runtime accepts it.
//
// Failures here are expected (interpreter or library missing, model uses ops
// the runtime rejects) and callers treat them as soft: the pre-bridge model
// stays valid.
package ortbridge

import (
	"os"
	"os/exec"
	"strings"

	"github.com/gomlx/onnxopt/onnx"
	"github.com/gomlx/onnxopt/optimizer"
	"github.com/pkg/errors"
	ort "github.com/yalue/onnxruntime_go"
	"k8s.io/klog/v2"
)

// Optimizer implements optimizer.RuntimeOptimizer on top of ONNX Runtime.
type Optimizer struct {
	// Python is the interpreter with the onnxruntime package. Empty means
	// "python3" from PATH.
	Python string
	// LibraryPath locates the onnxruntime shared library for the load-back
	// check of the optimized model. Empty skips the check.
	LibraryPath string
}

var _ optimizer.RuntimeOptimizer = (*Optimizer)(nil)

// New returns a bridge using the given onnxruntime shared library path.
func New(libraryPath string) *Optimizer {
	return &Optimizer{LibraryPath: libraryPath}
}

// optimizeScript is run as `python -c <script> <model> <level> <output>`.
// Creating the InferenceSession triggers the optimization and the dump; no
// inference happens.
const optimizeScript = `
import sys
import onnxruntime as ort

options = ort.SessionOptions()
options.graph_optimization_level = getattr(ort.GraphOptimizationLevel, sys.argv[1])
options.optimized_model_filepath = sys.argv[3]
ort.InferenceSession(sys.argv[2], options, providers=["CPUExecutionProvider"])
`

// ortLevelName maps a driver level to the runtime's GraphOptimizationLevel
// enum member name.
func ortLevelName(level optimizer.RuntimeLevel) string {
	switch level {
	case optimizer.RuntimeBasic:
		return "ORT_ENABLE_BASIC"
	case optimizer.RuntimeExtended:
		return "ORT_ENABLE_EXTENDED"
	case optimizer.RuntimeAll:
		return "ORT_ENABLE_ALL"
	}
	return "ORT_DISABLE_ALL"
}

// Optimize has ONNX Runtime rewrite modelPath at the given level and write
// the result to outputPath.
func (o *Optimizer) Optimize(modelPath string, level optimizer.RuntimeLevel, outputPath string) error {
	python := o.Python
	if python == "" {
		python = "python3"
	}
	cmd := exec.Command(python, "-c", optimizeScript, ortLevelName(level), modelPath, outputPath)
	if output, err := cmd.CombinedOutput(); err != nil {
		return errors.Wrapf(err, "running onnxruntime optimization via %s: %s",
			python, strings.TrimSpace(string(output)))
	}
	if _, err := os.Stat(outputPath); err != nil {
		return errors.Wrap(err, "onnxruntime did not produce an optimized model")
	}
	if o.LibraryPath == "" {
		return nil
	}
	return o.loadCheck(outputPath)
}

// loadCheck creates (and immediately destroys) a native session over the
// optimized model, so a file the runtime itself cannot load is reported as a
// bridge failure instead of surfacing at inference time.
func (o *Optimizer) loadCheck(outputPath string) error {
	ort.SetSharedLibraryPath(o.LibraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return errors.Wrap(err, "initializing onnxruntime environment")
	}
	defer func() {
		if err := ort.DestroyEnvironment(); err != nil {
			klog.Warningf("failed to destroy onnxruntime environment: %v", err)
		}
	}()

	model, err := onnx.ReadFile(outputPath)
	if err != nil {
		return errors.WithMessage(err, "parsing runtime-optimized model")
	}
	session, err := ort.NewDynamicAdvancedSession(outputPath,
		model.InputNames(), model.OutputNames(), nil)
	if err != nil {
		return errors.Wrap(err, "loading the optimized model back into onnxruntime")
	}
	if err := session.Destroy(); err != nil {
		return errors.Wrap(err, "destroying onnxruntime session")
	}
	return nil
}
