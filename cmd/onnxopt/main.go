// onnxopt optimizes ONNX models: iterative shape inference + rewrite passes,
// with an optional ONNX Runtime optimization round.
//
//	onnxopt optimize -s input:1,3,224,224 -o model.opt.onnx model.onnx
//	onnxopt optimize -hf sentence-transformers/all-MiniLM-L6-v2 -o out.onnx
//	onnxopt info -ops model.onnx
//	onnxopt passes
package main

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/go-huggingface/hub"
	"github.com/gomlx/onnxopt/internal/ortbridge"
	"github.com/gomlx/onnxopt/onnx"
	"github.com/gomlx/onnxopt/optimizer"
	"github.com/gomlx/onnxopt/passes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const usage = `onnxopt: ONNX model graph optimizer.

Usage:
  onnxopt optimize [flags] <model.onnx>   Optimize a model and report the changes.
  onnxopt info [flags] <model.onnx>       Show model structure and annotations.
  onnxopt passes                          List the available rewrite passes.

Run "onnxopt <command> -help" for the command's flags.
`

func main() {
	klog.InitFlags(nil)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(1)
	}
	var err error
	switch args[0] {
	case "optimize":
		err = cmdOptimize(args[1:])
	case "info":
		err = cmdInfo(args[1:])
	case "passes":
		err = cmdPasses(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", args[0], usage)
		os.Exit(1)
	}
	if err != nil {
		klog.Errorf("%v", err)
		os.Exit(1)
	}
}

// shapeSpecs accumulates repeated -s flags.
type shapeSpecs []string

func (s *shapeSpecs) String() string     { return strings.Join(*s, " ") }
func (s *shapeSpecs) Set(v string) error { *s = append(*s, v); return nil }

func cmdOptimize(args []string) error {
	fs := flag.NewFlagSet("optimize", flag.ExitOnError)
	var specs shapeSpecs
	fs.Var(&specs, "s", "Fix an input shape, as \"name:dim1,dim2,...\"; dims may be "+
		"integers or symbolic names. Repeatable. The full shape must be given.")
	flagOutput := fs.String("o", "", "Output model path. Default is the input path with a \".opt.onnx\" suffix.")
	flagLevel := fs.String("l", "disabled", "ONNX Runtime optimization level: disabled, basic, extended, or all.")
	flagUseORT := fs.Bool("use-ort", false, "Run ONNX Runtime's optimizer after the rewrite rounds. "+
		"Implies -l basic unless a level is set.")
	flagSkipOpt := fs.Bool("skip-onnx-opt", false, "Skip the built-in rewrite passes.")
	flagInferShapes := fs.Bool("infer-shapes", true, "Run shape inference between pass rounds.")
	flagIterations := fs.Int("iterations", optimizer.DefaultMaxIterations, "Maximum optimization rounds.")
	flagPasses := fs.String("passes", "", "Comma-separated rewrite pass names to run instead of the default list. "+
		"See \"onnxopt passes\".")
	flagHF := fs.String("hf", "", "HuggingFace repository to download the model from, instead of a local path. "+
		"Set HF_TOKEN for gated repositories.")
	flagHFFile := fs.String("hf-file", "model.onnx", "File name to download from the -hf repository.")
	flagORTLib := fs.String("ort-lib", "", "Path of the onnxruntime shared library, to verify the "+
		"optimized model loads. Optional with -use-ort.")
	flagORTPython := fs.String("ort-python", "", "Python interpreter with the onnxruntime package, "+
		"for -use-ort. Default \"python3\".")
	_ = fs.Parse(args)

	inputPath, err := resolveModelPath(fs.Args(), *flagHF, *flagHFFile)
	if err != nil {
		return err
	}
	inputShapes, err := onnx.ParseShapeSpecs(specs)
	if err != nil {
		return err
	}
	level, err := optimizer.ParseRuntimeLevel(*flagLevel)
	if err != nil {
		return err
	}
	if *flagUseORT && level == optimizer.RuntimeDisabled {
		level = optimizer.RuntimeBasic
	}

	model, err := onnx.ReadFile(inputPath)
	if err != nil {
		return err
	}

	cfg := optimizer.Config{
		MaxIterations: *flagIterations,
		SkipInference: !*flagInferShapes,
		SkipPasses:    *flagSkipOpt,
		InputShapes:   inputShapes,
		RuntimeLevel:  level,
	}
	if *flagPasses != "" {
		cfg.Passes = strings.Split(*flagPasses, ",")
	}
	if level != optimizer.RuntimeDisabled {
		bridge := ortbridge.New(*flagORTLib)
		bridge.Python = *flagORTPython
		cfg.Runtime = bridge
	}

	result, err := optimizer.Run(model, cfg)
	if err != nil {
		return err
	}

	outputPath := *flagOutput
	if outputPath == "" {
		outputPath = strings.TrimSuffix(inputPath, ".onnx") + ".opt.onnx"
	}
	if err := result.Model.WriteFile(outputPath); err != nil {
		return err
	}
	reportOptimization(result, inputPath, outputPath)
	return nil
}

// resolveModelPath returns the local model path: the positional argument, or
// a HuggingFace download when -hf is set.
func resolveModelPath(args []string, hfRepo, hfFile string) (string, error) {
	if hfRepo != "" {
		if len(args) > 0 {
			return "", errors.New("give either a model path or -hf, not both")
		}
		repo := hub.New(hfRepo).WithAuth(os.Getenv("HF_TOKEN"))
		localPath, err := repo.DownloadFile(hfFile)
		if err != nil {
			return "", errors.Wrapf(err, "downloading %s from HuggingFace repository %q", hfFile, hfRepo)
		}
		return localPath, nil
	}
	if len(args) != 1 {
		return "", errors.New("exactly one model path expected, see \"onnxopt optimize -help\"")
	}
	return args[0], nil
}

func reportOptimization(result *optimizer.Result, inputPath, outputPath string) {
	fmt.Println(titleStyle.Render("Optimization Report"))
	table := newPlainTable(true, lipgloss.Left, lipgloss.Right, lipgloss.Right, lipgloss.Right)
	table.Headers("metric", "before", "after", "delta")
	before := result.Before.Metrics()
	after := result.After.Metrics()
	for i, metric := range before {
		table.Row(metric.Name,
			strconv.Itoa(metric.Value),
			strconv.Itoa(after[i].Value),
			formatDelta(after[i].Value-metric.Value))
	}
	if beforeSize, afterSize, ok := fileSizes(inputPath, outputPath); ok {
		table.Row("file size",
			humanize.Bytes(uint64(beforeSize)),
			humanize.Bytes(uint64(afterSize)),
			formatDelta(int(afterSize-beforeSize)))
	}
	fmt.Println(table.Render())

	converged := "no (hit iteration limit)"
	if result.Converged {
		converged = "yes"
	}
	fmt.Printf("Rounds: %d, converged: %s\n", result.Iterations, converged)
	if result.RuntimeApplied {
		fmt.Println("ONNX Runtime optimizations applied.")
	}

	named, unknown := onnx.SplitDynamicDims(result.Model.DynamicDims())
	if len(named) > 0 {
		fmt.Printf("Remaining dynamic dimensions: %s\n", strings.Join(named, ", "))
	}
	if len(unknown) > 0 {
		fmt.Printf("Unnamed dynamic dimensions (%s*): %d\n", onnx.UnknownDimPrefix, len(unknown))
	}
	fmt.Printf("Optimized model written to %s\n", outputPath)
}

func fileSizes(inputPath, outputPath string) (before, after int64, ok bool) {
	inputInfo, err1 := os.Stat(inputPath)
	outputInfo, err2 := os.Stat(outputPath)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return inputInfo.Size(), outputInfo.Size(), true
}

func cmdInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ExitOnError)
	flagDims := fs.Bool("dims", false, "List the distinct dynamic dimension names.")
	flagOps := fs.Bool("ops", false, "Show a per-operator node count table.")
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		return errors.New("exactly one model path expected, see \"onnxopt info -help\"")
	}
	model, err := onnx.ReadFile(fs.Arg(0))
	if err != nil {
		return err
	}

	fmt.Print(model)
	fmt.Println("\tInputs:")
	initializers := onnx.Initializers(model.Graph())
	for _, vi := range model.Graph().Input {
		if _, isInit := initializers[vi.Name]; isInit {
			continue
		}
		fmt.Printf("\t\t%s\n", onnx.FormatValueInfo(vi))
	}
	fmt.Println("\tOutputs:")
	for _, vi := range model.Graph().Output {
		fmt.Printf("\t\t%s\n", onnx.FormatValueInfo(vi))
	}

	named, unknown := onnx.SplitDynamicDims(model.DynamicDims())
	fmt.Printf("\tDynamic dimensions: %d named, %d unnamed\n", len(named), len(unknown))
	if *flagDims && len(named) > 0 {
		fmt.Printf("\t\t%s\n", strings.Join(named, ", "))
	}

	if *flagOps {
		fmt.Println(titleStyle.Render("Operator Counts"))
		table := newPlainTable(true, lipgloss.Left, lipgloss.Right)
		table.Headers("op type", "count")
		counts := onnx.OpTypeCounts(model.Graph())
		for _, opType := range onnx.SortedOpTypes(model.Graph()) {
			table.Row(opType, strconv.Itoa(counts[opType]))
		}
		fmt.Println(table.Render())
	}
	return nil
}

func cmdPasses(args []string) error {
	if len(args) > 0 {
		return errors.Errorf("the passes command takes no arguments, got %q", args)
	}
	groups := []struct {
		title  string
		prefix string
	}{
		{"Elimination passes", "eliminate_"},
		{"Fusion passes", "fuse_"},
		{"Other passes", ""},
	}
	available := passes.Available()
	listed := make(map[string]bool)
	for _, group := range groups {
		fmt.Printf("%s:\n", group.title)
		for _, name := range available {
			if listed[name] || (group.prefix != "" && !strings.HasPrefix(name, group.prefix)) {
				continue
			}
			fmt.Printf("  %s\n", name)
			listed[name] = true
		}
	}
	return nil
}
