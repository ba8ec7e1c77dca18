// Command zcaffe converts Caffe models into CN24 parameter containers and network
// descriptions, and inspects the files involved.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"github.com/zerfoo/zcaffe/internal/caffe"
	"github.com/zerfoo/zcaffe/pkg/cnparam"
	"github.com/zerfoo/zcaffe/pkg/converter"
	"github.com/zerfoo/zcaffe/pkg/downloader"
	"github.com/zerfoo/zcaffe/pkg/inspector"
	"github.com/zerfoo/zcaffe/pkg/zmfexport"
	"k8s.io/klog/v2"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// usageError reports a malformed command line. It is raised before any output file
// is opened.
type usageError struct {
	fs  *flag.FlagSet
	msg string
}

func (e *usageError) Error() string { return e.msg }

func usagef(fs *flag.FlagSet, format string, args ...any) error {
	return &usageError{fs: fs, msg: fmt.Sprintf(format, args...)}
}

type command struct {
	name string
	args string
	run  func(args []string, stdout, stderr io.Writer) error
}

var commands []command

func init() {
	commands = []command{
		{"convert", "[-zmf] [-progress] [-error-layer <name>] <net.prototxt> <weights.caffemodel> <output-name>", handleConvert},
		{"mean", "<mean.binaryproto> <output.CNParam> <layer-name>", handleMean},
		{"inspect", "[-type <prototxt|caffemodel|cnparam|zmf>] <file>", handleInspect},
		{"params", "list <file.CNParam> | rename -id <n> -to <name> [-out <file>] <file.CNParam> | dump -id <n> [-tensor <t>] -out <file> <file.CNParam>", handleParams},
		{"download", "-model <huggingface-model-id> [-output <dir>] [-api-key <key> | HF_API_KEY=<key>] [-progress]", handleDownload},
	}
}

// run executes the command line args and returns the process exit status.
func run(args []string, stdout, stderr io.Writer) int {
	global := flag.NewFlagSet("zcaffe", flag.ContinueOnError)
	global.SetOutput(stderr)
	klog.InitFlags(global)
	defer klog.Flush()
	global.Usage = func() { printUsage(stderr) }
	if err := global.Parse(args); err != nil {
		return 1
	}
	if global.NArg() < 1 {
		printUsage(stderr)
		return 1
	}

	name := global.Arg(0)
	for _, c := range commands {
		if c.name != name {
			continue
		}
		err := c.run(global.Args()[1:], stdout, stderr)
		if err == nil {
			return 0
		}
		var uerr *usageError
		if errors.As(err, &uerr) {
			fmt.Fprintf(stderr, "Error: %s\n", uerr.msg)
			if uerr.fs != nil {
				uerr.fs.Usage()
			}
			return 1
		}
		if errors.Is(err, flag.ErrHelp) {
			return 1
		}
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintf(stderr, "Error: unknown command %q\n", name)
	printUsage(stderr)
	return 1
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "Usage: zcaffe [klog flags] <command> [arguments]")
	fmt.Fprintln(w, "\nCommands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %s %s\n", c.name, c.args)
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	for _, c := range commands {
		if c.name == name {
			fs.Usage = func() {
				fmt.Fprintf(stderr, "Usage: zcaffe %s %s\n", c.name, c.args)
				fs.PrintDefaults()
			}
		}
	}
	return fs
}

// parse parses args into fs. The flag package has already reported the problem and
// printed the usage when it fails.
func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return err
		}
		return &usageError{msg: err.Error()}
	}
	return nil
}

func handleConvert(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("convert", stderr)
	toZMF := fs.Bool("zmf", false, "Also write the converted network as <output-name>.zmf")
	showProgress := fs.Bool("progress", false, "Show a progress bar while writing parameters")
	errorLayer := fs.String("error-layer", converter.DefaultErrorLayer, "Value of the description's error_layer field")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return usagef(fs, "'convert' expects 3 arguments, got %d", fs.NArg())
	}
	netPath, weightsPath, output := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	net, err := caffe.Load(netPath, weightsPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Loaded network %q with %d layers from %s\n", net.Name, len(net.Layers), netPath)

	paramsPath := output + ".CNParam"
	w, err := cnparam.Create(paramsPath)
	if err != nil {
		return err
	}
	var sink converter.ParamSink = w
	var builder *zmfexport.Builder
	if *toZMF {
		builder = zmfexport.NewBuilder()
		sink = converter.MultiSink(w, builder)
	}

	opts := converter.DefaultOptions()
	opts.ErrorLayer = *errorLayer
	var bar *progressbar.ProgressBar
	if *showProgress {
		opts.OnRecord = func(done, total int, name string) {
			if bar == nil {
				bar = progressbar.NewOptions(total,
					progressbar.OptionSetWriter(stderr),
					progressbar.OptionSetDescription("parameters"),
					progressbar.OptionShowCount(),
				)
			}
			bar.Describe(name)
			_ = bar.Set(done)
		}
	}

	res, err := converter.Convert(net, sink, opts)
	if cerr := w.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	if bar != nil {
		_ = bar.Finish()
	}
	fmt.Fprintf(stdout, "Wrote %d parameter records (%s) to %s\n", res.Records, humanize.Bytes(uint64(w.Size())), paramsPath)

	descPath := output + ".json"
	if err := writeDocument(descPath, res.Document); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote network description with %d nodes to %s\n", res.Graph.Nodes.Len(), descPath)

	if builder != nil {
		model, err := builder.Model(res.Graph)
		if err != nil {
			return err
		}
		zmfPath := output + ".zmf"
		if err := zmfexport.WriteFile(zmfPath, model); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Wrote ZMF model to %s\n", zmfPath)
	}

	if len(res.Graph.Warnings) > 0 {
		fmt.Fprintf(stdout, "%d warnings:\n%s\n", len(res.Graph.Warnings), inspector.WarningsTable(res.Graph))
	}
	return nil
}

func writeDocument(path string, doc *converter.Document) (err error) {
	//nolint:gosec // G304: output path is chosen by the user
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close %q", path)
		}
	}()
	return doc.Encode(f)
}

func handleMean(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("mean", stderr)
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 3 {
		return usagef(fs, "'mean' expects 3 arguments, got %d", fs.NArg())
	}
	meanPath, output, label := fs.Arg(0), fs.Arg(1), fs.Arg(2)

	blob, err := caffe.LoadBlob(meanPath)
	if err != nil {
		return err
	}
	w, err := cnparam.Create(output)
	if err != nil {
		return err
	}
	err = converter.ConvertMeanImage(blob, label, w)
	if cerr := w.Close(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Wrote mean image %q (%d values) to %s\n", label, blob.Count(), output)
	return nil
}

func handleInspect(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("inspect", stderr)
	fileType := fs.String("type", "", "File type: prototxt, caffemodel, cnparam or zmf (detected when empty)")
	if err := parse(fs, args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return usagef(fs, "'inspect' expects 1 argument, got %d", fs.NArg())
	}
	return inspector.Inspect(stdout, fs.Arg(0), inspector.Format(*fileType))
}

func handleParams(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("params", stderr)
	if len(args) < 1 {
		return usagef(fs, "'params' expects a subcommand: list, rename or dump")
	}
	sub, args := args[0], args[1:]
	switch sub {
	case "list":
		if len(args) != 1 {
			return usagef(fs, "'params list' expects 1 argument, got %d", len(args))
		}
		return inspector.InspectCNParam(stdout, args[0])

	case "rename":
		id := fs.Int("id", -1, "Index of the record to rename (see 'params list')")
		to := fs.String("to", "", "New record name")
		out := fs.String("out", "", "Output container (defaults to rewriting the input)")
		if err := parse(fs, args); err != nil {
			return err
		}
		if fs.NArg() != 1 || *id < 0 || *to == "" {
			return usagef(fs, "'params rename' expects -id, -to and 1 argument")
		}
		path := fs.Arg(0)
		if *out == "" {
			*out = path
		}
		records, err := loadRecord(path, *id)
		if err != nil {
			return err
		}
		old := records[*id].Name
		records[*id].Name = *to
		if err := cnparam.WriteFile(*out, records); err != nil {
			return err
		}
		klog.V(1).Infof("renamed record %d %q to %q", *id, old, *to)
		fmt.Fprintf(stdout, "Renamed record %d from %q to %q in %s\n", *id, old, *to, *out)
		return nil

	case "dump":
		id := fs.Int("id", -1, "Index of the record to dump (see 'params list')")
		tensor := fs.Int("tensor", 0, "Index of the tensor within the record")
		out := fs.String("out", "", "Output file for the raw little-endian float32 data")
		if err := parse(fs, args); err != nil {
			return err
		}
		if fs.NArg() != 1 || *id < 0 || *out == "" {
			return usagef(fs, "'params dump' expects -id, -out and 1 argument")
		}
		records, err := loadRecord(fs.Arg(0), *id)
		if err != nil {
			return err
		}
		r := records[*id]
		if *tensor < 0 || *tensor >= len(r.Tensors) {
			return errors.Errorf("record %q has no tensor %d", r.Name, *tensor)
		}
		t := r.Tensors[*tensor]
		if err := dumpTensor(*out, t); err != nil {
			return err
		}
		fmt.Fprintf(stdout, "Dumped tensor %d of %q (%s) to %s\n", *tensor, r.Name, t.ShapeString(), *out)
		return nil
	}
	return usagef(fs, "unknown 'params' subcommand %q", sub)
}

func loadRecord(path string, id int) ([]*cnparam.Record, error) {
	records, err := cnparam.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if id >= len(records) {
		return nil, errors.Errorf("no parameter record with id %d in %s (%d records)", id, path, len(records))
	}
	return records, nil
}

func dumpTensor(path string, t *cnparam.Tensor) (err error) {
	//nolint:gosec // G304: output path is chosen by the user
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create %q", path)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = errors.Wrapf(cerr, "failed to close %q", path)
		}
	}()
	return errors.Wrapf(binary.Write(f, binary.LittleEndian, t.Data), "failed to write %q", path)
}

func handleDownload(args []string, stdout, stderr io.Writer) error {
	fs := newFlagSet("download", stderr)
	modelID := fs.String("model", "", "HuggingFace model ID (e.g., 'BVLC/caffenet')")
	outputPath := fs.String("output", ".", "Output directory for downloaded files")
	cliAPIKey := fs.String("api-key", "", "Optional HuggingFace API key for authenticated downloads")
	showProgress := fs.Bool("progress", false, "Show a progress bar for each file")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *modelID == "" {
		return usagef(fs, "-model flag is required for 'download' command")
	}

	apiKey := *cliAPIKey
	if apiKey == "" {
		apiKey = os.Getenv("HF_API_KEY")
	}
	source := downloader.NewHuggingFaceSource(apiKey)
	if *showProgress {
		source.Progress = stderr
	}

	fmt.Fprintf(stdout, "Downloading model '%s' to '%s'...\n", *modelID, *outputPath)
	result, err := downloader.NewDownloader(source).Download(*modelID, *outputPath)
	if err != nil {
		return err
	}
	fmt.Fprintf(stdout, "Network definition: %s\n", result.NetPath)
	fmt.Fprintf(stdout, "Weights: %s\n", result.WeightsPath)
	if result.MeanPath != "" {
		fmt.Fprintf(stdout, "Mean image: %s\n", result.MeanPath)
	}
	base := filepath.Base(result.NetPath)
	base = base[:len(base)-len(filepath.Ext(base))]
	fmt.Fprintf(stdout, "Convert with: zcaffe convert %s %s %s\n", result.NetPath, result.WeightsPath, base)
	return nil
}
