// Package inspector prints summaries of Caffe networks, CNParam containers and ZMF
// models.
package inspector

import (
	"bytes"
	"fmt"
	"io"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/zerfoo/zcaffe/internal/caffe"
	"github.com/zerfoo/zcaffe/pkg/cnparam"
	"github.com/zerfoo/zcaffe/pkg/converter"
	"github.com/zerfoo/zcaffe/pkg/mapper"
	"github.com/zerfoo/zcaffe/pkg/zmfexport"
	"github.com/zerfoo/zmf"
)

// Format is a file type the inspector understands.
type Format string

const (
	FormatPrototxt   Format = "prototxt"
	FormatCaffemodel Format = "caffemodel"
	FormatCNParam    Format = "cnparam"
	FormatZMF        Format = "zmf"
)

// ErrUnknownFormat is returned when a file type cannot be determined.
var ErrUnknownFormat = errors.New("unknown file format")

// DetectFormat guesses the format of path from its extension, falling back to the
// CNParam magic.
func DetectFormat(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".prototxt", ".pbtxt":
		return FormatPrototxt, nil
	case ".caffemodel":
		return FormatCaffemodel, nil
	case ".cnparam":
		return FormatCNParam, nil
	case ".zmf":
		return FormatZMF, nil
	}
	//nolint:gosec // G304: input path is chosen by the user
	f, err := os.Open(path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to open %q", path)
	}
	defer f.Close()
	if _, err := cnparam.NewReader(f); err == nil {
		return FormatCNParam, nil
	}
	return "", errors.Wrapf(ErrUnknownFormat, "%q", path)
}

// Inspect writes a summary of path to w. An empty format is detected.
func Inspect(w io.Writer, path string, format Format) error {
	if format == "" {
		var err error
		if format, err = DetectFormat(path); err != nil {
			return err
		}
	}
	switch format {
	case FormatPrototxt:
		return InspectCaffe(w, path, false)
	case FormatCaffemodel:
		return InspectCaffe(w, path, true)
	case FormatCNParam:
		return InspectCNParam(w, path)
	case FormatZMF:
		return InspectZMF(w, path)
	}
	return errors.Wrapf(ErrUnknownFormat, "%q", format)
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row == lgtable.HeaderRow {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

// printer accumulates the first write error so the report code stays linear.
type printer struct {
	w   io.Writer
	err error
}

func (p *printer) println(s string) {
	if p.err == nil {
		_, p.err = fmt.Fprintln(p.w, s)
	}
}

func (p *printer) title(s string) { p.println(titleStyle.Render(s)) }

func (p *printer) table(t *lgtable.Table) { p.println(t.Render()) }

func bytesOf(elements int) string { return humanize.Bytes(uint64(elements) * 4) }

// InspectCaffe summarizes a network definition, or a weights file when weights is set,
// with the CN24 operation each layer maps to.
func InspectCaffe(w io.Writer, path string, weights bool) error {
	load := caffe.LoadNet
	if weights {
		load = caffe.LoadWeights
	}
	net, err := load(path)
	if err != nil {
		return err
	}

	p := &printer{w: w}
	var blobs, elements int
	layers := newPlainTable().Headers("#", "Layer", "Type", "CN24", "Blobs")
	for i, l := range net.Layers {
		shapes := make([]string, len(l.Blobs))
		for j, b := range l.Blobs {
			shapes[j] = blobShape(b)
			elements += b.Count()
		}
		blobs += len(l.Blobs)
		layers.Row(humanize.Comma(int64(i)), l.Name, l.Type, mappedTo(l), strings.Join(shapes, ", "))
	}

	p.title("Summary")
	summary := newPlainTable().
		Row("file", path).
		Row("network", net.Name).
		Row("# layers", humanize.Comma(int64(len(net.Layers)))).
		Row("# blobs", humanize.Comma(int64(blobs))).
		Row("# parameters", humanize.Comma(int64(elements))).
		Row("# bytes (float32)", bytesOf(elements))
	p.table(summary)
	p.title("Layers")
	p.table(layers)
	return p.err
}

func blobShape(b *caffe.Blob) string {
	if shape, err := b.LegacyShape(); err == nil {
		return fmt.Sprintf("%dx%dx%dx%d", shape[0], shape[1], shape[2], shape[3])
	}
	return fmt.Sprintf("%v (%d values)", b.Shape, b.Count())
}

func mappedTo(l *caffe.Layer) string {
	r := mapper.MapLayer(l)
	switch r.Kind {
	case mapper.KindOperation:
		s := r.Op.Kind().String()
		if len(r.Warnings) > 0 {
			s += " (!)"
		}
		return s
	case mapper.KindInput:
		return fmt.Sprintf("input %dx%d", r.Input.Width, r.Input.Height)
	}
	return "-"
}

// InspectCNParam lists the records of a CNParam container.
func InspectCNParam(w io.Writer, path string) error {
	records, err := cnparam.ReadFile(path)
	if err != nil {
		return err
	}
	p := &printer{w: w}
	var elements int
	table := newPlainTable().Headers("#", "Name", "Tensor", "Extents (n x w x h x c)", "Size", "Bytes")
	for i, r := range records {
		for j, t := range r.Tensors {
			elements += len(t.Data)
			table.Row(humanize.Comma(int64(i)), r.Name, tensorRole(j, len(r.Tensors)),
				t.ShapeString(), humanize.Comma(int64(len(t.Data))), bytesOf(len(t.Data)))
		}
	}

	p.title("Summary")
	p.table(newPlainTable().
		Row("file", path).
		Row("# records", humanize.Comma(int64(len(records)))).
		Row("# parameters", humanize.Comma(int64(elements))).
		Row("# bytes", bytesOf(elements)))
	p.title("Records")
	p.table(table)
	return p.err
}

func tensorRole(i, n int) string {
	if n == 2 {
		return [2]string{"weights", "bias"}[i]
	}
	return fmt.Sprintf("%d", i)
}

// InspectZMF summarizes a ZMF model.
func InspectZMF(w io.Writer, path string) error {
	model, err := zmfexport.Load(path)
	if err != nil {
		return err
	}
	p := &printer{w: w}
	g := model.GetGraph()

	p.title("Summary")
	p.table(newPlainTable().
		Row("file", path).
		Row("producer", strings.TrimSpace(model.GetMetadata().GetProducerName()+" "+model.GetMetadata().GetProducerVersion())).
		Row("opset", humanize.Comma(model.GetMetadata().GetOpsetVersion())).
		Row("# nodes", humanize.Comma(int64(len(g.GetNodes())))).
		Row("# parameters", humanize.Comma(int64(len(g.GetParameters())))))

	nodes := newPlainTable().Headers("Node", "OpType", "Inputs", "Attributes")
	for _, n := range g.GetNodes() {
		nodes.Row(n.GetName(), n.GetOpType(), strings.Join(n.GetInputs(), ", "), formatAttributes(n.GetAttributes()))
	}
	p.title("Nodes")
	p.table(nodes)

	params := newPlainTable().Headers("Parameter", "Type", "Shape", "Bytes")
	for _, name := range slices.Sorted(maps.Keys(g.GetParameters())) {
		t := g.GetParameters()[name]
		params.Row(name, t.GetDtype().String(), fmt.Sprint(t.GetShape()), humanize.Bytes(uint64(len(t.GetData()))))
	}
	p.title("Parameters")
	p.table(params)
	return p.err
}

func formatAttributes(attrs map[string]*zmf.Attribute) string {
	var buf bytes.Buffer
	for i, name := range slices.Sorted(maps.Keys(attrs)) {
		if i > 0 {
			buf.WriteString(" ")
		}
		fmt.Fprintf(&buf, "%s=%s", name, formatAttribute(attrs[name]))
	}
	return buf.String()
}

func formatAttribute(a *zmf.Attribute) string {
	switch v := a.GetValue().(type) {
	case *zmf.Attribute_I:
		return fmt.Sprint(v.I)
	case *zmf.Attribute_F:
		return fmt.Sprint(v.F)
	case *zmf.Attribute_S:
		return v.S
	case *zmf.Attribute_Ints:
		return fmt.Sprint(v.Ints.GetVal())
	case *zmf.Attribute_Floats:
		return fmt.Sprint(v.Floats.GetVal())
	}
	return fmt.Sprint(a.GetValue())
}

// WarningsTable renders conversion warnings, one per row.
func WarningsTable(g *converter.Graph) string {
	t := newPlainTable().Headers("#", "Warning")
	for i, w := range g.Warnings {
		t.Row(humanize.Comma(int64(i+1)), w.Error())
	}
	return t.Render()
}
