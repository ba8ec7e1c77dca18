// Package converter turns a loaded Caffe network into a CN24 parameter container and
// network description.
package converter

import (
	"encoding/json"
	"io"

	"github.com/pkg/errors"
	"github.com/zerfoo/zcaffe/internal/caffe"
	"github.com/zerfoo/zcaffe/pkg/mapper"
)

// DefaultErrorLayer is the placeholder CN24 expects in "error_layer".
const DefaultErrorLayer = "dummy"

// Options tune Convert.
type Options struct {
	// ErrorLayer is written to the description's "error_layer" field.
	ErrorLayer string
	// OnRecord, if set, is called after each parameter record is written.
	OnRecord func(done, total int, name string)
}

// DefaultOptions returns the options matching CN24's expectations.
func DefaultOptions() Options {
	return Options{ErrorLayer: DefaultErrorLayer}
}

// Result is the outcome of a conversion.
type Result struct {
	Graph    *Graph
	Document *Document
	// Records is the number of parameter records written.
	Records int
}

// Convert linearizes net, writes the parameters of its weight-bearing layers to sink
// and builds the network description. The first sink error aborts the conversion;
// records already written stay written.
func Convert(net *caffe.Net, sink ParamSink, opts Options) (*Result, error) {
	if opts.ErrorLayer == "" {
		opts.ErrorLayer = DefaultErrorLayer
	}
	g := Linearize(net.Layers)
	if err := WriteParams(g, sink, opts.OnRecord); err != nil {
		return nil, err
	}
	return &Result{
		Graph:    g,
		Document: BuildDocument(g, opts.ErrorLayer),
		Records:  len(g.WeightBearing()),
	}, nil
}

// Document is the CN24 network description.
type Document struct {
	Net             NetDescription   `json:"net"`
	Input           mapper.InputSize `json:"input"`
	Hyperparameters map[string]any   `json:"hyperparameters"`
}

// NetDescription is the "net" object of a Document.
type NetDescription struct {
	Input      string   `json:"input,omitempty"`
	Output     string   `json:"output"`
	Nodes      *NodeMap `json:"nodes"`
	ErrorLayer string   `json:"error_layer"`
}

// BuildDocument assembles the description of g. It carries topology and
// hyperparameters only.
func BuildDocument(g *Graph, errorLayer string) *Document {
	return &Document{
		Net: NetDescription{
			Input:      g.Input,
			Output:     g.Output,
			Nodes:      g.Nodes,
			ErrorLayer: errorLayer,
		},
		Input:           g.InputSize,
		Hyperparameters: map[string]any{},
	}
}

// Encode writes d as JSON indented by two spaces.
func (d *Document) Encode(w io.Writer) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode network description")
	}
	data = append(data, '\n')
	if _, err := w.Write(data); err != nil {
		return errors.Wrap(err, "failed to write network description")
	}
	return nil
}
