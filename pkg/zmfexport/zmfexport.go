// Package zmfexport writes a converted network as a ZMF model.
package zmfexport

import (
	"encoding/binary"
	"math"
	"os"

	"github.com/pkg/errors"
	"github.com/zerfoo/zcaffe/pkg/cnparam"
	"github.com/zerfoo/zcaffe/pkg/converter"
	"github.com/zerfoo/zcaffe/pkg/ops"
	"github.com/zerfoo/zmf"
	"google.golang.org/protobuf/proto"
)

const (
	ProducerName    = "zcaffe"
	ProducerVersion = "0.1.0"
)

// ZMF operator types for each operation kind.
var opTypes = map[ops.Kind]string{
	ops.KindConvolution: "Conv",
	ops.KindPooling:     "MaxPool",
	ops.KindDropout:     "Dropout",
	ops.KindLRN:         "LRN",
	ops.KindReLU:        "Relu",
	ops.KindSoftmax:     "Softmax",
}

// Builder collects parameter records as ZMF tensors. It is a converter.ParamSink, so
// it can be fed alongside the CNParam writer.
type Builder struct {
	params map[string]*zmf.Tensor
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{params: make(map[string]*zmf.Tensor)}
}

// ParamNames returns the ZMF parameter names of the tensors of a record called name.
// Weight and bias records become "<name>.weight" and "<name>.bias"; a single tensor
// keeps the record name.
func ParamNames(name string, tensors int) []string {
	switch tensors {
	case 1:
		return []string{name}
	case 2:
		return []string{name + ".weight", name + ".bias"}
	}
	return nil
}

// WriteRecord stores the tensors of r under the names given by ParamNames.
func (b *Builder) WriteRecord(r *cnparam.Record) error {
	names := ParamNames(r.Name, len(r.Tensors))
	if names == nil {
		return errors.Wrapf(cnparam.ErrInvalidRecord, "record %q has %d tensors", r.Name, len(r.Tensors))
	}
	for i, t := range r.Tensors {
		if _, dup := b.params[names[i]]; dup {
			return errors.Errorf("duplicate parameter %q", names[i])
		}
		b.params[names[i]] = convertTensor(t)
	}
	return nil
}

// convertTensor stores t as a little-endian FLOAT32 tensor with an NCHW shape, the
// order the data is laid out in.
func convertTensor(t *cnparam.Tensor) *zmf.Tensor {
	data := make([]byte, 4*len(t.Data))
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(data[4*i:], math.Float32bits(v))
	}
	return &zmf.Tensor{
		Dtype: zmf.Tensor_FLOAT32,
		Shape: []int64{int64(t.Count), int64(t.Channels), int64(t.Height), int64(t.Width)},
		Data:  data,
	}
}

// Model assembles a ZMF model from g and the parameters collected so far. Each node
// reads its predecessor's output, named after the predecessor; the entry node reads
// the input placeholder.
func (b *Builder) Model(g *converter.Graph) (*zmf.Model, error) {
	model := &zmf.Model{
		Graph: &zmf.Graph{
			Nodes:      make([]*zmf.Node, 0, g.Nodes.Len()),
			Parameters: b.params,
		},
		Metadata: &zmf.Metadata{
			ProducerName:    ProducerName,
			ProducerVersion: ProducerVersion,
		},
	}
	if g.Placeholder != "" {
		// Batch and channel counts are not part of the description.
		model.Graph.Inputs = []*zmf.ValueInfo{{
			Name:  g.Placeholder,
			Shape: []int64{0, 0, g.InputSize.Height, g.InputSize.Width},
		}}
	}
	if g.Output != "" {
		model.Graph.Outputs = []*zmf.ValueInfo{{Name: g.Output}}
	}

	for _, name := range g.Nodes.Names() {
		node, _ := g.Nodes.Get(name)
		zn, err := b.convertNode(g, name, node)
		if err != nil {
			return nil, errors.WithMessagef(err, "node %q", name)
		}
		model.Graph.Nodes = append(model.Graph.Nodes, zn)
	}
	return model, nil
}

func (b *Builder) convertNode(g *converter.Graph, name string, node *converter.Node) (*zmf.Node, error) {
	opType, ok := opTypes[node.Op.Kind()]
	if !ok {
		return nil, errors.Errorf("no ZMF operator for %s", node.Op.Kind())
	}
	zn := &zmf.Node{
		Name:       name,
		OpType:     opType,
		Outputs:    []string{name},
		Attributes: make(map[string]*zmf.Attribute),
	}
	switch {
	case node.Input != "":
		zn.Inputs = append(zn.Inputs, node.Input)
	case name == g.Input && g.Placeholder != "":
		zn.Inputs = append(zn.Inputs, g.Placeholder)
	}
	if ops.WeightBearing(node.Op) {
		for _, p := range ParamNames(name, 2) {
			if _, ok := b.params[p]; !ok {
				return nil, errors.Errorf("parameter %q was not written", p)
			}
			zn.Inputs = append(zn.Inputs, p)
		}
	}

	switch op := node.Op.(type) {
	case *ops.Convolution:
		zn.Attributes["kernel_shape"] = intsAttr(op.Size[:]...)
		zn.Attributes["kernels"] = intAttr(op.Kernels)
		if op.Group != 0 {
			zn.Attributes["group"] = intAttr(op.Group)
		}
		if op.Stride != nil {
			zn.Attributes["strides"] = intsAttr(op.Stride[:]...)
		}
		if op.Pad != nil {
			zn.Attributes["pads"] = intsAttr(op.Pad[0], op.Pad[1], op.Pad[0], op.Pad[1])
		}
	case *ops.Pooling:
		zn.Attributes["kernel_shape"] = intsAttr(op.Size[:]...)
		zn.Attributes["strides"] = intsAttr(op.Stride[:]...)
	case *ops.Dropout:
		zn.Attributes["ratio"] = &zmf.Attribute{Value: &zmf.Attribute_F{F: op.Fraction}}
	case *ops.LRN:
		zn.Attributes["alpha"] = &zmf.Attribute{Value: &zmf.Attribute_F{F: op.Alpha}}
		zn.Attributes["beta"] = &zmf.Attribute{Value: &zmf.Attribute_F{F: op.Beta}}
		zn.Attributes["size"] = intAttr(op.Size)
	}
	return zn, nil
}

func intAttr(v uint32) *zmf.Attribute {
	return &zmf.Attribute{Value: &zmf.Attribute_I{I: int64(v)}}
}

func intsAttr(vs ...uint32) *zmf.Attribute {
	ints := make([]int64, len(vs))
	for i, v := range vs {
		ints[i] = int64(v)
	}
	return &zmf.Attribute{Value: &zmf.Attribute_Ints{Ints: &zmf.Ints{Val: ints}}}
}

// WriteFile serializes model to path.
func WriteFile(path string, model *zmf.Model) error {
	data, err := proto.Marshal(model)
	if err != nil {
		return errors.Wrap(err, "failed to marshal ZMF model")
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return errors.Wrapf(err, "failed to write ZMF model to %q", path)
	}
	return nil
}

// Load reads and deserializes a ZMF model from path.
func Load(path string) (*zmf.Model, error) {
	//nolint:gosec // G304: input path is chosen by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ZMF model %q", path)
	}
	model := &zmf.Model{}
	if err := proto.Unmarshal(data, model); err != nil {
		return nil, errors.Wrapf(err, "failed to decode ZMF model %q", path)
	}
	return model, nil
}
