package caffe

import (
	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// MarshalNet encodes net as a binary NetParameter, the layout of a .caffemodel.
// Only the parameter block matching each layer's type is written.
func MarshalNet(net *Net) ([]byte, error) {
	data, err := proto.Marshal(encodeNet(net).Interface())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to encode network %q", net.Name)
	}
	return data, nil
}

// FormatNet renders net as a text network definition. Blobs are omitted.
func FormatNet(net *Net) ([]byte, error) {
	stripped := &Net{Name: net.Name, Layers: make([]*Layer, len(net.Layers))}
	for i, l := range net.Layers {
		c := *l
		c.Blobs = nil
		stripped.Layers[i] = &c
	}
	data, err := prototext.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(encodeNet(stripped).Interface())
	if err != nil {
		return nil, errors.Wrapf(err, "failed to format network %q", net.Name)
	}
	return data, nil
}

// MarshalBlob encodes b as a binary BlobProto with float data.
func MarshalBlob(b *Blob) ([]byte, error) {
	m := blobProtoType.New()
	encodeBlob(m, b)
	data, err := proto.Marshal(m.Interface())
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode blob")
	}
	return data, nil
}

func encodeNet(net *Net) protoreflect.Message {
	m := netParameterType.New()
	setString(m, "name", net.Name)
	for _, l := range net.Layers {
		encodeLayer(appendMessage(m, "layer"), l)
	}
	return m
}

func encodeLayer(m protoreflect.Message, l *Layer) {
	setString(m, "name", l.Name)
	setString(m, "type", l.Type)
	for _, s := range l.Bottom {
		appendValue(m, "bottom", protoreflect.ValueOfString(s))
	}
	for _, s := range l.Top {
		appendValue(m, "top", protoreflect.ValueOfString(s))
	}
	for _, b := range l.Blobs {
		encodeBlob(appendMessage(m, "blobs"), b)
	}

	p := &l.Params
	switch l.Type {
	case "Convolution":
		encodeConvolution(mutableMessage(m, "convolution_param"), &p.Convolution)
	case "Pooling":
		encodePooling(mutableMessage(m, "pooling_param"), &p.Pooling)
	case "InnerProduct":
		ip := mutableMessage(m, "inner_product_param")
		setUint32(ip, "num_output", p.InnerProduct.NumOutput)
		set(ip, "bias_term", protoreflect.ValueOfBool(p.InnerProduct.BiasTerm))
	case "Dropout":
		set(mutableMessage(m, "dropout_param"), "dropout_ratio", protoreflect.ValueOfFloat32(p.Dropout.Ratio))
	case "LRN":
		lrn := mutableMessage(m, "lrn_param")
		setUint32(lrn, "local_size", p.LRN.LocalSize)
		set(lrn, "alpha", protoreflect.ValueOfFloat32(p.LRN.Alpha))
		set(lrn, "beta", protoreflect.ValueOfFloat32(p.LRN.Beta))
		set(lrn, "k", protoreflect.ValueOfFloat32(p.LRN.K))
	case "Input":
		in := mutableMessage(m, "input_param")
		for _, shape := range p.Input.Shapes {
			encodeShape(appendMessage(in, "shape"), shape)
		}
	}
}

func encodeConvolution(m protoreflect.Message, c *ConvolutionParam) {
	setUint32(m, "num_output", c.NumOutput)
	set(m, "bias_term", protoreflect.ValueOfBool(c.BiasTerm))
	for _, v := range c.Pad {
		appendValue(m, "pad", protoreflect.ValueOfUint32(v))
	}
	for _, v := range c.KernelSize {
		appendValue(m, "kernel_size", protoreflect.ValueOfUint32(v))
	}
	for _, v := range c.Stride {
		appendValue(m, "stride", protoreflect.ValueOfUint32(v))
	}
	setUint32(m, "pad_h", c.PadH)
	setUint32(m, "pad_w", c.PadW)
	setUint32(m, "kernel_h", c.KernelH)
	setUint32(m, "kernel_w", c.KernelW)
	setUint32(m, "stride_h", c.StrideH)
	setUint32(m, "stride_w", c.StrideW)
	setUint32(m, "group", c.Group)
}

func encodePooling(m protoreflect.Message, p *PoolingParam) {
	set(m, "pool", protoreflect.ValueOfEnum(protoreflect.EnumNumber(p.Pool)))
	setUint32(m, "kernel_size", p.KernelSize)
	setUint32(m, "stride", p.Stride)
	setUint32(m, "pad", p.Pad)
	setUint32(m, "kernel_h", p.KernelH)
	setUint32(m, "kernel_w", p.KernelW)
	setUint32(m, "stride_h", p.StrideH)
	setUint32(m, "stride_w", p.StrideW)
	setUint32(m, "pad_h", p.PadH)
	setUint32(m, "pad_w", p.PadW)
	if p.GlobalPooling {
		set(m, "global_pooling", protoreflect.ValueOfBool(true))
	}
}

func encodeBlob(m protoreflect.Message, b *Blob) {
	if b.hasLegacyShape() {
		set(m, "num", protoreflect.ValueOfInt32(b.Num))
		set(m, "channels", protoreflect.ValueOfInt32(b.Channels))
		set(m, "height", protoreflect.ValueOfInt32(b.Height))
		set(m, "width", protoreflect.ValueOfInt32(b.Width))
	}
	if len(b.Shape) > 0 {
		encodeShape(mutableMessage(m, "shape"), b.Shape)
	}
	for _, v := range b.Data {
		appendValue(m, "data", protoreflect.ValueOfFloat32(v))
	}
}

func encodeShape(m protoreflect.Message, dims []int64) {
	for _, d := range dims {
		appendValue(m, "dim", protoreflect.ValueOfInt64(d))
	}
}

// setUint32 writes v unless it is zero, leaving the schema default in place.
func setUint32(m protoreflect.Message, name protoreflect.Name, v uint32) {
	if v != 0 {
		set(m, name, protoreflect.ValueOfUint32(v))
	}
}
