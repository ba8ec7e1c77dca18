package converter

import (
	"github.com/pkg/errors"
	"github.com/zerfoo/zcaffe/internal/caffe"
	"github.com/zerfoo/zcaffe/pkg/cnparam"
	"k8s.io/klog/v2"
)

// ErrMissingParams is returned when a weight-bearing layer lacks its weight or bias.
var ErrMissingParams = errors.New("weight-bearing layer is missing its weights or bias")

// ParamSink receives parameter records. *cnparam.Writer implements it.
type ParamSink interface {
	WriteRecord(*cnparam.Record) error
}

type multiSink []ParamSink

func (m multiSink) WriteRecord(r *cnparam.Record) error {
	for _, s := range m {
		if err := s.WriteRecord(r); err != nil {
			return err
		}
	}
	return nil
}

// MultiSink returns a sink that writes every record to each of sinks in turn.
func MultiSink(sinks ...ParamSink) ParamSink {
	return multiSink(sinks)
}

// WriteParams writes one record per weight-bearing node of g, weights first, then
// bias. onRecord, if not nil, is called after each record.
func WriteParams(g *Graph, sink ParamSink, onRecord func(done, total int, name string)) error {
	names := g.WeightBearing()
	for i, name := range names {
		node, _ := g.Nodes.Get(name)
		rec, err := layerRecord(name, node.Layer)
		if err != nil {
			return err
		}
		if err := sink.WriteRecord(rec); err != nil {
			return errors.WithMessagef(err, "failed to write parameters of %q", name)
		}
		klog.V(1).Infof("wrote %q: weights %s, bias %s", name, rec.Tensors[0].ShapeString(), rec.Tensors[1].ShapeString())
		if onRecord != nil {
			onRecord(i+1, len(names), name)
		}
	}
	return nil
}

func layerRecord(name string, l *caffe.Layer) (*cnparam.Record, error) {
	if l == nil || len(l.Blobs) < 2 {
		n := 0
		if l != nil {
			n = len(l.Blobs)
		}
		return nil, errors.Wrapf(ErrMissingParams, "layer %q has %d blobs, want weights and bias", name, n)
	}
	weights, err := TensorFromBlob(l.Blobs[0])
	if err != nil {
		return nil, errors.WithMessagef(err, "layer %q weights", name)
	}
	bias, err := TensorFromBlob(l.Blobs[1])
	if err != nil {
		return nil, errors.WithMessagef(err, "layer %q bias", name)
	}
	return &cnparam.Record{Name: name, Tensors: []*cnparam.Tensor{weights, bias}}, nil
}

// TensorFromBlob converts a Caffe blob of shape (num, channels, height, width) to a
// tensor with extents (num, width, height, channels). The data is not reordered.
func TensorFromBlob(b *caffe.Blob) (*cnparam.Tensor, error) {
	shape, err := b.LegacyShape()
	if err != nil {
		return nil, err
	}
	t := &cnparam.Tensor{
		Count:    uint64(shape[0]),
		Width:    uint64(shape[3]),
		Height:   uint64(shape[2]),
		Channels: uint64(shape[1]),
		Data:     b.Data,
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// ConvertMeanImage writes blob as a single one-tensor record called label.
func ConvertMeanImage(blob *caffe.Blob, label string, sink ParamSink) error {
	t, err := TensorFromBlob(blob)
	if err != nil {
		return errors.WithMessage(err, "mean image")
	}
	if err := sink.WriteRecord(&cnparam.Record{Name: label, Tensors: []*cnparam.Tensor{t}}); err != nil {
		return errors.WithMessagef(err, "failed to write mean image %q", label)
	}
	return nil
}
