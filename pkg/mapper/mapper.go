// Package mapper translates Caffe layer types and parameters into CN24 operations.
package mapper

import (
	"fmt"

	"github.com/zerfoo/zcaffe/internal/caffe"
	"github.com/zerfoo/zcaffe/pkg/ops"
)

// Caffe layer type tags understood by Map.
const (
	TypeConvolution  = "Convolution"
	TypePooling      = "Pooling"
	TypeInnerProduct = "InnerProduct"
	TypeDropout      = "Dropout"
	TypeLRN          = "LRN"
	TypeReLU         = "ReLU"
	TypeSoftmax      = "Softmax"
	TypeInput        = "Input"
)

// ResultKind tells what a layer maps to.
type ResultKind int

const (
	// KindOperation layers become graph nodes.
	KindOperation ResultKind = iota
	// KindInput marks the network input placeholder.
	KindInput
	// KindUnsupported layers are skipped.
	KindUnsupported
)

func (k ResultKind) String() string {
	switch k {
	case KindOperation:
		return "operation"
	case KindInput:
		return "input"
	case KindUnsupported:
		return "unsupported"
	}
	return fmt.Sprintf("ResultKind(%d)", int(k))
}

// InputSize is the spatial size of the network input.
type InputSize struct {
	Width  int64 `json:"width,omitempty"`
	Height int64 `json:"height,omitempty"`
}

// Result is the outcome of mapping one layer.
type Result struct {
	Kind ResultKind
	// Tag is the Caffe type the result was mapped from.
	Tag string
	// Op is set for KindOperation.
	Op ops.Op
	// Input is set for KindInput.
	Input InputSize
	// Warnings are non-fatal findings: an *UnsupportedLayerError for KindUnsupported,
	// *UnsupportedVariantError values for parameters that cannot be represented.
	Warnings []error
}

// UnsupportedLayerError reports a layer type with no CN24 equivalent.
type UnsupportedLayerError struct {
	Name string
	Type string
}

func (e *UnsupportedLayerError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("unsupported layer type %q", e.Type)
	}
	return fmt.Sprintf("layer %q: unsupported layer type %q", e.Name, e.Type)
}

// UnsupportedVariantError reports a supported layer type whose parameters ask for
// something the CN24 operation does not do. The operation is still emitted.
type UnsupportedVariantError struct {
	Name   string
	Type   string
	Detail string
}

func (e *UnsupportedVariantError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("%s: %s", e.Type, e.Detail)
	}
	return fmt.Sprintf("layer %q (%s): %s", e.Name, e.Type, e.Detail)
}

// Map translates a layer type tag and its parameters. It has no side effects and
// does not retain p. A nil p maps like a layer with every parameter at its default.
func Map(tag string, p *caffe.Params) Result {
	if p == nil {
		p = &caffe.Params{}
	}
	r := Result{Kind: KindOperation, Tag: tag}
	variant := func(format string, args ...any) {
		r.Warnings = append(r.Warnings, &UnsupportedVariantError{Type: tag, Detail: fmt.Sprintf(format, args...)})
	}

	switch tag {
	case TypeConvolution:
		r.Op = convolution(&p.Convolution, variant)
	case TypePooling:
		r.Op = pooling(&p.Pooling, variant)
	case TypeInnerProduct:
		r.Op = ops.FullyConnected(p.InnerProduct.NumOutput)
	case TypeDropout:
		r.Op = &ops.Dropout{Fraction: p.Dropout.Ratio}
	case TypeLRN:
		r.Op = &ops.LRN{Alpha: p.LRN.Alpha, Beta: p.LRN.Beta, Size: p.LRN.LocalSize}
	case TypeReLU:
		r.Op = ops.ReLU{}
	case TypeSoftmax:
		r.Op = ops.Softmax{}
	case TypeInput:
		r.Kind = KindInput
		r.Input = inputSize(&p.Input, variant)
	default:
		r.Kind = KindUnsupported
		r.Warnings = append(r.Warnings, &UnsupportedLayerError{Type: tag})
	}
	return r
}

// MapLayer maps l and names it in any warning.
func MapLayer(l *caffe.Layer) Result {
	r := Map(l.Type, &l.Params)
	for _, w := range r.Warnings {
		switch e := w.(type) {
		case *UnsupportedLayerError:
			e.Name = l.Name
		case *UnsupportedVariantError:
			e.Name = l.Name
		}
	}
	return r
}

func convolution(c *caffe.ConvolutionParam, variant func(string, ...any)) *ops.Convolution {
	op := &ops.Convolution{Group: c.Group, Kernels: c.NumOutput}

	kernel := c.KernelH
	if len(c.KernelSize) > 0 {
		kernel = c.KernelSize[0]
	}
	op.Size = ops.Square(kernel)
	if kernel == 0 {
		variant("no kernel size")
	}
	if (len(c.KernelSize) > 1 && c.KernelSize[1] != c.KernelSize[0]) || (c.KernelW != 0 && c.KernelW != kernel) {
		variant("non-square kernel, using %dx%d", kernel, kernel)
	}

	switch {
	case len(c.Stride) > 0:
		s := ops.Square(c.Stride[0])
		op.Stride = &s
	case c.StrideH != 0:
		s := ops.Square(c.StrideH)
		op.Stride = &s
	}
	switch {
	case len(c.Pad) > 0:
		s := ops.Square(c.Pad[0])
		op.Pad = &s
	case c.PadH != 0:
		s := ops.Square(c.PadH)
		op.Pad = &s
	}
	return op
}

func pooling(p *caffe.PoolingParam, variant func(string, ...any)) *ops.Pooling {
	kernel := p.KernelSize
	if kernel == 0 && p.KernelH != 0 {
		kernel = p.KernelH
	}
	stride := p.Stride
	if p.StrideH != 0 {
		stride = p.StrideH
	}
	op := &ops.Pooling{Size: ops.Square(kernel), Stride: ops.Square(stride), Method: p.Pool.String()}
	if p.Pool != caffe.PoolMax {
		variant("%s pooling is emitted as max pooling", p.Pool)
	}
	if p.GlobalPooling {
		variant("global pooling is emitted with kernel size %d", kernel)
	}
	return op
}

func inputSize(in *caffe.InputParam, variant func(string, ...any)) InputSize {
	if len(in.Shapes) == 0 || len(in.Shapes[0]) < 4 {
		variant("input shape %v has no spatial axes", in.Shapes)
		return InputSize{}
	}
	dims := in.Shapes[0]
	return InputSize{Width: dims[2], Height: dims[3]}
}
