// Package caffe loads Caffe network definitions (.prototxt), trained weights
// (.caffemodel) and mean images (.binaryproto).
//
// The protobuf schema is compiled at init from a Go description of the parts of
// caffe.proto the converter needs, so no generated code or protoc run is involved.
package caffe

import (
	"github.com/pkg/errors"
)

// Phase selects which layers of a definition are active.
type Phase int32

const (
	PhaseTrain Phase = 0
	PhaseTest  Phase = 1
)

func (p Phase) String() string {
	switch p {
	case PhaseTrain:
		return "TRAIN"
	case PhaseTest:
		return "TEST"
	}
	return "UNKNOWN"
}

// Net is a decoded NetParameter.
type Net struct {
	Name   string
	Layers []*Layer
}

// Layer returns the layer called name, or nil.
func (n *Net) Layer(name string) *Layer {
	for _, l := range n.Layers {
		if l.Name == name {
			return l
		}
	}
	return nil
}

// Layer is a decoded LayerParameter.
type Layer struct {
	Name   string
	Type   string
	Bottom []string
	Top    []string
	Params Params
	Blobs  []*Blob
}

// Params holds the typed parameter blocks of a layer. Every block is populated,
// with Caffe's defaults where the source left it unset, so callers read the block
// matching Layer.Type without presence checks.
type Params struct {
	Convolution  ConvolutionParam
	Pooling      PoolingParam
	InnerProduct InnerProductParam
	Dropout      DropoutParam
	LRN          LRNParam
	Input        InputParam
}

type ConvolutionParam struct {
	NumOutput  uint32
	BiasTerm   bool
	Pad        []uint32
	KernelSize []uint32
	Stride     []uint32
	PadH       uint32
	PadW       uint32
	KernelH    uint32
	KernelW    uint32
	StrideH    uint32
	StrideW    uint32
	Group      uint32
}

// PoolMethod is PoolingParameter.PoolMethod.
type PoolMethod int32

const (
	PoolMax        PoolMethod = 0
	PoolAverage    PoolMethod = 1
	PoolStochastic PoolMethod = 2
)

func (m PoolMethod) String() string {
	switch m {
	case PoolMax:
		return "MAX"
	case PoolAverage:
		return "AVE"
	case PoolStochastic:
		return "STOCHASTIC"
	}
	return "UNKNOWN"
}

type PoolingParam struct {
	Pool          PoolMethod
	KernelSize    uint32
	Stride        uint32
	Pad           uint32
	KernelH       uint32
	KernelW       uint32
	StrideH       uint32
	StrideW       uint32
	PadH          uint32
	PadW          uint32
	GlobalPooling bool
}

type InnerProductParam struct {
	NumOutput uint32
	BiasTerm  bool
}

type DropoutParam struct {
	Ratio float32
}

type LRNParam struct {
	LocalSize uint32
	Alpha     float32
	Beta      float32
	K         float32
}

// InputParam lists the declared shape of every input blob, outermost axis first.
type InputParam struct {
	Shapes [][]int64
}

// Blob is a decoded BlobProto with its data widened or narrowed to float32.
//
// Older files describe the shape with Num/Channels/Height/Width, newer ones with
// Shape. LegacyShape resolves either form to four axes.
type Blob struct {
	Num      int32
	Channels int32
	Height   int32
	Width    int32
	Shape    []int64
	Data     []float32
}

func (b *Blob) hasLegacyShape() bool {
	return b.Num != 0 || b.Channels != 0 || b.Height != 0 || b.Width != 0
}

// LegacyShape returns the blob shape as (num, channels, height, width). Shapes with
// fewer than four axes are padded with trailing ones, the way Caffe's LegacyShape
// does; more than four axes is an error.
func (b *Blob) LegacyShape() ([4]int64, error) {
	var shape [4]int64
	if b.hasLegacyShape() {
		shape = [4]int64{int64(b.Num), int64(b.Channels), int64(b.Height), int64(b.Width)}
	} else {
		if len(b.Shape) > 4 {
			return shape, errors.Errorf("blob has %d axes %v, at most 4 are supported", len(b.Shape), b.Shape)
		}
		for i := range shape {
			shape[i] = 1
			if i < len(b.Shape) {
				shape[i] = b.Shape[i]
			}
		}
	}
	count := int64(1)
	for _, d := range shape {
		if d < 0 {
			return shape, errors.Errorf("blob shape %v has a negative axis", shape)
		}
		count *= d
	}
	if count != int64(len(b.Data)) {
		return shape, errors.Errorf("blob shape %v holds %d elements, data has %d", shape, count, len(b.Data))
	}
	return shape, nil
}

// Count returns the number of elements in the blob.
func (b *Blob) Count() int { return len(b.Data) }
