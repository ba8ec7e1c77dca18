// Package cnparam reads and writes CNParam parameter containers.
//
// A container is a little-endian stream without padding:
//
//	[8 bytes: magic 0xC240C240C240C240]
//	repeated record:
//	  [4 bytes: name length L (uint32)]
//	  [4 bytes: tensor count (uint32)]
//	  [L bytes: name, not null-terminated]
//	  repeated tensor:
//	    [4 x 8 bytes: count, width, height, channels (uint64)]
//	    [count*width*height*channels x 4 bytes: float32 data]
//
// The tensor count is the only sizing information a record carries, so a reader has
// to decode every tensor of a record before it can reach the next one.
package cnparam

import (
	"fmt"
	"math"
	"math/bits"

	"github.com/pkg/errors"
)

// Magic is the sentinel every container starts with.
const Magic uint64 = 0xC240C240C240C240

// Container limits. Data is only allocated as it is read, so a header declaring a
// large tensor costs nothing until its bytes arrive.
const (
	MaxTensorsPerRecord = 64
	MaxTensorElements   = 1 << 31
)

const (
	magicSize        = 8
	recordHeaderSize = 4 + 4
	tensorHeaderSize = 4 * 8
	elementSize      = 4
)

// Tensor is a 4-D float32 array. Data is row-major and holds exactly
// Count*Width*Height*Channels elements.
type Tensor struct {
	Count    uint64
	Width    uint64
	Height   uint64
	Channels uint64
	Data     []float32
}

// NewTensor allocates a zero-filled tensor with the given extents.
func NewTensor(count, width, height, channels uint64) (*Tensor, error) {
	t := &Tensor{Count: count, Width: width, Height: height, Channels: channels}
	n, err := t.NumElements()
	if err != nil {
		return nil, err
	}
	if n > MaxTensorElements {
		return nil, errors.Wrapf(ErrShapeMismatch, "%s has %d elements, limit is %d", t.ShapeString(), n, MaxTensorElements)
	}
	t.Data = make([]float32, n)
	return t, nil
}

// NumElements returns the product of the four extents, failing on overflow.
func (t *Tensor) NumElements() (uint64, error) {
	n := uint64(1)
	for _, d := range [4]uint64{t.Count, t.Width, t.Height, t.Channels} {
		hi, lo := bits.Mul64(n, d)
		if hi != 0 {
			return 0, errors.Wrapf(ErrShapeMismatch, "extents %s overflow", t.ShapeString())
		}
		n = lo
	}
	return n, nil
}

// Validate checks that the buffer length matches the extents.
func (t *Tensor) Validate() error {
	n, err := t.NumElements()
	if err != nil {
		return err
	}
	if uint64(len(t.Data)) != n {
		return errors.Wrapf(ErrShapeMismatch, "extents %s need %d elements, buffer has %d", t.ShapeString(), n, len(t.Data))
	}
	return nil
}

// EncodedSize is the number of bytes the tensor occupies in a container.
func (t *Tensor) EncodedSize() int64 {
	return tensorHeaderSize + int64(len(t.Data))*elementSize
}

// ShapeString renders the extents as "count x width x height x channels".
func (t *Tensor) ShapeString() string {
	return fmt.Sprintf("%dx%dx%dx%d", t.Count, t.Width, t.Height, t.Channels)
}

// Record is one named group of tensors. Converted layers hold a weight tensor and a
// bias; a mean image holds a single tensor.
type Record struct {
	Name    string
	Tensors []*Tensor
}

// Validate checks the record invariants. Anything the reader accepts passes.
func (r *Record) Validate() error {
	if uint64(len(r.Name)) > math.MaxUint32 {
		return errors.Wrapf(ErrInvalidRecord, "name of %d bytes does not fit a uint32 length", len(r.Name))
	}
	if len(r.Tensors) < 1 || len(r.Tensors) > MaxTensorsPerRecord {
		return errors.Wrapf(ErrInvalidRecord, "record %q has %d tensors, want 1 to %d", r.Name, len(r.Tensors), MaxTensorsPerRecord)
	}
	for i, t := range r.Tensors {
		if t == nil {
			return errors.Wrapf(ErrInvalidRecord, "record %q tensor %d is nil", r.Name, i)
		}
		if err := t.Validate(); err != nil {
			return errors.WithMessagef(err, "record %q tensor %d", r.Name, i)
		}
	}
	return nil
}

// EncodedSize is the number of bytes the record occupies in a container.
func (r *Record) EncodedSize() int64 {
	size := int64(recordHeaderSize + len(r.Name))
	for _, t := range r.Tensors {
		size += t.EncodedSize()
	}
	return size
}
