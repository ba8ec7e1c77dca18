// Package ops defines the operations of a CN24 network description.
//
// Op is a closed set: the only implementations are the types in this package.
// Each marshals to the JSON form CN24 reads; ReLU and Softmax have no parameters
// and marshal to a bare string.
package ops

import (
	"encoding/json"
	"fmt"
)

// Kind identifies an operation.
type Kind int

// Operation kinds, one per CN24 layer type.
const (
	KindConvolution Kind = iota // convolution and fully connected
	KindPooling                 // max pooling
	KindDropout
	KindLRN // local response normalization
	KindReLU
	KindSoftmax
)

var kindNames = [...]string{
	KindConvolution: "convolution",
	KindPooling:     "advanced_maxpooling",
	KindDropout:     "dropout",
	KindLRN:         "local_response_normalization",
	KindReLU:        "relu",
	KindSoftmax:     "softmax",
}

// String returns the CN24 type name of the kind.
func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("Kind(%d)", int(k))
	}
	return kindNames[k]
}

// Op is an operation descriptor.
type Op interface {
	Kind() Kind
	isOp()
}

// Pair is a (width, height) extent. Caffe layers converted here are always square.
type Pair [2]uint32

// Square returns a Pair with both extents set to v.
func Square(v uint32) Pair { return Pair{v, v} }

// Convolution also represents fully-connected layers, as 1x1 convolutions without a
// group count.
type Convolution struct {
	Group   uint32 `json:"group,omitempty"`
	Kernels uint32 `json:"kernels"`
	Size    Pair   `json:"size"`
	Stride  *Pair  `json:"stride,omitempty"`
	Pad     *Pair  `json:"pad,omitempty"`
}

// FullyConnected returns the 1x1 convolution equivalent of a fully-connected layer.
func FullyConnected(outputs uint32) *Convolution {
	return &Convolution{Kernels: outputs, Size: Square(1)}
}

// WeightBearing reports whether the operation owns learned weights and biases.
func WeightBearing(op Op) bool {
	return op != nil && op.Kind() == KindConvolution
}

// Pooling is always emitted as max pooling; Method records what the source asked for.
type Pooling struct {
	Size   Pair   `json:"size"`
	Stride Pair   `json:"stride"`
	Method string `json:"-"`
}

// Dropout zeroes a fraction of its inputs during training.
type Dropout struct {
	Fraction float32 `json:"dropout_fraction"`
}

// LRN is local response normalization across Size neighbouring channels.
type LRN struct {
	Alpha float32 `json:"alpha"`
	Beta  float32 `json:"beta"`
	Size  uint32  `json:"size"`
}

// ReLU is the rectified linear activation.
type ReLU struct{}

// Softmax normalizes its inputs into a probability distribution.
type Softmax struct{}

// Kind implements Op.
func (*Convolution) Kind() Kind { return KindConvolution }
func (*Pooling) Kind() Kind     { return KindPooling }
func (*Dropout) Kind() Kind     { return KindDropout }
func (*LRN) Kind() Kind         { return KindLRN }
func (ReLU) Kind() Kind         { return KindReLU }
func (Softmax) Kind() Kind      { return KindSoftmax }

func (*Convolution) isOp() {}
func (*Pooling) isOp()     {}
func (*Dropout) isOp()     {}
func (*LRN) isOp()         {}
func (ReLU) isOp()         {}
func (Softmax) isOp()      {}

// MarshalJSON writes the convolution fields preceded by "type".
func (c *Convolution) MarshalJSON() ([]byte, error) {
	type plain Convolution
	return json.Marshal(struct {
		Type string `json:"type"`
		*plain
	}{KindConvolution.String(), (*plain)(c)})
}

// MarshalJSON writes the pooling fields preceded by "type".
func (p *Pooling) MarshalJSON() ([]byte, error) {
	type plain Pooling
	return json.Marshal(struct {
		Type string `json:"type"`
		*plain
	}{KindPooling.String(), (*plain)(p)})
}

// MarshalJSON writes the dropout fields preceded by "type".
func (d *Dropout) MarshalJSON() ([]byte, error) {
	type plain Dropout
	return json.Marshal(struct {
		Type string `json:"type"`
		*plain
	}{KindDropout.String(), (*plain)(d)})
}

// MarshalJSON writes the LRN fields preceded by "type".
func (l *LRN) MarshalJSON() ([]byte, error) {
	type plain LRN
	return json.Marshal(struct {
		Type string `json:"type"`
		*plain
	}{KindLRN.String(), (*plain)(l)})
}

// MarshalJSON writes the bare string "relu".
func (ReLU) MarshalJSON() ([]byte, error) { return json.Marshal(KindReLU.String()) }

// MarshalJSON writes the bare string "softmax".
func (Softmax) MarshalJSON() ([]byte, error) { return json.Marshal(KindSoftmax.String()) }
