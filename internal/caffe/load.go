package caffe

import (
	"os"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/prototext"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protoreflect"
	"k8s.io/klog/v2"
)

// LoadNet reads a text network definition and keeps the layers active in the TEST
// phase. Top-level input declarations are turned into a leading Input layer.
func LoadNet(path string) (*Net, error) {
	//nolint:gosec // G304: input path is chosen by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read network definition %q", path)
	}
	net, err := ParseNet(data, PhaseTest)
	if err != nil {
		return nil, errors.WithMessagef(err, "%q", path)
	}
	return net, nil
}

// ParseNet decodes a text network definition, keeping the layers active in phase.
func ParseNet(data []byte, phase Phase) (*Net, error) {
	msg := netParameterType.New()
	opts := prototext.UnmarshalOptions{DiscardUnknown: true}
	if err := opts.Unmarshal(data, msg.Interface()); err != nil {
		return nil, errors.Wrap(err, "failed to parse network definition")
	}
	net, err := decodeNet(msg, &phase)
	if err != nil {
		return nil, err
	}
	if len(net.Layers) == 0 {
		klog.Warningf("network %q declares no layers (the V1 \"layers\" format is not supported)", net.Name)
	}
	return net, nil
}

// LoadWeights reads a binary .caffemodel. All layers are kept, whatever their phase.
func LoadWeights(path string) (*Net, error) {
	//nolint:gosec // G304: input path is chosen by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read weights %q", path)
	}
	net, err := ParseWeights(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "%q", path)
	}
	return net, nil
}

// ParseWeights decodes a binary NetParameter.
func ParseWeights(data []byte) (*Net, error) {
	msg := netParameterType.New()
	opts := proto.UnmarshalOptions{DiscardUnknown: true}
	if err := opts.Unmarshal(data, msg.Interface()); err != nil {
		return nil, errors.Wrap(err, "failed to decode weights")
	}
	return decodeNet(msg, nil)
}

// Load reads a network definition and attaches the trained blobs from the weights
// file to the definition's layers by name. Layers without trained blobs keep none.
func Load(netPath, weightsPath string) (*Net, error) {
	net, err := LoadNet(netPath)
	if err != nil {
		return nil, err
	}
	weights, err := LoadWeights(weightsPath)
	if err != nil {
		return nil, err
	}
	attachBlobs(net, weights)
	return net, nil
}

func attachBlobs(net, weights *Net) {
	byName := make(map[string]*Layer, len(weights.Layers))
	for _, l := range weights.Layers {
		if _, seen := byName[l.Name]; !seen {
			byName[l.Name] = l
		}
	}
	for _, l := range net.Layers {
		if w, ok := byName[l.Name]; ok && len(w.Blobs) > 0 {
			l.Blobs = w.Blobs
			klog.V(2).Infof("layer %q: attached %d blobs", l.Name, len(w.Blobs))
		}
	}
}

// LoadBlob reads a binary BlobProto such as a mean image.
func LoadBlob(path string) (*Blob, error) {
	//nolint:gosec // G304: input path is chosen by the user
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read blob %q", path)
	}
	blob, err := ParseBlob(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "%q", path)
	}
	return blob, nil
}

// ParseBlob decodes a binary BlobProto.
func ParseBlob(data []byte) (*Blob, error) {
	msg := blobProtoType.New()
	opts := proto.UnmarshalOptions{DiscardUnknown: true}
	if err := opts.Unmarshal(data, msg.Interface()); err != nil {
		return nil, errors.Wrap(err, "failed to decode blob")
	}
	return decodeBlob(msg)
}

// decodeNet converts a NetParameter. A nil phase keeps every layer.
func decodeNet(m protoreflect.Message, phase *Phase) (*Net, error) {
	net := &Net{Name: getString(m, "name")}
	if input := inputLayer(m); input != nil {
		net.Layers = append(net.Layers, input)
	}
	for i, lm := range messages(m, "layer") {
		if phase != nil && !activeIn(lm, *phase) {
			klog.V(1).Infof("skipping layer %q: not active in phase %s", getString(lm, "name"), *phase)
			continue
		}
		l, err := decodeLayer(lm)
		if err != nil {
			return nil, errors.WithMessagef(err, "layer %d (%q)", i, getString(lm, "name"))
		}
		net.Layers = append(net.Layers, l)
	}
	return net, nil
}

// inputLayer turns the deprecated top-level input/input_shape/input_dim fields into
// an Input layer, or returns nil when the net declares none.
func inputLayer(m protoreflect.Message) *Layer {
	names := getStrings(m, "input")
	if len(names) == 0 {
		return nil
	}
	l := &Layer{Name: names[0], Type: "Input", Top: names}
	l.Params = decodeParams(nil)
	for _, s := range messages(m, "input_shape") {
		l.Params.Input.Shapes = append(l.Params.Input.Shapes, getInt64s(s, "dim"))
	}
	if len(l.Params.Input.Shapes) == 0 {
		dims := getList(m, "input_dim")
		for i := 0; i+4 <= dims.Len(); i += 4 {
			shape := make([]int64, 4)
			for j := range shape {
				shape[j] = dims.Get(i + j).Int()
			}
			l.Params.Input.Shapes = append(l.Params.Input.Shapes, shape)
		}
	}
	return l
}

// activeIn applies the include/exclude phase rules of a layer.
func activeIn(lm protoreflect.Message, phase Phase) bool {
	ruleMatches := func(rule protoreflect.Message) bool {
		return !has(rule, "phase") || Phase(getEnum(rule, "phase")) == phase
	}
	include := messages(lm, "include")
	if len(include) > 0 {
		matched := false
		for _, rule := range include {
			if ruleMatches(rule) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	for _, rule := range messages(lm, "exclude") {
		if ruleMatches(rule) {
			return false
		}
	}
	return true
}

func decodeLayer(m protoreflect.Message) (*Layer, error) {
	l := &Layer{
		Name:   getString(m, "name"),
		Type:   getString(m, "type"),
		Bottom: getStrings(m, "bottom"),
		Top:    getStrings(m, "top"),
		Params: decodeParams(m),
	}
	for i, bm := range messages(m, "blobs") {
		b, err := decodeBlob(bm)
		if err != nil {
			return nil, errors.WithMessagef(err, "blob %d", i)
		}
		l.Blobs = append(l.Blobs, b)
	}
	return l, nil
}

// decodeParams reads the parameter blocks of a layer. With a nil message every block
// holds Caffe's defaults.
func decodeParams(m protoreflect.Message) Params {
	if m == nil {
		m = layerParameterType.New()
	}
	var p Params

	conv := getMessage(m, "convolution_param")
	p.Convolution = ConvolutionParam{
		NumOutput:  getUint32(conv, "num_output"),
		BiasTerm:   getBool(conv, "bias_term"),
		Pad:        getUint32s(conv, "pad"),
		KernelSize: getUint32s(conv, "kernel_size"),
		Stride:     getUint32s(conv, "stride"),
		PadH:       getUint32(conv, "pad_h"),
		PadW:       getUint32(conv, "pad_w"),
		KernelH:    getUint32(conv, "kernel_h"),
		KernelW:    getUint32(conv, "kernel_w"),
		StrideH:    getUint32(conv, "stride_h"),
		StrideW:    getUint32(conv, "stride_w"),
		Group:      getUint32(conv, "group"),
	}

	pool := getMessage(m, "pooling_param")
	p.Pooling = PoolingParam{
		Pool:          PoolMethod(getEnum(pool, "pool")),
		KernelSize:    getUint32(pool, "kernel_size"),
		Stride:        getUint32(pool, "stride"),
		Pad:           getUint32(pool, "pad"),
		KernelH:       getUint32(pool, "kernel_h"),
		KernelW:       getUint32(pool, "kernel_w"),
		StrideH:       getUint32(pool, "stride_h"),
		StrideW:       getUint32(pool, "stride_w"),
		PadH:          getUint32(pool, "pad_h"),
		PadW:          getUint32(pool, "pad_w"),
		GlobalPooling: getBool(pool, "global_pooling"),
	}

	ip := getMessage(m, "inner_product_param")
	p.InnerProduct = InnerProductParam{
		NumOutput: getUint32(ip, "num_output"),
		BiasTerm:  getBool(ip, "bias_term"),
	}

	p.Dropout = DropoutParam{Ratio: getFloat(getMessage(m, "dropout_param"), "dropout_ratio")}

	lrn := getMessage(m, "lrn_param")
	p.LRN = LRNParam{
		LocalSize: getUint32(lrn, "local_size"),
		Alpha:     getFloat(lrn, "alpha"),
		Beta:      getFloat(lrn, "beta"),
		K:         getFloat(lrn, "k"),
	}

	for _, s := range messages(getMessage(m, "input_param"), "shape") {
		p.Input.Shapes = append(p.Input.Shapes, getInt64s(s, "dim"))
	}
	return p
}
