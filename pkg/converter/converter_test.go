package converter

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zerfoo/zcaffe/internal/caffe"
	"github.com/zerfoo/zcaffe/pkg/cnparam"
	"github.com/zerfoo/zcaffe/pkg/mapper"
	"github.com/zerfoo/zcaffe/pkg/ops"
)

type recorder struct {
	records []*cnparam.Record
	failAt  int
}

func (r *recorder) WriteRecord(rec *cnparam.Record) error {
	if r.failAt > 0 && len(r.records)+1 == r.failAt {
		return errors.New("disk full")
	}
	r.records = append(r.records, rec)
	return nil
}

func filled(n int) []float32 {
	data := make([]float32, n)
	for i := range data {
		data[i] = float32(i) / 10
	}
	return data
}

func inputLayer(name string, w, h int64) *caffe.Layer {
	return &caffe.Layer{
		Name:   name,
		Type:   mapper.TypeInput,
		Params: caffe.Params{Input: caffe.InputParam{Shapes: [][]int64{{1, 1, w, h}}}},
	}
}

func convLayer(name string, kernels, ksize uint32) *caffe.Layer {
	return &caffe.Layer{
		Name: name,
		Type: mapper.TypeConvolution,
		Params: caffe.Params{Convolution: caffe.ConvolutionParam{
			NumOutput: kernels, KernelSize: []uint32{ksize}, Stride: []uint32{1}, Pad: []uint32{1}, Group: 1, BiasTerm: true,
		}},
		Blobs: []*caffe.Blob{
			{Shape: []int64{int64(kernels), 1, int64(ksize), int64(ksize)}, Data: filled(int(kernels * ksize * ksize))},
			{Num: int32(kernels), Channels: 1, Height: 1, Width: 1, Data: filled(int(kernels))},
		},
	}
}

func plainLayer(name, typ string) *caffe.Layer {
	return &caffe.Layer{Name: name, Type: typ}
}

func scenarioNet() *caffe.Net {
	return &caffe.Net{Name: "scenario", Layers: []*caffe.Layer{
		inputLayer("data", 224, 224),
		convLayer("conv1", 64, 3),
		plainLayer("relu1", mapper.TypeReLU),
		plainLayer("soft1", mapper.TypeSoftmax),
	}}
}

func TestConvertScenario(t *testing.T) {
	sink := &recorder{}
	res, err := Convert(scenarioNet(), sink, DefaultOptions())
	require.NoError(t, err)

	g := res.Graph
	assert.Equal(t, "conv1", g.Input)
	assert.Equal(t, "soft1", g.Output)
	assert.Equal(t, []string{"conv1", "relu1", "soft1"}, g.Nodes.Names())
	assert.Equal(t, mapper.InputSize{Width: 224, Height: 224}, g.InputSize)
	assert.Empty(t, g.Warnings)

	conv1, _ := g.Nodes.Get("conv1")
	relu1, _ := g.Nodes.Get("relu1")
	soft1, _ := g.Nodes.Get("soft1")
	assert.Empty(t, conv1.Input)
	assert.Equal(t, "conv1", relu1.Input)
	assert.Equal(t, "relu1", soft1.Input)

	require.Len(t, sink.records, 1)
	rec := sink.records[0]
	assert.Equal(t, "conv1", rec.Name)
	require.Len(t, rec.Tensors, 2)
	assert.Equal(t, "64x3x3x1", rec.Tensors[0].ShapeString())
	assert.Equal(t, "64x1x1x1", rec.Tensors[1].ShapeString())
	assert.Equal(t, 1, res.Records)
}

func TestDocumentJSON(t *testing.T) {
	res, err := Convert(scenarioNet(), &recorder{}, DefaultOptions())
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, res.Document.Encode(&buf))
	out := buf.String()

	assert.JSONEq(t, `{
		"net": {
			"input": "conv1",
			"output": "soft1",
			"nodes": {
				"conv1": {"layer": {"type": "convolution", "group": 1, "kernels": 64, "size": [3, 3], "stride": [1, 1], "pad": [1, 1]}},
				"relu1": {"layer": "relu", "input": "conv1"},
				"soft1": {"layer": "softmax", "input": "relu1"}
			},
			"error_layer": "dummy"
		},
		"input": {"width": 224, "height": 224},
		"hyperparameters": {}
	}`, out)
	assert.True(t, strings.HasPrefix(out, "{\n  \"net\": {\n    \"input\": \"conv1\""), out)
	assert.True(t, strings.HasSuffix(out, "}\n"))
	assert.Less(t, strings.Index(out, `"conv1": {`), strings.Index(out, `"relu1": {`))
	assert.Less(t, strings.Index(out, `"relu1": {`), strings.Index(out, `"soft1": {`))
}

func TestErrorLayerOption(t *testing.T) {
	res, err := Convert(scenarioNet(), &recorder{}, Options{ErrorLayer: "loss"})
	require.NoError(t, err)
	assert.Equal(t, "loss", res.Document.Net.ErrorLayer)

	res, err = Convert(scenarioNet(), &recorder{}, Options{})
	require.NoError(t, err)
	assert.Equal(t, DefaultErrorLayer, res.Document.Net.ErrorLayer)
}

func TestUnsupportedLayerIsSkipped(t *testing.T) {
	net := &caffe.Net{Layers: []*caffe.Layer{
		inputLayer("data", 32, 32),
		convLayer("conv1", 4, 3),
		plainLayer("bn1", "BatchNorm"),
		plainLayer("relu1", mapper.TypeReLU),
	}}
	res, err := Convert(net, &recorder{}, DefaultOptions())
	require.NoError(t, err)

	g := res.Graph
	assert.Equal(t, []string{"conv1", "relu1"}, g.Nodes.Names())
	_, ok := g.Nodes.Get("bn1")
	assert.False(t, ok)
	relu1, _ := g.Nodes.Get("relu1")
	assert.Equal(t, "conv1", relu1.Input)
	assert.Equal(t, "relu1", g.Output)

	require.Len(t, g.Warnings, 1)
	var unsupported *mapper.UnsupportedLayerError
	require.ErrorAs(t, g.Warnings[0], &unsupported)
	assert.Equal(t, "BatchNorm", unsupported.Type)
}

func TestGapIsNotRelinked(t *testing.T) {
	// relu2's predecessor is the last emitted node, not the skipped layer's own input.
	net := &caffe.Net{Layers: []*caffe.Layer{
		inputLayer("data", 8, 8),
		plainLayer("relu1", mapper.TypeReLU),
		plainLayer("scale1", "Scale"),
		plainLayer("eltwise1", "Eltwise"),
		plainLayer("relu2", mapper.TypeReLU),
	}}
	g := Linearize(net.Layers)
	relu2, ok := g.Nodes.Get("relu2")
	require.True(t, ok)
	assert.Equal(t, "relu1", relu2.Input)
	assert.Len(t, g.Warnings, 2)
}

func TestNodeCount(t *testing.T) {
	supported := []string{mapper.TypeReLU, mapper.TypeDropout, mapper.TypeLRN, mapper.TypePooling, mapper.TypeSoftmax}
	unsupported := []string{"BatchNorm", "Scale", "Concat"}

	for n := 2; n <= 12; n++ {
		for k := 0; k <= n-2 && k <= 3; k++ {
			t.Run(fmt.Sprintf("N=%d,K=%d", n, k), func(t *testing.T) {
				layers := []*caffe.Layer{inputLayer("in", 4, 4)}
				var want []string
				for i := 1; i < n; i++ {
					name := fmt.Sprintf("l%d", i)
					// Spread the unsupported layers over the end of the list.
					if i > n-1-k {
						layers = append(layers, plainLayer(name, unsupported[i%len(unsupported)]))
						continue
					}
					layers = append(layers, plainLayer(name, supported[i%len(supported)]))
					want = append(want, name)
				}

				g := Linearize(layers)
				assert.Equal(t, n-1-k, g.Nodes.Len())
				assert.Equal(t, want, g.Nodes.Names())
				assert.Len(t, g.Warnings, k)

				// Walk predecessors back from the output: the chain visits every node in
				// reverse source order and ends at the graph input.
				var chain []string
				for name := g.Output; name != ""; {
					chain = append([]string{name}, chain...)
					node, ok := g.Nodes.Get(name)
					require.True(t, ok)
					name = node.Input
				}
				assert.Equal(t, want, chain)
				assert.Equal(t, want[0], g.Input)
			})
		}
	}
}

func TestNoInputLayer(t *testing.T) {
	g := Linearize([]*caffe.Layer{
		plainLayer("relu1", mapper.TypeReLU),
		plainLayer("soft1", mapper.TypeSoftmax),
	})
	assert.Empty(t, g.Input)
	relu1, _ := g.Nodes.Get("relu1")
	soft1, _ := g.Nodes.Get("soft1")
	assert.Empty(t, relu1.Input)
	assert.Equal(t, "relu1", soft1.Input)

	data, err := json.Marshal(BuildDocument(g, DefaultErrorLayer))
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"net": {"output": "soft1", "nodes": {"relu1": {"layer": "relu"}, "soft1": {"layer": "softmax", "input": "relu1"}}, "error_layer": "dummy"},
		"input": {},
		"hyperparameters": {}
	}`, string(data))
}

func TestEmptyNet(t *testing.T) {
	res, err := Convert(&caffe.Net{}, &recorder{}, DefaultOptions())
	require.NoError(t, err)
	assert.Equal(t, 0, res.Graph.Nodes.Len())
	assert.Empty(t, res.Graph.Output)
	assert.Equal(t, 0, res.Records)
}

func TestMissingParams(t *testing.T) {
	tests := []struct {
		name  string
		layer *caffe.Layer
	}{
		{"convolution without bias", func() *caffe.Layer {
			l := convLayer("conv1", 2, 1)
			l.Blobs = l.Blobs[:1]
			return l
		}()},
		{"inner product without blobs", &caffe.Layer{
			Name: "fc1", Type: mapper.TypeInnerProduct,
			Params: caffe.Params{InnerProduct: caffe.InnerProductParam{NumOutput: 10}},
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recorder{}
			_, err := Convert(&caffe.Net{Layers: []*caffe.Layer{tt.layer}}, sink, DefaultOptions())
			assert.ErrorIs(t, err, ErrMissingParams)
			assert.Empty(t, sink.records)
		})
	}
}

func TestSinkErrorAborts(t *testing.T) {
	net := &caffe.Net{Layers: []*caffe.Layer{
		inputLayer("data", 8, 8),
		convLayer("conv1", 2, 3),
		convLayer("conv2", 2, 3),
		convLayer("conv3", 2, 3),
	}}
	sink := &recorder{failAt: 2}
	_, err := Convert(net, sink, DefaultOptions())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "conv2")
	assert.Len(t, sink.records, 1)
}

func TestProgressCallback(t *testing.T) {
	net := &caffe.Net{Layers: []*caffe.Layer{
		convLayer("conv1", 2, 3),
		plainLayer("relu1", mapper.TypeReLU),
		{
			Name: "fc1", Type: mapper.TypeInnerProduct,
			Params: caffe.Params{InnerProduct: caffe.InnerProductParam{NumOutput: 3}},
			Blobs: []*caffe.Blob{
				{Shape: []int64{3, 8}, Data: filled(24)},
				{Shape: []int64{3}, Data: filled(3)},
			},
		},
	}}
	var calls []string
	opts := DefaultOptions()
	opts.OnRecord = func(done, total int, name string) {
		calls = append(calls, fmt.Sprintf("%d/%d %s", done, total, name))
	}
	sink := &recorder{}
	res, err := Convert(net, sink, opts)
	require.NoError(t, err)
	assert.Equal(t, []string{"1/2 conv1", "2/2 fc1"}, calls)
	assert.Equal(t, 2, res.Records)
	require.Len(t, sink.records, 2)
	assert.Equal(t, "3x1x1x8", sink.records[1].Tensors[0].ShapeString())

	fc1, _ := res.Graph.Nodes.Get("fc1")
	assert.Equal(t, ops.FullyConnected(3), fc1.Op)
}

func TestConvertMeanImage(t *testing.T) {
	// A blob of (num, channels, height, width) = (1, 5, 5, 1) has extents (1, 1, 5, 5).
	blob := &caffe.Blob{Num: 1, Channels: 5, Height: 5, Width: 1, Data: filled(25)}

	var buf bytes.Buffer
	w, err := cnparam.NewWriter(&buf)
	require.NoError(t, err)
	require.NoError(t, ConvertMeanImage(blob, "mean", w))
	require.NoError(t, w.Close())

	r, err := cnparam.NewReader(&buf)
	require.NoError(t, err)
	records, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "mean", records[0].Name)
	require.Len(t, records[0].Tensors, 1)
	tensor := records[0].Tensors[0]
	assert.Equal(t, [4]uint64{1, 1, 5, 5}, [4]uint64{tensor.Count, tensor.Width, tensor.Height, tensor.Channels})
	assert.Equal(t, blob.Data, tensor.Data)
}

func TestConvertMeanImageErrors(t *testing.T) {
	err := ConvertMeanImage(&caffe.Blob{Shape: []int64{2, 2}, Data: filled(3)}, "mean", &recorder{})
	assert.Error(t, err)

	err = ConvertMeanImage(&caffe.Blob{Shape: []int64{1}, Data: filled(1)}, "mean", &recorder{failAt: 1})
	assert.Error(t, err)
}

func TestMultiSink(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	_, err := Convert(scenarioNet(), MultiSink(a, b), DefaultOptions())
	require.NoError(t, err)
	assert.Len(t, a.records, 1)
	assert.Equal(t, a.records, b.records)
}
