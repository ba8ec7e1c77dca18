package cnparam

import (
	"bytes"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func filledTensor(t *testing.T, count, width, height, channels uint64) *Tensor {
	t.Helper()
	tensor, err := NewTensor(count, width, height, channels)
	require.NoError(t, err)
	for i := range tensor.Data {
		tensor.Data[i] = float32(i)*0.25 - 3
	}
	return tensor
}

func encode(t *testing.T, records ...*Record) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)
	for _, r := range records {
		require.NoError(t, w.WriteRecord(r))
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		records []*Record
	}{
		{name: "empty container"},
		{
			name: "weights and bias",
			records: []*Record{{
				Name:    "conv1",
				Tensors: []*Tensor{filledTensor(t, 64, 3, 3, 1), filledTensor(t, 64, 1, 1, 1)},
			}},
		},
		{
			name: "several records",
			records: []*Record{
				{Name: "mean", Tensors: []*Tensor{filledTensor(t, 1, 5, 5, 1)}},
				{Name: "fc8", Tensors: []*Tensor{filledTensor(t, 10, 1, 1, 4096), filledTensor(t, 10, 1, 1, 1)}},
				{Name: "", Tensors: []*Tensor{filledTensor(t, 0, 1, 1, 1)}},
			},
		},
		{
			name: "special values",
			records: []*Record{{
				Name: "odd",
				Tensors: []*Tensor{{
					Count: 1, Width: 4, Height: 1, Channels: 1,
					Data: []float32{float32(math.Inf(1)), -0, math.MaxFloat32, math.SmallestNonzeroFloat32},
				}},
			}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := encode(t, tt.records...)
			r, err := NewReader(bytes.NewReader(data))
			require.NoError(t, err)
			got, err := r.ReadAll()
			require.NoError(t, err)
			require.Len(t, got, len(tt.records))
			for i, want := range tt.records {
				assert.Equal(t, want.Name, got[i].Name)
				require.Len(t, got[i].Tensors, len(want.Tensors))
				for j, wt := range want.Tensors {
					gt := got[i].Tensors[j]
					assert.Equal(t, [4]uint64{wt.Count, wt.Width, wt.Height, wt.Channels},
						[4]uint64{gt.Count, gt.Width, gt.Height, gt.Channels})
					assert.Equal(t, wt.Data, gt.Data)
				}
			}
			assert.Equal(t, int64(len(data)), r.Offset())
		})
	}
}

func TestMeanImageLayout(t *testing.T) {
	mean := filledTensor(t, 1, 1, 5, 5)
	data := encode(t, &Record{Name: "mean", Tensors: []*Tensor{mean}})

	require.Len(t, data, 8+4+4+len("mean")+4*8+25*4)
	assert.Equal(t, Magic, binary.LittleEndian.Uint64(data[0:8]))
	assert.Equal(t, uint32(4), binary.LittleEndian.Uint32(data[8:12]))
	assert.Equal(t, uint32(1), binary.LittleEndian.Uint32(data[12:16]))
	assert.Equal(t, "mean", string(data[16:20]))
	for i, want := range []uint64{1, 1, 5, 5} {
		assert.Equal(t, want, binary.LittleEndian.Uint64(data[20+8*i:]))
	}
	assert.Equal(t, mean.Data[24], math.Float32frombits(binary.LittleEndian.Uint32(data[len(data)-4:])))
}

func TestRecordConsumesExactBytes(t *testing.T) {
	rec := &Record{Name: "conv1", Tensors: []*Tensor{filledTensor(t, 2, 3, 3, 1), filledTensor(t, 2, 1, 1, 1)}}
	next := &Record{Name: "next", Tensors: []*Tensor{filledTensor(t, 1, 1, 1, 1)}}
	data := encode(t, rec, next)

	r, err := NewReader(bytes.NewReader(data))
	require.NoError(t, err)
	_, err = r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, int64(8+4+4+5+(32+18*4)+(32+2*4)), r.Offset())
	assert.Equal(t, 8+rec.EncodedSize(), r.Offset())

	got, err := r.ReadRecord()
	require.NoError(t, err)
	assert.Equal(t, "next", got.Name)
	_, err = r.ReadRecord()
	assert.ErrorIs(t, err, io.EOF)
}

func TestReaderErrors(t *testing.T) {
	valid := encode(t, &Record{Name: "conv1", Tensors: []*Tensor{filledTensor(t, 2, 2, 2, 2), filledTensor(t, 2, 1, 1, 1)}})

	t.Run("bad magic", func(t *testing.T) {
		bad := append([]byte{}, valid...)
		bad[0] ^= 0xFF
		_, err := NewReader(bytes.NewReader(bad))
		assert.ErrorIs(t, err, ErrInvalidMagic)
	})
	t.Run("too short for magic", func(t *testing.T) {
		_, err := NewReader(bytes.NewReader(valid[:3]))
		assert.ErrorIs(t, err, ErrInvalidMagic)
	})
	t.Run("truncated tensor", func(t *testing.T) {
		r, err := NewReader(bytes.NewReader(valid[:len(valid)-2]))
		require.NoError(t, err)
		_, err = r.ReadRecord()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
	t.Run("truncated header", func(t *testing.T) {
		r, err := NewReader(bytes.NewReader(valid[:10]))
		require.NoError(t, err)
		_, err = r.ReadRecord()
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})
	t.Run("zero tensors", func(t *testing.T) {
		bad := append([]byte{}, valid...)
		binary.LittleEndian.PutUint32(bad[12:], 0)
		r, err := NewReader(bytes.NewReader(bad))
		require.NoError(t, err)
		_, err = r.ReadRecord()
		assert.ErrorIs(t, err, ErrInvalidRecord)
	})
	t.Run("overflowing extents", func(t *testing.T) {
		bad := append([]byte{}, valid...)
		binary.LittleEndian.PutUint64(bad[8+8+5:], math.MaxUint64)
		r, err := NewReader(bytes.NewReader(bad))
		require.NoError(t, err)
		_, err = r.ReadRecord()
		assert.ErrorIs(t, err, ErrShapeMismatch)
	})
}

func TestWriterValidation(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf)
	require.NoError(t, err)

	err = w.WriteRecord(&Record{Name: "none"})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	three := filledTensor(t, 1, 1, 1, 1)
	tooMany := make([]*Tensor, MaxTensorsPerRecord+1)
	for i := range tooMany {
		tooMany[i] = three
	}
	err = w.WriteRecord(&Record{Name: "many", Tensors: tooMany})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	err = w.WriteRecord(&Record{Name: "nil", Tensors: []*Tensor{nil}})
	assert.ErrorIs(t, err, ErrInvalidRecord)

	err = w.WriteRecord(&Record{Name: "short", Tensors: []*Tensor{{Count: 2, Width: 2, Height: 1, Channels: 1, Data: []float32{1}}}})
	assert.ErrorIs(t, err, ErrShapeMismatch)

	require.NoError(t, w.Close())
	assert.Equal(t, 0, w.Records())
	assert.Equal(t, int64(8), w.Size())
	assert.Len(t, buf.Bytes(), 8)

	err = w.WriteRecord(&Record{Name: "late", Tensors: []*Tensor{three}})
	assert.True(t, errors.Is(err, ErrClosed))
	assert.NoError(t, w.Close())
}

func TestWriteAndReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.CNParam")
	records := []*Record{
		{Name: "conv1", Tensors: []*Tensor{filledTensor(t, 4, 3, 3, 2), filledTensor(t, 4, 1, 1, 1)}},
		{Name: "fc", Tensors: []*Tensor{filledTensor(t, 3, 1, 1, 8), filledTensor(t, 3, 1, 1, 1)}},
	}
	require.NoError(t, WriteFile(path, records))

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "fc", got[1].Name)
	assert.Equal(t, records[1].Tensors[0].Data, got[1].Tensors[0].Data)

	_, err = ReadFile(filepath.Join(t.TempDir(), "missing.CNParam"))
	assert.Error(t, err)
}

func TestReaderAcceptedRecordsAreWritable(t *testing.T) {
	records := []*Record{
		{Name: "triple", Tensors: []*Tensor{filledTensor(t, 1, 2, 1, 1), filledTensor(t, 1, 1, 1, 1), filledTensor(t, 3, 1, 1, 1)}},
		{Name: strings.Repeat("n", 10000), Tensors: []*Tensor{filledTensor(t, 1, 1, 1, 1)}},
	}
	r, err := NewReader(bytes.NewReader(encode(t, records...)))
	require.NoError(t, err)
	got, err := r.ReadAll()
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Len(t, got[0].Tensors, 3)
	assert.Equal(t, records[1].Name, got[1].Name)
	for _, rec := range got {
		assert.NoError(t, rec.Validate())
	}
}

func TestWriteFileReplacesInPlace(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.CNParam")
	require.NoError(t, WriteFile(path, []*Record{
		{Name: "x", Tensors: []*Tensor{filledTensor(t, 1, 1, 1, 2), filledTensor(t, 1, 1, 1, 1), filledTensor(t, 1, 1, 1, 1)}},
	}))

	records, err := ReadFile(path)
	require.NoError(t, err)
	records[0].Name = "renamed"
	require.NoError(t, WriteFile(path, records))

	got, err := ReadFile(path)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "renamed", got[0].Name)
	assert.Len(t, got[0].Tensors, 3)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temporary file left behind")
}

func TestWriteFileRejectsBeforeWriting(t *testing.T) {
	path := filepath.Join(t.TempDir(), "net.CNParam")
	good := []*Record{{Name: "conv1", Tensors: []*Tensor{filledTensor(t, 2, 1, 1, 1)}}}
	require.NoError(t, WriteFile(path, good))
	before, err := os.ReadFile(path)
	require.NoError(t, err)

	bad := append(good, &Record{Name: "short", Tensors: []*Tensor{{Count: 4, Width: 1, Height: 1, Channels: 1, Data: []float32{1}}}})
	assert.ErrorIs(t, WriteFile(path, bad), ErrShapeMismatch)

	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, before, after)
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestTruncatedLargeTensorAllocatesLittle(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, Magic))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, [2]uint32{1, 1}))
	buf.WriteString("a")
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, [4]uint64{1, 1, 1, 1 << 27}))
	buf.Write([]byte{0, 0, 0, 0})

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	var before, after runtime.MemStats
	runtime.ReadMemStats(&before)
	_, err = r.ReadRecord()
	runtime.ReadMemStats(&after)

	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.Less(t, after.TotalAlloc-before.TotalAlloc, uint64(16<<20))
}

func TestTruncatedName(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, Magic))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, [2]uint32{math.MaxUint32, 1}))
	buf.WriteString("abc")

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	_, err = r.ReadRecord()
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}
