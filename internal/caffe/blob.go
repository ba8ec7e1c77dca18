package caffe

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
	"github.com/x448/float16"
	"google.golang.org/protobuf/reflect/protoreflect"
)

// DataType is the element type of a blob's raw_data (NVCaffe's Type enum).
type DataType int32

const (
	TypeDouble  DataType = 0
	TypeFloat   DataType = 1
	TypeFloat16 DataType = 2
	TypeInt     DataType = 3
	TypeUint    DataType = 4
)

func (t DataType) String() string {
	switch t {
	case TypeDouble:
		return "DOUBLE"
	case TypeFloat:
		return "FLOAT"
	case TypeFloat16:
		return "FLOAT16"
	case TypeInt:
		return "INT"
	case TypeUint:
		return "UINT"
	}
	return "UNKNOWN"
}

// decodeBlob reads the shape and the first populated data field of a BlobProto:
// data, then double_data, then raw_data.
func decodeBlob(m protoreflect.Message) (*Blob, error) {
	b := &Blob{
		Num:      getInt32(m, "num"),
		Channels: getInt32(m, "channels"),
		Height:   getInt32(m, "height"),
		Width:    getInt32(m, "width"),
	}
	if has(m, "shape") {
		b.Shape = getInt64s(getMessage(m, "shape"), "dim")
	}

	if data := getList(m, "data"); data.Len() > 0 {
		b.Data = make([]float32, data.Len())
		for i := range b.Data {
			b.Data[i] = float32(data.Get(i).Float())
		}
		return b, nil
	}
	if data := getList(m, "double_data"); data.Len() > 0 {
		b.Data = make([]float32, data.Len())
		for i := range b.Data {
			b.Data[i] = float32(data.Get(i).Float())
		}
		return b, nil
	}
	if has(m, "raw_data") {
		var err error
		b.Data, err = decodeRaw(DataType(getEnum(m, "raw_data_type")), getBytes(m, "raw_data"))
		if err != nil {
			return nil, err
		}
	}
	return b, nil
}

// decodeRaw converts little-endian raw_data bytes to float32.
func decodeRaw(typ DataType, raw []byte) ([]float32, error) {
	var size int
	switch typ {
	case TypeFloat16:
		size = 2
	case TypeFloat:
		size = 4
	case TypeDouble:
		size = 8
	default:
		return nil, errors.Errorf("raw blob data of type %s is not supported", typ)
	}
	if len(raw)%size != 0 {
		return nil, errors.Errorf("raw blob data of type %s has %d bytes, not a multiple of %d", typ, len(raw), size)
	}
	out := make([]float32, len(raw)/size)
	for i := range out {
		chunk := raw[i*size : (i+1)*size]
		switch typ {
		case TypeFloat16:
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(chunk)).Float32()
		case TypeFloat:
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(chunk))
		case TypeDouble:
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(chunk)))
		}
	}
	return out, nil
}
