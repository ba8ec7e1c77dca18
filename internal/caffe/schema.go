package caffe

import (
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"
)

// The subset of caffe.proto the converter reads. Field numbers match upstream Caffe
// (and NVCaffe for the raw_data fields), so files written by Caffe decode directly.
// Everything not declared here is discarded while decoding.
var (
	schema = buildSchema()

	netParameterType   = messageType("NetParameter")
	layerParameterType = messageType("LayerParameter")
	blobProtoType      = messageType("BlobProto")
)

type fieldType = descriptorpb.FieldDescriptorProto_Type

const (
	tString  = descriptorpb.FieldDescriptorProto_TYPE_STRING
	tBytes   = descriptorpb.FieldDescriptorProto_TYPE_BYTES
	tBool    = descriptorpb.FieldDescriptorProto_TYPE_BOOL
	tInt32   = descriptorpb.FieldDescriptorProto_TYPE_INT32
	tInt64   = descriptorpb.FieldDescriptorProto_TYPE_INT64
	tUint32  = descriptorpb.FieldDescriptorProto_TYPE_UINT32
	tFloat   = descriptorpb.FieldDescriptorProto_TYPE_FLOAT
	tDouble  = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
	tEnum    = descriptorpb.FieldDescriptorProto_TYPE_ENUM
	tMessage = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE
)

type fieldOption func(*descriptorpb.FieldDescriptorProto)

func withDefault(v string) fieldOption {
	return func(f *descriptorpb.FieldDescriptorProto) { f.DefaultValue = proto.String(v) }
}

func packed() fieldOption {
	return func(f *descriptorpb.FieldDescriptorProto) {
		f.Options = &descriptorpb.FieldOptions{Packed: proto.Bool(true)}
	}
}

func typed(name string) fieldOption {
	return func(f *descriptorpb.FieldDescriptorProto) { f.TypeName = proto.String(".caffe." + name) }
}

func field(label descriptorpb.FieldDescriptorProto_Label, name string, number int32, typ fieldType, opts ...fieldOption) *descriptorpb.FieldDescriptorProto {
	f := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(name),
		Number: proto.Int32(number),
		Label:  label.Enum(),
		Type:   typ.Enum(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

func optional(name string, number int32, typ fieldType, opts ...fieldOption) *descriptorpb.FieldDescriptorProto {
	return field(descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL, name, number, typ, opts...)
}

func repeated(name string, number int32, typ fieldType, opts ...fieldOption) *descriptorpb.FieldDescriptorProto {
	return field(descriptorpb.FieldDescriptorProto_LABEL_REPEATED, name, number, typ, opts...)
}

func enum(name string, values ...string) *descriptorpb.EnumDescriptorProto {
	e := &descriptorpb.EnumDescriptorProto{Name: proto.String(name)}
	for i, v := range values {
		e.Value = append(e.Value, &descriptorpb.EnumValueDescriptorProto{
			Name:   proto.String(v),
			Number: proto.Int32(int32(i)),
		})
	}
	return e
}

func message(name string, fields ...*descriptorpb.FieldDescriptorProto) *descriptorpb.DescriptorProto {
	return &descriptorpb.DescriptorProto{Name: proto.String(name), Field: fields}
}

func schemaProto() *descriptorpb.FileDescriptorProto {
	pooling := message("PoolingParameter",
		optional("pool", 1, tEnum, typed("PoolingParameter.PoolMethod"), withDefault("MAX")),
		optional("pad", 4, tUint32, withDefault("0")),
		optional("pad_h", 9, tUint32, withDefault("0")),
		optional("pad_w", 10, tUint32, withDefault("0")),
		optional("kernel_size", 2, tUint32),
		optional("kernel_h", 5, tUint32),
		optional("kernel_w", 6, tUint32),
		optional("stride", 3, tUint32, withDefault("1")),
		optional("stride_h", 7, tUint32),
		optional("stride_w", 8, tUint32),
		optional("global_pooling", 12, tBool, withDefault("false")),
	)
	pooling.EnumType = []*descriptorpb.EnumDescriptorProto{enum("PoolMethod", "MAX", "AVE", "STOCHASTIC")}

	return &descriptorpb.FileDescriptorProto{
		Name:    proto.String("caffe.proto"),
		Package: proto.String("caffe"),
		Syntax:  proto.String("proto2"),
		EnumType: []*descriptorpb.EnumDescriptorProto{
			enum("Phase", "TRAIN", "TEST"),
			enum("Type", "DOUBLE", "FLOAT", "FLOAT16", "INT", "UINT"),
		},
		MessageType: []*descriptorpb.DescriptorProto{
			message("BlobShape",
				repeated("dim", 1, tInt64, packed()),
			),
			message("BlobProto",
				optional("shape", 7, tMessage, typed("BlobShape")),
				repeated("data", 5, tFloat, packed()),
				repeated("double_data", 8, tDouble, packed()),
				optional("raw_data_type", 10, tEnum, typed("Type")),
				optional("raw_data", 12, tBytes),
				optional("num", 1, tInt32, withDefault("0")),
				optional("channels", 2, tInt32, withDefault("0")),
				optional("height", 3, tInt32, withDefault("0")),
				optional("width", 4, tInt32, withDefault("0")),
			),
			message("NetStateRule",
				optional("phase", 1, tEnum, typed("Phase")),
			),
			message("ConvolutionParameter",
				optional("num_output", 1, tUint32),
				optional("bias_term", 2, tBool, withDefault("true")),
				repeated("pad", 3, tUint32),
				repeated("kernel_size", 4, tUint32),
				repeated("stride", 6, tUint32),
				optional("pad_h", 9, tUint32, withDefault("0")),
				optional("pad_w", 10, tUint32, withDefault("0")),
				optional("kernel_h", 11, tUint32),
				optional("kernel_w", 12, tUint32),
				optional("stride_h", 13, tUint32),
				optional("stride_w", 14, tUint32),
				optional("group", 5, tUint32, withDefault("1")),
			),
			pooling,
			message("InnerProductParameter",
				optional("num_output", 1, tUint32),
				optional("bias_term", 2, tBool, withDefault("true")),
			),
			message("DropoutParameter",
				optional("dropout_ratio", 1, tFloat, withDefault("0.5")),
			),
			message("LRNParameter",
				optional("local_size", 1, tUint32, withDefault("5")),
				optional("alpha", 2, tFloat, withDefault("1")),
				optional("beta", 3, tFloat, withDefault("0.75")),
				optional("k", 5, tFloat, withDefault("1")),
			),
			message("InputParameter",
				repeated("shape", 1, tMessage, typed("BlobShape")),
			),
			message("LayerParameter",
				optional("name", 1, tString),
				optional("type", 2, tString),
				repeated("bottom", 3, tString),
				repeated("top", 4, tString),
				optional("phase", 10, tEnum, typed("Phase")),
				repeated("blobs", 7, tMessage, typed("BlobProto")),
				repeated("include", 8, tMessage, typed("NetStateRule")),
				repeated("exclude", 9, tMessage, typed("NetStateRule")),
				optional("convolution_param", 106, tMessage, typed("ConvolutionParameter")),
				optional("dropout_param", 108, tMessage, typed("DropoutParameter")),
				optional("inner_product_param", 117, tMessage, typed("InnerProductParameter")),
				optional("lrn_param", 118, tMessage, typed("LRNParameter")),
				optional("pooling_param", 121, tMessage, typed("PoolingParameter")),
				optional("input_param", 143, tMessage, typed("InputParameter")),
			),
			message("NetParameter",
				optional("name", 1, tString),
				repeated("input", 3, tString),
				repeated("input_shape", 8, tMessage, typed("BlobShape")),
				repeated("input_dim", 4, tInt32),
				repeated("layer", 100, tMessage, typed("LayerParameter")),
			),
		},
	}
}

func buildSchema() protoreflect.FileDescriptor {
	fd, err := protodesc.NewFile(schemaProto(), new(protoregistry.Files))
	if err != nil {
		panic("caffe: invalid embedded schema: " + err.Error())
	}
	return fd
}

func messageType(name protoreflect.Name) protoreflect.MessageType {
	md := schema.Messages().ByName(name)
	if md == nil {
		panic("caffe: schema has no message " + string(name))
	}
	return dynamicpb.NewMessageType(md)
}
