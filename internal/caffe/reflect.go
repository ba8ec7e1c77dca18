package caffe

import (
	"google.golang.org/protobuf/reflect/protoreflect"
)

// Accessors over dynamic messages. Unset scalars read as their schema defaults and
// unset messages as empty read-only views, so decoding never checks presence unless
// the distinction matters.

func fieldOf(m protoreflect.Message, name protoreflect.Name) protoreflect.FieldDescriptor {
	fd := m.Descriptor().Fields().ByName(name)
	if fd == nil {
		panic("caffe: " + string(m.Descriptor().FullName()) + " has no field " + string(name))
	}
	return fd
}

func has(m protoreflect.Message, name protoreflect.Name) bool {
	return m.Has(fieldOf(m, name))
}

func getString(m protoreflect.Message, name protoreflect.Name) string {
	return m.Get(fieldOf(m, name)).String()
}

func getBool(m protoreflect.Message, name protoreflect.Name) bool {
	return m.Get(fieldOf(m, name)).Bool()
}

func getUint32(m protoreflect.Message, name protoreflect.Name) uint32 {
	return uint32(m.Get(fieldOf(m, name)).Uint())
}

func getInt32(m protoreflect.Message, name protoreflect.Name) int32 {
	return int32(m.Get(fieldOf(m, name)).Int())
}

func getFloat(m protoreflect.Message, name protoreflect.Name) float32 {
	return float32(m.Get(fieldOf(m, name)).Float())
}

func getEnum(m protoreflect.Message, name protoreflect.Name) protoreflect.EnumNumber {
	return m.Get(fieldOf(m, name)).Enum()
}

func getBytes(m protoreflect.Message, name protoreflect.Name) []byte {
	return m.Get(fieldOf(m, name)).Bytes()
}

func getMessage(m protoreflect.Message, name protoreflect.Name) protoreflect.Message {
	return m.Get(fieldOf(m, name)).Message()
}

func getList(m protoreflect.Message, name protoreflect.Name) protoreflect.List {
	return m.Get(fieldOf(m, name)).List()
}

func getStrings(m protoreflect.Message, name protoreflect.Name) []string {
	l := getList(m, name)
	if l.Len() == 0 {
		return nil
	}
	out := make([]string, l.Len())
	for i := range out {
		out[i] = l.Get(i).String()
	}
	return out
}

func getUint32s(m protoreflect.Message, name protoreflect.Name) []uint32 {
	l := getList(m, name)
	if l.Len() == 0 {
		return nil
	}
	out := make([]uint32, l.Len())
	for i := range out {
		out[i] = uint32(l.Get(i).Uint())
	}
	return out
}

func getInt64s(m protoreflect.Message, name protoreflect.Name) []int64 {
	l := getList(m, name)
	if l.Len() == 0 {
		return nil
	}
	out := make([]int64, l.Len())
	for i := range out {
		out[i] = l.Get(i).Int()
	}
	return out
}

func messages(m protoreflect.Message, name protoreflect.Name) []protoreflect.Message {
	l := getList(m, name)
	out := make([]protoreflect.Message, l.Len())
	for i := range out {
		out[i] = l.Get(i).Message()
	}
	return out
}

// Setters used by the encoders.

func set(m protoreflect.Message, name protoreflect.Name, v protoreflect.Value) {
	m.Set(fieldOf(m, name), v)
}

func setString(m protoreflect.Message, name protoreflect.Name, v string) {
	if v != "" {
		set(m, name, protoreflect.ValueOfString(v))
	}
}

func appendValue(m protoreflect.Message, name protoreflect.Name, v protoreflect.Value) {
	m.Mutable(fieldOf(m, name)).List().Append(v)
}

func appendMessage(m protoreflect.Message, name protoreflect.Name) protoreflect.Message {
	l := m.Mutable(fieldOf(m, name)).List()
	elem := l.NewElement()
	l.Append(elem)
	return elem.Message()
}

func mutableMessage(m protoreflect.Message, name protoreflect.Name) protoreflect.Message {
	return m.Mutable(fieldOf(m, name)).Message()
}
