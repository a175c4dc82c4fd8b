package protos

import (
	"math"

	"google.golang.org/protobuf/encoding/protowire"
)

// Append-side of the codec. Scalar fields follow proto3 presence rules (zero
// values are skipped), except DimensionProto.Value which is emitted whenever
// HasValue is set, since dim_value lives in a oneof and zero is meaningful.

func appendStringField(b []byte, num protowire.Number, v string) []byte {
	if v == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, v)
}

func appendBytesField(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendVarintField(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(v))
}

func appendMessageField(b []byte, num protowire.Number, body []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

func appendPackedInt64s(b []byte, num protowire.Number, values []int64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(v))
	}
	return appendMessageField(b, num, packed)
}

func appendPackedUint64s(b []byte, num protowire.Number, values []uint64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, v)
	}
	return appendMessageField(b, num, packed)
}

func appendPackedInt32s(b []byte, num protowire.Number, values []int32) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendVarint(packed, uint64(int64(v)))
	}
	return appendMessageField(b, num, packed)
}

func appendPackedFloat32s(b []byte, num protowire.Number, values []float32) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	return appendMessageField(b, num, packed)
}

func appendPackedFloat64s(b []byte, num protowire.Number, values []float64) []byte {
	if len(values) == 0 {
		return b
	}
	var packed []byte
	for _, v := range values {
		packed = protowire.AppendFixed64(packed, math.Float64bits(v))
	}
	return appendMessageField(b, num, packed)
}

func appendModel(b []byte, m *ModelProto) []byte {
	b = appendVarintField(b, 1, m.IrVersion)
	b = appendStringField(b, 2, m.ProducerName)
	b = appendStringField(b, 3, m.ProducerVersion)
	b = appendStringField(b, 4, m.Domain)
	b = appendVarintField(b, 5, m.ModelVersion)
	b = appendStringField(b, 6, m.DocString)
	if m.Graph != nil {
		b = appendMessageField(b, 7, appendGraph(nil, m.Graph))
	}
	for _, opset := range m.OpsetImport {
		b = appendMessageField(b, 8, appendOperatorSetID(nil, opset))
	}
	for _, entry := range m.MetadataProps {
		b = appendMessageField(b, 14, appendStringStringEntry(nil, entry))
	}
	return append(b, m.unknown...)
}

func appendGraph(b []byte, g *GraphProto) []byte {
	for _, node := range g.Node {
		b = appendMessageField(b, 1, appendNode(nil, node))
	}
	b = appendStringField(b, 2, g.Name)
	for _, tensor := range g.Initializer {
		b = appendMessageField(b, 5, appendTensor(nil, tensor))
	}
	b = appendStringField(b, 10, g.DocString)
	for _, vi := range g.Input {
		b = appendMessageField(b, 11, appendValueInfo(nil, vi))
	}
	for _, vi := range g.Output {
		b = appendMessageField(b, 12, appendValueInfo(nil, vi))
	}
	for _, vi := range g.ValueInfo {
		b = appendMessageField(b, 13, appendValueInfo(nil, vi))
	}
	return append(b, g.unknown...)
}

func appendNode(b []byte, node *NodeProto) []byte {
	for _, name := range node.Input {
		// Empty strings mark unused optional inputs and must be kept.
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	for _, name := range node.Output {
		b = protowire.AppendTag(b, 2, protowire.BytesType)
		b = protowire.AppendString(b, name)
	}
	b = appendStringField(b, 3, node.Name)
	b = appendStringField(b, 4, node.OpType)
	for _, attr := range node.Attribute {
		b = appendMessageField(b, 5, appendAttribute(nil, attr))
	}
	b = appendStringField(b, 6, node.DocString)
	b = appendStringField(b, 7, node.Domain)
	return append(b, node.unknown...)
}

func appendAttribute(b []byte, attr *AttributeProto) []byte {
	b = appendStringField(b, 1, attr.Name)
	if attr.Type == AttrFloat || attr.F != 0 {
		b = protowire.AppendTag(b, 2, protowire.Fixed32Type)
		b = protowire.AppendFixed32(b, math.Float32bits(attr.F))
	}
	if attr.Type == AttrInt || attr.I != 0 {
		b = protowire.AppendTag(b, 3, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(attr.I))
	}
	if attr.Type == AttrString || len(attr.S) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, attr.S)
	}
	if attr.T != nil {
		b = appendMessageField(b, 5, appendTensor(nil, attr.T))
	}
	if attr.G != nil {
		b = appendMessageField(b, 6, appendGraph(nil, attr.G))
	}
	b = appendPackedFloat32s(b, 7, attr.Floats)
	b = appendPackedInt64s(b, 8, attr.Ints)
	for _, s := range attr.Strings {
		b = appendMessageField(b, 9, s)
	}
	for _, tensor := range attr.Tensors {
		b = appendMessageField(b, 10, appendTensor(nil, tensor))
	}
	for _, graph := range attr.Graphs {
		b = appendMessageField(b, 11, appendGraph(nil, graph))
	}
	b = appendStringField(b, 13, attr.DocString)
	b = appendVarintField(b, 20, int64(attr.Type))
	b = appendStringField(b, 21, attr.RefAttrName)
	return append(b, attr.unknown...)
}

func appendTensor(b []byte, t *TensorProto) []byte {
	b = appendPackedInt64s(b, 1, t.Dims)
	b = appendVarintField(b, 2, int64(t.DataType))
	b = appendPackedFloat32s(b, 4, t.FloatData)
	b = appendPackedInt32s(b, 5, t.Int32Data)
	for _, s := range t.StringData {
		b = appendMessageField(b, 6, s)
	}
	b = appendPackedInt64s(b, 7, t.Int64Data)
	b = appendStringField(b, 8, t.Name)
	b = appendBytesField(b, 9, t.RawData)
	b = appendPackedFloat64s(b, 10, t.DoubleData)
	b = appendPackedUint64s(b, 11, t.Uint64Data)
	b = appendStringField(b, 12, t.DocString)
	return append(b, t.unknown...)
}

func appendValueInfo(b []byte, vi *ValueInfoProto) []byte {
	b = appendStringField(b, 1, vi.Name)
	if vi.Type != nil {
		b = appendMessageField(b, 2, appendType(nil, vi.Type))
	}
	b = appendStringField(b, 3, vi.DocString)
	return append(b, vi.unknown...)
}

func appendType(b []byte, tp *TypeProto) []byte {
	if tp.TensorType != nil {
		b = appendMessageField(b, 1, appendTensorType(nil, tp.TensorType))
	}
	b = appendStringField(b, 6, tp.Denotation)
	return append(b, tp.unknown...)
}

func appendTensorType(b []byte, tt *TensorTypeProto) []byte {
	b = appendVarintField(b, 1, int64(tt.ElemType))
	if tt.Shape != nil {
		b = appendMessageField(b, 2, appendShape(nil, tt.Shape))
	}
	return append(b, tt.unknown...)
}

func appendShape(b []byte, s *TensorShapeProto) []byte {
	for _, dim := range s.Dim {
		b = appendMessageField(b, 1, appendDimension(nil, dim))
	}
	return append(b, s.unknown...)
}

func appendDimension(b []byte, d *DimensionProto) []byte {
	if d.HasValue {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(d.Value))
	} else if d.Param != "" {
		b = appendStringField(b, 2, d.Param)
	}
	b = appendStringField(b, 3, d.Denotation)
	return b
}

func appendOperatorSetID(b []byte, o *OperatorSetID) []byte {
	b = appendStringField(b, 1, o.Domain)
	b = appendVarintField(b, 2, o.Version)
	return append(b, o.unknown...)
}

func appendStringStringEntry(b []byte, e *StringStringEntry) []byte {
	b = appendStringField(b, 1, e.Key)
	b = appendStringField(b, 2, e.Value)
	return append(b, e.unknown...)
}
