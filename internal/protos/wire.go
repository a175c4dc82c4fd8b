package protos

import (
	"math"

	"github.com/pkg/errors"
	"google.golang.org/protobuf/encoding/protowire"
)

// This file implements marshal/unmarshal for the modeled subset of
// onnx.proto. Field numbers follow the upstream schema. Fields this package
// does not model are consumed with ConsumeFieldValue and stashed verbatim in
// the per-message unknown buffer, which is appended back on marshal.

// Unmarshal decodes a serialized ONNX ModelProto.
func Unmarshal(data []byte, m *ModelProto) error {
	return unmarshalModel(data, m)
}

// Marshal encodes a ModelProto back to the ONNX wire format.
func Marshal(m *ModelProto) ([]byte, error) {
	if m == nil {
		return nil, errors.New("cannot marshal a nil ModelProto")
	}
	return appendModel(nil, m), nil
}

func parseError(n int) error {
	return errors.WithStack(protowire.ParseError(n))
}

// fieldScanner walks the fields of one message, dispatching each to a
// callback and collecting unhandled fields into unknown.
func scanFields(data []byte, field func(num protowire.Number, typ protowire.Type, payload []byte) (handled bool, n int, err error), unknown *[]byte) error {
	for len(data) > 0 {
		num, typ, tagLen := protowire.ConsumeTag(data)
		if tagLen < 0 {
			return parseError(tagLen)
		}
		body := data[tagLen:]
		handled, n, err := field(num, typ, body)
		if err != nil {
			return err
		}
		if !handled {
			n = protowire.ConsumeFieldValue(num, typ, body)
			if n < 0 {
				return parseError(n)
			}
			*unknown = protowire.AppendTag(*unknown, num, typ)
			*unknown = append(*unknown, body[:n]...)
		}
		data = body[n:]
	}
	return nil
}

func consumeString(data []byte) (string, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return "", 0, parseError(n)
	}
	return string(v), n, nil
}

func consumeBytesCopy(data []byte) ([]byte, int, error) {
	v, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return nil, 0, parseError(n)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, n, nil
}

func consumeVarint(data []byte) (uint64, int, error) {
	v, n := protowire.ConsumeVarint(data)
	if n < 0 {
		return 0, 0, parseError(n)
	}
	return v, n, nil
}

// consumeInt64s decodes one occurrence of a repeated int64 field, which may
// arrive packed (length-delimited) or as a single varint.
func consumeInt64s(dst []int64, typ protowire.Type, data []byte) ([]int64, int, error) {
	if typ == protowire.VarintType {
		v, n, err := consumeVarint(data)
		if err != nil {
			return dst, 0, err
		}
		return append(dst, int64(v)), n, nil
	}
	packed, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return dst, 0, parseError(n)
	}
	for len(packed) > 0 {
		v, vn := protowire.ConsumeVarint(packed)
		if vn < 0 {
			return dst, 0, parseError(vn)
		}
		dst = append(dst, int64(v))
		packed = packed[vn:]
	}
	return dst, n, nil
}

func consumeUint64s(dst []uint64, typ protowire.Type, data []byte) ([]uint64, int, error) {
	signed, n, err := consumeInt64s(nil, typ, data)
	if err != nil {
		return dst, 0, err
	}
	for _, v := range signed {
		dst = append(dst, uint64(v))
	}
	return dst, n, nil
}

func consumeInt32s(dst []int32, typ protowire.Type, data []byte) ([]int32, int, error) {
	wide, n, err := consumeInt64s(nil, typ, data)
	if err != nil {
		return dst, 0, err
	}
	for _, v := range wide {
		dst = append(dst, int32(v))
	}
	return dst, n, nil
}

// consumeFloat32s decodes one occurrence of a repeated float field (packed
// fixed32 or a single fixed32).
func consumeFloat32s(dst []float32, typ protowire.Type, data []byte) ([]float32, int, error) {
	if typ == protowire.Fixed32Type {
		v, n := protowire.ConsumeFixed32(data)
		if n < 0 {
			return dst, 0, parseError(n)
		}
		return append(dst, math.Float32frombits(v)), n, nil
	}
	packed, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return dst, 0, parseError(n)
	}
	for len(packed) > 0 {
		v, vn := protowire.ConsumeFixed32(packed)
		if vn < 0 {
			return dst, 0, parseError(vn)
		}
		dst = append(dst, math.Float32frombits(v))
		packed = packed[vn:]
	}
	return dst, n, nil
}

func consumeFloat64s(dst []float64, typ protowire.Type, data []byte) ([]float64, int, error) {
	if typ == protowire.Fixed64Type {
		v, n := protowire.ConsumeFixed64(data)
		if n < 0 {
			return dst, 0, parseError(n)
		}
		return append(dst, math.Float64frombits(v)), n, nil
	}
	packed, n := protowire.ConsumeBytes(data)
	if n < 0 {
		return dst, 0, parseError(n)
	}
	for len(packed) > 0 {
		v, vn := protowire.ConsumeFixed64(packed)
		if vn < 0 {
			return dst, 0, parseError(vn)
		}
		dst = append(dst, math.Float64frombits(v))
		packed = packed[vn:]
	}
	return dst, n, nil
}

func unmarshalModel(data []byte, m *ModelProto) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(body)
			m.IrVersion = int64(v)
			return true, n, err
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			m.ProducerName = v
			return true, n, err
		case num == 3 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			m.ProducerVersion = v
			return true, n, err
		case num == 4 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			m.Domain = v
			return true, n, err
		case num == 5 && typ == protowire.VarintType:
			v, n, err := consumeVarint(body)
			m.ModelVersion = int64(v)
			return true, n, err
		case num == 6 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			m.DocString = v
			return true, n, err
		case num == 7 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			m.Graph = &GraphProto{}
			return true, n, unmarshalGraph(raw, m.Graph)
		case num == 8 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			opset := &OperatorSetID{}
			if err := unmarshalOperatorSetID(raw, opset); err != nil {
				return true, 0, err
			}
			m.OpsetImport = append(m.OpsetImport, opset)
			return true, n, nil
		case num == 14 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			entry := &StringStringEntry{}
			if err := unmarshalStringStringEntry(raw, entry); err != nil {
				return true, 0, err
			}
			m.MetadataProps = append(m.MetadataProps, entry)
			return true, n, nil
		}
		return false, 0, nil
	}, &m.unknown)
}

func unmarshalGraph(data []byte, g *GraphProto) error {
	valueInfo := func(body []byte, dst *[]*ValueInfoProto) (int, error) {
		raw, n := protowire.ConsumeBytes(body)
		if n < 0 {
			return 0, parseError(n)
		}
		vi := &ValueInfoProto{}
		if err := unmarshalValueInfo(raw, vi); err != nil {
			return 0, err
		}
		*dst = append(*dst, vi)
		return n, nil
	}
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			node := &NodeProto{}
			if err := unmarshalNode(raw, node); err != nil {
				return true, 0, err
			}
			g.Node = append(g.Node, node)
			return true, n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			g.Name = v
			return true, n, err
		case num == 5 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			tensor := &TensorProto{}
			if err := unmarshalTensor(raw, tensor); err != nil {
				return true, 0, err
			}
			g.Initializer = append(g.Initializer, tensor)
			return true, n, nil
		case num == 10 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			g.DocString = v
			return true, n, err
		case num == 11 && typ == protowire.BytesType:
			n, err := valueInfo(body, &g.Input)
			return true, n, err
		case num == 12 && typ == protowire.BytesType:
			n, err := valueInfo(body, &g.Output)
			return true, n, err
		case num == 13 && typ == protowire.BytesType:
			n, err := valueInfo(body, &g.ValueInfo)
			return true, n, err
		}
		return false, 0, nil
	}, &g.unknown)
}

func unmarshalNode(data []byte, node *NodeProto) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			node.Input = append(node.Input, v)
			return true, n, err
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			node.Output = append(node.Output, v)
			return true, n, err
		case num == 3 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			node.Name = v
			return true, n, err
		case num == 4 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			node.OpType = v
			return true, n, err
		case num == 5 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			attr := &AttributeProto{}
			if err := unmarshalAttribute(raw, attr); err != nil {
				return true, 0, err
			}
			node.Attribute = append(node.Attribute, attr)
			return true, n, nil
		case num == 6 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			node.DocString = v
			return true, n, err
		case num == 7 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			node.Domain = v
			return true, n, err
		}
		return false, 0, nil
	}, &node.unknown)
}

func unmarshalAttribute(data []byte, attr *AttributeProto) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			attr.Name = v
			return true, n, err
		case num == 2 && typ == protowire.Fixed32Type:
			v, n := protowire.ConsumeFixed32(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			attr.F = math.Float32frombits(v)
			return true, n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n, err := consumeVarint(body)
			attr.I = int64(v)
			return true, n, err
		case num == 4 && typ == protowire.BytesType:
			v, n, err := consumeBytesCopy(body)
			attr.S = v
			return true, n, err
		case num == 5 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			attr.T = &TensorProto{}
			return true, n, unmarshalTensor(raw, attr.T)
		case num == 6 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			attr.G = &GraphProto{}
			return true, n, unmarshalGraph(raw, attr.G)
		case num == 7:
			v, n, err := consumeFloat32s(attr.Floats, typ, body)
			attr.Floats = v
			return true, n, err
		case num == 8:
			v, n, err := consumeInt64s(attr.Ints, typ, body)
			attr.Ints = v
			return true, n, err
		case num == 9 && typ == protowire.BytesType:
			v, n, err := consumeBytesCopy(body)
			attr.Strings = append(attr.Strings, v)
			return true, n, err
		case num == 10 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			tensor := &TensorProto{}
			if err := unmarshalTensor(raw, tensor); err != nil {
				return true, 0, err
			}
			attr.Tensors = append(attr.Tensors, tensor)
			return true, n, nil
		case num == 11 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			graph := &GraphProto{}
			if err := unmarshalGraph(raw, graph); err != nil {
				return true, 0, err
			}
			attr.Graphs = append(attr.Graphs, graph)
			return true, n, nil
		case num == 13 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			attr.DocString = v
			return true, n, err
		case num == 20 && typ == protowire.VarintType:
			v, n, err := consumeVarint(body)
			attr.Type = AttributeType(v)
			return true, n, err
		case num == 21 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			attr.RefAttrName = v
			return true, n, err
		}
		return false, 0, nil
	}, &attr.unknown)
}

func unmarshalTensor(data []byte, t *TensorProto) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1:
			v, n, err := consumeInt64s(t.Dims, typ, body)
			t.Dims = v
			return true, n, err
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(body)
			t.DataType = DataType(v)
			return true, n, err
		case num == 4:
			v, n, err := consumeFloat32s(t.FloatData, typ, body)
			t.FloatData = v
			return true, n, err
		case num == 5:
			v, n, err := consumeInt32s(t.Int32Data, typ, body)
			t.Int32Data = v
			return true, n, err
		case num == 6 && typ == protowire.BytesType:
			v, n, err := consumeBytesCopy(body)
			t.StringData = append(t.StringData, v)
			return true, n, err
		case num == 7:
			v, n, err := consumeInt64s(t.Int64Data, typ, body)
			t.Int64Data = v
			return true, n, err
		case num == 8 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			t.Name = v
			return true, n, err
		case num == 9 && typ == protowire.BytesType:
			v, n, err := consumeBytesCopy(body)
			t.RawData = v
			return true, n, err
		case num == 10:
			v, n, err := consumeFloat64s(t.DoubleData, typ, body)
			t.DoubleData = v
			return true, n, err
		case num == 11:
			v, n, err := consumeUint64s(t.Uint64Data, typ, body)
			t.Uint64Data = v
			return true, n, err
		case num == 12 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			t.DocString = v
			return true, n, err
		}
		return false, 0, nil
	}, &t.unknown)
}

func unmarshalValueInfo(data []byte, vi *ValueInfoProto) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			vi.Name = v
			return true, n, err
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			vi.Type = &TypeProto{}
			return true, n, unmarshalType(raw, vi.Type)
		case num == 3 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			vi.DocString = v
			return true, n, err
		}
		return false, 0, nil
	}, &vi.unknown)
}

func unmarshalType(data []byte, tp *TypeProto) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			tp.TensorType = &TensorTypeProto{}
			return true, n, unmarshalTensorType(raw, tp.TensorType)
		case num == 6 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			tp.Denotation = v
			return true, n, err
		}
		return false, 0, nil
	}, &tp.unknown)
}

func unmarshalTensorType(data []byte, tt *TensorTypeProto) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(body)
			tt.ElemType = DataType(v)
			return true, n, err
		case num == 2 && typ == protowire.BytesType:
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			tt.Shape = &TensorShapeProto{}
			return true, n, unmarshalShape(raw, tt.Shape)
		}
		return false, 0, nil
	}, &tt.unknown)
}

func unmarshalShape(data []byte, s *TensorShapeProto) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		if num == 1 && typ == protowire.BytesType {
			raw, n := protowire.ConsumeBytes(body)
			if n < 0 {
				return true, 0, parseError(n)
			}
			dim := &DimensionProto{}
			if err := unmarshalDimension(raw, dim); err != nil {
				return true, 0, err
			}
			s.Dim = append(s.Dim, dim)
			return true, n, nil
		}
		return false, 0, nil
	}, &s.unknown)
}

func unmarshalDimension(data []byte, d *DimensionProto) error {
	var discard []byte
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n, err := consumeVarint(body)
			d.Value = int64(v)
			d.HasValue = true
			d.Param = ""
			return true, n, err
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			d.Param = v
			d.HasValue = false
			return true, n, err
		case num == 3 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			d.Denotation = v
			return true, n, err
		}
		return false, 0, nil
	}, &discard)
}

func unmarshalOperatorSetID(data []byte, o *OperatorSetID) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			o.Domain = v
			return true, n, err
		case num == 2 && typ == protowire.VarintType:
			v, n, err := consumeVarint(body)
			o.Version = int64(v)
			return true, n, err
		}
		return false, 0, nil
	}, &o.unknown)
}

func unmarshalStringStringEntry(data []byte, e *StringStringEntry) error {
	return scanFields(data, func(num protowire.Number, typ protowire.Type, body []byte) (bool, int, error) {
		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			e.Key = v
			return true, n, err
		case num == 2 && typ == protowire.BytesType:
			v, n, err := consumeString(body)
			e.Value = v
			return true, n, err
		}
		return false, 0, nil
	}, &e.unknown)
}
