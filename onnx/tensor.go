package onnx

import (
	"encoding/binary"
	"math"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Proto-level tensor data helpers. ONNX stores initializer data either in
// raw_data (little-endian) or in the legacy typed repeated fields; both forms
// are handled here so passes can read and rewrite constants without caring
// which encoding the exporter chose.

// TensorLen returns the number of elements implied by the tensor's dims.
func TensorLen(t *protos.TensorProto) int {
	n := 1
	for _, dim := range t.Dims {
		n *= int(dim)
	}
	return n
}

// TensorInts decodes an integer tensor (INT64 or INT32) to int64 values.
func TensorInts(t *protos.TensorProto) ([]int64, error) {
	switch t.DataType {
	case protos.Int64:
		if t.RawData == nil {
			return append([]int64(nil), t.Int64Data...), nil
		}
		if len(t.RawData)%8 != 0 {
			return nil, errors.Errorf("tensor %q: raw INT64 data has %d bytes, not a multiple of 8", t.Name, len(t.RawData))
		}
		values := make([]int64, len(t.RawData)/8)
		for i := range values {
			values[i] = int64(binary.LittleEndian.Uint64(t.RawData[i*8:]))
		}
		return values, nil
	case protos.Int32:
		if t.RawData == nil {
			values := make([]int64, len(t.Int32Data))
			for i, v := range t.Int32Data {
				values[i] = int64(v)
			}
			return values, nil
		}
		if len(t.RawData)%4 != 0 {
			return nil, errors.Errorf("tensor %q: raw INT32 data has %d bytes, not a multiple of 4", t.Name, len(t.RawData))
		}
		values := make([]int64, len(t.RawData)/4)
		for i := range values {
			values[i] = int64(int32(binary.LittleEndian.Uint32(t.RawData[i*4:])))
		}
		return values, nil
	}
	return nil, errors.Errorf("tensor %q: cannot decode %s as integers", t.Name, t.DataType)
}

// TensorFloats decodes a floating-point tensor (FLOAT, DOUBLE, FLOAT16, or
// BFLOAT16) to float64 values.
func TensorFloats(t *protos.TensorProto) ([]float64, error) {
	switch t.DataType {
	case protos.Float:
		if t.RawData == nil {
			values := make([]float64, len(t.FloatData))
			for i, v := range t.FloatData {
				values[i] = float64(v)
			}
			return values, nil
		}
		if len(t.RawData)%4 != 0 {
			return nil, errors.Errorf("tensor %q: raw FLOAT data has %d bytes, not a multiple of 4", t.Name, len(t.RawData))
		}
		values := make([]float64, len(t.RawData)/4)
		for i := range values {
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(t.RawData[i*4:])))
		}
		return values, nil
	case protos.Double:
		if t.RawData == nil {
			return append([]float64(nil), t.DoubleData...), nil
		}
		if len(t.RawData)%8 != 0 {
			return nil, errors.Errorf("tensor %q: raw DOUBLE data has %d bytes, not a multiple of 8", t.Name, len(t.RawData))
		}
		values := make([]float64, len(t.RawData)/8)
		for i := range values {
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(t.RawData[i*8:]))
		}
		return values, nil
	case protos.Float16:
		bits, err := rawUint16s(t)
		if err != nil {
			return nil, err
		}
		values := make([]float64, len(bits))
		for i, b := range bits {
			values[i] = float64(float16.Frombits(b).Float32())
		}
		return values, nil
	case protos.BFloat16:
		bits, err := rawUint16s(t)
		if err != nil {
			return nil, err
		}
		values := make([]float64, len(bits))
		for i, b := range bits {
			values[i] = float64(math.Float32frombits(uint32(b) << 16))
		}
		return values, nil
	}
	return nil, errors.Errorf("tensor %q: cannot decode %s as floats", t.Name, t.DataType)
}

// rawUint16s reads 16-bit element storage, either from raw_data or from the
// legacy int32_data field (one element per int32, per the ONNX spec).
func rawUint16s(t *protos.TensorProto) ([]uint16, error) {
	if t.RawData == nil {
		bits := make([]uint16, len(t.Int32Data))
		for i, v := range t.Int32Data {
			bits[i] = uint16(v)
		}
		return bits, nil
	}
	if len(t.RawData)%2 != 0 {
		return nil, errors.Errorf("tensor %q: raw 16-bit data has %d bytes, not a multiple of 2", t.Name, len(t.RawData))
	}
	bits := make([]uint16, len(t.RawData)/2)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint16(t.RawData[i*2:])
	}
	return bits, nil
}

// SetTensorFloats overwrites the tensor's data with the given values, encoded
// in the tensor's own element type. Used by fusions that fold weights.
func SetTensorFloats(t *protos.TensorProto, values []float64) error {
	t.FloatData = nil
	t.DoubleData = nil
	t.Int32Data = nil
	t.RawData = nil
	switch t.DataType {
	case protos.Float:
		raw := make([]byte, 4*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(float32(v)))
		}
		t.RawData = raw
	case protos.Double:
		raw := make([]byte, 8*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint64(raw[i*8:], math.Float64bits(v))
		}
		t.RawData = raw
	case protos.Float16:
		raw := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(raw[i*2:], float16.Fromfloat32(float32(v)).Bits())
		}
		t.RawData = raw
	case protos.BFloat16:
		raw := make([]byte, 2*len(values))
		for i, v := range values {
			binary.LittleEndian.PutUint16(raw[i*2:], uint16(math.Float32bits(float32(v))>>16))
		}
		t.RawData = raw
	default:
		return errors.Errorf("tensor %q: cannot encode floats as %s", t.Name, t.DataType)
	}
	return nil
}

// Int64Tensor builds an INT64 tensor with the given shape and values.
func Int64Tensor(name string, dims []int64, values []int64) *protos.TensorProto {
	return &protos.TensorProto{
		Name:      name,
		DataType:  protos.Int64,
		Dims:      dims,
		Int64Data: append([]int64(nil), values...),
	}
}

// FloatTensor builds a FLOAT tensor with the given shape and values.
func FloatTensor(name string, dims []int64, values []float32) *protos.TensorProto {
	return &protos.TensorProto{
		Name:      name,
		DataType:  protos.Float,
		Dims:      dims,
		FloatData: append([]float32(nil), values...),
	}
}
