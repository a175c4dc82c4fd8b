package onnx

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

func TestTensorIntsTypedAndRaw(t *testing.T) {
	typed := Int64Tensor("t", []int64{3}, []int64{7, -1, 40})
	values, err := TensorInts(typed)
	require.NoError(t, err)
	assert.Equal(t, []int64{7, -1, 40}, values)

	raw := &protos.TensorProto{
		Name:     "r",
		DataType: protos.Int64,
		Dims:     []int64{2},
		RawData:  make([]byte, 16),
	}
	binary.LittleEndian.PutUint64(raw.RawData[0:], uint64(5))
	binary.LittleEndian.PutUint64(raw.RawData[8:], math.MaxUint64) // -1
	values, err = TensorInts(raw)
	require.NoError(t, err)
	assert.Equal(t, []int64{5, -1}, values)

	_, err = TensorInts(FloatTensor("f", nil, []float32{1}))
	assert.Error(t, err)
}

func TestTensorIntsRejectsRaggedRawData(t *testing.T) {
	bad := &protos.TensorProto{Name: "bad", DataType: protos.Int64, RawData: []byte{1, 2, 3}}
	_, err := TensorInts(bad)
	assert.ErrorContains(t, err, "not a multiple of 8")
}

func TestTensorFloatsFloat16(t *testing.T) {
	bits := []uint16{
		float16.Fromfloat32(0.5).Bits(),
		float16.Fromfloat32(-2).Bits(),
	}
	raw := make([]byte, 4)
	binary.LittleEndian.PutUint16(raw[0:], bits[0])
	binary.LittleEndian.PutUint16(raw[2:], bits[1])
	tensor := &protos.TensorProto{
		Name:     "h",
		DataType: protos.Float16,
		Dims:     []int64{2},
		RawData:  raw,
	}
	values, err := TensorFloats(tensor)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float64{0.5, -2}, values, 1e-3)
}

func TestSetTensorFloatsRoundTrip(t *testing.T) {
	for _, dtype := range []protos.DataType{protos.Float, protos.Double, protos.Float16, protos.BFloat16} {
		tensor := &protos.TensorProto{Name: "w", DataType: dtype, Dims: []int64{3}}
		require.NoError(t, SetTensorFloats(tensor, []float64{1, -0.25, 2}))
		values, err := TensorFloats(tensor)
		require.NoError(t, err)
		assert.InDeltaSlice(t, []float64{1, -0.25, 2}, values, 1e-2, "dtype %s", dtype)
	}
}

func TestSetTensorFloatsClearsLegacyFields(t *testing.T) {
	tensor := FloatTensor("w", []int64{2}, []float32{9, 9})
	require.NoError(t, SetTensorFloats(tensor, []float64{1, 2}))
	assert.Empty(t, tensor.FloatData)
	values, err := TensorFloats(tensor)
	require.NoError(t, err)
	assert.Equal(t, []float64{1, 2}, values)
}

func TestTensorLen(t *testing.T) {
	assert.Equal(t, 1, TensorLen(&protos.TensorProto{}))
	assert.Equal(t, 24, TensorLen(&protos.TensorProto{Dims: []int64{2, 3, 4}}))
}
