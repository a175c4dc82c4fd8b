// Package protos holds a hand-maintained subset of the ONNX protocol buffer
// schema (onnx.proto) together with a wire-format codec built on protowire.
//
// Only the messages and fields the optimizer manipulates are modeled as Go
// fields. Everything else read from a model file is retained as raw wire
// bytes per message and re-emitted on marshal, so loading and saving a model
// is lossless even for parts of the schema this package does not interpret.
package protos

import "strconv"

// ModelProto is the top-level ONNX model: versioning metadata plus the
// computation graph.
type ModelProto struct {
	IrVersion       int64
	ProducerName    string
	ProducerVersion string
	Domain          string
	ModelVersion    int64
	DocString       string
	Graph           *GraphProto
	OpsetImport     []*OperatorSetID
	MetadataProps   []*StringStringEntry

	unknown []byte
}

// GraphProto is the computation graph: an ordered node list plus the named
// tensors at its boundary (inputs, outputs, initializers) and optional type
// annotations for intermediate values.
type GraphProto struct {
	Name        string
	Node        []*NodeProto
	Initializer []*TensorProto
	DocString   string
	Input       []*ValueInfoProto
	Output      []*ValueInfoProto
	ValueInfo   []*ValueInfoProto

	unknown []byte
}

// NodeProto is one operator application: op_type plus ordered input and
// output tensor names and named attributes.
type NodeProto struct {
	Input     []string
	Output    []string
	Name      string
	OpType    string
	Attribute []*AttributeProto
	DocString string
	Domain    string

	unknown []byte
}

// AttributeProto is a named node attribute. Exactly one of the value fields
// is meaningful, selected by Type.
type AttributeProto struct {
	Name        string
	RefAttrName string
	DocString   string
	Type        AttributeType
	F           float32
	I           int64
	S           []byte
	T           *TensorProto
	G           *GraphProto
	Floats      []float32
	Ints        []int64
	Strings     [][]byte
	Tensors     []*TensorProto
	Graphs      []*GraphProto

	unknown []byte
}

// TensorProto is a constant tensor (initializer or Constant-node payload).
// Data is stored either in RawData or in one of the typed repeated fields,
// never both.
type TensorProto struct {
	Dims       []int64
	DataType   DataType
	FloatData  []float32
	Int32Data  []int32
	StringData [][]byte
	Int64Data  []int64
	Name       string
	RawData    []byte
	DoubleData []float64
	Uint64Data []uint64
	DocString  string

	unknown []byte
}

// ValueInfoProto attaches a type annotation to a tensor name.
type ValueInfoProto struct {
	Name      string
	Type      *TypeProto
	DocString string

	unknown []byte
}

// TypeProto describes a value's type. Only tensor types are modeled; other
// kinds (sequences, maps, optionals) round-trip as unknown fields.
type TypeProto struct {
	TensorType *TensorTypeProto
	Denotation string

	unknown []byte
}

// GetTensorType returns the tensor type, or nil if tp is nil or describes a
// non-tensor type.
func (tp *TypeProto) GetTensorType() *TensorTypeProto {
	if tp == nil {
		return nil
	}
	return tp.TensorType
}

// TensorTypeProto is an element type plus a shape.
type TensorTypeProto struct {
	ElemType DataType
	Shape    *TensorShapeProto

	unknown []byte
}

// GetShape returns the shape, or nil if tt is nil or has no shape.
func (tt *TensorTypeProto) GetShape() *TensorShapeProto {
	if tt == nil {
		return nil
	}
	return tt.Shape
}

// TensorShapeProto is an ordered list of dimensions.
type TensorShapeProto struct {
	Dim []*DimensionProto

	unknown []byte
}

// DimensionProto is one axis of a shape: a concrete extent (HasValue set),
// a symbolic name (Param non-empty), or fully unknown (neither).
type DimensionProto struct {
	Value      int64
	Param      string
	Denotation string
	HasValue   bool
}

// IsSymbolic reports whether the dimension is a named symbolic axis.
func (d *DimensionProto) IsSymbolic() bool { return d.Param != "" }

// IsUnknown reports whether the dimension carries neither a value nor a name.
func (d *DimensionProto) IsUnknown() bool { return d.Param == "" && !d.HasValue }

// DimValue builds a concrete dimension.
func DimValue(v int64) *DimensionProto { return &DimensionProto{Value: v, HasValue: true} }

// DimParam builds a symbolic dimension.
func DimParam(name string) *DimensionProto { return &DimensionProto{Param: name} }

// OperatorSetID identifies one operator-set import (domain + version).
type OperatorSetID struct {
	Domain  string
	Version int64

	unknown []byte
}

// StringStringEntry is a key/value metadata pair.
type StringStringEntry struct {
	Key   string
	Value string

	unknown []byte
}

// DataType enumerates TensorProto element types (TensorProto.DataType in
// onnx.proto).
type DataType int32

const (
	Undefined  DataType = 0
	Float      DataType = 1
	Uint8      DataType = 2
	Int8       DataType = 3
	Uint16     DataType = 4
	Int16      DataType = 5
	Int32      DataType = 6
	Int64      DataType = 7
	String     DataType = 8
	Bool       DataType = 9
	Float16    DataType = 10
	Double     DataType = 11
	Uint32     DataType = 12
	Uint64     DataType = 13
	Complex64  DataType = 14
	Complex128 DataType = 15
	BFloat16   DataType = 16
)

var dataTypeNames = map[DataType]string{
	Undefined:  "UNDEFINED",
	Float:      "FLOAT",
	Uint8:      "UINT8",
	Int8:       "INT8",
	Uint16:     "UINT16",
	Int16:      "INT16",
	Int32:      "INT32",
	Int64:      "INT64",
	String:     "STRING",
	Bool:       "BOOL",
	Float16:    "FLOAT16",
	Double:     "DOUBLE",
	Uint32:     "UINT32",
	Uint64:     "UINT64",
	Complex64:  "COMPLEX64",
	Complex128: "COMPLEX128",
	BFloat16:   "BFLOAT16",
}

// String returns the ONNX name of the data type ("FLOAT", "INT64", ...).
func (dt DataType) String() string {
	if name, found := dataTypeNames[dt]; found {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(dt)) + ")"
}

// AttributeType enumerates AttributeProto value kinds.
type AttributeType int32

const (
	AttrUndefined AttributeType = iota
	AttrFloat
	AttrInt
	AttrString
	AttrTensor
	AttrGraph
	AttrFloats
	AttrInts
	AttrStrings
	AttrTensors
	AttrGraphs
)
