// Package onnx provides the structured model the optimizer works on: parsing
// and saving serialized ONNX models, graph statistics, dynamic-dimension
// extraction, and input-shape fixing.
//
//   - Parse / ReadFile: deserialize an ONNX ModelProto into a Model.
//   - Serialize / WriteFile: the reverse direction.
//   - Model.Stats, Model.DynamicDims: snapshot metrics used for the
//     before/after optimization report.
//   - FixInputShapes: rewrite declared input shapes to concrete values.
package onnx

import (
	"os"

	"github.com/gomlx/onnxopt/internal/protos"
	"github.com/pkg/errors"
)

// Model represents a parsed ONNX file.
type Model struct {
	Proto protos.ModelProto
}

// Parse parses a serialized ONNX model into a Model.
func Parse(contents []byte) (*Model, error) {
	m := &Model{}
	if err := protos.Unmarshal(contents, &m.Proto); err != nil {
		return nil, errors.WithMessage(err, "failed to parse ONNX model proto")
	}
	if m.Proto.Graph == nil {
		return nil, errors.New("ONNX model has no graph")
	}
	return m, nil
}

// ReadFile reads and parses an ONNX model file.
func ReadFile(filePath string) (*Model, error) {
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ONNX model file in %s", filePath)
	}
	return Parse(contents)
}

// Serialize encodes the model back to the ONNX wire format.
func (m *Model) Serialize() ([]byte, error) {
	return protos.Marshal(&m.Proto)
}

// WriteFile serializes the model and writes it to filePath.
func (m *Model) WriteFile(filePath string) error {
	contents, err := m.Serialize()
	if err != nil {
		return err
	}
	if err = os.WriteFile(filePath, contents, 0644); err != nil {
		return errors.Wrapf(err, "failed to write ONNX model file to %s", filePath)
	}
	return nil
}

// Graph returns the model's graph. It is never nil for a parsed model.
func (m *Model) Graph() *protos.GraphProto {
	return m.Proto.Graph
}

// NodeCount returns the number of operator nodes in the graph.
func (m *Model) NodeCount() int {
	return len(m.Proto.Graph.Node)
}

// InputNames returns the declared graph input names that are not backed by
// initializers. An input that also appears as an initializer is the ONNX
// convention for an optional constant input and is not a real model input.
func (m *Model) InputNames() []string {
	initializers := initializerSet(m.Proto.Graph)
	names := make([]string, 0, len(m.Proto.Graph.Input))
	for _, input := range m.Proto.Graph.Input {
		if initializers[input.Name] {
			continue
		}
		names = append(names, input.Name)
	}
	return names
}

// OutputNames returns the declared graph output names.
func (m *Model) OutputNames() []string {
	names := make([]string, 0, len(m.Proto.Graph.Output))
	for _, output := range m.Proto.Graph.Output {
		names = append(names, output.Name)
	}
	return names
}
