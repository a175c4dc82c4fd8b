package onnx

import (
	"github.com/gomlx/onnxopt/internal/protos"
)

// Node attribute accessors with defaults. Missing attributes are common --
// most ONNX attributes are optional with documented defaults -- so these
// return the fallback instead of erroring.

// GetAttr returns the named attribute of node, or nil if absent.
func GetAttr(node *protos.NodeProto, name string) *protos.AttributeProto {
	for _, attr := range node.Attribute {
		if attr.Name == name {
			return attr
		}
	}
	return nil
}

// AttrInt returns an INT attribute value, or defaultValue if absent.
func AttrInt(node *protos.NodeProto, name string, defaultValue int64) int64 {
	attr := GetAttr(node, name)
	if attr == nil || attr.Type != protos.AttrInt {
		return defaultValue
	}
	return attr.I
}

// AttrInts returns an INTS attribute value, or nil if absent.
func AttrInts(node *protos.NodeProto, name string) []int64 {
	attr := GetAttr(node, name)
	if attr == nil || attr.Type != protos.AttrInts {
		return nil
	}
	return attr.Ints
}

// AttrFloat returns a FLOAT attribute value, or defaultValue if absent.
func AttrFloat(node *protos.NodeProto, name string, defaultValue float32) float32 {
	attr := GetAttr(node, name)
	if attr == nil || attr.Type != protos.AttrFloat {
		return defaultValue
	}
	return attr.F
}

// AttrString returns a STRING attribute value, or defaultValue if absent.
func AttrString(node *protos.NodeProto, name string, defaultValue string) string {
	attr := GetAttr(node, name)
	if attr == nil || attr.Type != protos.AttrString {
		return defaultValue
	}
	return string(attr.S)
}

// AttrTensor returns a TENSOR attribute value, or nil if absent.
func AttrTensor(node *protos.NodeProto, name string) *protos.TensorProto {
	attr := GetAttr(node, name)
	if attr == nil || attr.Type != protos.AttrTensor {
		return nil
	}
	return attr.T
}
