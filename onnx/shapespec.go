package onnx

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ParseShapeSpecs parses input-shape specifications of the form
// "name:dim1,dim2,...", one per entry, where each dim token is a
// non-negative integer literal or a symbolic dimension name. A token that
// parses as an integer is a concrete extent; anything else is kept as a
// symbolic name. A spec without the ':' separator is an error.
func ParseShapeSpecs(specs []string) (map[string][]Dim, error) {
	shapes := make(map[string][]Dim, len(specs))
	for _, spec := range specs {
		name, dimsStr, found := strings.Cut(spec, ":")
		if !found {
			return nil, errors.Errorf("invalid shape spec %q: use format \"name:dim1,dim2,...\"", spec)
		}
		var dims []Dim
		for _, token := range strings.Split(dimsStr, ",") {
			token = strings.TrimSpace(token)
			if value, err := strconv.ParseInt(token, 10, 64); err == nil {
				if value < 0 {
					return nil, errors.Errorf("invalid shape spec %q: negative dimension %d", spec, value)
				}
				dims = append(dims, Dim{Value: value})
			} else {
				dims = append(dims, Dim{Param: token})
			}
		}
		shapes[name] = dims
	}
	return shapes, nil
}
