package layer

import "fmt"

// StructuralError reports a mis-wired layer graph: writing back past the
// root, attaching a layer twice, or referencing an unknown layer or type
// while building. It is not a runtime condition to recover from.
type StructuralError struct {
	Layer string
	Op    string
	Msg   string
}

func (e *StructuralError) Error() string {
	if e.Layer == "" {
		return fmt.Sprintf("layer graph: %s: %s", e.Op, e.Msg)
	}
	return fmt.Sprintf("layer graph: %s on %q: %s", e.Op, e.Layer, e.Msg)
}

func structural(layer, op, format string, args ...interface{}) error {
	return &StructuralError{Layer: layer, Op: op, Msg: fmt.Sprintf(format, args...)}
}
