package core

import "fmt"

// Side identifies one of the two physical attachment points of the tap.
type Side int

const (
	// Alice is the first attachment point.
	Alice Side = 0
	// Bob is the second attachment point.
	Bob Side = 1
)

// Other returns the opposite attachment point.
func (s Side) Other() Side {
	if s == Alice {
		return Bob
	}
	return Alice
}

// Valid reports whether s names one of the two attachment points.
func (s Side) Valid() bool { return s == Alice || s == Bob }

func (s Side) String() string {
	switch s {
	case Alice:
		return "A"
	case Bob:
		return "B"
	default:
		return fmt.Sprintf("side(%d)", int(s))
	}
}
