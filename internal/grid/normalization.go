package grid

import (
	"errors"
	"fmt"
)

// ErrBadNormalization is returned for a normalization that does not fit
// the grid it is applied to.
var ErrBadNormalization = errors.New("invalid normalization")

// Mode selects how the background trace is built.
type Mode int

const (
	// ModeNone subtracts nothing.
	ModeNone Mode = iota
	// ModeIndexed subtracts one sweep column (1-based).
	ModeIndexed
	// ModeSplit subtracts a composite of the first column (plus a bias)
	// below the split row and the last column from the split row on.
	ModeSplit
)

func (m Mode) String() string {
	switch m {
	case ModeNone:
		return "none"
	case ModeIndexed:
		return "indexed"
	case ModeSplit:
		return "split"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

// Normalization describes the background subtraction applied to a grid.
type Normalization struct {
	Mode       Mode    `json:"mode"`
	Index      int     `json:"index,omitempty"`
	SplitPoint int     `json:"split_point,omitempty"`
	Bias       float64 `json:"bias,omitempty"`
}

// None returns the no-op normalization.
func None() Normalization { return Normalization{Mode: ModeNone} }

// Indexed subtracts column n (1-based).
func Indexed(n int) Normalization { return Normalization{Mode: ModeIndexed, Index: n} }

// Split builds the background from column 0 plus bias for rows
// [0, splitPoint) and from the last column for the remaining rows.
func Split(splitPoint int, bias float64) Normalization {
	return Normalization{Mode: ModeSplit, SplitPoint: splitPoint, Bias: bias}
}

// FromCode maps the compact integer selector used on the command line and
// in run files: 0 none, -1 split, n >= 1 indexed column n.
func FromCode(code, splitPoint int, bias float64) (Normalization, error) {
	switch {
	case code == 0:
		return None(), nil
	case code == -1:
		return Split(splitPoint, bias), nil
	case code >= 1:
		return Indexed(code), nil
	default:
		return Normalization{}, fmt.Errorf("%w: selector %d", ErrBadNormalization, code)
	}
}

func (n Normalization) String() string {
	switch n.Mode {
	case ModeIndexed:
		return fmt.Sprintf("indexed(%d)", n.Index)
	case ModeSplit:
		return fmt.Sprintf("split(%d, %g)", n.SplitPoint, n.Bias)
	default:
		return n.Mode.String()
	}
}
