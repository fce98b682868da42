package neighborhood

import (
	"fmt"
	"strings"
)

// MissingFieldError reports a required field (coordinates, cell type, region)
// that is absent from the input, either entirely or for a single cell.
type MissingFieldError struct {
	Field string
	// Cell is the identity of the offending cell; empty when the whole field is absent.
	Cell string
}

func (e *MissingFieldError) Error() string {
	if e.Cell == "" {
		return fmt.Sprintf("missing field %q", e.Field)
	}
	return fmt.Sprintf("missing field %q for cell %q", e.Field, e.Cell)
}

// ParameterError reports a parameter that is non-positive or exceeds what the
// data in context can supply.
type ParameterError struct {
	Param     string
	Region    string
	Requested int
	Available int
	Reason    string
}

func (e *ParameterError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "invalid %s=%d", e.Param, e.Requested)
	if e.Region != "" {
		fmt.Fprintf(&b, " in region %q", e.Region)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	if e.Available >= 0 && e.Requested > e.Available {
		fmt.Fprintf(&b, " (requested %d, available %d, short by %d)", e.Requested, e.Available, e.Requested-e.Available)
	}
	return b.String()
}

// IOError reports a failure to read the input container or write an output artifact.
//
// The underlying error can be accessed via errors.Unwrap.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// CheckPositive returns a ParameterError if v is not a positive integer.
func CheckPositive(param string, v int) error {
	if v <= 0 {
		return &ParameterError{Param: param, Requested: v, Available: -1, Reason: "must be positive"}
	}
	return nil
}
