package domain

import (
	"fmt"
	"strconv"
	"strings"
)

// ParameterPath identifies a nested value inside a block, relative to the
// block body. It is constructed once from its dotted form and never
// re-parsed.
type ParameterPath struct {
	segments []string
}

// ParseParameterPath validates a dotted path such as
// "instance_market_options.spot_options.max_price".
// Every segment must be non-empty and free of whitespace.
func ParseParameterPath(dotted string) (ParameterPath, error) {
	if strings.TrimSpace(dotted) == "" {
		return ParameterPath{}, fmt.Errorf("%w: empty path", ErrInvalidPath)
	}
	parts := strings.Split(dotted, ".")
	for i, p := range parts {
		if p == "" {
			return ParameterPath{}, fmt.Errorf("%w: segment %d of %q is empty", ErrInvalidPath, i+1, dotted)
		}
		if strings.ContainsAny(p, " \t\r\n") {
			return ParameterPath{}, fmt.Errorf("%w: segment %q contains whitespace", ErrInvalidPath, p)
		}
	}
	return ParameterPath{segments: parts}, nil
}

// MustParameterPath is ParseParameterPath for constant paths; it panics on error.
func MustParameterPath(dotted string) ParameterPath {
	p, err := ParseParameterPath(dotted)
	if err != nil {
		panic(err)
	}
	return p
}

// Segments returns a copy of the path segments.
func (p ParameterPath) Segments() []string {
	out := make([]string, len(p.segments))
	copy(out, p.segments)
	return out
}

// Len returns the number of segments.
func (p ParameterPath) Len() int {
	return len(p.segments)
}

// IsZero reports whether the path was never initialized.
func (p ParameterPath) IsZero() bool {
	return len(p.segments) == 0
}

// String returns the dotted form.
func (p ParameterPath) String() string {
	return strings.Join(p.segments, ".")
}

// SegmentIndex reports whether seg addresses a list element and returns the index.
func SegmentIndex(seg string) (int, bool) {
	if seg == "" {
		return 0, false
	}
	for _, r := range seg {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	i, err := strconv.Atoi(seg)
	if err != nil {
		return 0, false
	}
	return i, true
}

// BlockSelector names the top-level block an edit applies to.
type BlockSelector struct {
	// Type is the block type keyword: variable, resource, module.
	Type string

	// Labels are the block labels, e.g. ["aws_instance", "web"].
	Labels []string
}

// Block type keywords understood by the configuration loader.
const (
	BlockVariable = "variable"
	BlockResource = "resource"
	BlockModule   = "module"
)

// Creatable reports whether the block may be created when an add policy
// targets a block that does not exist yet.
func (s BlockSelector) Creatable() bool {
	return s.Type == BlockVariable
}

// String renders the selector in Terraform address form, e.g.
// "resource.aws_instance.web".
func (s BlockSelector) String() string {
	if len(s.Labels) == 0 {
		return s.Type
	}
	return s.Type + "." + strings.Join(s.Labels, ".")
}
