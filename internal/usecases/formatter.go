package usecases

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Shape is the literal form of the value being replaced. It steers the
// rendering of string values that could be read more than one way.
type Shape int

// Shape hints.
const (
	ShapeUnknown Shape = iota
	ShapeString
	ShapeNumber
	ShapeBool
	ShapeExpression
	ShapeList
)

// ShapeOf returns the hint for an existing value.
func ShapeOf(existing domain.Literal) Shape {
	switch existing.Kind {
	case domain.LiteralString:
		return ShapeString
	case domain.LiteralNumber:
		return ShapeNumber
	case domain.LiteralBool:
		return ShapeBool
	case domain.LiteralExpression:
		return ShapeExpression
	case domain.LiteralList:
		return ShapeList
	default:
		return ShapeUnknown
	}
}

// Default expression detection rules.
var (
	DefaultExpressionPrefixes  = []string{"var.", "data.", "local.", "module."}
	DefaultExpressionOperators = []string{"==", "!=", ">=", "<=", "&&", "||"}
)

// numericLiteral matches an integer or a single-dot decimal. Anything after
// the first digit run other than one "."-separated digit run (a slash, a
// second dot, letters) keeps the value quoted even when it replaces a
// number: 10.0.0.0/16, 1.1.0.
var numericLiteral = regexp.MustCompile(`^-?\d+(\.\d+)?$`)

// Formatter renders literals as HCL expression source.
type Formatter struct {
	prefixes  []string
	operators []string
}

// NewFormatter creates a Formatter. Nil rule lists select the defaults;
// empty non-nil lists disable that detection.
func NewFormatter(prefixes, operators []string) *Formatter {
	if prefixes == nil {
		prefixes = DefaultExpressionPrefixes
	}
	if operators == nil {
		operators = DefaultExpressionOperators
	}
	return &Formatter{prefixes: prefixes, operators: operators}
}

// Render returns the expression source for v. hint is the shape of the
// value being replaced, or ShapeUnknown when adding.
// Returns domain.ErrAmbiguousLiteral for values that cannot be classified.
func (f *Formatter) Render(v domain.Literal, hint Shape) (string, error) {
	switch v.Kind {
	case domain.LiteralNumber:
		n, err := domain.NumberLiteral(v.Text)
		if err != nil {
			return "", err
		}
		return n.Text, nil
	case domain.LiteralBool:
		switch strings.ToLower(v.Text) {
		case "true", "false":
			return strings.ToLower(v.Text), nil
		}
		return "", fmt.Errorf("%w: %q is not a bool", domain.ErrAmbiguousLiteral, v.Text)
	case domain.LiteralExpression:
		if strings.TrimSpace(v.Text) == "" {
			return "", fmt.Errorf("%w: empty expression", domain.ErrAmbiguousLiteral)
		}
		return strings.TrimSpace(v.Text), nil
	case domain.LiteralList:
		return f.renderList(v.Items)
	case domain.LiteralString:
		return f.renderString(v.Text, hint)
	default:
		return "", fmt.Errorf("%w: unknown literal kind %s", domain.ErrAmbiguousLiteral, v.Kind)
	}
}

func (f *Formatter) renderList(items []domain.Literal) (string, error) {
	parts := make([]string, 0, len(items))
	for i, item := range items {
		text, err := f.Render(item, ShapeUnknown)
		if err != nil {
			return "", fmt.Errorf("list element %d: %w", i, err)
		}
		parts = append(parts, text)
	}
	return "[" + strings.Join(parts, ", ") + "]", nil
}

func (f *Formatter) renderString(s string, hint Shape) (string, error) {
	trimmed := strings.TrimSpace(s)

	if len(trimmed) >= 2 && strings.HasPrefix(trimmed, `"`) && strings.HasSuffix(trimmed, `"`) {
		return trimmed, nil
	}
	if strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") {
		return f.renderListString(trimmed)
	}
	if strings.Contains(s, "${") {
		return quote(s, true), nil
	}
	if f.isExpression(trimmed) {
		return trimmed, nil
	}

	// A string of digits stays a string unless it replaces a number:
	// "1.30" written bare would read back as 1.3.
	switch hint {
	case ShapeNumber:
		if numericLiteral.MatchString(trimmed) {
			return trimmed, nil
		}
	case ShapeBool:
		if trimmed == "true" || trimmed == "false" {
			return trimmed, nil
		}
	}
	return quote(s, false), nil
}

// renderListString parses a flow sequence such as `["a", "b"]` or `[a, 1]`.
// Elements are rendered by the list rules.
func (f *Formatter) renderListString(s string) (string, error) {
	var decoded []any
	if err := yaml.Unmarshal([]byte(s), &decoded); err != nil {
		return "", fmt.Errorf("%w: %q is not a list: %v", domain.ErrAmbiguousLiteral, s, err)
	}
	list, err := domain.LiteralFromAny(decoded)
	if err != nil {
		return "", fmt.Errorf("%q: %w", s, err)
	}
	return f.renderList(list.Items)
}

func (f *Formatter) isExpression(s string) bool {
	if s == "" {
		return false
	}
	for _, p := range f.prefixes {
		if p != "" && strings.HasPrefix(s, p) {
			return true
		}
	}
	for _, op := range f.operators {
		if op != "" && strings.Contains(s, op) {
			return true
		}
	}
	return false
}

// quote renders s as an HCL quoted string. Template sequences are escaped
// unless template is set.
func quote(s string, template bool) string {
	var b strings.Builder
	b.WriteByte('"')
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch c {
		case '\\':
			b.WriteString(`\\`)
		case '"':
			b.WriteString(`\"`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '$', '%':
			b.WriteByte(c)
			if !template && i+1 < len(s) && s[i+1] == '{' {
				b.WriteByte(c)
			}
		default:
			b.WriteByte(c)
		}
	}
	b.WriteByte('"')
	return b.String()
}
