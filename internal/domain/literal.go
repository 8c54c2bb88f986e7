package domain

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
)

// LiteralKind tags the variant held by a Literal.
type LiteralKind int

const (
	// LiteralString is a quoted string value.
	LiteralString LiteralKind = iota
	// LiteralNumber is a numeric value; Text holds its normalized form.
	LiteralNumber
	// LiteralBool is true or false.
	LiteralBool
	// LiteralExpression is any non-literal expression (references, calls,
	// templates); Text holds its source.
	LiteralExpression
	// LiteralList is an ordered sequence of literals.
	LiteralList
)

// String returns the kind name.
func (k LiteralKind) String() string {
	switch k {
	case LiteralString:
		return "string"
	case LiteralNumber:
		return "number"
	case LiteralBool:
		return "bool"
	case LiteralExpression:
		return "expression"
	case LiteralList:
		return "list"
	default:
		return "unknown"
	}
}

// Literal is a configuration value: a scalar, an expression, or a list.
type Literal struct {
	Kind  LiteralKind
	Text  string
	Items []Literal
}

// StringLiteral returns a string literal.
func StringLiteral(s string) Literal {
	return Literal{Kind: LiteralString, Text: s}
}

// NumberLiteral returns a number literal from its textual form.
// The text is normalized so that "20", "20.0" and "2e1" are identical.
func NumberLiteral(text string) (Literal, error) {
	f, ok := parseNumber(text)
	if !ok {
		return Literal{}, fmt.Errorf("%w: %q is not a number", ErrAmbiguousLiteral, text)
	}
	return Literal{Kind: LiteralNumber, Text: formatNumber(f)}, nil
}

// BoolLiteral returns a bool literal.
func BoolLiteral(b bool) Literal {
	return Literal{Kind: LiteralBool, Text: strconv.FormatBool(b)}
}

// ExpressionLiteral returns an expression literal holding source text.
func ExpressionLiteral(src string) Literal {
	return Literal{Kind: LiteralExpression, Text: strings.TrimSpace(src)}
}

// ListLiteral returns a list literal.
func ListLiteral(items ...Literal) Literal {
	return Literal{Kind: LiteralList, Items: items}
}

// LiteralFromAny converts a decoded configuration value (YAML scalars and
// sequences) into a Literal.
func LiteralFromAny(v any) (Literal, error) {
	switch t := v.(type) {
	case nil:
		return Literal{}, fmt.Errorf("%w: null value", ErrAmbiguousLiteral)
	case Literal:
		return t, nil
	case string:
		return StringLiteral(t), nil
	case bool:
		return BoolLiteral(t), nil
	case int:
		return Literal{Kind: LiteralNumber, Text: strconv.Itoa(t)}, nil
	case int64:
		return Literal{Kind: LiteralNumber, Text: strconv.FormatInt(t, 10)}, nil
	case uint64:
		return Literal{Kind: LiteralNumber, Text: strconv.FormatUint(t, 10)}, nil
	case float64:
		return NumberLiteral(strconv.FormatFloat(t, 'f', -1, 64))
	case []any:
		items := make([]Literal, 0, len(t))
		for i, e := range t {
			item, err := LiteralFromAny(e)
			if err != nil {
				return Literal{}, fmt.Errorf("list element %d: %w", i, err)
			}
			items = append(items, item)
		}
		return ListLiteral(items...), nil
	case []string:
		items := make([]Literal, 0, len(t))
		for _, e := range t {
			items = append(items, StringLiteral(e))
		}
		return ListLiteral(items...), nil
	default:
		return Literal{}, fmt.Errorf("%w: unsupported value type %T", ErrAmbiguousLiteral, v)
	}
}

// Equal reports type-aware equality. A number equals a string when the
// string parses to the same number; two strings compare by exact text so
// that version strings such as "1.30" and "1.3" stay distinct. Lists
// compare element-wise. Expressions compare by source text.
func (l Literal) Equal(o Literal) bool {
	if l.Kind == LiteralList || o.Kind == LiteralList {
		if l.Kind != o.Kind || len(l.Items) != len(o.Items) {
			return false
		}
		for i := range l.Items {
			if !l.Items[i].Equal(o.Items[i]) {
				return false
			}
		}
		return true
	}
	if l.Kind == LiteralNumber || o.Kind == LiteralNumber {
		a, okA := parseNumber(l.Text)
		b, okB := parseNumber(o.Text)
		if !okA || !okB {
			return false
		}
		if l.Kind != LiteralNumber && l.Kind != LiteralString {
			return false
		}
		if o.Kind != LiteralNumber && o.Kind != LiteralString {
			return false
		}
		return a.Cmp(b) == 0
	}
	if l.Kind == LiteralBool || o.Kind == LiteralBool {
		if l.Kind == LiteralExpression || o.Kind == LiteralExpression {
			return false
		}
		return strings.EqualFold(l.Text, o.Text)
	}
	return l.Text == o.Text
}

// String renders the literal for logs and change summaries.
func (l Literal) String() string {
	switch l.Kind {
	case LiteralString:
		return strconv.Quote(l.Text)
	case LiteralList:
		parts := make([]string, len(l.Items))
		for i, item := range l.Items {
			parts[i] = item.String()
		}
		return "[" + strings.Join(parts, ", ") + "]"
	default:
		return l.Text
	}
}

// Interface returns the literal as a plain Go value for serialization.
func (l Literal) Interface() any {
	switch l.Kind {
	case LiteralList:
		out := make([]any, len(l.Items))
		for i, item := range l.Items {
			out[i] = item.Interface()
		}
		return out
	case LiteralBool:
		return l.Text == "true"
	case LiteralNumber:
		if n, err := strconv.ParseInt(l.Text, 10, 64); err == nil {
			return n
		}
		if f, err := strconv.ParseFloat(l.Text, 64); err == nil {
			return f
		}
		return l.Text
	default:
		return l.Text
	}
}

// MarshalJSON encodes the literal as its plain value.
func (l Literal) MarshalJSON() ([]byte, error) {
	return marshalPlain(l.Interface())
}

func parseNumber(text string) (*big.Float, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, false
	}
	f, _, err := big.ParseFloat(text, 10, 256, big.ToNearestEven)
	if err != nil {
		return nil, false
	}
	return f, true
}

func formatNumber(f *big.Float) string {
	if f.IsInt() {
		i, _ := f.Int(nil)
		return i.String()
	}
	return f.Text('g', -1)
}
