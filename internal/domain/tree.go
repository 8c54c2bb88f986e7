package domain

// NodeKind tags the variant of a parsed tree node.
type NodeKind int

const (
	// NodeScalar is a single value: a literal or an expression.
	NodeScalar NodeKind = iota
	// NodeList is an ordered sequence: a tuple expression or repeated
	// nested blocks of the same type.
	NodeList
	// NodeMapping is a keyed collection: a block body or an object
	// expression.
	NodeMapping
)

// String returns the kind name.
func (k NodeKind) String() string {
	switch k {
	case NodeScalar:
		return "scalar"
	case NodeList:
		return "list"
	case NodeMapping:
		return "mapping"
	default:
		return "unknown"
	}
}

// Node is one node of a parsed configuration tree.
//
// Nodes are views over the underlying document. Any write through Replace
// or Insert invalidates every node obtained from the same document before
// the write; callers resolve again for the next edit.
type Node interface {
	// Kind returns the variant tag.
	Kind() NodeKind

	// Child looks up a key of a Mapping. Nested blocks of the given type
	// are returned as a List. Other kinds report false.
	Child(name string) (Node, bool)

	// Index returns element i of a List. Other kinds report false.
	Index(i int) (Node, bool)

	// Len returns the number of elements of a List or keys of a Mapping.
	Len() int

	// Value returns the literal held by a Scalar or by a List expression.
	// Mappings and lists of blocks report false.
	Value() (Literal, bool)

	// Replace rewrites the value of a Scalar or List expression node with
	// the given expression source.
	Replace(expr string) error

	// Insert sets the value at a path relative to a Mapping, creating
	// intermediate mappings as needed. An existing non-mapping key on the
	// way fails with ErrShapeConflict.
	Insert(path []string, expr string) error
}

// Document is a parsed configuration file.
type Document interface {
	// Name returns the file name the document was parsed from.
	Name() string

	// Block returns the body of the first top-level block matching sel.
	Block(sel BlockSelector) (Node, bool)

	// AppendBlock adds an empty top-level block and returns its body.
	AppendBlock(sel BlockSelector) Node

	// Clone returns an independent copy of the document.
	Clone() (Document, error)

	// Bytes renders the document.
	Bytes() []byte
}

// Parser parses raw configuration text into a Document.
type Parser interface {
	Parse(name string, src []byte) (Document, error)
}

// ChangeDetector compares original and rendered text after normalization.
type ChangeDetector interface {
	// Detect reports whether rendered differs substantively from original.
	Detect(original, rendered []byte) (bool, error)

	// Diff returns a unified diff for display.
	Diff(name string, original, rendered []byte) string
}
