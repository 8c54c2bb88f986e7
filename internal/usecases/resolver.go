// Package usecases contains the application business logic.
// This package orchestrates domain entities and interfaces to fulfill use cases.
package usecases

import (
	"context"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Logger defines the logging interface required by the use cases.
// This abstracts the logger dependency to avoid coupling to a specific implementation.
type Logger interface {
	Info(ctx context.Context, msg string, fields map[string]interface{})
	Debug(ctx context.Context, msg string, fields map[string]interface{})
	Warn(ctx context.Context, msg string, fields map[string]interface{})
	Error(ctx context.Context, msg string, err error, fields map[string]interface{})
}

// Location is the result of walking a parameter path.
type Location struct {
	// Node is the terminal node. Set only when Found.
	Node domain.Node

	// Found reports whether the path resolved to a scalar or a list value.
	Found bool

	// Value is the literal held by Node.
	Value domain.Literal

	// Parent is the deepest mapping reached on the way, and Remaining the
	// segments still to be created below it. When Found, Remaining holds
	// the last segment only.
	Parent    domain.Node
	Remaining []string
}

// Resolve returns the value at path below root, or false when absent.
// A missing or non-traversable segment is absence, not an error.
func Resolve(root domain.Node, path domain.ParameterPath) (domain.Literal, bool) {
	loc := Locate(root, path)
	return loc.Value, loc.Found
}

// Locate walks path below root one segment at a time.
//
// Mappings are traversed by key. Lists are traversed by an explicit index
// segment; any other segment applied to a list collapses it to its first
// element, so `root_block_device { volume_size = 20 }` and
// `settings = [{ x = 1 }]` resolve alike. The terminal node must be a
// scalar or a list value.
func Locate(root domain.Node, path domain.ParameterPath) Location {
	segs := path.Segments()
	loc := Location{Parent: root, Remaining: segs}
	if root == nil || len(segs) == 0 {
		return loc
	}

	cur := root
	for i, seg := range segs {
		next, ok := step(cur, seg)
		if !ok {
			if first, collapsed := collapse(cur, seg); collapsed {
				loc.Parent, loc.Remaining = first, segs[i:]
				next, ok = first.Child(seg)
			}
		}
		if !ok {
			return loc
		}
		cur = next
		if cur.Kind() == domain.NodeMapping && i < len(segs)-1 {
			loc.Parent, loc.Remaining = cur, segs[i+1:]
		}
	}

	if cur.Kind() == domain.NodeMapping {
		return loc
	}
	value, ok := cur.Value()
	if !ok {
		return loc
	}
	loc.Node, loc.Found, loc.Value = cur, true, value
	return loc
}

func step(cur domain.Node, seg string) (domain.Node, bool) {
	switch cur.Kind() {
	case domain.NodeMapping:
		return cur.Child(seg)
	case domain.NodeList:
		if i, isIndex := domain.SegmentIndex(seg); isIndex {
			return cur.Index(i)
		}
	}
	return nil, false
}

// collapse returns the first element of a list of mappings when seg is a key.
func collapse(cur domain.Node, seg string) (domain.Node, bool) {
	if cur.Kind() != domain.NodeList {
		return nil, false
	}
	if _, isIndex := domain.SegmentIndex(seg); isIndex {
		return nil, false
	}
	first, ok := cur.Index(0)
	if !ok || first.Kind() != domain.NodeMapping {
		return nil, false
	}
	return first, true
}
