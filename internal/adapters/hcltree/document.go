// Package hcltree provides the parsed configuration tree for Terraform files.
// The tree is backed by hclwrite so that edits are surgical: untouched
// blocks, attributes, and comments keep their original tokens. Rendering
// applies the canonical hclwrite spacing to edited lines only.
package hcltree

import (
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/pmezard/go-difflib/difflib"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// Parser implements domain.Parser for HCL native syntax.
type Parser struct{}

// NewParser creates a new Parser.
func NewParser() *Parser {
	return &Parser{}
}

// Parse parses src into an editable document.
// Returns domain.ErrParse with the first diagnostic on syntax errors.
func (p *Parser) Parse(name string, src []byte) (domain.Document, error) {
	return parseDocument(name, src)
}

func parseDocument(name string, src []byte) (*Document, error) {
	f, diags := hclwrite.ParseConfig(src, name, hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %s", domain.ErrParse, diagnosticsText(diags))
	}
	return &Document{name: name, file: f, src: append([]byte(nil), src...)}, nil
}

// Document is an hclwrite-backed domain.Document.
type Document struct {
	name string
	file *hclwrite.File
	src  []byte
}

// Name returns the file name the document was parsed from.
func (d *Document) Name() string {
	return d.name
}

// Block returns the body of the first top-level block matching sel.
func (d *Document) Block(sel domain.BlockSelector) (domain.Node, bool) {
	for _, b := range d.file.Body().Blocks() {
		if b.Type() != sel.Type || !labelsEqual(b.Labels(), sel.Labels) {
			continue
		}
		return newBodyNode(b.Body()), true
	}
	return nil, false
}

// AppendBlock appends an empty top-level block, separated by a blank line.
func (d *Document) AppendBlock(sel domain.BlockSelector) domain.Node {
	body := d.file.Body()
	if len(body.Blocks()) > 0 || len(body.Attributes()) > 0 {
		body.AppendNewline()
	}
	b := body.AppendNewBlock(sel.Type, sel.Labels)
	return newBodyNode(b.Body())
}

// Clone returns an independent copy by re-parsing the rendered document.
func (d *Document) Clone() (domain.Document, error) {
	return parseDocument(d.name, d.Bytes())
}

// Bytes renders the document. Edited lines come out formatted; every line
// whose formatted form is unchanged keeps its original text.
func (d *Document) Bytes() []byte {
	formatted := d.file.Bytes()
	if d.src == nil {
		return formatted
	}
	return keepUntouchedLines(d.src, formatted)
}

// keepUntouchedLines maps formatted back onto original. Formatting only
// moves whitespace within lines, so the formatted original lines up with
// the raw original one to one.
func keepUntouchedLines(original, formatted []byte) []byte {
	raw := strings.SplitAfter(string(original), "\n")
	base := strings.SplitAfter(string(hclwrite.Format(original)), "\n")
	if len(raw) != len(base) {
		return formatted
	}
	next := strings.SplitAfter(string(formatted), "\n")

	var b strings.Builder
	b.Grow(len(formatted))
	m := difflib.NewMatcherWithJunk(base, next, false, nil)
	for _, op := range m.GetOpCodes() {
		lines := next[op.J1:op.J2]
		if op.Tag == 'e' {
			lines = raw[op.I1:op.I2]
		}
		for _, l := range lines {
			b.WriteString(l)
		}
	}
	return []byte(b.String())
}

func labelsEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func diagnosticsText(diags hcl.Diagnostics) string {
	msgs := make([]string, 0, len(diags))
	for _, d := range diags {
		if d.Severity != hcl.DiagError {
			continue
		}
		msg := d.Summary
		if d.Detail != "" {
			msg += ": " + d.Detail
		}
		if d.Subject != nil {
			msg = fmt.Sprintf("%s:%d,%d: %s", d.Subject.Filename, d.Subject.Start.Line, d.Subject.Start.Column, msg)
		}
		msgs = append(msgs, msg)
	}
	return strings.Join(msgs, "; ")
}
