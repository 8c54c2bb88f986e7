package hcltree

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/hashicorp/hcl/v2/hclwrite"
	"github.com/zclconf/go-cty/cty"

	"github.com/MyCarrier-DevOps/terraform-updater/internal/domain"
)

// node implements domain.Node over hclwrite bodies and parsed attribute
// expressions. Exactly one backing is set:
//   - body: a block body (Mapping);
//   - blocks: repeated nested blocks of one type (List);
//   - attr+expr: an attribute expression or a sub-expression of it.
type node struct {
	kind   domain.NodeKind
	body   *hclwrite.Body
	blocks []*hclwrite.Block
	attr   *attrSource
	expr   hclsyntax.Expression
}

// attrSource holds the source of one attribute expression. Expression
// nodes address byte ranges in src; writes splice src and reset the
// attribute from the result.
type attrSource struct {
	body *hclwrite.Body
	name string
	src  []byte
}

func newBodyNode(body *hclwrite.Body) *node {
	return &node{kind: domain.NodeMapping, body: body}
}

func newAttrNode(body *hclwrite.Body, name string, attr *hclwrite.Attribute) *node {
	src := attr.Expr().BuildTokens(nil).Bytes()
	as := &attrSource{body: body, name: name, src: src}
	expr, diags := hclsyntax.ParseExpression(src, name, hcl.InitialPos)
	if diags.HasErrors() {
		return &node{kind: domain.NodeScalar, attr: as}
	}
	return newExprNode(as, expr)
}

func newExprNode(as *attrSource, expr hclsyntax.Expression) *node {
	return &node{kind: kindOfExpr(expr), attr: as, expr: expr}
}

func kindOfExpr(expr hclsyntax.Expression) domain.NodeKind {
	switch expr.(type) {
	case *hclsyntax.ObjectConsExpr:
		return domain.NodeMapping
	case *hclsyntax.TupleConsExpr:
		return domain.NodeList
	default:
		return domain.NodeScalar
	}
}

func (n *node) Kind() domain.NodeKind {
	return n.kind
}

func (n *node) Child(name string) (domain.Node, bool) {
	if n.kind != domain.NodeMapping {
		return nil, false
	}
	if n.body != nil {
		if attr := n.body.GetAttribute(name); attr != nil {
			return newAttrNode(n.body, name, attr), true
		}
		if blocks := nestedBlocks(n.body, name); len(blocks) > 0 {
			return &node{kind: domain.NodeList, blocks: blocks}, true
		}
		return nil, false
	}
	item, ok := n.objectItem(name)
	if !ok {
		return nil, false
	}
	return newExprNode(n.attr, item.ValueExpr), true
}

func (n *node) Index(i int) (domain.Node, bool) {
	if n.kind != domain.NodeList || i < 0 {
		return nil, false
	}
	if n.blocks != nil {
		if i >= len(n.blocks) {
			return nil, false
		}
		return newBodyNode(n.blocks[i].Body()), true
	}
	tuple, ok := n.expr.(*hclsyntax.TupleConsExpr)
	if !ok || i >= len(tuple.Exprs) {
		return nil, false
	}
	return newExprNode(n.attr, tuple.Exprs[i]), true
}

func (n *node) Len() int {
	switch {
	case n.body != nil:
		return len(n.body.Attributes()) + len(n.body.Blocks())
	case n.blocks != nil:
		return len(n.blocks)
	}
	switch e := n.expr.(type) {
	case *hclsyntax.ObjectConsExpr:
		return len(e.Items)
	case *hclsyntax.TupleConsExpr:
		return len(e.Exprs)
	}
	return 0
}

func (n *node) Value() (domain.Literal, bool) {
	if n.attr == nil || n.kind == domain.NodeMapping {
		return domain.Literal{}, false
	}
	if n.expr == nil {
		return domain.ExpressionLiteral(string(n.attr.src)), true
	}
	return literalOf(n.expr, n.attr.src), true
}

func (n *node) Replace(expr string) error {
	if n.attr == nil || n.kind == domain.NodeMapping {
		return fmt.Errorf("%w: cannot replace a %s with a value", domain.ErrShapeConflict, n.describe())
	}
	if n.expr == nil {
		return n.attr.commit([]byte(expr))
	}
	start, end := sourceRange(n.expr, n.attr.src)
	return n.attr.commit(splice(n.attr.src, start, end, expr))
}

func (n *node) Insert(path []string, expr string) error {
	if len(path) == 0 {
		return fmt.Errorf("%w: empty insert path", domain.ErrInvalidPath)
	}
	if n.kind != domain.NodeMapping {
		return fmt.Errorf("%w: cannot insert %q into a %s", domain.ErrShapeConflict, strings.Join(path, "."), n.describe())
	}
	if _, isIndex := domain.SegmentIndex(path[0]); isIndex {
		return fmt.Errorf("%w: cannot create list element %q", domain.ErrShapeConflict, path[0])
	}
	if n.body != nil {
		return insertIntoBody(n.body, path, expr)
	}
	return n.insertIntoObject(path, expr)
}

func (n *node) describe() string {
	if n.blocks != nil {
		return "list of blocks"
	}
	return n.kind.String()
}

func insertIntoBody(body *hclwrite.Body, path []string, expr string) error {
	name := path[0]
	blocks := nestedBlocks(body, name)

	if len(path) == 1 {
		if len(blocks) > 0 {
			return fmt.Errorf("%w: %q is a nested block", domain.ErrShapeConflict, name)
		}
		if attr := body.GetAttribute(name); attr != nil {
			return newAttrNode(body, name, attr).Replace(expr)
		}
		tokens, err := exprTokens(expr)
		if err != nil {
			return err
		}
		body.SetAttributeRaw(name, tokens)
		return nil
	}

	if attr := body.GetAttribute(name); attr != nil {
		child := newAttrNode(body, name, attr)
		if child.kind != domain.NodeMapping {
			return fmt.Errorf("%w: %q holds a %s", domain.ErrShapeConflict, name, child.kind)
		}
		return child.Insert(path[1:], expr)
	}
	if len(blocks) > 0 {
		return newBodyNode(blocks[0].Body()).Insert(path[1:], expr)
	}
	block := body.AppendNewBlock(name, nil)
	return newBodyNode(block.Body()).Insert(path[1:], expr)
}

func (n *node) insertIntoObject(path []string, expr string) error {
	obj, ok := n.expr.(*hclsyntax.ObjectConsExpr)
	if !ok {
		return fmt.Errorf("%w: not an object", domain.ErrShapeConflict)
	}
	if item, found := n.objectItem(path[0]); found {
		child := newExprNode(n.attr, item.ValueExpr)
		if len(path) == 1 {
			return child.Replace(expr)
		}
		return child.Insert(path[1:], expr)
	}

	closing := obj.SrcRange.End.Byte - 1
	if closing < 0 || closing >= len(n.attr.src) || n.attr.src[closing] != '}' {
		return fmt.Errorf("%w: cannot locate end of object %q", domain.ErrShapeConflict, n.attr.name)
	}
	entry := "\n" + objectKey(path[0]) + " = " + nestedObject(path[1:], expr) + "\n"
	return n.attr.commit(splice(n.attr.src, closing, closing, entry))
}

func (n *node) objectItem(name string) (hclsyntax.ObjectConsItem, bool) {
	obj, ok := n.expr.(*hclsyntax.ObjectConsExpr)
	if !ok {
		return hclsyntax.ObjectConsItem{}, false
	}
	for _, item := range obj.Items {
		if keyText(item.KeyExpr, n.attr.src) == name {
			return item, true
		}
	}
	return hclsyntax.ObjectConsItem{}, false
}

// commit replaces the attribute expression with src.
func (a *attrSource) commit(src []byte) error {
	tokens, err := exprTokens(string(src))
	if err != nil {
		return err
	}
	a.body.SetAttributeRaw(a.name, tokens)
	a.src = tokens.Bytes()
	return nil
}

// exprTokens lexes expression source into hclwrite tokens. The source must
// be exactly one valid expression.
func exprTokens(expr string) (hclwrite.Tokens, error) {
	src := []byte("v = " + strings.TrimSpace(expr) + "\n")
	f, diags := hclwrite.ParseConfig(src, "value", hcl.InitialPos)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%w: %q: %s", domain.ErrAmbiguousLiteral, expr, diagnosticsText(diags))
	}
	body := f.Body()
	attr := body.GetAttribute("v")
	if attr == nil || len(body.Attributes()) != 1 || len(body.Blocks()) != 0 {
		return nil, fmt.Errorf("%w: %q is not a single expression", domain.ErrAmbiguousLiteral, expr)
	}
	return attr.Expr().BuildTokens(nil), nil
}

func nestedBlocks(body *hclwrite.Body, typeName string) []*hclwrite.Block {
	var out []*hclwrite.Block
	for _, b := range body.Blocks() {
		if b.Type() == typeName {
			out = append(out, b)
		}
	}
	return out
}

func literalOf(expr hclsyntax.Expression, src []byte) domain.Literal {
	switch e := expr.(type) {
	case *hclsyntax.TupleConsExpr:
		items := make([]domain.Literal, 0, len(e.Exprs))
		for _, el := range e.Exprs {
			items = append(items, literalOf(el, src))
		}
		return domain.ListLiteral(items...)
	case *hclsyntax.ObjectConsExpr:
		return domain.ExpressionLiteral(exprText(expr, src))
	}

	v, diags := expr.Value(nil)
	if diags.HasErrors() || !v.IsWhollyKnown() || v.IsNull() {
		return domain.ExpressionLiteral(exprText(expr, src))
	}
	switch v.Type() {
	case cty.String:
		return domain.StringLiteral(v.AsString())
	case cty.Number:
		lit, err := domain.NumberLiteral(v.AsBigFloat().Text('f', -1))
		if err != nil {
			return domain.ExpressionLiteral(exprText(expr, src))
		}
		return lit
	case cty.Bool:
		return domain.BoolLiteral(v.True())
	default:
		return domain.ExpressionLiteral(exprText(expr, src))
	}
}

// sourceRange returns the byte range of expr in src, including the quotes
// of a quoted template.
func sourceRange(expr hclsyntax.Expression, src []byte) (int, int) {
	r := expr.Range()
	start, end := r.Start.Byte, r.End.Byte
	switch expr.(type) {
	case *hclsyntax.TemplateExpr, *hclsyntax.TemplateWrapExpr:
		if start > 0 && end < len(src) && src[start-1] == '"' && src[end] == '"' {
			start--
			end++
		}
	}
	return start, end
}

func exprText(expr hclsyntax.Expression, src []byte) string {
	start, end := sourceRange(expr, src)
	return strings.TrimSpace(string(src[start:end]))
}

func keyText(key hclsyntax.Expression, src []byte) string {
	raw := exprText(key, src)
	if len(raw) >= 2 && raw[0] == '"' && raw[len(raw)-1] == '"' {
		if s, err := strconv.Unquote(raw); err == nil {
			return s
		}
		return raw[1 : len(raw)-1]
	}
	return raw
}

func objectKey(name string) string {
	if hclsyntax.ValidIdentifier(name) {
		return name
	}
	return strconv.Quote(name)
}

func nestedObject(path []string, expr string) string {
	if len(path) == 0 {
		return strings.TrimSpace(expr)
	}
	return "{\n" + objectKey(path[0]) + " = " + nestedObject(path[1:], expr) + "\n}"
}

func splice(src []byte, start, end int, insert string) []byte {
	out := make([]byte, 0, len(src)-(end-start)+len(insert))
	out = append(out, src[:start]...)
	out = append(out, insert...)
	out = append(out, src[end:]...)
	return out
}
