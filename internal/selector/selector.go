// Package selector wraps XPath queries over parsed HTML. Every lookup returns
// an explicit Field, and lookups that match nothing are recorded on the
// document so callers can count and report them.
package selector

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/htmlquery"
	"github.com/antchfx/xpath"
	"golang.org/x/net/html"

	"github.com/oreusol/pangolin/internal/crawler"
)

// Query is a compiled XPath expression labelled with the field it extracts.
type Query struct {
	Field string
	raw   string
	expr  *xpath.Expr
}

// Compile compiles expr for the named field.
func Compile(field, expr string) (Query, error) {
	compiled, err := xpath.Compile(expr)
	if err != nil {
		return Query{}, fmt.Errorf("compile %s selector %q: %w", field, expr, err)
	}
	return Query{Field: field, raw: expr, expr: compiled}, nil
}

// MustCompile is like Compile but panics on an invalid expression. It is
// meant for package-level selector tables.
func MustCompile(field, expr string) Query {
	q, err := Compile(field, expr)
	if err != nil {
		panic(err)
	}
	return q
}

// String returns the raw expression.
func (q Query) String() string { return q.raw }

// Field is an optional extraction result.
type Field struct {
	Value string
	Found bool
}

// Or returns the value when found and def otherwise.
func (f Field) Or(def string) string {
	if !f.Found {
		return def
	}
	return f.Value
}

// Document is a parsed page plus the misses recorded against it.
type Document struct {
	root   *html.Node
	misses []crawler.SelectorMiss
}

// Parse builds a Document from an HTML body.
func Parse(body []byte) (*Document, error) {
	root, err := htmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &Document{root: root}, nil
}

// Root returns the document node.
func (d *Document) Root() Node {
	return Node{doc: d, node: d.root}
}

// Misses returns the queries that matched nothing, in lookup order.
func (d *Document) Misses() []crawler.SelectorMiss {
	out := make([]crawler.SelectorMiss, len(d.misses))
	copy(out, d.misses)
	return out
}

func (d *Document) miss(q Query) {
	d.misses = append(d.misses, crawler.SelectorMiss{Field: q.Field, Expr: q.raw})
}

// Node is an element within a Document.
type Node struct {
	doc  *Document
	node *html.Node
}

// Find returns every node matching q.
func (n Node) Find(q Query) []Node {
	matches := htmlquery.QuerySelectorAll(n.node, q.expr)
	if len(matches) == 0 {
		n.doc.miss(q)
		return nil
	}
	out := make([]Node, 0, len(matches))
	for _, m := range matches {
		out = append(out, Node{doc: n.doc, node: m})
	}
	return out
}

// Text returns the inner text of the first match of q. Attribute queries
// (".../@href") yield the attribute value.
func (n Node) Text(q Query) Field {
	m := htmlquery.QuerySelector(n.node, q.expr)
	if m == nil {
		n.doc.miss(q)
		return Field{}
	}
	return Field{Value: htmlquery.InnerText(m), Found: true}
}

// Texts returns the inner text of every match of q in document order.
func (n Node) Texts(q Query) []string {
	matches := htmlquery.QuerySelectorAll(n.node, q.expr)
	if len(matches) == 0 {
		n.doc.miss(q)
		return nil
	}
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, htmlquery.InnerText(m))
	}
	return out
}

// Eval evaluates a scalar expression such as normalize-space(...). An empty
// string result counts as a miss.
func (n Node) Eval(q Query) Field {
	var value string
	switch v := q.expr.Evaluate(htmlquery.CreateXPathNavigator(n.node)).(type) {
	case string:
		value = v
	case *xpath.NodeIterator:
		if v.MoveNext() {
			value = v.Current().Value()
		}
	case nil:
	default:
		value = fmt.Sprint(v)
	}
	if strings.TrimSpace(value) == "" {
		n.doc.miss(q)
		return Field{}
	}
	return Field{Value: value, Found: true}
}
