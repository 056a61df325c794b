package parser

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"golang.org/x/net/html"
)

// ParseError reports a document whose structure could not be read.
// Callers treat it as an empty document and fall back to defaults.
type ParseError struct {
	Format Format
	Err    error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s document: %v", e.Format, e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Document is a parsed JSON or HTML response body.
type Document struct {
	format Format
	json   any
	html   *goquery.Document
}

// Parse decodes raw into a Document of the given format. JSON numbers keep
// their literal text so large integer ids survive.
func Parse(raw []byte, format Format) (*Document, error) {
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, &ParseError{Format: format, Err: err}
		}
		return &Document{format: format, json: v}, nil
	case FormatHTML:
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw))
		if err != nil {
			return nil, &ParseError{Format: format, Err: err}
		}
		return &Document{format: format, html: doc}, nil
	default:
		return nil, &ParseError{Format: format, Err: fmt.Errorf("unsupported format")}
	}
}

// EmptyDocument returns a document with no content; every lookup on it
// falls through to defaults.
func EmptyDocument(format Format) *Document {
	if format == FormatHTML {
		return &Document{format: format, html: goquery.NewDocumentFromNode(&html.Node{Type: html.DocumentNode})}
	}
	return &Document{format: format}
}

// Root returns the top-level node.
func (d *Document) Root() Node {
	if d.format == FormatHTML {
		return Node{sel: d.html.Selection}
	}
	return Node{json: d.json, isJSON: true}
}

// Node is a position inside a document that strategies are evaluated from.
type Node struct {
	isJSON bool
	json   any
	sel    *goquery.Selection
}

// First evaluates the chain in order and returns the first non-empty value.
func (n Node) First(c Chain) string {
	for _, st := range c {
		for _, v := range n.values(st) {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
	}
	return ""
}

// All returns every non-empty value of the first strategy that yields any.
func (n Node) All(c Chain) []string {
	for _, st := range c {
		var out []string
		for _, v := range n.values(st) {
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// Nodes returns the child nodes matched by the first strategy that matches any.
func (n Node) Nodes(c Chain) []Node {
	for _, st := range c {
		if nodes := n.nodes(st); len(nodes) > 0 {
			return nodes
		}
	}
	return nil
}

func (n Node) values(st Strategy) []string {
	switch st.Kind {
	case KindJSON:
		if !n.isJSON {
			return nil
		}
		var out []string
		for _, v := range lookupPath(n.json, st.Expr) {
			out = append(out, scalars(v)...)
		}
		return out
	case KindCSS:
		if n.sel == nil {
			return nil
		}
		sel := n.sel
		if st.Expr != "" {
			sel = n.sel.Find(st.Expr)
		}
		var out []string
		sel.Each(func(_ int, s *goquery.Selection) {
			if st.Attr == "" {
				out = append(out, NormalizeText(s.Text()))
				return
			}
			if v, ok := s.Attr(st.Attr); ok {
				out = append(out, v)
			}
		})
		return out
	case KindXPath:
		var out []string
		for _, node := range n.xpath(st.Expr) {
			if st.Attr == "" {
				out = append(out, NormalizeText(htmlquery.InnerText(node)))
			} else {
				out = append(out, htmlquery.SelectAttr(node, st.Attr))
			}
		}
		return out
	case KindRegex:
		re, err := compileRegex(st.Expr)
		if err != nil {
			return nil
		}
		var out []string
		for _, m := range re.FindAllStringSubmatch(n.raw(), -1) {
			if len(m) > 1 {
				out = append(out, m[1])
			} else {
				out = append(out, m[0])
			}
		}
		return out
	default:
		return nil
	}
}

func (n Node) nodes(st Strategy) []Node {
	switch st.Kind {
	case KindJSON:
		if !n.isJSON {
			return nil
		}
		var out []Node
		for _, v := range lookupPath(n.json, st.Expr) {
			if arr, ok := v.([]any); ok {
				for _, el := range arr {
					out = append(out, Node{json: el, isJSON: true})
				}
				continue
			}
			out = append(out, Node{json: v, isJSON: true})
		}
		return out
	case KindCSS:
		if n.sel == nil || st.Expr == "" {
			return nil
		}
		var out []Node
		n.sel.Find(st.Expr).Each(func(_ int, s *goquery.Selection) {
			out = append(out, Node{sel: s})
		})
		return out
	case KindXPath:
		var out []Node
		for _, node := range n.xpath(st.Expr) {
			out = append(out, Node{sel: goquery.NewDocumentFromNode(node).Selection})
		}
		return out
	default:
		return nil
	}
}

func (n Node) xpath(expr string) []*html.Node {
	if n.sel == nil {
		return nil
	}
	var out []*html.Node
	for _, root := range n.sel.Nodes {
		found, err := htmlquery.QueryAll(root, expr)
		if err != nil {
			slog.Debug("invalid xpath", slog.String("expr", expr), slog.Any("error", err))
			return nil
		}
		out = append(out, found...)
	}
	return out
}

// raw is the text regex strategies run against: compact JSON or outer HTML.
func (n Node) raw() string {
	if n.isJSON {
		if s, ok := n.json.(string); ok {
			return s
		}
		b, err := json.Marshal(n.json)
		if err != nil {
			return ""
		}
		return string(b)
	}
	if n.sel == nil {
		return ""
	}
	var b strings.Builder
	n.sel.Each(func(_ int, s *goquery.Selection) {
		h, err := goquery.OuterHtml(s)
		if err == nil {
			b.WriteString(h)
		}
	})
	return b.String()
}
