package parser

import (
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/ohler55/ojg/jp"
)

var jsonPaths sync.Map // dotted path -> jp.Expr

// compilePath turns a dotted schema path into a JSONPath expression.
//
//	data.products        $.data.products
//	images.main.url.0    $.images.main.url[0]
//	data.*.title         $.data[*].title
//	**.code              $..code
//
// The empty path and "." select the value itself.
func compilePath(path string) jp.Expr {
	path = strings.TrimSpace(path)
	if cached, ok := jsonPaths.Load(path); ok {
		return cached.(jp.Expr)
	}
	x := jp.R()
	if path != "" && path != "." {
		for _, seg := range strings.Split(path, ".") {
			switch seg {
			case "*":
				x = x.W()
			case "**":
				x = x.D()
			default:
				if i, err := strconv.Atoi(seg); err == nil {
					x = x.N(i)
				} else {
					x = x.C(seg)
				}
			}
		}
	}
	jsonPaths.Store(path, x)
	return x
}

// lookupPath evaluates a dotted path against a decoded JSON value. Null
// matches are dropped.
func lookupPath(v any, path string) []any {
	if v == nil {
		return nil
	}
	var out []any
	for _, m := range compilePath(path).Get(v) {
		if m != nil {
			out = append(out, m)
		}
	}
	return out
}

// scalars renders a JSON value as strings: scalars directly, arrays of
// scalars flattened one level, objects not at all.
func scalars(v any) []string {
	switch t := v.(type) {
	case []any:
		var out []string
		for _, el := range t {
			if s, ok := scalar(el); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		if s, ok := scalar(v); ok {
			return []string{s}
		}
		return nil
	}
}

func scalar(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case json.Number:
		return t.String(), true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int64:
		return strconv.FormatInt(t, 10), true
	case bool:
		return strconv.FormatBool(t), true
	default:
		return "", false
	}
}
