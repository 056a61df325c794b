package models

import "fmt"

// UnitKind identifies the traversal step a work unit belongs to.
type UnitKind int

const (
	UnitCategory UnitKind = iota
	UnitPage
	UnitProductDetail
	UnitReviewPage
)

func (k UnitKind) String() string {
	switch k {
	case UnitCategory:
		return "category"
	case UnitPage:
		return "page"
	case UnitProductDetail:
		return "detail"
	case UnitReviewPage:
		return "reviews"
	default:
		return "unknown"
	}
}

// Depth is the fixed traversal depth of a kind; it strictly increases
// from category to review page.
func (k UnitKind) Depth() int {
	return int(k)
}

// WorkUnit is one atomic traversal task. Units are passed by value and
// never modified after construction.
type WorkUnit struct {
	Kind     UnitKind
	Key      string
	Page     int
	Depth    int
	Metadata map[string]string
}

// NewWorkUnit builds a unit of the given kind with its canonical depth.
func NewWorkUnit(kind UnitKind, key string, metadata map[string]string) WorkUnit {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return WorkUnit{Kind: kind, Key: key, Depth: kind.Depth(), Metadata: md}
}

// PageUnit builds a listing page unit for a category.
func PageUnit(category, url string, page int) WorkUnit {
	u := NewWorkUnit(UnitPage, url, map[string]string{"category": category})
	u.Page = page
	return u
}

// With returns a copy of u with one metadata value set.
func (u WorkUnit) With(key, value string) WorkUnit {
	md := make(map[string]string, len(u.Metadata)+1)
	for k, v := range u.Metadata {
		md[k] = v
	}
	md[key] = value
	u.Metadata = md
	return u
}

// Meta returns a metadata value or "".
func (u WorkUnit) Meta(key string) string {
	return u.Metadata[key]
}

func (u WorkUnit) String() string {
	if u.Page > 0 {
		return fmt.Sprintf("%s[%s page=%d]", u.Kind, u.Key, u.Page)
	}
	return fmt.Sprintf("%s[%s]", u.Kind, u.Key)
}
