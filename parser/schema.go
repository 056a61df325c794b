package parser

import (
	"embed"
	"errors"
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/aluiziolira/go-scrape-products/models"
)

//go:embed schemas/*.yaml
var builtinSchemas embed.FS

// Format is the document type a schema reads.
type Format string

const (
	FormatJSON Format = "json"
	FormatHTML Format = "html"
)

// StrategyKind selects how a Strategy locates a value.
type StrategyKind string

const (
	KindJSON  StrategyKind = "json"
	KindCSS   StrategyKind = "css"
	KindXPath StrategyKind = "xpath"
	KindRegex StrategyKind = "regex"
)

// Strategy is one lookup: a dotted JSON path, a CSS selector, an XPath
// expression or a regular expression. Attr picks an attribute for CSS and
// XPath lookups; empty means the element text.
type Strategy struct {
	Kind StrategyKind `yaml:"kind"`
	Expr string       `yaml:"expr"`
	Attr string       `yaml:"attr,omitempty"`
}

// Chain is an ordered fallback list; the first strategy that yields a
// non-empty value wins.
type Chain []Strategy

// ListingFields locates item fields inside one listing card.
type ListingFields struct {
	ID          Chain `yaml:"id"`
	Title       Chain `yaml:"title"`
	Price       Chain `yaml:"price"`
	Brand       Chain `yaml:"brand"`
	Rating      Chain `yaml:"rating"`
	ReviewCount Chain `yaml:"review_count"`
	URL         Chain `yaml:"url"`
	ImageURL    Chain `yaml:"image_url"`
	IsAd        Chain `yaml:"is_ad"`
}

// SpecsRule extracts a key/value specification table.
type SpecsRule struct {
	Rows  Chain `yaml:"rows"`
	Key   Chain `yaml:"key"`
	Value Chain `yaml:"value"`
}

// ReviewsRule extracts user reviews. RatingScale is the top of the scale
// review ratings are given on; the default is 5.
type ReviewsRule struct {
	Items       Chain   `yaml:"items"`
	Comment     Chain   `yaml:"comment"`
	Rating      Chain   `yaml:"rating"`
	Date        Chain   `yaml:"date"`
	RatingScale float64 `yaml:"rating_scale"`
}

// DetailSchema describes the product detail document. URL and ReviewsURL
// are templates over {id}; an empty URL means the item URL itself, and an
// empty ReviewsURL means reviews come from the detail document.
type DetailSchema struct {
	URL         string      `yaml:"url"`
	ReviewsURL  string      `yaml:"reviews_url"`
	Title       Chain       `yaml:"title"`
	ItemURL     Chain       `yaml:"item_url"`
	Price       Chain       `yaml:"price"`
	Brand       Chain       `yaml:"brand"`
	Description Chain       `yaml:"description"`
	Rating      Chain       `yaml:"rating"`
	ReviewCount Chain       `yaml:"review_count"`
	ImageURL    Chain       `yaml:"image_url"`
	Specs       SpecsRule   `yaml:"specs"`
	Reviews     ReviewsRule `yaml:"reviews"`
}

// Schema is the pluggable description of a source site.
type Schema struct {
	Name              string            `yaml:"name"`
	Format            Format            `yaml:"format"`
	SiteURL           string            `yaml:"site_url"`
	StartURL          string            `yaml:"start_url"`
	StartFormat       Format            `yaml:"start_format"`
	Categories        Chain             `yaml:"categories"`
	CategoryPattern   string            `yaml:"category_pattern"`
	ListingURL        string            `yaml:"listing_url"`
	PageParam         string            `yaml:"page_param"`
	Items             Chain             `yaml:"items"`
	NextPage          Chain             `yaml:"next_page"`
	Fields            ListingFields     `yaml:"fields"`
	PriceDivisor      float64           `yaml:"price_divisor"`
	RatingScale       float64           `yaml:"rating_scale"`
	ProductURLPattern string            `yaml:"product_url_pattern"`
	Headers           map[string]string `yaml:"headers"`
	Detail            *DetailSchema     `yaml:"detail"`
}

// LoadSchema resolves a built-in schema name or a YAML file path.
func LoadSchema(nameOrPath string) (*Schema, error) {
	data, err := builtinSchemas.ReadFile("schemas/" + nameOrPath + ".yaml")
	if err != nil {
		data, err = os.ReadFile(nameOrPath) //nolint:gosec // user-selected schema file
		if err != nil {
			return nil, fmt.Errorf("load schema %q: %w", nameOrPath, err)
		}
	}
	return ParseSchema(data)
}

// ParseSchema decodes and validates a YAML schema.
func ParseSchema(data []byte) (*Schema, error) {
	var s Schema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the schema for missing templates and unusable strategies.
func (s *Schema) Validate() error {
	if s.Format != FormatJSON && s.Format != FormatHTML {
		return fmt.Errorf("schema %q: format must be json or html", s.Name)
	}
	if s.StartFormat == "" {
		s.StartFormat = s.Format
	}
	if !strings.Contains(s.ListingURL, "{category}") {
		return fmt.Errorf("schema %q: listing_url must contain {category}", s.Name)
	}
	if s.PageParam == "" {
		s.PageParam = "page"
	}
	if s.PriceDivisor == 0 {
		s.PriceDivisor = 1
	}
	if s.PriceDivisor < 0 {
		return fmt.Errorf("schema %q: price_divisor must be positive", s.Name)
	}
	if s.RatingScale == 0 {
		s.RatingScale = DefaultRatingScale
	}
	if s.RatingScale < 0 {
		return fmt.Errorf("schema %q: rating_scale must be positive", s.Name)
	}
	if d := s.Detail; d != nil {
		if d.Reviews.RatingScale == 0 {
			d.Reviews.RatingScale = DefaultRatingScale
		}
		if d.Reviews.RatingScale < 0 {
			return fmt.Errorf("schema %q: reviews rating_scale must be positive", s.Name)
		}
	}
	if len(s.Items) == 0 {
		return fmt.Errorf("schema %q: items chain is required", s.Name)
	}
	for _, p := range []string{s.CategoryPattern, s.ProductURLPattern} {
		if _, err := compileRegex(p); err != nil {
			return fmt.Errorf("schema %q: %w", s.Name, err)
		}
	}

	var errs []error
	check := func(field string, format Format, c Chain) {
		for _, st := range c {
			if err := st.check(format); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", field, err))
			}
		}
	}
	check("categories", s.StartFormat, s.Categories)
	check("items", s.Format, s.Items)
	check("next_page", s.Format, s.NextPage)
	for name, c := range s.Fields.chains() {
		check("fields."+name, s.Format, c)
	}
	if d := s.Detail; d != nil {
		for name, c := range d.chains() {
			check("detail."+name, s.Format, c)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("schema %q: %w", s.Name, err)
	}
	return nil
}

func (st Strategy) check(format Format) error {
	if st.Expr == "" && st.Kind != KindCSS {
		return fmt.Errorf("%s strategy needs an expression", st.Kind)
	}
	switch st.Kind {
	case KindJSON:
		if format != FormatJSON {
			return fmt.Errorf("json strategy %q on %s documents", st.Expr, format)
		}
	case KindCSS, KindXPath:
		if format != FormatHTML {
			return fmt.Errorf("%s strategy %q on %s documents", st.Kind, st.Expr, format)
		}
	case KindRegex:
		if _, err := compileRegex(st.Expr); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown strategy kind %q", st.Kind)
	}
	return nil
}

func (f ListingFields) chains() map[string]Chain {
	return map[string]Chain{
		"id": f.ID, "title": f.Title, "price": f.Price, "brand": f.Brand,
		"rating": f.Rating, "review_count": f.ReviewCount, "url": f.URL,
		"image_url": f.ImageURL, "is_ad": f.IsAd,
	}
}

func (d *DetailSchema) chains() map[string]Chain {
	return map[string]Chain{
		"title": d.Title, "item_url": d.ItemURL, "price": d.Price, "brand": d.Brand,
		"description": d.Description, "rating": d.Rating, "review_count": d.ReviewCount,
		"image_url": d.ImageURL, "specs.rows": d.Specs.Rows, "specs.key": d.Specs.Key,
		"specs.value": d.Specs.Value, "reviews.items": d.Reviews.Items,
		"reviews.comment": d.Reviews.Comment, "reviews.rating": d.Reviews.Rating,
		"reviews.date": d.Reviews.Date,
	}
}

// HasDetail reports whether items get a detail-page phase.
func (s *Schema) HasDetail() bool {
	return s.Detail != nil
}

// HasNextPageRule reports whether pagination follows explicit next links
// instead of incrementing the page parameter.
func (s *Schema) HasNextPageRule() bool {
	return len(s.NextPage) > 0
}

// ListingPageURL builds the listing URL for a category and page number.
func (s *Schema) ListingPageURL(category string, page int) string {
	base := strings.ReplaceAll(s.ListingURL, "{category}", url.PathEscape(category))
	return WithQuery(base, s.PageParam, strconv.Itoa(page))
}

// NextListingURL increments the page parameter of the current listing URL.
func (s *Schema) NextListingURL(current string, page int) string {
	return WithQuery(current, s.PageParam, strconv.Itoa(page))
}

// DetailURL returns the detail document URL for an item. The template may
// reference {id} or {url}.
func (s *Schema) DetailURL(it models.Item) string {
	if s.Detail == nil || s.Detail.URL == "" {
		return it.URL
	}
	r := strings.NewReplacer("{id}", url.PathEscape(it.ID), "{url}", url.QueryEscape(it.URL))
	return r.Replace(s.Detail.URL)
}

// ReviewsURL returns the separate reviews URL for an item, or "" when
// reviews are read from the detail document.
func (s *Schema) ReviewsURL(it models.Item) string {
	if s.Detail == nil || s.Detail.ReviewsURL == "" {
		return ""
	}
	return strings.ReplaceAll(s.Detail.ReviewsURL, "{id}", url.PathEscape(it.ID))
}

// Classify maps a previously fetched URL back to a work unit, used when
// resuming from the failure ledger. Unknown URLs are treated as listing pages.
func (s *Schema) Classify(rawURL string) models.WorkUnit {
	if id, ok := matchTemplate(s.reviewsTemplate(), rawURL, "{id}"); ok {
		return models.NewWorkUnit(models.UnitReviewPage, rawURL, map[string]string{"id": id})
	}
	if id, ok := s.productID(rawURL); ok {
		return models.NewWorkUnit(models.UnitProductDetail, rawURL, map[string]string{"id": id})
	}
	category, _ := matchTemplate(s.ListingURL, rawURL, "{category}")
	return models.PageUnit(category, rawURL, QueryInt(rawURL, s.PageParam, 1))
}

func (s *Schema) reviewsTemplate() string {
	if s.Detail == nil {
		return ""
	}
	return s.Detail.ReviewsURL
}

func (s *Schema) productID(rawURL string) (string, bool) {
	if s.Detail != nil && s.Detail.URL != "" {
		if id, ok := matchTemplate(s.Detail.URL, rawURL, "{id}"); ok {
			return id, true
		}
	}
	if s.ProductURLPattern == "" {
		return "", false
	}
	re, err := compileRegex(s.ProductURLPattern)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(rawURL)
	if m == nil {
		return "", false
	}
	if len(m) > 1 && m[1] != "" {
		return m[1], true
	}
	return CanonicalURL(rawURL), true
}

// IdentityFromURL derives an item id from a product URL.
func (s *Schema) IdentityFromURL(rawURL string) string {
	if id, ok := s.productID(rawURL); ok {
		return id
	}
	return CanonicalURL(rawURL)
}

// matchTemplate matches rawURL (query ignored) against a template holding
// one placeholder and returns the placeholder's value.
func matchTemplate(tpl, rawURL, placeholder string) (string, bool) {
	if tpl == "" || !strings.Contains(tpl, placeholder) {
		return "", false
	}
	tplBase, _, _ := strings.Cut(tpl, "?")
	urlBase, _, _ := strings.Cut(rawURL, "?")
	pattern := "^" + strings.ReplaceAll(regexp.QuoteMeta(tplBase), regexp.QuoteMeta(placeholder), `([^/?#]+)`) + "/?$"
	re, err := compileRegex(pattern)
	if err != nil {
		return "", false
	}
	m := re.FindStringSubmatch(urlBase)
	if m == nil {
		return "", false
	}
	v, err := url.PathUnescape(m[1])
	if err != nil {
		return m[1], true
	}
	return v, true
}

var regexCache sync.Map

func compileRegex(pattern string) (*regexp.Regexp, error) {
	if cached, ok := regexCache.Load(pattern); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile regex %q: %w", pattern, err)
	}
	regexCache.Store(pattern, re)
	return re, nil
}
