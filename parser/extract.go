package parser

import (
	"regexp"
	"strings"

	"github.com/aluiziolira/go-scrape-products/models"
)

// ExtractListing returns the items found on a listing page in document order.
// Missing fields take their defaults; cards without usable fields are still
// returned and left to the caller's validation.
func ExtractListing(doc *Document, s *Schema, pageURL string) []models.Item {
	if doc == nil {
		return nil
	}
	base := s.linkBase(pageURL)
	cards := doc.Root().Nodes(s.Items)
	items := make([]models.Item, 0, len(cards))
	for _, card := range cards {
		items = append(items, extractCard(card, s, base))
	}
	return items
}

func extractCard(n Node, s *Schema, base string) models.Item {
	f := s.Fields
	it := models.Item{
		Title:       NormalizeText(n.First(f.Title)),
		Price:       NormalizePrice(n.First(f.Price), s.PriceDivisor),
		Brand:       NormalizeText(n.First(f.Brand)),
		Rating:      ParseRating(n.First(f.Rating), s.RatingScale),
		ReviewCount: ParseCount(n.First(f.ReviewCount)),
		URL:         CanonicalURL(ResolveURL(base, n.First(f.URL))),
		ImageURL:    ResolveURL(base, n.First(f.ImageURL)),
		IsAd:        ParseBool(n.First(f.IsAd)),
	}
	it.ID = strings.TrimSpace(n.First(f.ID))
	if it.ID == "" && it.URL != "" {
		it.ID = s.IdentityFromURL(it.URL)
	}
	return it
}

// ReviewFields is one review as read from a document, before it is tied to
// an item.
type ReviewFields struct {
	Comment string
	Rating  *float64
	Date    string
}

// Review attaches the fields to an item.
func (r ReviewFields) Review(it models.Item) models.Review {
	return models.Review{
		ItemID:  it.ID,
		ItemURL: it.URL,
		Comment: r.Comment,
		Rating:  r.Rating,
		Date:    r.Date,
	}
}

// DetailFields holds what a product detail document adds to an item.
type DetailFields struct {
	Title       string
	URL         string
	Price       float64
	Brand       string
	Description string
	Rating      *float64
	ReviewCount int
	ImageURL    string
	Specs       map[string]string
	Reviews     []ReviewFields
}

// ExtractDetail reads detail fields, specs and reviews from a product page.
func ExtractDetail(doc *Document, s *Schema, pageURL string) DetailFields {
	if doc == nil || s.Detail == nil {
		return DetailFields{}
	}
	d := s.Detail
	root := doc.Root()
	base := s.linkBase(pageURL)

	out := DetailFields{
		Title:       NormalizeText(root.First(d.Title)),
		Price:       NormalizePrice(root.First(d.Price), s.PriceDivisor),
		Brand:       NormalizeText(root.First(d.Brand)),
		Description: NormalizeText(root.First(d.Description)),
		Rating:      ParseRating(root.First(d.Rating), s.RatingScale),
		ReviewCount: ParseCount(root.First(d.ReviewCount)),
		ImageURL:    ResolveURL(base, root.First(d.ImageURL)),
		Reviews:     ExtractReviews(doc, s),
	}
	if u := root.First(d.ItemURL); u != "" {
		out.URL = CanonicalURL(ResolveURL(base, u))
	}
	if len(d.Specs.Rows) > 0 {
		for _, row := range root.Nodes(d.Specs.Rows) {
			k := NormalizeText(row.First(d.Specs.Key))
			v := NormalizeText(strings.Join(row.All(d.Specs.Value), ", "))
			if k == "" || v == "" {
				continue
			}
			if out.Specs == nil {
				out.Specs = make(map[string]string)
			}
			out.Specs[k] = v
		}
	}
	return out
}

// ExtractReviews reads the reviews of a detail or review page. Reviews with
// neither a comment nor a rating are skipped.
func ExtractReviews(doc *Document, s *Schema) []ReviewFields {
	if doc == nil || s.Detail == nil || len(s.Detail.Reviews.Items) == 0 {
		return nil
	}
	rule := s.Detail.Reviews
	var out []ReviewFields
	for _, n := range doc.Root().Nodes(rule.Items) {
		r := ReviewFields{
			Comment: NormalizeText(n.First(rule.Comment)),
			Rating:  ParseRating(n.First(rule.Rating), rule.RatingScale),
			Date:    NormalizeText(n.First(rule.Date)),
		}
		if r.Comment == "" && r.Rating == nil {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Apply merges the detail fields into the listing-phase item. Fields the
// detail page did not yield keep their listing values.
func (d DetailFields) Apply(it models.Item) models.Item {
	return it.Merge(models.Item{
		Title:       d.Title,
		Price:       d.Price,
		Brand:       d.Brand,
		Rating:      d.Rating,
		ReviewCount: d.ReviewCount,
		URL:         d.URL,
		ImageURL:    d.ImageURL,
		Specs:       d.Specs,
		Description: d.Description,
	})
}

// ExtractCategories returns the category codes on a discovery document,
// deduplicated in document order. With a category pattern, only values
// matching it are kept and its first capture group is the code.
func ExtractCategories(doc *Document, s *Schema) []string {
	if doc == nil {
		return nil
	}
	var pattern *regexp.Regexp
	if s.CategoryPattern != "" {
		re, err := compileRegex(s.CategoryPattern)
		if err != nil {
			return nil
		}
		pattern = re
	}

	seen := make(map[string]struct{})
	var out []string
	for _, v := range doc.Root().All(s.Categories) {
		code := v
		if pattern != nil {
			m := pattern.FindStringSubmatch(v)
			if m == nil {
				continue
			}
			if len(m) > 1 {
				code = m[1]
			}
		}
		code = strings.TrimSpace(code)
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		out = append(out, code)
	}
	return out
}

// NextPageURL returns the absolute URL of the next listing page, or "" when
// the schema has no next-page rule or the page has no link.
func NextPageURL(doc *Document, s *Schema, pageURL string) string {
	if doc == nil || !s.HasNextPageRule() {
		return ""
	}
	href := doc.Root().First(s.NextPage)
	if href == "" {
		return ""
	}
	return ResolveURL(pageURL, href)
}

func (s *Schema) linkBase(pageURL string) string {
	if s.SiteURL != "" {
		return s.SiteURL
	}
	return pageURL
}
