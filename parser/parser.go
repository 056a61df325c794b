package parser

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"unicode"

	"github.com/aluiziolira/go-scrape-products/models"
)

// ValidateItem ensures an item carries the fields required for persistence.
func ValidateItem(it *models.Item) error {
	if it == nil {
		return fmt.Errorf("item is nil")
	}
	if strings.TrimSpace(it.ID) == "" {
		return fmt.Errorf("item missing id for %s", it.URL)
	}
	if strings.TrimSpace(it.Title) == "" {
		return fmt.Errorf("item missing title for %s", it.ID)
	}
	if strings.TrimSpace(it.URL) == "" {
		return fmt.Errorf("item missing url for %s", it.ID)
	}
	return nil
}

// NormalizeDigits maps Persian and Arabic-Indic digits to ASCII.
func NormalizeDigits(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= '۰' && r <= '۹':
			return '0' + (r - '۰')
		case r >= '٠' && r <= '٩':
			return '0' + (r - '٠')
		case r == '٫':
			return '.'
		}
		return r
	}, s)
}

func digitsOnly(s string) string {
	s = NormalizeDigits(s)
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// NormalizePrice strips every non-digit, reads the rest as an integer amount
// in currency subunits and converts it with divisor. Malformed text yields 0.
func NormalizePrice(price string, divisor float64) float64 {
	digits := digitsOnly(price)
	if digits == "" {
		return 0
	}
	v, err := strconv.ParseFloat(digits, 64)
	if err != nil {
		return 0
	}
	if divisor <= 0 {
		divisor = 1
	}
	return v / divisor
}

// ParseCount reads a non-negative integer such as "(1,234 reviews)".
func ParseCount(text string) int {
	digits := digitsOnly(text)
	if digits == "" {
		return 0
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return 0
	}
	return n
}

var numberPattern = regexp.MustCompile(`\d+(?:\.\d+)?`)

// DefaultRatingScale is the top of the rating scale items and reviews are
// stored on.
const DefaultRatingScale = 5

// ParseRating reads a rating given on a 0..scale source scale and maps it
// onto 0..5. Values outside the source scale or without a number are absent.
func ParseRating(text string, scale float64) *float64 {
	if scale <= 0 {
		scale = DefaultRatingScale
	}
	text = NormalizeText(NormalizeDigits(text))
	if text == "" {
		return nil
	}
	m := numberPattern.FindString(text)
	if m == "" {
		return nil
	}
	v, err := strconv.ParseFloat(m, 64)
	if err != nil || math.IsNaN(v) || v < 0 || v > scale {
		return nil
	}
	v = math.Round(v*DefaultRatingScale/scale*100) / 100
	return &v
}

// ParseBool accepts the usual truthy spellings; anything else is false.
func ParseBool(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "true", "1", "yes", "y", "on":
		return true
	default:
		return false
	}
}

// NormalizeText collapses internal whitespace and trims the ends.
func NormalizeText(text string) string {
	return strings.Join(strings.FieldsFunc(text, unicode.IsSpace), " ")
}

// trackingParams are dropped from canonical URLs.
var trackingParams = []string{"gclid", "fbclid", "ref", "referrer", "source", "_gl", "yclid", "msclkid"}

func isTrackingParam(name string) bool {
	name = strings.ToLower(name)
	return strings.HasPrefix(name, "utm_") || slices.Contains(trackingParams, name)
}

// CanonicalURL normalizes a URL for identity: lower-case scheme and host,
// no fragment, tracking parameters removed, remaining parameters sorted,
// no trailing slash.
func CanonicalURL(rawURL string) string {
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return ""
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.RawFragment = ""

	if u.RawQuery != "" {
		q := u.Query()
		for k := range q {
			if isTrackingParam(k) {
				q.Del(k)
			}
		}
		u.RawQuery = q.Encode()
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimRight(u.Path, "/")
		u.RawPath = ""
	}
	return u.String()
}

// ResolveURL resolves ref against base; an unparsable pair returns ref.
func ResolveURL(base, ref string) string {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	if r.IsAbs() || base == "" {
		return r.String()
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}

// WithQuery returns rawURL with key set to value.
func WithQuery(rawURL, key, value string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	q := u.Query()
	q.Set(key, value)
	u.RawQuery = q.Encode()
	return u.String()
}

// QueryInt reads an integer query parameter, returning def when absent.
func QueryInt(rawURL, key string, def int) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return def
	}
	v := u.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
