// Package extract locates strings (links, challenge images, form fields)
// inside page content returned by hosting sites.
package extract

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Locator finds one string in page content
type Locator interface {
	Find(content string) (string, bool)
}

// Pattern is a regex locator. If the expression has a capture group the
// first group is returned, otherwise the whole match.
type Pattern struct {
	re *regexp.Regexp
}

// NewPattern compiles expr into a Pattern
func NewPattern(expr string) (*Pattern, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern %q: %w", expr, err)
	}
	return &Pattern{re: re}, nil
}

// MustPattern is NewPattern that panics on an invalid expression
func MustPattern(expr string) *Pattern {
	p, err := NewPattern(expr)
	if err != nil {
		panic(err)
	}
	return p
}

// Find implements Locator
func (p *Pattern) Find(content string) (string, bool) {
	m := p.re.FindStringSubmatch(content)
	if m == nil {
		return "", false
	}
	if len(m) > 1 {
		return m[1], true
	}
	return m[0], true
}

// FindAll returns every match, using the same group rule as Find
func (p *Pattern) FindAll(content string) []string {
	var out []string
	for _, m := range p.re.FindAllStringSubmatch(content, -1) {
		if len(m) > 1 {
			out = append(out, m[1])
		} else {
			out = append(out, m[0])
		}
	}
	return out
}

func (p *Pattern) String() string { return p.re.String() }

// Selector is a CSS selector locator. It returns the named attribute of
// the first matching element, or its trimmed text when Attr is empty.
type Selector struct {
	Query string
	Attr  string
}

// Find implements Locator
func (s Selector) Find(content string) (string, bool) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", false
	}

	sel := doc.Find(s.Query).First()
	if sel.Length() == 0 {
		return "", false
	}

	if s.Attr == "" {
		text := strings.TrimSpace(sel.Text())
		return text, text != ""
	}
	return sel.Attr(s.Attr)
}

func (s Selector) String() string {
	if s.Attr == "" {
		return s.Query
	}
	return s.Query + "@" + s.Attr
}

// ParseLocator builds a locator from its textual form: "css:QUERY@ATTR"
// (or "css:QUERY" for text) selects with goquery, anything else is a regex.
func ParseLocator(def string) (Locator, error) {
	if rest, ok := strings.CutPrefix(def, "css:"); ok {
		query, attr, _ := strings.Cut(rest, "@")
		if strings.TrimSpace(query) == "" {
			return nil, fmt.Errorf("empty css selector in %q", def)
		}
		return Selector{Query: query, Attr: attr}, nil
	}
	return NewPattern(def)
}

// First tries each locator in order and returns the first hit
func First(content string, locators ...Locator) (string, bool) {
	for _, l := range locators {
		if l == nil {
			continue
		}
		if v, ok := l.Find(content); ok {
			return v, true
		}
	}
	return "", false
}

// FormFields collects the named input values of the first form matching
// query, hidden fields included, along with the form action.
func FormFields(content, query string) (action string, fields url.Values, err error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(content))
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse page: %w", err)
	}

	form := doc.Find(query).First()
	if form.Length() == 0 {
		return "", nil, fmt.Errorf("no form matches %q", query)
	}

	fields = url.Values{}
	form.Find("input[name], textarea[name], select[name]").Each(func(_ int, s *goquery.Selection) {
		name, _ := s.Attr("name")
		if t, _ := s.Attr("type"); t == "file" || t == "submit" {
			return
		}
		if goquery.NodeName(s) == "select" {
			fields.Set(name, s.Find("option[selected]").AttrOr("value", ""))
			return
		}
		if goquery.NodeName(s) == "textarea" {
			fields.Set(name, s.Text())
			return
		}
		fields.Set(name, s.AttrOr("value", ""))
	})

	action, _ = form.Attr("action")
	return action, fields, nil
}

// Resolve turns ref into an absolute URL relative to base
func Resolve(base, ref string) (string, error) {
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid base URL %q: %w", base, err)
	}
	r, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return "", fmt.Errorf("invalid reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}
