// Package extract applies field selectors to an HTML page and returns the
// structured article they describe.
package extract

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/andybalholm/cascadia"

	"github.com/zen-systems/selfheal/pkg/consensus"
)

// Article holds the fields extracted from one page.
type Article struct {
	URL      string            `json:"url"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Date     *time.Time        `json:"date,omitempty"`
	DateRaw  string            `json:"date_raw,omitempty"`
	Authors  []string          `json:"authors,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// ErrMissingFields is matched by *MissingFieldsError.
var ErrMissingFields = errors.New("required fields missing")

// MissingFieldsError lists required fields whose selectors matched nothing.
type MissingFieldsError struct {
	Fields []string
}

func (e *MissingFieldsError) Error() string {
	return fmt.Sprintf("required fields matched no content: %s", strings.Join(e.Fields, ", "))
}

func (e *MissingFieldsError) Is(target error) bool {
	return target == ErrMissingFields
}

var dateLayouts = []string{
	time.RFC3339,
	time.RFC1123Z,
	time.RFC1123,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
	"January 2, 2006",
	"Jan 2, 2006",
	"2 January 2006",
	"02/01/2006",
}

// Extract applies selectors to doc. Required fields that resolve to empty
// text produce a *MissingFieldsError alongside the partial article.
func Extract(doc *goquery.Document, selectors consensus.Selectors, pageURL string, required []string) (*Article, error) {
	if doc == nil {
		return nil, fmt.Errorf("document is nil")
	}

	article := &Article{URL: pageURL}
	for _, field := range selectors.Fields() {
		selector := strings.TrimSpace(selectors[field])
		if selector == "" {
			continue
		}
		sel, err := find(doc, selector)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field, err)
		}

		switch field {
		case consensus.FieldTitle:
			article.Title = collapse(sel.First().Text())
		case consensus.FieldBody:
			article.Body = bodyText(sel)
		case consensus.FieldDate:
			article.DateRaw, article.Date = extractDate(sel.First())
		case consensus.FieldAuthor:
			sel.Each(func(_ int, s *goquery.Selection) {
				article.Authors = append(article.Authors, ParseAuthors(collapse(s.Text()))...)
			})
		default:
			if text := collapse(sel.First().Text()); text != "" {
				if article.Metadata == nil {
					article.Metadata = make(map[string]string)
				}
				article.Metadata[field] = text
			}
		}
	}

	if missing := article.missing(required); len(missing) > 0 {
		return article, &MissingFieldsError{Fields: missing}
	}
	return article, nil
}

// MatchedFields reports which selectors match at least one element with
// text. It is used to describe what broke before asking for a repair.
func MatchedFields(doc *goquery.Document, selectors consensus.Selectors) (matched, broken []string) {
	for _, field := range selectors.Fields() {
		sel, err := find(doc, selectors[field])
		if err != nil || collapse(sel.Text()) == "" {
			broken = append(broken, field)
			continue
		}
		matched = append(matched, field)
	}
	return matched, broken
}

func (a *Article) missing(required []string) []string {
	var out []string
	for _, field := range required {
		var value string
		switch field {
		case consensus.FieldTitle:
			value = a.Title
		case consensus.FieldBody:
			value = a.Body
		case consensus.FieldDate:
			value = a.DateRaw
		case consensus.FieldAuthor:
			value = strings.Join(a.Authors, "")
		default:
			value = a.Metadata[field]
		}
		if value == "" {
			out = append(out, field)
		}
	}
	return out
}

// find compiles selector up front so a malformed model proposal surfaces
// as an error instead of an empty match.
func find(doc *goquery.Document, selector string) (*goquery.Selection, error) {
	compiled, err := cascadia.Compile(strings.TrimSpace(selector))
	if err != nil {
		return nil, fmt.Errorf("invalid selector %q: %w", selector, err)
	}
	return doc.FindMatcher(compiled), nil
}

// ValidSelector reports whether selector compiles.
func ValidSelector(selector string) error {
	if strings.TrimSpace(selector) == "" {
		return fmt.Errorf("empty selector")
	}
	_, err := cascadia.Compile(strings.TrimSpace(selector))
	return err
}

func bodyText(sel *goquery.Selection) string {
	var parts []string
	sel.Each(func(_ int, s *goquery.Selection) {
		s = s.Clone()
		s.Find("script, style, noscript").Remove()
		if text := collapse(s.Text()); text != "" {
			parts = append(parts, text)
		}
	})
	return strings.Join(parts, "\n\n")
}

func extractDate(sel *goquery.Selection) (string, *time.Time) {
	raw := ""
	for _, attr := range []string{"datetime", "content"} {
		if v, ok := sel.Attr(attr); ok && strings.TrimSpace(v) != "" {
			raw = strings.TrimSpace(v)
			break
		}
	}
	if raw == "" {
		raw = collapse(sel.Text())
	}
	if raw == "" {
		return "", nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return raw, &t
		}
	}
	return raw, nil
}

// ParseAuthors splits a byline on ", " or " and ", dropping a leading "By".
func ParseAuthors(text string) []string {
	text = strings.TrimSpace(text)
	if lower := strings.ToLower(text); strings.HasPrefix(lower, "by ") {
		text = strings.TrimSpace(text[3:])
	}
	if text == "" {
		return nil
	}

	var parts []string
	switch {
	case strings.Contains(text, ", "):
		parts = strings.Split(text, ", ")
	case strings.Contains(text, " and "):
		parts = strings.Split(text, " and ")
	default:
		return []string{text}
	}

	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(p), "and "))
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
