// Package normalize cleans extracted text fields and canonicalizes story dates.
package normalize

import (
	"regexp"
	"strings"
	"time"

	"github.com/oreusol/pangolin/internal/crawler"
)

// CanonicalLayout is the stored date representation (dd-mm-yy HH-MM-SS).
const CanonicalLayout = "02-01-06 15-04-05"

// dateLayouts are tried in order; the first successful parse wins.
var dateLayouts = []string{
	"Jan 2, 2006 3:04 PM",
	"January 2, 2006 3:04 PM",
	"Jan 2, 2006 15:04",
	"January 2, 2006 15:04",
	"Jan 2, 2006 3:04 PM IST",
	"January 2, 2006 3:04 PM IST",
	"Jan 2, 2006 15:04 IST",
	"January 2, 2006 15:04 IST",
}

var (
	escapeChars = regexp.MustCompile("[\a\b\f\n\r\t\v]")
	dateLabel   = regexp.MustCompile(`(?i)^(updated|published|posted|first published|last updated)\s*:\s*`)
	innerSpace  = regexp.MustCompile(`\s{2,}`)
)

// CleanText turns control/escape characters into spaces, collapses runs of
// whitespace and trims the result.
func CleanText(s string) string {
	s = escapeChars.ReplaceAllString(s, " ")
	return strings.TrimSpace(innerSpace.ReplaceAllString(s, " "))
}

// ParseDate converts a listing or detail-page date into CanonicalLayout.
// It returns a *crawler.DateFormatError when no layout matches.
func ParseDate(input string) (string, error) {
	candidate := prepareDate(input)
	for _, layout := range dateLayouts {
		t, err := time.Parse(layout, candidate)
		if err != nil {
			continue
		}
		return t.Format(CanonicalLayout), nil
	}
	return "", &crawler.DateFormatError{Input: input}
}

// ParseDates returns the first candidate that parses. When none does, the
// error is for the first non-empty candidate.
func ParseDates(candidates []string) (string, error) {
	var first error
	for _, c := range candidates {
		if CleanText(c) == "" {
			continue
		}
		out, err := ParseDate(c)
		if err == nil {
			return out, nil
		}
		if first == nil {
			first = err
		}
	}
	if first == nil {
		return "", &crawler.DateFormatError{}
	}
	return "", first
}

// Record finalizes a parser's raw record. On a date error the record is still
// returned, carrying the cleaned raw date text, together with the error.
func Record(raw crawler.RawRecord) (crawler.Record, error) {
	rec := crawler.Record{
		Source:      strings.TrimSpace(raw.Source),
		Title:       CleanText(raw.Title),
		Description: CleanText(raw.Description),
		URL:         strings.TrimSpace(raw.URL),
		Location:    strings.TrimSpace(raw.Location),
	}
	candidates := raw.Dates
	if len(candidates) == 0 && raw.Date != "" {
		candidates = []string{raw.Date}
	}
	date, err := ParseDates(candidates)
	if err != nil {
		rec.Date = firstNonEmpty(candidates)
		return rec, err
	}
	rec.Date = date
	return rec, nil
}

func prepareDate(input string) string {
	return dateLabel.ReplaceAllString(CleanText(input), "")
}

func firstNonEmpty(candidates []string) string {
	for _, c := range candidates {
		if cleaned := CleanText(c); cleaned != "" {
			return cleaned
		}
	}
	return ""
}
