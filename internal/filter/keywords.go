package filter

import (
	"regexp"
	"sort"
	"strings"
	"time"
)

// KeywordRow is one keyword of one active custom filter as stored.
type KeywordRow struct {
	FilterID  string
	Title     string
	Context   []string
	ExpiresAt *time.Time
	Action    string
	Keyword   string
	WholeWord bool
}

// CompiledFilter is one custom filter with its keywords compiled into a
// single case-insensitive alternation.
type CompiledFilter struct {
	ID        string
	Title     string
	Context   []string
	ExpiresAt *time.Time
	Action    string
	Pattern   string
	Regexp    *regexp.Regexp
}

// Expired reports whether the filter stopped applying at now.
func (f CompiledFilter) Expired(now time.Time) bool {
	return f.ExpiresAt != nil && !f.ExpiresAt.After(now)
}

// Compile groups rows by filter id and compiles one expression per filter.
// Filters are returned ordered by id and keywords keep their row order, so
// the same rows always produce the same patterns.
func Compile(rows []KeywordRow) ([]CompiledFilter, error) {
	type group struct {
		row      KeywordRow
		keywords []KeywordRow
	}
	groups := make(map[string]*group)
	ids := make([]string, 0)
	for _, row := range rows {
		g, ok := groups[row.FilterID]
		if !ok {
			g = &group{row: row}
			groups[row.FilterID] = g
			ids = append(ids, row.FilterID)
		}
		g.keywords = append(g.keywords, row)
	}
	sort.Slice(ids, func(i, j int) bool { return lessID(ids[i], ids[j]) })

	compiled := make([]CompiledFilter, 0, len(ids))
	for _, id := range ids {
		g := groups[id]
		pattern := KeywordPattern(g.keywords)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, CompiledFilter{
			ID:        g.row.FilterID,
			Title:     g.row.Title,
			Context:   g.row.Context,
			ExpiresAt: g.row.ExpiresAt,
			Action:    g.row.Action,
			Pattern:   pattern,
			Regexp:    re,
		})
	}
	return compiled, nil
}

// lessID orders numeric ids numerically and falls back to string order.
func lessID(a, b string) bool {
	if len(a) != len(b) && isDigits(a) && isDigits(b) {
		return len(a) < len(b)
	}
	return a < b
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// KeywordPattern builds the case-insensitive alternation for keywords.
// Whole-word keywords are anchored with \b only on sides where the keyword
// begins or ends with a word character.
func KeywordPattern(keywords []KeywordRow) string {
	parts := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw.Keyword == "" {
			continue
		}
		expr := regexp.QuoteMeta(kw.Keyword)
		if kw.WholeWord {
			if isWordByte(kw.Keyword[0]) {
				expr = `\b` + expr
			}
			if isWordByte(kw.Keyword[len(kw.Keyword)-1]) {
				expr = expr + `\b`
			}
		}
		parts = append(parts, expr)
	}
	if len(parts) == 0 {
		return ""
	}
	return "(?i)" + strings.Join(parts, "|")
}

func isWordByte(b byte) bool {
	return b == '_' || ('0' <= b && b <= '9') || ('a' <= b && b <= 'z') || ('A' <= b && b <= 'Z')
}
