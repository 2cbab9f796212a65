package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeywordPatternBoundaries(t *testing.T) {
	cases := []struct {
		name     string
		keywords []KeywordRow
		want     string
	}{
		{"plain", []KeywordRow{{Keyword: "cat"}}, `(?i)cat`},
		{"whole word", []KeywordRow{{Keyword: "cat", WholeWord: true}}, `(?i)\bcat\b`},
		{"leading symbol", []KeywordRow{{Keyword: "#cat", WholeWord: true}}, `(?i)#cat\b`},
		{"trailing symbol", []KeywordRow{{Keyword: "c++", WholeWord: true}}, `(?i)\bc\+\+`},
		{"escaped", []KeywordRow{{Keyword: "a.b(c)"}}, `(?i)a\.b\(c\)`},
		{"alternation", []KeywordRow{{Keyword: "dog"}, {Keyword: ""}, {Keyword: "cat", WholeWord: true}}, `(?i)dog|\bcat\b`},
		{"empty", []KeywordRow{{Keyword: ""}}, ``},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KeywordPattern(tc.keywords))
		})
	}
}

func TestCompileIsDeterministic(t *testing.T) {
	rows := []KeywordRow{
		{FilterID: "10", Title: "b", Keyword: "beta"},
		{FilterID: "9", Title: "a", Keyword: "alpha", WholeWord: true},
		{FilterID: "10", Title: "b", Keyword: "gamma"},
	}
	first, err := Compile(rows)
	require.NoError(t, err)
	second, err := Compile(rows)
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, "9", first[0].ID)
	assert.Equal(t, "10", first[1].ID)
	assert.Equal(t, `(?i)beta|gamma`, first[1].Pattern)
	for i := range first {
		assert.Equal(t, first[i].Pattern, second[i].Pattern)
	}
}

func TestCompiledMatchesCaseInsensitive(t *testing.T) {
	filters, err := Compile([]KeywordRow{{FilterID: "1", Keyword: "Fedi", WholeWord: true}})
	require.NoError(t, err)
	re := filters[0].Regexp
	assert.True(t, re.MatchString("welcome to the FEDI"))
	assert.True(t, re.MatchString("fedi!"))
	assert.False(t, re.MatchString("fediverse"))
}

func TestSearchableText(t *testing.T) {
	description := "a photo of a cat"
	status := Status{
		SpoilerText: "cw",
		Content:     "<p>line one<br>line two</p><p>para &amp; two</p>",
	}
	status.Poll = &struct {
		Options []struct {
			Title string `json:"title"`
		} `json:"options"`
	}{Options: []struct {
		Title string `json:"title"`
	}{{Title: "yes"}, {Title: "no"}}}
	status.MediaAttachments = []struct {
		Description *string `json:"description"`
	}{{Description: &description}, {Description: nil}}

	want := "cw\n\nline one\nline two\n\npara & two\n\nyes\n\nno\n\na photo of a cat\n\n"
	assert.Equal(t, want, SearchableText(status))
}
