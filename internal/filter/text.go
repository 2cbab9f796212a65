package filter

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var lineBreakTag = regexp.MustCompile(`<br\s*/?>`)

// SearchableText flattens the parts of a status keyword filters match
// against: spoiler text, content, poll option titles and media descriptions,
// with line and paragraph breaks kept as newlines and markup removed.
func SearchableText(status Status) string {
	parts := []string{status.SpoilerText, status.Content}
	if status.Poll != nil {
		for _, option := range status.Poll.Options {
			parts = append(parts, option.Title)
		}
	}
	for _, media := range status.MediaAttachments {
		description := ""
		if media.Description != nil {
			description = *media.Description
		}
		parts = append(parts, description)
	}
	joined := strings.Join(parts, "\n\n")
	joined = lineBreakTag.ReplaceAllString(joined, "\n")
	joined = strings.ReplaceAll(joined, "</p><p>", "\n\n")
	return textContent(joined)
}

func textContent(markup string) string {
	var b strings.Builder
	tokenizer := html.NewTokenizer(strings.NewReader(markup))
	for {
		switch tokenizer.Next() {
		case html.ErrorToken:
			// io.EOF or malformed input; keep what was read.
			return b.String()
		case html.TextToken:
			b.Write(tokenizer.Text())
		}
	}
}
