package retrieval

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"
)

const (
	minTokenLen = 4
	minScore    = 2
	yearBonus   = 2
)

// tokens returns the distinct lowercase words of text at least minTokenLen
// runes long.
func tokens(text string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if utf8.RuneCountInString(f) < minTokenLen || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// normalizeKey collapses case, whitespace and surrounding punctuation.
func normalizeKey(text string) string {
	s := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	return strings.TrimFunc(s, func(r rune) bool {
		return unicode.IsPunct(r) || unicode.IsSpace(r)
	})
}

// dedupe drops documents whose normalized title and snippet were already seen.
func dedupe(docs []Document) []Document {
	seen := make(map[string]bool, len(docs))
	out := docs[:0:0]
	for _, d := range docs {
		key := normalizeKey(d.Title) + "\x00" + normalizeKey(d.Snippet)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, d)
	}
	return out
}

// rank scores docs against prompt, drops weak matches, and keeps the best
// limit in stable descending order.
func rank(prompt string, docs []Document, now time.Time, limit int) []Document {
	terms := tokens(prompt)
	years := []string{strconv.Itoa(now.Year()), strconv.Itoa(now.Year() - 1)}

	type scored struct {
		doc   Document
		score int
	}
	var kept []scored
	for _, d := range dedupe(docs) {
		hay := strings.ToLower(d.Title + " " + d.Snippet)
		score := 0
		for _, t := range terms {
			if strings.Contains(hay, t) {
				score++
			}
		}
		for _, y := range years {
			if strings.Contains(hay, y) {
				score += yearBonus
				break
			}
		}
		if score >= minScore {
			kept = append(kept, scored{doc: d, score: score})
		}
	}

	sort.SliceStable(kept, func(i, j int) bool { return kept[i].score > kept[j].score })
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	out := make([]Document, len(kept))
	for i, k := range kept {
		out[i] = k.doc
	}
	return out
}

// format renders docs as the labelled block injected into the prompt,
// truncated to maxChars runes.
func format(docs []Document, retrievedAt time.Time, maxChars int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "VERIFIED DATA (retrieved %s):\n", retrievedAt.UTC().Format(time.RFC1123))
	for i, d := range docs {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, d.Title)
		if d.Snippet != "" {
			fmt.Fprintf(&sb, "   %s\n", d.Snippet)
		}
		fmt.Fprintf(&sb, "   Source: %s [%s]\n", d.URL, d.Source)
	}
	return truncateRunes(strings.TrimRight(sb.String(), "\n"), maxChars)
}

func truncateRunes(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	return string([]rune(s)[:max])
}
