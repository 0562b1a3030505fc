// Package delivery turns model output into chat messages: throttled
// streaming edits, cleanup and chunking to the platform's length limit.
package delivery

import (
	"sort"
	"strings"
	"unicode/utf8"
)

// DefaultMaxLen is the per-message limit used when none is configured.
const DefaultMaxLen = 4000

// Split breaks text into chunks of at most maxLen runes, preferring
// paragraph, then line, then word boundaries.
func Split(text string, maxLen int) []string {
	if maxLen <= 0 {
		maxLen = DefaultMaxLen
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for utf8.RuneCountInString(text) > maxLen {
		window := prefixRunes(text, maxLen)
		cut := breakPoint(window)
		chunk := strings.TrimRight(window[:cut], " \n\t")
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = strings.TrimLeft(text[cut:], " \n\t")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

// breakPoint returns the byte offset at which to cut window.
func breakPoint(window string) int {
	for _, sep := range []string{"\n\n", "\n", " "} {
		if i := strings.LastIndex(window, sep); i > 0 {
			return i + len(sep)
		}
	}
	return len(window)
}

// prefixRunes returns the first n runes of s.
func prefixRunes(s string, n int) string {
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Clean strips formatting markers the chat surface cannot render. Markers
// ending in a space ("# ", "## ") only match at the start of a line. Other
// markers are removed only where they open and close an emphasis run, and
// never inside code fences or inline code spans.
func Clean(text string, markers []string) string {
	if len(markers) == 0 {
		return text
	}
	sorted := append([]string(nil), markers...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })

	var prefix, inline []string
	for _, m := range sorted {
		switch {
		case m == "":
		case strings.HasSuffix(m, " "):
			prefix = append(prefix, m)
		default:
			inline = append(inline, m)
		}
	}

	lines := strings.Split(text, "\n")
	inFence := false
	for i, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			inFence = !inFence
			continue
		}
		if inFence {
			continue
		}
		lines[i] = cleanLine(line, prefix, inline)
	}
	return strings.Join(lines, "\n")
}

func cleanLine(line string, prefix, inline []string) string {
	for _, m := range prefix {
		trimmed := strings.TrimLeft(line, " \t")
		if strings.HasPrefix(trimmed, m) {
			line = line[:len(line)-len(trimmed)] + trimmed[len(m):]
		}
	}
	if len(inline) == 0 {
		return line
	}

	var sb strings.Builder
	for _, sp := range splitCode(line) {
		if sp.code {
			sb.WriteString(sp.text)
			continue
		}
		text := sp.text
		for _, m := range inline {
			text = stripPaired(text, m)
		}
		sb.WriteString(text)
	}
	return sb.String()
}

type span struct {
	text string
	code bool
}

// splitCode separates inline code spans, delimited by backtick runs of equal
// length, from the rest of line. A run without a match is plain text.
func splitCode(line string) []span {
	var out []span
	plain := 0
	for i := 0; i < len(line); {
		if line[i] != '`' {
			i++
			continue
		}
		n := backtickRun(line, i)
		end := closingRun(line, i+n, n)
		if end < 0 {
			i += n
			continue
		}
		if plain < i {
			out = append(out, span{text: line[plain:i]})
		}
		out = append(out, span{text: line[i : end+n], code: true})
		i = end + n
		plain = i
	}
	if plain < len(line) {
		out = append(out, span{text: line[plain:]})
	}
	return out
}

func backtickRun(s string, i int) int {
	n := 0
	for i+n < len(s) && s[i+n] == '`' {
		n++
	}
	return n
}

// closingRun returns the offset of the next run of exactly n backticks at or
// after from, or -1.
func closingRun(s string, from, n int) int {
	for i := from; i < len(s); {
		if s[i] != '`' {
			i++
			continue
		}
		m := backtickRun(s, i)
		if m == n {
			return i
		}
		i += m
	}
	return -1
}

// stripPaired removes m where it opens a run (next to a non-space on the
// right) that a later m closes (non-space on the left). A lone marker, as in
// "**kwargs", is kept.
func stripPaired(s, m string) string {
	var sb strings.Builder
	for {
		open := openingMarker(s, m)
		if open < 0 {
			break
		}
		end := closingMarker(s, m, open+len(m))
		if end < 0 {
			break
		}
		sb.WriteString(s[:open])
		sb.WriteString(s[open+len(m) : end])
		s = s[end+len(m):]
	}
	sb.WriteString(s)
	return sb.String()
}

func openingMarker(s, m string) int {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], m)
		if i < 0 {
			return -1
		}
		i += from
		if next := i + len(m); next < len(s) && !isBlank(s[next]) {
			return i
		}
		from = i + len(m)
	}
	return -1
}

func closingMarker(s, m string, from int) int {
	for from < len(s) {
		i := strings.Index(s[from:], m)
		if i < 0 {
			return -1
		}
		i += from
		if i > 0 && !isBlank(s[i-1]) {
			return i
		}
		from = i + len(m)
	}
	return -1
}

func isBlank(b byte) bool { return b == ' ' || b == '\t' }
