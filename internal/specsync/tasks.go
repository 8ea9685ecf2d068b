package specsync

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Heuristic decides whether agent output shows a checklist item was completed.
// It is a best-effort textual match, not a semantic check.
type Heuristic struct {
	// MinTitleLength is the rune count at or above which a verbatim title
	// match is accepted without a nearby completion keyword.
	MinTitleLength int
	// Window is how many bytes around each title occurrence are searched for
	// a keyword when the title is short.
	Window int
	// Keywords are lower-case completion markers.
	Keywords []string
}

// DefaultHeuristic is the tuning used by the package-level helpers.
var DefaultHeuristic = Heuristic{
	MinTitleLength: 10,
	Window:         200,
	Keywords: []string{
		"done",
		"completed",
		"complete",
		"implemented",
		"finished",
		"fixed",
		"resolved",
		"✓",
		"✔",
		"✅",
		"[x]",
	},
}

var uncheckedPattern = regexp.MustCompile(`(?m)^[ \t]*[-*][ \t]+\[ \][ \t]+(?:\[[^\]\n]*\][ \t]+)?(.*?)[ \t]*\r?$`)

// ExtractUnchecked returns the titles of unchecked "- [ ] title" items in
// document order. A leading bracketed tag such as "[P1]" is not part of the title.
func ExtractUnchecked(text string) []string {
	matches := uncheckedPattern.FindAllStringSubmatch(text, -1)
	titles := make([]string, 0, len(matches))
	for _, match := range matches {
		title := strings.TrimSpace(match[1])
		if title == "" {
			continue
		}
		titles = append(titles, title)
	}
	return titles
}

// IsCompletedByOutput applies DefaultHeuristic.
func IsCompletedByOutput(title, output string) bool {
	return DefaultHeuristic.IsCompleted(title, output)
}

// ApplyUpdates applies DefaultHeuristic.
func ApplyUpdates(text, output string) (string, []string) {
	return DefaultHeuristic.Apply(text, output)
}

// IsCompleted reports whether output mentions title (case-insensitive) and,
// for short titles, a keyword appears within Window bytes of some occurrence.
func (h Heuristic) IsCompleted(title, output string) bool {
	needle := strings.ToLower(strings.TrimSpace(title))
	haystack := strings.ToLower(output)
	if needle == "" || !strings.Contains(haystack, needle) {
		return false
	}
	if utf8.RuneCountInString(needle) >= h.MinTitleLength {
		return true
	}

	offset := 0
	for {
		idx := strings.Index(haystack[offset:], needle)
		if idx < 0 {
			return false
		}
		at := offset + idx
		start := at - h.Window
		if start < 0 {
			start = 0
		}
		end := at + len(needle) + h.Window
		if end > len(haystack) {
			end = len(haystack)
		}
		if h.hasKeyword(haystack[start:end]) {
			return true
		}
		offset = at + 1
	}
}

// Apply checks off every unchecked item whose title IsCompleted against
// output. It returns the new text and the titles that changed; running it
// again on its own result changes nothing.
func (h Heuristic) Apply(text, output string) (string, []string) {
	changed := make([]string, 0)
	seen := make(map[string]struct{})
	updated := text

	for _, title := range ExtractUnchecked(text) {
		if _, ok := seen[title]; ok {
			continue
		}
		seen[title] = struct{}{}
		if !h.IsCompleted(title, output) {
			continue
		}
		next, ok := checkItem(updated, title)
		if !ok {
			continue
		}
		updated = next
		changed = append(changed, title)
	}
	return updated, changed
}

func (h Heuristic) hasKeyword(window string) bool {
	for _, keyword := range h.Keywords {
		if keyword != "" && strings.Contains(window, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// checkItem flips "[ ]" to "[x]" on every unchecked line carrying title,
// leaving the bullet, tag and whitespace untouched.
func checkItem(text, title string) (string, bool) {
	pattern, err := regexp.Compile(`(?m)^([ \t]*[-*][ \t]+)\[ \]([ \t]+(?:\[[^\]\n]*\][ \t]+)?` + regexp.QuoteMeta(title) + `[ \t]*\r?)$`)
	if err != nil {
		return text, false
	}
	matches := pattern.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, false
	}

	var builder strings.Builder
	builder.Grow(len(text))
	last := 0
	for _, match := range matches {
		box := match[3]
		builder.WriteString(text[last:box])
		builder.WriteString("[x]")
		last = box + len("[ ]")
	}
	builder.WriteString(text[last:])
	return builder.String(), true
}
