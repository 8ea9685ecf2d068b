package specsync

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtractUnchecked(t *testing.T) {
	t.Parallel()

	got := ExtractUnchecked("- [ ] Write tests\n- [x] Done thing\n- [ ] [P1] Ship it")
	assert.Equal(t, []string{"Write tests", "Ship it"}, got)
}

func TestExtractUncheckedVariants(t *testing.T) {
	t.Parallel()

	doc := strings.Join([]string{
		"# Plan",
		"",
		"  * [ ] Indented star bullet  ",
		"- [ ]\tTabbed title",
		"- [X] Upper-case checked",
		"- [ ]",
		"- [ ] [P1 Unclosed tag",
		"1. [ ] Ordered list is not a bullet",
		"- [ ] Windows line\r",
		"text - [ ] not at line start",
	}, "\n")

	got := ExtractUnchecked(doc)
	assert.Equal(t, []string{
		"Indented star bullet",
		"Tabbed title",
		"[P1 Unclosed tag",
		"Windows line",
	}, got)
}

func TestIsCompletedByOutputShortTitles(t *testing.T) {
	t.Parallel()

	assert.True(t, IsCompletedByOutput("fix", "We fixed the bug and it is done"))
	assert.False(t, IsCompletedByOutput("fix", "we will fix this later"))
	assert.False(t, IsCompletedByOutput("fix", "nothing relevant here, all done"))
	assert.True(t, IsCompletedByOutput("Add CLI", "✅ add cli"))
}

func TestIsCompletedByOutputLongTitlesNeedOnlySubstring(t *testing.T) {
	t.Parallel()

	assert.True(t, IsCompletedByOutput("Write tests", "I still need to write tests for this"))
	assert.True(t, IsCompletedByOutput("Parse config FILE", "parse config file"))
	assert.False(t, IsCompletedByOutput("Write tests", "wrote some tests"))
	assert.False(t, IsCompletedByOutput("   ", "anything"))
}

func TestIsCompletedByOutputChecksEveryOccurrence(t *testing.T) {
	t.Parallel()

	padding := strings.Repeat(".", 400)
	output := "lint is pending" + padding + "lint: done"
	assert.True(t, IsCompletedByOutput("lint", output))

	farAway := "lint" + strings.Repeat(" ", 250) + "done"
	assert.False(t, IsCompletedByOutput("lint", farAway))
}

func TestDefaultHeuristicIsPinned(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 10, DefaultHeuristic.MinTitleLength)
	assert.Equal(t, 200, DefaultHeuristic.Window)
	assert.Equal(t, []string{
		"done", "completed", "complete", "implemented", "finished",
		"fixed", "resolved", "✓", "✔", "✅", "[x]",
	}, DefaultHeuristic.Keywords)

	// Nine runes is still short; ten is long.
	assert.False(t, IsCompletedByOutput("abcdefghi", "abcdefghi"))
	assert.True(t, IsCompletedByOutput("abcdefghij", "abcdefghij"))
}

func TestCustomHeuristic(t *testing.T) {
	t.Parallel()

	strict := Heuristic{MinTitleLength: 100, Window: 10, Keywords: []string{"SHIPPED"}}
	assert.True(t, strict.IsCompleted("Write tests", "write tests shipped"))
	assert.False(t, strict.IsCompleted("Write tests", "write tests were done"))
}

func TestApplyUpdatesPreservesFormattingAndIsIdempotent(t *testing.T) {
	t.Parallel()

	doc := strings.Join([]string{
		"# Tasks",
		"  - [ ] [P1]  Write tests  ",
		"* [ ] Ship it",
		"- [x] Already done item",
		"- [ ] Keep (this) one.*",
		"- [ ] Write tests",
	}, "\n")
	output := "Implemented everything: write tests passing, keep (this) one.* too. Ship it: done."

	updated, changed := ApplyUpdates(doc, output)
	assert.Equal(t, []string{"Write tests", "Ship it", "Keep (this) one.*"}, changed)
	assert.Equal(t, strings.Join([]string{
		"# Tasks",
		"  - [x] [P1]  Write tests  ",
		"* [x] Ship it",
		"- [x] Already done item",
		"- [x] Keep (this) one.*",
		"- [x] Write tests",
	}, "\n"), updated)

	again, changedAgain := ApplyUpdates(updated, output)
	assert.Empty(t, changedAgain)
	assert.Equal(t, updated, again)
}

func TestApplyUpdatesNoMatchLeavesTextUntouched(t *testing.T) {
	t.Parallel()

	doc := "- [ ] Write tests\n"
	updated, changed := ApplyUpdates(doc, "unrelated output")
	assert.Empty(t, changed)
	assert.NotNil(t, changed)
	assert.Equal(t, doc, updated)
}

func TestApplyUpdatesDoesNotTouchLongerTitles(t *testing.T) {
	t.Parallel()

	doc := "- [ ] Write tests for parser\n- [ ] Write tests\n"
	updated, changed := ApplyUpdates(doc, "write tests")
	assert.Equal(t, []string{"Write tests"}, changed)
	assert.Equal(t, "- [ ] Write tests for parser\n- [x] Write tests\n", updated)
}
