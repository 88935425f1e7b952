package extract

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExtractFullDocumentFromHTMLFence(t *testing.T) {
	text := "Here you go:\n```html<!DOCTYPE html><html><body><button>0</button></body></html>```\nEnjoy."

	res := Extract(text, "")

	require.Equal(t, KindFull, res.Kind)
	require.Equal(t, "<!DOCTYPE html><html><body><button>0</button></body></html>", res.HTML)
}

func TestExtractPatchReplacesFirstOccurrence(t *testing.T) {
	html := "<html><body><button>Click</button><button>Click</button></body></html>"
	text := "Renaming.\n<<<<SEARCH\n<button>Click</button>\n====\n<button>Tap</button>\n>>>>\nDone."

	res := Extract(text, html)

	require.Equal(t, KindPatch, res.Kind)
	require.Equal(t, "<html><body><button>Tap</button><button>Click</button></body></html>", res.HTML)
	require.Len(t, res.Applied, 1)
	require.Empty(t, res.Skipped)
}

func TestExtractPatchesAccumulateWithinOneCall(t *testing.T) {
	html := "<p>a</p>"
	text := "<<<<SEARCH\n<p>a</p>\n====\n<p>b</p>\n>>>>\n<<<<SEARCH\n<p>b</p>\n====\n<p>c</p>\n>>>>"

	res := Extract(text, html)

	require.Equal(t, KindPatch, res.Kind)
	require.Equal(t, "<p>c</p>", res.HTML)
	require.Len(t, res.Applied, 2)
}

func TestExtractSkipsMismatchedPatch(t *testing.T) {
	html := "<div>x</div>"
	text := "<<<<SEARCH\n<div>missing</div>\n====\n<div>y</div>\n>>>>\n<<<<SEARCH\n<div>x</div>\n====\n<div>z</div>\n>>>>"

	res := Extract(text, html)

	require.Equal(t, KindPatch, res.Kind)
	require.Equal(t, "<div>z</div>", res.HTML)
	require.Len(t, res.Skipped, 1)
	require.Equal(t, "<div>missing</div>", res.Skipped[0].Search)
}

func TestExtractFallsBackToFullWhenNoPatchMatches(t *testing.T) {
	text := "<<<<SEARCH\nnope\n====\nyes\n>>>>\n```html\n<html><body>new</body></html>\n```"

	res := Extract(text, "<html><body>old</body></html>")

	require.Equal(t, KindFull, res.Kind)
	require.Equal(t, "<html><body>new</body></html>", res.HTML)
	require.Len(t, res.Skipped, 1)
}

func TestExtractUnlabelledBlockWithDoctype(t *testing.T) {
	text := "```js\nconsole.log(1)\n```\n```\n<!doctype html>\n<title>t</title>\n```"

	res := Extract(text, "")

	require.Equal(t, KindFull, res.Kind)
	require.Equal(t, "<!doctype html>\n<title>t</title>", res.HTML)
}

func TestExtractNoMatchLeavesCanvasUntouched(t *testing.T) {
	res := Extract("Just talking about buttons.\n```css\nbody{}\n```", "<html></html>")

	require.Equal(t, KindNone, res.Kind)
	require.False(t, res.Changed())
	require.Equal(t, "<html></html>", res.HTML)
}

func TestExtractUnterminatedHTMLBlockWhileStreaming(t *testing.T) {
	res := Extract("```html\n<!DOCTYPE html>\n<html><body>", "")

	require.Equal(t, KindFull, res.Kind)
	require.Equal(t, "<!DOCTYPE html>\n<html><body>", res.HTML)
}

func TestExtractIncompletePatchIsIgnored(t *testing.T) {
	res := Extract("<<<<SEARCH\n<b>x</b>\n====\n<b>y", "<b>x</b>")

	require.Equal(t, KindNone, res.Kind)
	require.Equal(t, "<b>x</b>", res.HTML)
}

func TestExtractEmptyReplaceDeletes(t *testing.T) {
	res := Extract("<<<<SEARCH\n<hr>\n====\n>>>>", "<p>a</p><hr><p>b</p>")

	require.Equal(t, KindPatch, res.Kind)
	require.Equal(t, "<p>a</p><p>b</p>", res.HTML)
}

func TestExtractEmptySearchIsSkipped(t *testing.T) {
	res := Extract("<<<<SEARCH\n====\n<p>new</p>\n>>>>", "<p>a</p>")

	require.Equal(t, KindNone, res.Kind)
	require.Len(t, res.Skipped, 1)
}

func TestExtractIsDeterministic(t *testing.T) {
	html := "<ul><li>1</li></ul>"
	text := "<<<<SEARCH\n<li>1</li>\n====\n<li>1</li><li>2</li>\n>>>>"

	first := Extract(text, html)
	for i := 0; i < 20; i++ {
		require.Equal(t, first, Extract(text, html))
	}

	// the search text survives its own replacement, so a second pass applies again
	again := Extract(text, first.HTML)
	require.Equal(t, "<ul><li>1</li><li>2</li><li>2</li></ul>", again.HTML)

	removing := "<<<<SEARCH\n<li>2</li>\n====\n<li>3</li>\n>>>>"
	once := Extract(removing, first.HTML)
	twice := Extract(removing, once.HTML)
	require.Equal(t, KindNone, twice.Kind)
	require.Equal(t, once.HTML, twice.HTML)
}

func TestParseReturnsTypedOps(t *testing.T) {
	ops := Parse("<<<<SEARCH\na\n====\nb\n>>>>\n```html\n<html></html>\n```")

	require.Equal(t, []Op{
		{Kind: OpSearchReplace, Search: "a", Replace: "b"},
		{Kind: OpFullReplace, Content: "<html></html>"},
	}, ops)
}

func TestParseIgnoresFencedPatches(t *testing.T) {
	ops := Parse("```html\n<<<<SEARCH\n<html>\n====\n<html lang=\"en\">\n>>>>\n```")

	require.Len(t, ops, 1)
	require.Equal(t, OpSearchReplace, ops[0].Kind)
}

func TestProseDropsCode(t *testing.T) {
	text := "I added a button.\n```html\n<button>x</button>\n```\nAnd fixed the title.\n<<<<SEARCH\n<title>a</title>\n====\n<title>b</title>\n>>>>\nThanks!"

	got := Prose(text)

	require.Equal(t, "I added a button. And fixed the title. Thanks!", got)
	require.False(t, strings.Contains(got, "<"))
}
