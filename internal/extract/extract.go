// Package extract turns model output into canvas updates. It understands two
// shapes: search/replace patch blocks and a complete fenced HTML document.
package extract

import (
	"strings"
)

const (
	searchOpen  = "<<<<SEARCH\n"
	separator   = "\n====\n"
	replaceEnd  = "\n>>>>"
	fence       = "```"
	htmlMarker  = "<html"
	doctypeMark = "<!doctype"
)

// Kind says how a Result changed the document.
type Kind string

const (
	KindNone  Kind = "none"
	KindPatch Kind = "patch"
	KindFull  Kind = "full"
)

// OpKind distinguishes a patch block from a full replacement.
type OpKind string

const (
	OpSearchReplace OpKind = "search_replace"
	OpFullReplace   OpKind = "full_replace"
)

// Op is one edit parsed from model output.
type Op struct {
	Kind    OpKind
	Search  string
	Replace string
	Content string
}

// Result is the outcome of applying a response to a document.
type Result struct {
	Kind    Kind
	HTML    string
	Applied []Op
	Skipped []Op
}

// Changed reports whether the result carries a document to store.
func (r Result) Changed() bool { return r.Kind != KindNone }

// Parse returns the edits found in text: every complete patch block in
// order, followed by at most one full replacement.
func Parse(text string) []Op {
	ops := parsePatches(text)
	if doc, ok := fullDocument(text); ok {
		ops = append(ops, Op{Kind: OpFullReplace, Content: doc})
	}
	return ops
}

// Extract applies the edits in text to html. Patch blocks are applied in
// order, each against the result of the previous one, replacing the first
// occurrence of its search text. Blocks whose search text is missing or empty
// are skipped. Only when no patch applied does a full document in text
// replace html. Extract is pure.
func Extract(text, html string) Result {
	res := Result{Kind: KindNone, HTML: html}
	doc := html
	var full *Op
	for _, op := range Parse(text) {
		if op.Kind == OpFullReplace {
			op := op
			full = &op
			continue
		}
		if op.Search == "" || !strings.Contains(doc, op.Search) {
			res.Skipped = append(res.Skipped, op)
			continue
		}
		doc = strings.Replace(doc, op.Search, op.Replace, 1)
		res.Applied = append(res.Applied, op)
	}

	switch {
	case len(res.Applied) > 0:
		res.Kind = KindPatch
		res.HTML = doc
	case full != nil:
		res.Kind = KindFull
		res.HTML = full.Content
		res.Applied = []Op{*full}
	}
	return res
}

func parsePatches(text string) []Op {
	var ops []Op
	rest := text
	for {
		start := strings.Index(rest, searchOpen)
		if start < 0 {
			return ops
		}
		body := rest[start+len(searchOpen):]

		search, afterSearch, ok := cutSeparator(body)
		if !ok {
			return ops
		}
		replace, tail, ok := cutReplace(afterSearch)
		if !ok {
			return ops
		}
		ops = append(ops, Op{Kind: OpSearchReplace, Search: search, Replace: replace})
		rest = tail
	}
}

// cutSeparator splits the search text from the replacement. An empty search
// section puts the separator right after the opening marker.
func cutSeparator(body string) (search, rest string, ok bool) {
	if strings.HasPrefix(body, "====\n") {
		return "", body[len("====\n"):], true
	}
	i := strings.Index(body, separator)
	if i < 0 {
		return "", "", false
	}
	return body[:i], body[i+len(separator):], true
}

// cutReplace finds the closing marker. A marker directly after the
// separator means an empty replacement.
func cutReplace(body string) (replace, rest string, ok bool) {
	if strings.HasPrefix(body, ">>>>") {
		return "", body[len(">>>>"):], true
	}
	i := strings.Index(body, replaceEnd)
	if i < 0 {
		return "", "", false
	}
	return body[:i], body[i+len(replaceEnd):], true
}

type block struct {
	lang    string
	content string
}

// fencedBlocks returns every fenced code block in text. A trailing block
// without a closing fence runs to the end of the text.
func fencedBlocks(text string) []block {
	var blocks []block
	rest := text
	for {
		open := strings.Index(rest, fence)
		if open < 0 {
			return blocks
		}
		rest = rest[open+len(fence):]

		n := 0
		for n < len(rest) && isLangChar(rest[n]) {
			n++
		}
		lang := strings.ToLower(rest[:n])
		rest = rest[n:]

		end := strings.Index(rest, fence)
		if end < 0 {
			blocks = append(blocks, block{lang: lang, content: strings.TrimSpace(rest)})
			return blocks
		}
		blocks = append(blocks, block{lang: lang, content: strings.TrimSpace(rest[:end])})
		rest = rest[end+len(fence):]
	}
}

func fullDocument(text string) (string, bool) {
	blocks := fencedBlocks(text)
	for _, b := range blocks {
		if b.lang == "html" && b.content != "" && !strings.Contains(b.content, searchOpen) {
			return b.content, true
		}
	}
	for _, b := range blocks {
		if strings.Contains(b.content, searchOpen) {
			continue
		}
		lower := strings.ToLower(b.content)
		if strings.Contains(lower, htmlMarker) || strings.Contains(lower, doctypeMark) {
			return b.content, true
		}
	}
	return "", false
}

func isLangChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '_', c == '+', c == '-':
		return true
	}
	return false
}
