package genai

import "strings"

const baseInstruction = `You are a coding assistant building a single-file HTML application together with a group of users.
The whole application lives in one HTML document (inline <style> and <script>).

To make a small change, answer with one or more patch blocks. Each SEARCH part must be copied verbatim from the current document:
<<<<SEARCH
exact lines from the current document
====
replacement lines
>>>>

To rewrite the application, answer with the complete document in one fenced block:
` + "```html" + `
<!DOCTYPE html>
...
` + "```" + `

Keep explanations short.`

// SystemInstruction embeds the current canvas so the model edits in context.
func SystemInstruction(canvasHTML string) string {
	var b strings.Builder
	b.WriteString(baseInstruction)
	b.WriteString("\n\nCurrent document:\n")
	if strings.TrimSpace(canvasHTML) == "" {
		b.WriteString("(empty, no application yet)")
		return b.String()
	}
	b.WriteString("```html\n")
	b.WriteString(canvasHTML)
	b.WriteString("\n```")
	return b.String()
}
