package genai

import (
	"fmt"

	"canvas-chat/internal/llm"
	"canvas-chat/internal/models"
)

const (
	// HistoryWindow is the number of most recent turns sent verbatim.
	HistoryWindow = 10
	topicLength   = 150
)

// CompactHistory converts stored messages to provider turns. Turns beyond the
// window collapse into one leading model-role summary.
func CompactHistory(history []models.Message) []llm.Message {
	turns := make([]models.Message, 0, len(history))
	for _, m := range history {
		if m.Role == models.RoleSystem || (m.Text == "" && len(m.Attachments) == 0) {
			continue
		}
		turns = append(turns, m)
	}

	if len(turns) <= HistoryWindow {
		return toTurns(turns)
	}

	omitted := len(turns) - HistoryWindow
	retained := turns[omitted:]

	out := make([]llm.Message, 0, HistoryWindow+1)
	out = append(out, llm.Message{Role: "assistant", Content: summaryText(turns[0], retained, omitted)})
	return append(out, toTurns(retained)...)
}

func summaryText(earliest models.Message, retained []models.Message, omitted int) string {
	text := fmt.Sprintf("[Summary of earlier conversation: %d earlier messages omitted. The conversation began with: \"%s\".", omitted, prefix(earliest.Text, topicLength))
	for _, m := range retained {
		if m.Role == models.RoleUser {
			text += fmt.Sprintf(" The recent discussion picks up at: \"%s\".", prefix(m.Text, topicLength))
			break
		}
	}
	return text + "]"
}

func toTurns(msgs []models.Message) []llm.Message {
	out := make([]llm.Message, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, toTurn(m))
	}
	return out
}

func toTurn(m models.Message) llm.Message {
	role := "user"
	if m.Role == models.RoleModel {
		role = "assistant"
	}
	turn := llm.Message{Role: role, Content: m.Text}
	for _, a := range m.Attachments {
		turn.Images = append(turn.Images, llm.Image{MimeType: a.MimeType, Data: a.Data})
	}
	return turn
}

func prefix(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
