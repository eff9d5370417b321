package workersession

import (
	"strings"

	"github.com/basket/chatagentctl/internal/workersession/agentproc"
)

// renderTodos formats a TodoWrite tool call's todo list as the frame's
// visible content, replacing whatever text had accumulated until then
// (spec §4.4: "a TodoWrite tool call transitions the visible content to a
// formatted todo list").
func renderTodos(todos []agentproc.Todo) string {
	var b strings.Builder
	for _, t := range todos {
		b.WriteString(statusGlyph(t.Status))
		b.WriteByte(' ')
		b.WriteString(t.Content)
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

func statusGlyph(status string) string {
	switch status {
	case "completed":
		return "[x]"
	case "in_progress":
		return "[~]"
	default:
		return "[ ]"
	}
}
