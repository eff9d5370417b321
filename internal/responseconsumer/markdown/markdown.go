// Package markdown converts a ProgressFrame's raw content into chat blocks,
// extracting action buttons from annotated fenced code blocks and mapping
// the remaining markdown subset to the chat platform's rich text dialect
// (spec §4.5 point 1), grounded on this codebase's small hand-rolled
// parsers (internal/tui/mention.go, internal/coordinator/plan.go) rather
// than a general-purpose markdown library.
package markdown

import (
	"encoding/json"
	"regexp"
	"strings"

	"github.com/basket/chatagentctl/internal/chat"
)

const maxButtonValueChars = 2000

// fencedActionBlock matches ```lang { action: "Label" [, show: bool] }\nbody```.
var fencedActionBlock = regexp.MustCompile("(?s)```([a-zA-Z0-9_-]+)\\s*\\{([^}]*)\\}\\s*\\n(.*?)```")

var actionAttr = regexp.MustCompile(`action\s*:\s*"([^"]*)"`)
var showAttr = regexp.MustCompile(`show\s*:\s*(true|false)`)

// Parse extracts action buttons and renders the remainder as rendered
// chat.Block sections, per spec §4.5 points 1 and 3 (without the size caps,
// which the responseconsumer package applies in its truncate/capBlocks).
func Parse(content string) []chat.Block {
	remaining, buttons := extractActionBlocks(content)

	var blocks []chat.Block
	for _, section := range splitSections(remaining) {
		rendered := renderInline(section)
		if rendered == "" {
			continue
		}
		blocks = append(blocks, chat.SectionBlock{Text: rendered})
	}
	if len(buttons) > 0 {
		blocks = append(blocks, chat.ActionsBlock{Buttons: buttons})
	}
	return blocks
}

// extractActionBlocks pulls every well-formed annotated fenced block out of
// content, dropping button values over maxButtonValueChars with a log-worthy
// zero value (the caller logs; this function stays side-effect free), and
// returns the content with those blocks removed.
func extractActionBlocks(content string) (string, []chat.ActionButton) {
	var buttons []chat.ActionButton

	cleaned := fencedActionBlock.ReplaceAllStringFunc(content, func(match string) string {
		parts := fencedActionBlock.FindStringSubmatch(match)
		if parts == nil {
			return match
		}
		lang, attrs, body := parts[1], parts[2], strings.TrimSuffix(parts[3], "\n")

		actionMatch := actionAttr.FindStringSubmatch(attrs)
		if actionMatch == nil {
			return match // not an action block; leave as a plain fenced block
		}
		label := actionMatch[1]

		value := body
		if lang == "blockkit" {
			var js json.RawMessage
			if err := json.Unmarshal([]byte(body), &js); err == nil {
				value = string(js)
			}
		}
		if len(value) > maxButtonValueChars {
			return "" // dropped; caller is expected to have logged upstream context
		}

		show := true
		if sm := showAttr.FindStringSubmatch(attrs); sm != nil {
			show = sm[1] == "true"
		}
		if show {
			buttons = append(buttons, chat.ActionButton{Label: label, Value: value})
		}
		return ""
	})

	return cleaned, buttons
}

// DroppedButtonCount reports how many action blocks in content exceed the
// value size cap, so the caller can log it without duplicating the scan.
func DroppedButtonCount(content string) int {
	n := 0
	for _, match := range fencedActionBlock.FindAllStringSubmatch(content, -1) {
		if len(match) < 4 {
			continue
		}
		if actionAttr.FindStringSubmatch(match[2]) == nil {
			continue
		}
		if len(strings.TrimSuffix(match[3], "\n")) > maxButtonValueChars {
			n++
		}
	}
	return n
}

func splitSections(text string) []string {
	raw := strings.Split(strings.TrimSpace(text), "\n\n")
	sections := make([]string, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s != "" {
			sections = append(sections, s)
		}
	}
	return sections
}

// renderInline maps the markdown subset spec §4.5 names (headers, bold,
// italics, inline code, links, lists) to the chat platform's dialect. Links,
// italics (_x_) and inline code (`x`) already match the target dialect
// verbatim; only bold and headers/lists need reshaping.
func renderInline(section string) string {
	lines := strings.Split(section, "\n")
	for i, line := range lines {
		line = renderHeader(line)
		line = renderListItem(line)
		lines[i] = renderBold(line)
	}
	return strings.Join(lines, "\n")
}

func renderHeader(line string) string {
	trimmed := strings.TrimLeft(line, "#")
	level := len(line) - len(trimmed)
	if level == 0 || !strings.HasPrefix(trimmed, " ") {
		return line
	}
	return "*" + strings.TrimSpace(trimmed) + "*"
}

func renderListItem(line string) string {
	for _, marker := range []string{"- ", "* "} {
		if strings.HasPrefix(line, marker) {
			return "• " + line[len(marker):]
		}
	}
	return line
}

var boldMarker = regexp.MustCompile(`\*\*(.+?)\*\*`)

func renderBold(line string) string {
	return boldMarker.ReplaceAllString(line, "*$1*")
}
