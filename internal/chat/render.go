package chat

import (
	"regexp"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// RenderBlocks flattens a parsed block list into Telegram message text plus
// an optional inline keyboard for ActionsBlocks. fallback is used verbatim
// when blocks is empty.
func RenderBlocks(fallback string, blocks []Block) (string, *tgbotapi.InlineKeyboardMarkup) {
	if len(blocks) == 0 {
		return fallback, nil
	}

	var sections []string
	var rows [][]tgbotapi.InlineKeyboardButton

	for _, block := range blocks {
		switch b := block.(type) {
		case SectionBlock:
			if b.Text != "" {
				sections = append(sections, b.Text)
			}
		case DividerBlock:
			sections = append(sections, strings.Repeat("─", 20))
		case ActionsBlock:
			var row []tgbotapi.InlineKeyboardButton
			for _, btn := range b.Buttons {
				if btn.URL != "" {
					row = append(row, tgbotapi.NewInlineKeyboardButtonURL(btn.Label, btn.URL))
				} else {
					row = append(row, tgbotapi.NewInlineKeyboardButtonData(btn.Label, btn.Label))
				}
			}
			if len(row) > 0 {
				rows = append(rows, row)
			}
		}
	}

	text := strings.Join(sections, "\n\n")
	if text == "" {
		text = fallback
	}

	var keyboard *tgbotapi.InlineKeyboardMarkup
	if len(rows) > 0 {
		kb := tgbotapi.NewInlineKeyboardMarkup(rows...)
		keyboard = &kb
	}
	return text, keyboard
}

// EscapeMarkdownV2 escapes Telegram MarkdownV2 special characters, grounded
// on this codebase's escapeMarkdownV2 helper.
func EscapeMarkdownV2(s string) string {
	const specialChars = "_*[]()~>#+-=|{}.!\\"
	var out strings.Builder
	out.Grow(len(s) * 2)
	for _, r := range s {
		if strings.ContainsRune(specialChars, r) {
			out.WriteByte('\\')
		}
		out.WriteRune(r)
	}
	return out.String()
}

var boldSpan = regexp.MustCompile(`\*([^*]*)\*`)

// EscapeMarkdownV2Preserving escapes MarkdownV2 specials the way
// EscapeMarkdownV2 does, except it leaves *bold* spans markdown.Parse already
// applied intact rather than escaping their asterisks, so the result can be
// sent with ParseMode MarkdownV2 without mangling that formatting.
func EscapeMarkdownV2Preserving(s string) string {
	var out strings.Builder
	last := 0
	for _, loc := range boldSpan.FindAllStringIndex(s, -1) {
		out.WriteString(EscapeMarkdownV2(s[last:loc[0]]))
		out.WriteByte('*')
		out.WriteString(EscapeMarkdownV2(s[loc[0]+1 : loc[1]-1]))
		out.WriteByte('*')
		last = loc[1]
	}
	out.WriteString(EscapeMarkdownV2(s[last:]))
	return out.String()
}
