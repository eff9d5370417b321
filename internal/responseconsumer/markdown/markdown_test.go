package markdown

import (
	"strings"
	"testing"

	"github.com/basket/chatagentctl/internal/chat"
)

func TestParseExtractsSingleActionButton(t *testing.T) {
	content := "intro text\n\n```text { action: \"Approve\" }\nyes\n```"
	blocks := Parse(content)

	var found *chat.ActionsBlock
	for _, b := range blocks {
		if ab, ok := b.(chat.ActionsBlock); ok {
			found = &ab
		}
	}
	if found == nil {
		t.Fatalf("expected an ActionsBlock, got %+v", blocks)
	}
	if len(found.Buttons) != 1 {
		t.Fatalf("expected exactly one button, got %d", len(found.Buttons))
	}
	if found.Buttons[0].Label != "Approve" || found.Buttons[0].Value != "yes" {
		t.Fatalf("unexpected button: %+v", found.Buttons[0])
	}
}

func TestParseDropsOversizedButtonValue(t *testing.T) {
	body := strings.Repeat("x", maxButtonValueChars+1)
	content := "```text { action: \"Big\" }\n" + body + "\n```"
	blocks := Parse(content)
	for _, b := range blocks {
		if ab, ok := b.(chat.ActionsBlock); ok {
			t.Fatalf("expected oversized button to be dropped, got %+v", ab)
		}
	}
	if DroppedButtonCount(content) != 1 {
		t.Fatalf("expected DroppedButtonCount=1, got %d", DroppedButtonCount(content))
	}
}

func TestParseNonActionFencedBlockIsKeptVerbatim(t *testing.T) {
	content := "```go\nfmt.Println(\"hi\")\n```"
	blocks := Parse(content)
	if len(blocks) != 1 {
		t.Fatalf("expected one section block, got %+v", blocks)
	}
	sec, ok := blocks[0].(chat.SectionBlock)
	if !ok {
		t.Fatalf("expected SectionBlock, got %T", blocks[0])
	}
	if !strings.Contains(sec.Text, "fmt.Println") {
		t.Fatalf("expected fenced body preserved, got %q", sec.Text)
	}
}

func TestParseHeaderAndListAndBold(t *testing.T) {
	content := "# Title\n\n- one\n- two\n\nplain **bold** text"
	blocks := Parse(content)
	if len(blocks) != 3 {
		t.Fatalf("expected 3 sections, got %d: %+v", len(blocks), blocks)
	}
	title := blocks[0].(chat.SectionBlock).Text
	if title != "*Title*" {
		t.Fatalf("unexpected header rendering: %q", title)
	}
	list := blocks[1].(chat.SectionBlock).Text
	if list != "• one\n• two" {
		t.Fatalf("unexpected list rendering: %q", list)
	}
	bold := blocks[2].(chat.SectionBlock).Text
	if bold != "plain *bold* text" {
		t.Fatalf("unexpected bold rendering: %q", bold)
	}
}

func TestParseBlockkitBodyParsedAsJSON(t *testing.T) {
	content := "```blockkit { action: \"Open\" }\n{\"foo\":\"bar\"}\n```"
	blocks := Parse(content)
	var found chat.ActionsBlock
	for _, b := range blocks {
		if ab, ok := b.(chat.ActionsBlock); ok {
			found = ab
		}
	}
	if len(found.Buttons) != 1 || found.Buttons[0].Value != `{"foo":"bar"}` {
		t.Fatalf("unexpected blockkit button: %+v", found.Buttons)
	}
}

func TestParseRespectsShowFalse(t *testing.T) {
	content := "```text { action: \"Hidden\", show: false }\nval\n```"
	blocks := Parse(content)
	for _, b := range blocks {
		if _, ok := b.(chat.ActionsBlock); ok {
			t.Fatalf("expected no ActionsBlock when show=false, got %+v", blocks)
		}
	}
}
