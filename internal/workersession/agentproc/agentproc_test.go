package agentproc

import "testing"

func TestParseLineAssistantText(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"content":[{"type":"text","text":"hello "},{"type":"text","text":"world"}]}}` + "\n")
	rec := parseLine(line)
	if rec.Type != RecordAssistant {
		t.Fatalf("expected assistant record, got %s", rec.Type)
	}
	if rec.Text != "hello world" {
		t.Fatalf("expected concatenated text, got %q", rec.Text)
	}
}

func TestParseLineTodoWrite(t *testing.T) {
	line := []byte(`{"type":"assistant","message":{"content":[{"type":"tool_use","name":"TodoWrite","input":{"todos":[{"id":"1","content":"write tests","status":"in_progress"}]}}]}}` + "\n")
	rec := parseLine(line)
	if len(rec.Todos) != 1 {
		t.Fatalf("expected one todo, got %d", len(rec.Todos))
	}
	if rec.Todos[0].Status != "in_progress" {
		t.Fatalf("unexpected todo status: %+v", rec.Todos[0])
	}
}

func TestParseLineError(t *testing.T) {
	line := []byte(`{"type":"error","message":"agent crashed"}` + "\n")
	rec := parseLine(line)
	if rec.Type != RecordError {
		t.Fatalf("expected error record, got %s", rec.Type)
	}
	if rec.Message != "agent crashed" {
		t.Fatalf("unexpected message: %q", rec.Message)
	}
}

func TestParseLineSystemIgnored(t *testing.T) {
	line := []byte(`{"type":"system","subtype":"init"}` + "\n")
	rec := parseLine(line)
	if rec.Type != RecordSystem {
		t.Fatalf("expected system record, got %s", rec.Type)
	}
	if rec.Text != "" {
		t.Fatalf("expected no text for system record, got %q", rec.Text)
	}
}

func TestParseLineNonJSONIsFreeform(t *testing.T) {
	line := []byte("just some plain output\n")
	rec := parseLine(line)
	if rec.Type != RecordFreeform {
		t.Fatalf("expected freeform record, got %s", rec.Type)
	}
	if rec.Text != "just some plain output" {
		t.Fatalf("unexpected text: %q", rec.Text)
	}
}

func TestParseLineMessageType(t *testing.T) {
	line := []byte(`{"type":"message","content":"plain body"}` + "\n")
	rec := parseLine(line)
	if rec.Content != "plain body" {
		t.Fatalf("unexpected content: %q", rec.Content)
	}
}
