package tokens

import (
	"strings"
	"testing"

	"github.com/divanvisagie/reservoir/internal/apperr"
	"github.com/divanvisagie/reservoir/internal/models"
)

func msg(role, content string) models.ChatMessage {
	return models.ChatMessage{Role: role, Content: content}
}

func Test_CountMessages_IncludesPrimingOverhead(t *testing.T) {
	a := New()
	messages := []models.ChatMessage{msg("user", "hello")}
	n := a.CountMessages("gpt-4", messages)
	if n <= a.Count("gpt-4", "hello") {
		t.Fatalf("expected overhead to be added, got %d", n)
	}
}

func Test_ValidateInput_Boundary(t *testing.T) {
	a := New()
	text := strings.Repeat("a", 4) // roughly 1 token with the fallback estimator
	ceiling := a.Count("unknown-model", text)

	if err := a.ValidateInput("unknown-model", text, ceiling); err != nil {
		t.Fatalf("expected ceiling to pass, got %v", err)
	}

	longer := text + strings.Repeat("a", 12)
	if err := a.ValidateInput("unknown-model", longer, ceiling); err == nil {
		t.Fatalf("expected InputTooLarge, got nil")
	} else if appErr, ok := apperr.As(err); !ok || appErr.Kind != apperr.InputTooLarge {
		t.Fatalf("expected InputTooLarge, got %v", err)
	}
}

func Test_Truncate_KeepsSystemAndFinalUser(t *testing.T) {
	a := New()
	messages := []models.ChatMessage{
		msg("system", "be nice"),
		msg("user", "old question one"),
		msg("assistant", "old answer one"),
		msg("user", "old question two"),
		msg("assistant", "old answer two"),
		msg("user", "final question"),
	}

	full := a.CountMessages("gpt-4", messages)
	out, err := a.Truncate("gpt-4", messages, full-1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if out[0].Role != "system" {
		t.Fatalf("expected system message first, got %+v", out[0])
	}
	last := out[len(out)-1]
	if last.Content != "final question" {
		t.Fatalf("expected final user message preserved, got %+v", last)
	}
	if len(out) >= len(messages) {
		t.Fatalf("expected truncation to drop at least one message, got %d of %d", len(out), len(messages))
	}
}

func Test_Truncate_FailsWhenMandatoryAloneExceedsBudget(t *testing.T) {
	a := New()
	messages := []models.ChatMessage{
		msg("system", strings.Repeat("x", 4000)),
		msg("user", "final question"),
	}
	_, err := a.Truncate("gpt-4", messages, 1)
	if err == nil {
		t.Fatalf("expected InputTooLarge")
	}
	if appErr, ok := apperr.As(err); !ok || appErr.Kind != apperr.InputTooLarge {
		t.Fatalf("expected InputTooLarge, got %v", err)
	}
}

func Test_Truncate_DropsOldestFirst(t *testing.T) {
	a := New()
	messages := []models.ChatMessage{
		msg("user", "oldest"),
		msg("user", "middle"),
		msg("user", "final question"),
	}
	budget := a.CountMessages("gpt-4", messages[1:]) // room for only the newest two
	out, err := a.Truncate("gpt-4", messages, budget)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, m := range out {
		if m.Content == "oldest" {
			t.Fatalf("expected oldest message to be dropped, got %+v", out)
		}
	}
}
