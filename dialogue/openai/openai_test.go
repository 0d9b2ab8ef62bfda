package openai

import (
	"testing"

	gopenai "github.com/sashabaranov/go-openai"

	"github.com/axiomvoice/axiom/model"
)

func TestNewRequiresKey(t *testing.T) {
	if _, err := New(""); err == nil {
		t.Fatal("want error for empty api key")
	}
	c, err := New("sk-test")
	if err != nil {
		t.Fatal(err)
	}
	if c.model != DefaultModel {
		t.Fatalf("model = %q, want default", c.model)
	}
}

func TestWithModel(t *testing.T) {
	c, err := New("sk-test", WithModel(gopenai.GPT4o))
	if err != nil {
		t.Fatal(err)
	}
	if c.model != gopenai.GPT4o {
		t.Fatalf("model = %q", c.model)
	}
}

func TestBuildMessages(t *testing.T) {
	history := []model.Turn{
		{Speaker: model.SpeakerCaller, Text: "hello"},
		{Speaker: model.SpeakerAssistant, Text: "hi, how can I help?"},
		{Speaker: model.SpeakerCaller, Text: "what's the time"},
	}

	messages := buildMessages("be brief", history)
	if len(messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(messages))
	}
	if messages[0].Role != gopenai.ChatMessageRoleSystem || messages[0].Content != "be brief" {
		t.Fatalf("system message = %+v", messages[0])
	}
	wantRoles := []string{
		gopenai.ChatMessageRoleUser,
		gopenai.ChatMessageRoleAssistant,
		gopenai.ChatMessageRoleUser,
	}
	for i, want := range wantRoles {
		if messages[i+1].Role != want {
			t.Fatalf("message %d role = %q, want %q", i+1, messages[i+1].Role, want)
		}
	}
}
