package pipeline

import (
	"strings"
	"testing"

	"github.com/bdobrica/kotoba/internal/kotoba/memory"
)

func TestBuildPrompt(t *testing.T) {
	long := strings.Repeat("x", 150)
	memories := []memory.Entry{
		{UserMessage: "What is Go?", AssistantResponse: "A programming language."},
		{UserMessage: long, AssistantResponse: "ok"},
	}

	got := buildPrompt("", "alice", "Tell me more", memories, 100)

	for _, want := range []string{
		"talking to alice",
		"1. alice said: \"What is Go?\". You replied: \"A programming language.\".",
		"2. alice said: \"" + strings.Repeat("x", 100) + "…\"",
		"Current message from alice: Tell me more",
	} {
		if !strings.Contains(got, want) {
			t.Errorf("prompt missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, strings.Repeat("x", 101)) {
		t.Error("remembered turn was not truncated")
	}
}

func TestBuildPrompt_NoMemoriesAndCustomPersona(t *testing.T) {
	got := buildPrompt("You are Kotoba, a terse bot.", "bob", "hi", nil, 0)
	if !strings.HasPrefix(got, "You are Kotoba, a terse bot.\n") {
		t.Errorf("persona not used verbatim:\n%s", got)
	}
	if strings.Contains(got, "earlier conversation") {
		t.Error("memory block should be omitted without memories")
	}
}

func TestBuildPrompt_PersonaIsNotAFormatString(t *testing.T) {
	cases := map[string]string{
		"100% friendly, talking to %s.":     "100% friendly, talking to carol.",
		"Hi %s, I am %s the bot.":           "Hi carol, I am %s the bot.",
		"Discounts of 50%d apply, no user.": "Discounts of 50%d apply, no user.",
	}
	for persona, want := range cases {
		got := buildPrompt(persona, "carol", "hello", nil, 0)
		if !strings.HasPrefix(got, want+"\n") {
			t.Errorf("buildPrompt(%q) starts %q, want %q", persona, strings.SplitN(got, "\n", 2)[0], want)
		}
		if strings.Contains(got, "%!") {
			t.Errorf("persona %q leaked a formatting error:\n%s", persona, got)
		}
	}
}
