package pipeline

import (
	"fmt"
	"strings"

	"github.com/bdobrica/kotoba/internal/kotoba/memory"
)

// DefaultPersona opens every prompt. %s is replaced by the user identifier.
const DefaultPersona = "You are a helpful AI assistant talking to %s. " +
	"Keep your replies concise, friendly and aware of what was said before."

// defaultTurnChars bounds each side of a remembered turn inside the prompt.
const defaultTurnChars = 100

// buildPrompt assembles the single prompt sent to the backend.
//
// The first %s in the persona is replaced by the user; everything else in it,
// including other % signs, is used verbatim.
func buildPrompt(persona, user, message string, memories []memory.Entry, turnChars int) string {
	if persona == "" {
		persona = DefaultPersona
	}
	if turnChars <= 0 {
		turnChars = defaultTurnChars
	}

	var sb strings.Builder
	sb.WriteString(strings.Replace(persona, "%s", user, 1))
	sb.WriteString("\n")

	if len(memories) > 0 {
		sb.WriteString("\nRelevant earlier conversation:\n")
		for i, m := range memories {
			fmt.Fprintf(&sb, "%d. %s said: %q. You replied: %q.\n",
				i+1, user, clip(m.UserMessage, turnChars), clip(m.AssistantResponse, turnChars))
		}
	}

	fmt.Fprintf(&sb, "\nCurrent message from %s: %s\n", user, message)
	sb.WriteString("Reply in a friendly, contextual way, referring to earlier turns only when they help. " +
		"Keep it short and natural.")
	return sb.String()
}

// clip truncates s to n runes, marking the cut with an ellipsis.
func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "…"
}
