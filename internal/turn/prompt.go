package turn

import (
	"strings"

	"outbound-voice/internal/calls"
	"outbound-voice/internal/knowledge"
)

// EndCallMarker is appended by the model when the conversation should end.
const EndCallMarker = "[END_CALL]"

const safetyPreamble = `You are a voice agent on a live phone call. Your words are converted to speech.
Rules:
- Refuse requests that are harmful, illegal, or that would reveal private information about anyone.
- Stay on the business purpose described below. Politely steer off-topic conversation back to it.
- Keep replies short: one to three spoken sentences. No lists, markdown, emoji or URLs.
- Say clock times as words, for example "three thirty in the afternoon", never "3:30 PM".
- When the caller wants to end the call, or the purpose is complete, say a brief goodbye and append ` + EndCallMarker + ` to the end of your reply.`

// SystemPrompt assembles preamble, persona and, when there are any, knowledge
// snippets. Sections are separated by a blank line.
func SystemPrompt(agent calls.Agent, snippets []knowledge.Snippet) string {
	var b strings.Builder
	b.WriteString(safetyPreamble)

	persona := strings.TrimSpace(agent.Persona)
	if persona == "" {
		persona = "You are " + agent.DisplayName() + ", a helpful and polite phone assistant."
	}
	b.WriteString("\n\n")
	b.WriteString(persona)

	if len(snippets) > 0 {
		b.WriteString("\n\nRelevant knowledge:\n")
		for _, s := range snippets {
			b.WriteString("- ")
			if s.Title != "" {
				b.WriteString(s.Title)
				b.WriteString(": ")
			}
			b.WriteString(strings.TrimSpace(s.Content))
			b.WriteString("\n")
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// openingInstruction asks for the first line of an outbound call.
func openingInstruction(agent calls.Agent, contactName string) string {
	who := "the person who answers"
	if contactName != "" {
		who = contactName
	}
	return "The call was just answered. Greet " + who + ", introduce yourself as " + agent.DisplayName() +
		", state why you are calling and ask if they have a minute. One or two sentences."
}

// stripEndMarker removes every end marker and reports whether one was present.
func stripEndMarker(text string) (string, bool) {
	if !strings.Contains(text, EndCallMarker) {
		return strings.TrimSpace(text), false
	}
	return strings.TrimSpace(strings.ReplaceAll(text, EndCallMarker, "")), true
}
