package intent

import (
	"fmt"
	"strings"

	"github.com/kalambet/aide/internal/ollama"
)

const systemPromptTemplate = `You are the intent classifier of a personal assistant. Read the user's input and the conversation so far. Your output must be ONLY a single valid JSON object that conforms to the provided schema. Do not include any other text, prose, or markdown.

Set "kind" to:
- "intent" when the input asks for one concrete action,
- "clarification" when one short question would resolve what the user wants (put it in follow_up_question),
- "unknown" when the input is not a request at all.

Allowed actions: %s.

Rules:
- Use delete_* only when the user explicitly asks to remove something.
- Put the id of any referenced existing item (written like #abc123) in target_id.
- confidence is your certainty in [0,1]; do not inflate it.
- Never invent email recipients or dates that the user did not give.`

// BuildPrompt constructs the Ollama chat messages for classification.
// contextSummary describes the user's usage pattern and current mood; it is
// omitted when empty.
func BuildPrompt(text string, history []ollama.Message, contextSummary string) []ollama.Message {
	names := make([]string, 0, len(Actions))
	for _, a := range Actions {
		if a != ActionUnknown {
			names = append(names, string(a))
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, systemPromptTemplate, strings.Join(names, ", "))

	if contextSummary != "" {
		fmt.Fprintf(&sb, "\n\n[User Context]\n%s", contextSummary)
	}

	messages := []ollama.Message{
		{Role: "system", Content: sb.String()},
	}
	messages = append(messages, history...)
	messages = append(messages, ollama.Message{Role: "user", Content: text})
	return messages
}
