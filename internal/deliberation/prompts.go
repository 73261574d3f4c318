package deliberation

import (
	"fmt"
	"strings"

	"github.com/mtzanidakis/synedrio/internal/agent"
)

// SearchBlock renders snippets for inclusion in every phase prompt. Only a
// nil list, meaning search was not triggered, renders as the empty string;
// a triggered search with no results still carries the header.
func SearchBlock(snippets []string) string {
	if snippets == nil {
		return ""
	}
	return "\n\nInternet search results:\n" + strings.Join(snippets, "\n") + "\n\n"
}

func InitialPrompt(query, searchBlock string) string {
	return searchBlock + "Question: " + query + "\n\nProvide a clear, concise answer:"
}

func DeliberationPrompt(query, searchBlock string, initial []agent.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original question: %s\n\n%s\n\n", query, searchBlock)
	fmt.Fprintf(&sb, "Here are responses from all %d agents:\n\n", len(initial))
	sb.WriteString(labeled(initial))
	sb.WriteString(`

After reviewing all responses above, provide:
1. Your analysis of which parts are most accurate
2. Your refined answer incorporating the best insights
3. Any disagreements or concerns you have

Keep your response focused and concise.`)
	return sb.String()
}

func SynthesisPrompt(query, searchBlock string, initial, deliberations []agent.Result) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Original question: %s\n\n%s\n\n", query, searchBlock)
	sb.WriteString("INITIAL RESPONSES:\n")
	sb.WriteString(labeled(initial))
	sb.WriteString("\n\nDELIBERATIONS:\n")
	sb.WriteString(labeled(deliberations))
	sb.WriteString(`

Based on ALL the information above, synthesize the single BEST, most accurate, and complete answer to the original question. 

Your response should:
- Be clear and well-structured
- Incorporate the strongest points from all agents
- Resolve any disagreements
- Be concise but comprehensive

Final answer:`)
	return sb.String()
}

// labeled renders results as "<agent>: <text>" blocks. Failures appear as
// "Error: <message>" so peers can see who did not answer.
func labeled(results []agent.Result) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.Agent + ": " + r.Display()
	}
	return strings.Join(parts, "\n\n")
}
