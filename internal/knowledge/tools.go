package knowledge

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
)

// SearchTool builds the repository-search tool binding attached to a
// model call when a prompt carries repository ids. The binding is scoped
// to the actor identity so the model cannot search outside it.
func SearchTool(repositoryIDs []int64, actor Identity) llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name: "search_repository",
			Description: fmt.Sprintf(
				"Search the %d attached knowledge repositories for passages relevant to a query. Results are scoped to user %d.",
				len(repositoryIDs), actor.UserID),
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{
						"type":        "string",
						"description": "Natural-language search query.",
					},
					"limit": map[string]any{
						"type":        "integer",
						"description": "Maximum number of passages to return.",
					},
				},
				"required": []string{"query"},
			},
		},
	}
}

// NamedTools converts explicitly enabled tool names into bindings the
// provider layer understands. Unknown names are skipped.
func NamedTools(names []string) []llms.Tool {
	tools := make([]llms.Tool, 0, len(names))
	for _, name := range names {
		switch name {
		case "web_search":
			tools = append(tools, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        "web_search",
					Description: "Search the web for up-to-date information.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"query": map[string]any{"type": "string"},
						},
						"required": []string{"query"},
					},
				},
			})
		case "calculator":
			tools = append(tools, llms.Tool{
				Type: "function",
				Function: &llms.FunctionDefinition{
					Name:        "calculator",
					Description: "Evaluate an arithmetic expression.",
					Parameters: map[string]any{
						"type": "object",
						"properties": map[string]any{
							"expression": map[string]any{"type": "string"},
						},
						"required": []string{"expression"},
					},
				},
			})
		}
	}
	return tools
}
