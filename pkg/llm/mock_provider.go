package llm

import (
	"context"
	"encoding/json"
	"strings"
)

// MockProvider is a deterministic stand-in used when LLM_PROVIDER is unset
// or the task is run unconfigured. It never calls out over the network.
// Ported in behavior from original_source/llm.py::MockProvider: pull a
// target path and task line out of the prompt (either the last message's
// JSON body, or a "Target file:"/"Task:" labelled line), and hand back a
// single-file placeholder implementation shaped like a real Coder response.
type MockProvider struct{}

func (MockProvider) Generate(_ context.Context, req Request) (Response, error) {
	prompt := ""
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}

	path := "generated.py"
	task := "Implement requested changes."

	var payload map[string]any
	if err := json.Unmarshal([]byte(prompt), &payload); err == nil {
		if v, ok := payload["Target file"].(string); ok && v != "" {
			path = v
		}
		if v, ok := payload["Task"].(string); ok && v != "" {
			task = v
		}
	} else {
		if v := extractBetween(prompt, "Target file:", "\n"); v != "" {
			path = v
		}
		if v := extractBetween(prompt, "Task:", "\n"); v != "" {
			task = v
		}
	}

	content := "\"\"\"\nAuto-generated mock implementation.\n\"\"\"\n\n# Task: " +
		strings.TrimSpace(task) + "\n\ndef placeholder():\n    \"\"\"Mock implementation placeholder.\"\"\"\n    return \"mock-response\"\n"

	response := map[string]any{
		"files": []map[string]string{
			{"path": strings.TrimSpace(path), "content": content},
		},
		"artifacts": map[string]string{
			"implementation_plan": "1. Review task context and requirements.\n" +
				"2. Implement requested changes in the target file.\n" +
				"3. Validate output and update summaries.",
		},
	}
	text, err := json.Marshal(response)
	if err != nil {
		return Response{}, err
	}

	tokensIn := max(1, len(strings.Fields(prompt)))
	tokensOut := max(1, len(strings.Fields(string(text))))

	return Response{
		Text:         string(text),
		FinishReason: "stop",
		Usage: Usage{
			InputTokens:  tokensIn,
			OutputTokens: tokensOut,
			TotalTokens:  tokensIn + tokensOut,
		},
	}, nil
}

func extractBetween(text, start, end string) string {
	idx := strings.Index(text, start)
	if idx < 0 {
		return ""
	}
	after := text[idx+len(start):]
	if endIdx := strings.Index(after, end); endIdx >= 0 {
		return after[:endIdx]
	}
	return after
}
