package agentcmd

import "encoding/json"

// streamJSONUserMessage frames a prompt as one stream-json input line, the
// wire format the anthropic CLI reads on stdin.
func streamJSONUserMessage(prompt string) string {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role": "user",
			"content": []map[string]any{
				{"type": "text", "text": prompt},
			},
		},
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return ""
	}
	return string(data) + "\n"
}
