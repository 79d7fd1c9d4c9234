package proc

import (
	"encoding/json"
	"fmt"
)

// userEnvelope is the stream-json stdin frame the Claude CLI expects
// for an injected user message.
type userEnvelope struct {
	Type    string      `json:"type"`
	Message userMessage `json:"message"`
}

type userMessage struct {
	Role    string         `json:"role"`
	Content []contentBlock `json:"content"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// EncodeUserMessage renders a command as a single stream-json line
// (no trailing newline) ready to write to the subprocess's stdin.
func EncodeUserMessage(text string) ([]byte, error) {
	env := userEnvelope{
		Type: "user",
		Message: userMessage{
			Role:    "user",
			Content: []contentBlock{{Type: "text", Text: text}},
		},
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encoding user message: %w", err)
	}
	return data, nil
}
