package engine

import (
	"strings"

	"inferd/pkg/types"
)

// chatMLStop terminates an assistant turn in ChatML.
const chatMLStop = "<|im_end|>"

// RenderChatML renders messages in the ChatML format used by Qwen-family
// models and leaves an open assistant turn for generation.
func RenderChatML(messages []types.ChatMessage) string {
	var b strings.Builder
	for _, m := range messages {
		role := strings.TrimSpace(m.Role)
		if role == "" {
			role = "user"
		}
		b.WriteString("<|im_start|>")
		b.WriteString(role)
		b.WriteByte('\n')
		b.WriteString(m.Content)
		b.WriteString(chatMLStop)
		b.WriteByte('\n')
	}
	b.WriteString("<|im_start|>assistant\n")
	return b.String()
}
