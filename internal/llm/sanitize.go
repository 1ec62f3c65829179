package llm

import (
	"fmt"
	"strings"
)

type toolCallRef struct {
	messageIndex int
	partIndex    int
}

// sanitizeToolHistory removes dangling tool calls and orphan tool results
// before a request is built. Strict providers reject histories where an
// assistant tool call has no paired result (or vice versa), so pair
// integrity is enforced here while non-tool content is preserved.
func sanitizeToolHistory(messages []Message) []Message {
	if len(messages) == 0 {
		return nil
	}

	sanitized := make([]Message, 0, len(messages))
	pendingCalls := make(map[string][]toolCallRef)
	matchedCalls := make(map[int]map[int]bool)

	for _, msg := range messages {
		switch msg.Role {
		case RoleAssistant:
			assistantIndex := len(sanitized)
			parts := make([]Part, 0, len(msg.Parts))

			for _, part := range msg.Parts {
				cloned, ok := clonePart(part)
				if !ok {
					continue
				}
				if cloned.Type == PartToolCall {
					callID := strings.TrimSpace(cloned.ToolCall.ID)
					if callID == "" {
						continue
					}
					partIndex := len(parts)
					parts = append(parts, cloned)
					pendingCalls[callID] = append(pendingCalls[callID], toolCallRef{
						messageIndex: assistantIndex,
						partIndex:    partIndex,
					})
					continue
				}
				parts = append(parts, cloned)
			}

			if len(parts) > 0 {
				sanitized = append(sanitized, Message{Role: msg.Role, Parts: parts})
			}

		case RoleTool:
			parts := make([]Part, 0, len(msg.Parts))

			for _, part := range msg.Parts {
				cloned, ok := clonePart(part)
				if !ok {
					continue
				}
				if cloned.Type != PartToolResult {
					parts = append(parts, cloned)
					continue
				}

				resultID := strings.TrimSpace(cloned.ToolResult.ID)
				if resultID == "" {
					continue
				}
				refs := pendingCalls[resultID]
				if len(refs) == 0 {
					// Orphan result: no preceding call. Dropped.
					continue
				}

				ref := refs[0]
				if len(refs) == 1 {
					delete(pendingCalls, resultID)
				} else {
					pendingCalls[resultID] = refs[1:]
				}
				if matchedCalls[ref.messageIndex] == nil {
					matchedCalls[ref.messageIndex] = make(map[int]bool)
				}
				matchedCalls[ref.messageIndex][ref.partIndex] = true

				parts = append(parts, cloned)
			}

			if len(parts) > 0 {
				sanitized = append(sanitized, Message{Role: msg.Role, Parts: parts})
			}

		default:
			sanitized = append(sanitized, Message{Role: msg.Role, Parts: cloneParts(msg.Parts)})
		}
	}

	finalMessages := make([]Message, 0, len(sanitized))
	for msgIndex, msg := range sanitized {
		if msg.Role != RoleAssistant {
			finalMessages = append(finalMessages, msg)
			continue
		}

		matches := matchedCalls[msgIndex]
		parts := make([]Part, 0, len(msg.Parts))
		for partIndex, part := range msg.Parts {
			if part.Type == PartToolCall {
				if matches == nil || !matches[partIndex] {
					// Orphaned tool call, e.g. the result was trimmed away.
					// Convert to text so the model knows what it attempted
					// instead of silently dropping it, which 400s on strict
					// providers.
					text := fmt.Sprintf("[tool call interrupted — id:%s name:%s args:%s]",
						part.ToolCall.ID, part.ToolCall.Name, string(part.ToolCall.Arguments))
					parts = append(parts, Part{Type: PartText, Text: text})
					continue
				}
			}
			parts = append(parts, part)
		}

		if len(parts) > 0 {
			finalMessages = append(finalMessages, Message{Role: msg.Role, Parts: parts})
		}
	}

	return finalMessages
}

func cloneParts(parts []Part) []Part {
	cloned := make([]Part, 0, len(parts))
	for _, part := range parts {
		clone, ok := clonePart(part)
		if !ok {
			continue
		}
		cloned = append(cloned, clone)
	}
	return cloned
}

func clonePart(part Part) (Part, bool) {
	cloned := part

	switch part.Type {
	case PartToolCall:
		if part.ToolCall == nil {
			return Part{}, false
		}
		call := *part.ToolCall
		if len(call.Arguments) > 0 {
			call.Arguments = append([]byte(nil), call.Arguments...)
		}
		cloned.ToolCall = &call

	case PartToolResult:
		if part.ToolResult == nil {
			return Part{}, false
		}
		result := *part.ToolResult
		cloned.ToolResult = &result
	}

	return cloned, true
}
