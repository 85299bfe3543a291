package server

import "strings"

// foldSystemIntoUser concatenates all system messages into a single synthetic
// leading user message, keeping every non-system message in its original
// order. When no system message exists the input is returned materialized but
// otherwise unchanged. The upstream has no system role; a leading user turn
// is the closest equivalent.
func foldSystemIntoUser(messages []ChatMessage) []ChatMessage {
	var systemTexts []string
	for _, msg := range messages {
		if msg.Role == "system" {
			if text := extractText(msg.Content); text != "" {
				systemTexts = append(systemTexts, text)
			}
		}
	}
	if len(systemTexts) == 0 {
		out := make([]ChatMessage, len(messages))
		copy(out, messages)
		return out
	}

	out := make([]ChatMessage, 0, len(messages))
	out = append(out, ChatMessage{
		Role:    "user",
		Content: MessageContent{Text: strings.Join(systemTexts, "\n")},
	})
	for _, msg := range messages {
		if msg.Role != "system" {
			out = append(out, msg)
		}
	}
	return out
}

// buildHistory folds every message except the last one into question/answer
// turns. The last message is always the live query and never part of
// history. Consecutive same-role messages merge into the open side of the
// current turn, so malformed non-alternating conversations degrade
// gracefully instead of dropping data.
func buildHistory(messages []ChatMessage) []ChatTurn {
	if len(messages) < 2 {
		return nil
	}

	var (
		turns       []ChatTurn
		cur         ChatTurn
		hasQuestion bool
		hasAnswer   bool
	)
	flush := func() {
		if hasQuestion || hasAnswer {
			turns = append(turns, cur)
		}
		cur = ChatTurn{}
		hasQuestion = false
		hasAnswer = false
	}

	for _, msg := range messages[:len(messages)-1] {
		text := extractText(msg.Content)
		if text == "" {
			continue
		}
		switch msg.Role {
		case "user":
			switch {
			case hasQuestion && hasAnswer:
				flush()
				cur.Question = text
				hasQuestion = true
			case hasQuestion:
				cur.Question += "\n" + text
			default:
				cur.Question = text
				hasQuestion = true
			}
		case "assistant":
			switch {
			case hasQuestion && !hasAnswer:
				cur.Answer = text
				hasAnswer = true
			case hasAnswer:
				cur.Answer += "\n" + text
			default:
				// Leading assistant message: a turn with no question.
				cur.Answer = text
				hasAnswer = true
			}
		}
	}
	flush()
	return turns
}
