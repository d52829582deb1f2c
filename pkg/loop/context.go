package loop

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/keel-ai/keel/pkg/backend"
)

// conversation is the loop's accumulated message context
type conversation struct {
	messages        []backend.Message
	maxMessages     int
	maxPayloadBytes int
}

func newConversation(maxMessages, maxPayloadBytes int) *conversation {
	return &conversation{
		maxMessages:     maxMessages,
		maxPayloadBytes: maxPayloadBytes,
	}
}

func (c *conversation) append(msg backend.Message) {
	c.messages = append(c.messages, msg)
}

// payloadBytes sums message content sizes
func payloadBytes(messages []backend.Message) int {
	total := 0
	for _, m := range messages {
		total += len(m.Content)
		for _, tc := range m.ToolCalls {
			total += len(tc.Name)
		}
	}
	return total
}

// trimmed returns the context bounded to the message and payload budgets.
// The oldest non-pinned messages drop first; pinned messages are never
// dropped. A second return of false means even the pinned core exceeds the
// payload budget and the loop must stop with ErrContextTooLarge.
func (c *conversation) trimmed() ([]backend.Message, bool) {
	msgs := make([]backend.Message, len(c.messages))
	copy(msgs, c.messages)

	overBudget := func(m []backend.Message) bool {
		if c.maxMessages > 0 && len(m) > c.maxMessages {
			return true
		}
		if c.maxPayloadBytes > 0 && payloadBytes(m) > c.maxPayloadBytes {
			return true
		}
		return false
	}

	for overBudget(msgs) {
		dropped := false
		for i, m := range msgs {
			if !m.Pinned {
				msgs = append(msgs[:i], msgs[i+1:]...)
				dropped = true
				break
			}
		}
		if !dropped {
			// Only pinned messages remain.
			if c.maxPayloadBytes > 0 && payloadBytes(msgs) > c.maxPayloadBytes {
				return nil, false
			}
			break
		}
	}

	return msgs, true
}

// digest fingerprints the conversation's substance for stagnation checks.
// Pinned scaffolding is excluded so it never masks a stalled transcript.
func (c *conversation) digest() string {
	h := sha256.New()
	for _, m := range c.messages {
		if m.Pinned {
			continue
		}
		h.Write([]byte(m.Role))
		h.Write([]byte{0})
		h.Write([]byte(m.Content))
		h.Write([]byte{0})
		for _, tc := range m.ToolCalls {
			h.Write([]byte(tc.Name))
			h.Write([]byte{0})
		}
	}
	return hex.EncodeToString(h.Sum(nil))
}
