package loop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keel-ai/keel/pkg/backend"
)

func TestConversationTrimming(t *testing.T) {
	t.Run("should drop oldest non-pinned messages first", func(t *testing.T) {
		c := newConversation(4, 1<<20)
		c.append(backend.Message{Role: "system", Content: "instructions", Pinned: true})
		c.append(backend.Message{Role: "user", Content: "goal", Pinned: true})
		for i := 0; i < 5; i++ {
			c.append(backend.Message{Role: "assistant", Content: strings.Repeat("x", 10)})
		}

		msgs, ok := c.trimmed()
		require.True(t, ok)
		require.Len(t, msgs, 4)
		assert.Equal(t, "instructions", msgs[0].Content)
		assert.Equal(t, "goal", msgs[1].Content)
		assert.False(t, msgs[2].Pinned)
	})

	t.Run("should trim by payload size", func(t *testing.T) {
		c := newConversation(100, 50)
		c.append(backend.Message{Role: "system", Content: "sys", Pinned: true})
		for i := 0; i < 10; i++ {
			c.append(backend.Message{Role: "assistant", Content: strings.Repeat("y", 10)})
		}

		msgs, ok := c.trimmed()
		require.True(t, ok)
		assert.LessOrEqual(t, payloadBytes(msgs), 50)
		assert.Equal(t, "sys", msgs[0].Content)
	})

	t.Run("should fail when the pinned core alone is over budget", func(t *testing.T) {
		c := newConversation(100, 10)
		c.append(backend.Message{Role: "system", Content: strings.Repeat("z", 100), Pinned: true})

		_, ok := c.trimmed()
		assert.False(t, ok)
	})

	t.Run("should not mutate the stored messages", func(t *testing.T) {
		c := newConversation(2, 1<<20)
		c.append(backend.Message{Role: "system", Content: "pinned", Pinned: true})
		c.append(backend.Message{Role: "assistant", Content: "a"})
		c.append(backend.Message{Role: "assistant", Content: "b"})

		_, ok := c.trimmed()
		require.True(t, ok)
		assert.Len(t, c.messages, 3)
	})
}

func TestConversationDigest(t *testing.T) {
	t.Run("should ignore pinned scaffolding", func(t *testing.T) {
		a := newConversation(10, 1<<20)
		a.append(backend.Message{Role: "system", Content: "one", Pinned: true})
		a.append(backend.Message{Role: "assistant", Content: "same"})

		b := newConversation(10, 1<<20)
		b.append(backend.Message{Role: "system", Content: "two", Pinned: true})
		b.append(backend.Message{Role: "assistant", Content: "same"})

		assert.Equal(t, a.digest(), b.digest())
	})

	t.Run("should change when substance changes", func(t *testing.T) {
		c := newConversation(10, 1<<20)
		c.append(backend.Message{Role: "assistant", Content: "first"})
		before := c.digest()

		c.append(backend.Message{Role: "tool", Content: "output"})
		assert.NotEqual(t, before, c.digest())
	})
}

func TestDetectAmbiguity(t *testing.T) {
	t.Run("should pull out the blocking question", func(t *testing.T) {
		q := detectAmbiguity("I found two staging environments. Which one should I wipe before the deploy?")
		assert.Equal(t, "Which one should I wipe before the deploy?", q)
	})

	t.Run("should ignore statements", func(t *testing.T) {
		assert.Empty(t, detectAmbiguity("Wiped the staging environment and redeployed."))
	})

	t.Run("should ignore rhetorical questions without request markers", func(t *testing.T) {
		assert.Empty(t, detectAmbiguity("What could go wrong? Proceeding with the deploy."))
	})
}
