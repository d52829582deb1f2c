package loop

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/keel-ai/keel/pkg/backend"
)

func fetchCall(url string) backend.ToolCall {
	return backend.ToolCall{
		Name:      "fetch",
		Arguments: map[string]interface{}{"url": url},
	}
}

func TestStuckDetector(t *testing.T) {
	t.Run("should trip on the third identical call, not the second", func(t *testing.T) {
		var d stuckDetector
		assert.False(t, d.observe(fetchCall("https://a")))
		assert.False(t, d.observe(fetchCall("https://a")))
		assert.True(t, d.observe(fetchCall("https://a")))
	})

	t.Run("should reset on a different call", func(t *testing.T) {
		var d stuckDetector
		d.observe(fetchCall("https://a"))
		d.observe(fetchCall("https://a"))
		assert.False(t, d.observe(fetchCall("https://b")))
		assert.False(t, d.observe(fetchCall("https://a")))
		assert.False(t, d.observe(fetchCall("https://a")))
		assert.True(t, d.observe(fetchCall("https://a")))
	})

	t.Run("should ignore argument map ordering", func(t *testing.T) {
		a := backend.ToolCall{Name: "search", Arguments: map[string]interface{}{"q": "x", "limit": 5}}
		b := backend.ToolCall{Name: "search", Arguments: map[string]interface{}{"limit": 5, "q": "x"}}
		assert.Equal(t, callSignature(a), callSignature(b))
	})

	t.Run("should distinguish tools with equal arguments", func(t *testing.T) {
		a := backend.ToolCall{Name: "read", Arguments: map[string]interface{}{"path": "f"}}
		b := backend.ToolCall{Name: "write", Arguments: map[string]interface{}{"path": "f"}}
		assert.NotEqual(t, callSignature(a), callSignature(b))
	})
}
