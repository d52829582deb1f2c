package loop

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/keel-ai/keel/pkg/backend"
)

// stuckThreshold is how many consecutive identical tool calls end the loop
const stuckThreshold = 3

// stuckDetector tracks consecutive identical (tool, arguments) calls
type stuckDetector struct {
	lastSignature string
	repeats       int
}

// observe records a call and reports whether the loop is stuck. The third
// identical call in a row trips it; any different call resets the count.
func (d *stuckDetector) observe(call backend.ToolCall) bool {
	sig := callSignature(call)
	if sig == d.lastSignature {
		d.repeats++
	} else {
		d.lastSignature = sig
		d.repeats = 1
	}
	return d.repeats >= stuckThreshold
}

// callSignature canonicalizes a tool call so argument ordering does not
// defeat the comparison.
func callSignature(call backend.ToolCall) string {
	h := sha256.New()
	h.Write([]byte(call.Name))
	h.Write([]byte{0})

	keys := make([]string, 0, len(call.Arguments))
	for k := range call.Arguments {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{0})
		encoded, err := json.Marshal(call.Arguments[k])
		if err != nil {
			encoded = []byte(fmt.Sprintf("%v", call.Arguments[k]))
		}
		h.Write(encoded)
		h.Write([]byte{0})
	}

	return hex.EncodeToString(h.Sum(nil))
}
