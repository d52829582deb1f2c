package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultTimeout bounds a single tool call when no timeout is configured
	DefaultTimeout = 30 * time.Second

	// DefaultResultLimit bounds a single tool result payload
	DefaultResultLimit = 16 * 1024
)

// Result is the outcome of one tool invocation. Tool failures are data, not
// loop errors: IsError results go back to the model as tool output.
type Result struct {
	Content   string
	IsError   bool
	Truncated bool
	Duration  time.Duration
}

// Bytes returns the payload size that counts against the loop's cumulative
// tool budget.
func (r Result) Bytes() int {
	return len(r.Content)
}

// Invoker executes registered tools with timeouts and size limits
type Invoker struct {
	registry    *Registry
	timeout     time.Duration
	resultLimit int
}

// NewInvoker creates an invoker over a registry. Zero values for timeout and
// resultLimit select the defaults.
func NewInvoker(registry *Registry, timeout time.Duration, resultLimit int) *Invoker {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if resultLimit <= 0 {
		resultLimit = DefaultResultLimit
	}
	return &Invoker{
		registry:    registry,
		timeout:     timeout,
		resultLimit: resultLimit,
	}
}

// Invoke validates the arguments and runs the tool handler under a timeout.
// Unknown tools, validation failures, handler errors, and timeouts all come
// back as error results rather than Go errors.
func (inv *Invoker) Invoke(ctx context.Context, name string, args map[string]interface{}) Result {
	start := time.Now()

	def, ok := inv.registry.Get(name)
	if !ok {
		return Result{
			Content:  fmt.Sprintf("tool not found: %s", name),
			IsError:  true,
			Duration: time.Since(start),
		}
	}

	if err := inv.registry.validate(name, args); err != nil {
		log.Error().Str("tool", name).Err(err).Msg("Argument validation failed")
		return Result{
			Content:  fmt.Sprintf("argument validation failed: %v", err),
			IsError:  true,
			Duration: time.Since(start),
		}
	}

	timeout := inv.timeout
	if def.Timeout > 0 {
		timeout = def.Timeout
	}
	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		content string
		err     error
	}
	done := make(chan outcome, 1)

	go func() {
		content, err := def.Handler(timeoutCtx, args)
		done <- outcome{content: content, err: err}
	}()

	select {
	case out := <-done:
		duration := time.Since(start)
		if out.err != nil {
			log.Error().
				Str("tool", name).
				Dur("duration", duration).
				Err(out.err).
				Msg("Tool execution failed")
			return Result{
				Content:  out.err.Error(),
				IsError:  true,
				Duration: duration,
			}
		}

		content, truncated := inv.truncate(out.content)
		log.Debug().
			Str("tool", name).
			Dur("duration", duration).
			Bool("truncated", truncated).
			Msg("Tool execution completed")
		return Result{
			Content:   content,
			Truncated: truncated,
			Duration:  duration,
		}

	case <-timeoutCtx.Done():
		duration := time.Since(start)
		log.Error().
			Str("tool", name).
			Dur("duration", duration).
			Msg("Tool execution timeout")
		return Result{
			Content:  fmt.Sprintf("tool execution timeout after %v", timeout),
			IsError:  true,
			Duration: duration,
		}
	}
}

// truncate clips oversized tool output so one call cannot flood the context
// window.
func (inv *Invoker) truncate(content string) (string, bool) {
	if len(content) <= inv.resultLimit {
		return content, false
	}

	clipped := content[:inv.resultLimit] + "\n... [output truncated]"
	log.Warn().
		Int("original", len(content)).
		Int("limit", inv.resultLimit).
		Msg("Tool output truncated")

	return clipped, true
}
