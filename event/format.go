package event

import "fmt"

// Formatter maps an envelope to a human-readable status line. The controller
// applies its formatter to every envelope before recording it; domains
// override the default to customize copy (exercise import vs nutrition plan)
// without touching the state machine.
type Formatter func(e *Envelope) string

// DefaultFormat renders the built-in status line for each event type. It falls
// back to the raw type name for unrecognized types so unknown events still
// show up in audit logs.
func DefaultFormat(e *Envelope) string {
	switch e.Type {
	case TypeAgentStart:
		if desc := e.Data.Str("description"); desc != "" {
			return fmt.Sprintf("%s: %s", e.Role(), desc)
		}
		return fmt.Sprintf("%s started", e.Role())
	case TypeAgentProgress:
		if msg := e.Data.Str("message"); msg != "" {
			return msg
		}
		if pct, ok := e.Progress(); ok {
			return fmt.Sprintf("%d%% complete", pct)
		}
		return "working"
	case TypeAgentComplete:
		if dur := e.Data.Str("duration"); dur != "" {
			return fmt.Sprintf("%s finished in %s", e.Role(), dur)
		}
		return fmt.Sprintf("%s finished", e.Role())
	case TypeDelegation:
		return fmt.Sprintf("delegating %s to %s", e.Data.Str("task"), e.Data.Str("to"))
	case TypeAgentError:
		if e.Retrying() {
			return fmt.Sprintf("%s hit an error, retrying", e.Role())
		}
		if msg := e.ErrorText(); msg != "" {
			return fmt.Sprintf("%s failed: %s", e.Role(), msg)
		}
		return fmt.Sprintf("%s failed", e.Role())
	case TypeRetry:
		attempt, _ := e.Data.Number("attempt")
		max, _ := e.Data.Number("maxAttempts")
		return fmt.Sprintf("retrying %s (attempt %d of %d)", e.Role(), int(attempt), int(max))
	case TypeValidation:
		if e.Data.Bool("isValid") {
			if score, ok := e.Data.Number("score"); ok {
				return fmt.Sprintf("validation passed (score %.0f)", score)
			}
			return "validation passed"
		}
		return "validation found issues"
	case TypeAgentLog:
		return e.Data.Str("message")
	case TypeComplete:
		return "generation complete"
	case TypeError:
		if msg := e.ErrorText(); msg != "" {
			return msg
		}
		return "generation failed"
	default:
		return string(e.Type)
	}
}
