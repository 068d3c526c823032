package generation

import "errors"

var (
	// ErrCancelled resolves a submission ended by Cancel, Reset or context
	// cancellation. Cancellation is a distinct terminal condition, not a
	// failure: the state carries no error message.
	ErrCancelled = errors.New("generation cancelled")

	// ErrSuperseded resolves a submission displaced by a newer Submit call.
	// Its events stopped mutating state the moment the new submission began.
	ErrSuperseded = errors.New("generation superseded by a newer submission")

	// ErrInvalidProfile reports a misconfigured domain profile.
	ErrInvalidProfile = errors.New("invalid generation profile")
)
