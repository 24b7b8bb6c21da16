package bridge

import (
	"errors"
	"fmt"
)

// Sentinel errors for the relay's failure taxonomy. Callers branch on these
// with errors.Is to decide whether a retry makes sense: a timeout or a
// disconnect is retryable by policy, a business rejection is not.
var (
	// ErrAgentOffline means no hardware agent is registered; requests fail
	// fast without registering a pending entry.
	ErrAgentOffline = errors.New("bridge agent not connected")

	// ErrRequestTimeout means the agent never answered within the per-kind
	// deadline. Distinct from a rejection: the hardware never said no, it
	// said nothing.
	ErrRequestTimeout = errors.New("agent request timed out")

	// ErrAgentDisconnected means the agent transport was lost while the
	// request was pending.
	ErrAgentDisconnected = errors.New("agent disconnected with request pending")

	// ErrCardNotReady means the reader or the smart card is absent; the
	// request is refused before any frame reaches the agent.
	ErrCardNotReady = errors.New("reader or card not ready")

	// ErrDuplicateRequestID means a caller reused an id that is still
	// pending for the same kind.
	ErrDuplicateRequestID = errors.New("duplicate request id")

	// ErrShuttingDown means the relay is closing.
	ErrShuttingDown = errors.New("relay shutting down")
)

// AgentError is a business-logic rejection reported by the hardware agent
// (wrong PIN, user cancelled, card refused the operation). It is never
// retried automatically.
type AgentError struct {
	Kind    Kind
	Message string
}

func (e *AgentError) Error() string {
	return fmt.Sprintf("agent rejected %s request: %s", e.Kind, e.Message)
}

// IsRejection reports whether err is a business rejection from the agent.
func IsRejection(err error) bool {
	var ae *AgentError
	return errors.As(err, &ae)
}

// IsRetryable reports whether err is worth retrying by policy: the agent
// never answered or went away, as opposed to actively refusing.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrRequestTimeout) || errors.Is(err, ErrAgentDisconnected) || errors.Is(err, ErrAgentOffline)
}
