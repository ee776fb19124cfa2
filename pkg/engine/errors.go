package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/dukex/pipelit/pkg/persistence"
	"github.com/dukex/pipelit/pkg/registry"
)

var (
	ErrStateMissing      = errors.New("execution state expired or was removed")
	ErrNodeNotInTopology = errors.New("node is not part of the execution topology")
	ErrNotInterrupted    = errors.New("execution is not waiting for confirmation")
	ErrChildTimedOut     = errors.New("child execution timed out")
)

// StartError reports an execution that failed before its first node ran.
type StartError struct {
	ExecutionID string
	Err         error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("execution %s failed to start: %v", e.ExecutionID, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// IsStartError checks if an error is a start failure with a failed execution record.
func IsStartError(err error) bool {
	var startErr *StartError

	return errors.As(err, &startErr)
}

// nodeFailureMessage is the user-visible error of a node that exhausted its retries.
func nodeFailureMessage(nodeID string, err error, limit int) string {
	return fmt.Sprintf("node %s failed: %s", nodeID, Truncate(err.Error(), limit))
}

// isPermanent reports node errors that no retry can fix.
func isPermanent(err error) bool {
	var configErr *registry.ConfigError

	return errors.Is(err, registry.ErrUnknownKind) || errors.As(err, &configErr)
}

func isStaleTransition(err error) bool {
	return persistence.IsInvalidTransition(err)
}

// Truncate shortens message to at most limit bytes on a rune boundary and
// marks the cut with an ellipsis.
func Truncate(message string, limit int) string {
	if limit <= 0 || len(message) <= limit {
		return message
	}

	cut := limit
	for cut > 0 && !utf8.RuneStart(message[cut]) {
		cut--
	}

	return message[:cut] + "..."
}

// snapshot bounds an output before it is stored alongside logs and node results.
func snapshot(value any, limit int) any {
	if value == nil {
		return nil
	}

	if text, ok := value.(string); ok {
		return Truncate(text, limit)
	}

	raw, err := json.Marshal(value)
	if err != nil {
		return Truncate(fmt.Sprint(value), limit)
	}

	if len(raw) <= limit {
		return value
	}

	return Truncate(string(raw), limit)
}
