package canvas

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Error kinds shared by every stage of a turn. Callers classify with errors.Is.
var (
	ErrInvalidModelOutput = errors.New("invalid model output")
	ErrUnknownAction      = errors.New("unknown action")
	ErrPersistence        = errors.New("persistence failure")
	ErrBroadcast          = errors.New("broadcast failure")
)

// ActionError reports a single action that was skipped during a turn.
type ActionError struct {
	Index  int        `json:"index"`
	Action ActionKind `json:"action"`
	Err    error      `json:"-"`
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s): %v", e.Index, e.Action, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// MarshalJSON keeps the reason readable for HTTP clients.
func (e *ActionError) MarshalJSON() ([]byte, error) {
	reason := ""
	if e.Err != nil {
		reason = e.Err.Error()
	}
	return json.Marshal(struct {
		Index  int        `json:"index"`
		Action ActionKind `json:"action"`
		Reason string     `json:"reason"`
	}{e.Index, e.Action, reason})
}
