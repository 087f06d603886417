package command

import "fmt"

// Result is the synchronous outcome of a submission. Hot paths return this
// instead of raising: a blocked command is an outcome, not an exception.
type Result struct {
	Success   bool   `json:"success"`
	CommandID string `json:"command_id,omitempty"`
	Tag       string `json:"tag,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

func failure(commandID, tag, reason string) Result {
	return Result{Success: false, CommandID: commandID, Tag: tag, Reason: reason}
}

// ValidationError reports which field of a command failed validation. The
// command is not persisted when validation fails.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
