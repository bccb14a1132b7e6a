package backend

import (
	"errors"
	"fmt"
)

// ErrUnknownBackend is returned when resolving a name with no registered descriptor.
var ErrUnknownBackend = errors.New("unknown backend")

// UnresolvedPlaceholderError reports a template placeholder that had no value
// at render time.
type UnresolvedPlaceholderError struct {
	Key string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("unresolved placeholder ~{%s}", e.Key)
}

// NoJobIDError reports that the job id pattern did not match the submit
// output exactly once. Matches carries the actual match count so zero and
// ambiguous cases are distinguishable in logs.
type NoJobIDError struct {
	Pattern string
	Matches int
}

func (e *NoJobIDError) Error() string {
	return fmt.Sprintf("job id pattern %q matched submit output %d times, want exactly 1", e.Pattern, e.Matches)
}
