package dag

import (
	"fmt"
	"strings"
)

// ValidationError reports a malformed graph definition. It is surfaced at
// submission time and never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// CyclicDependencyError reports that the task graph contains a dependency
// cycle. Nodes holds the task IDs involved in one detected cycle, sorted
// for stable error output. It is fatal to the submission that produced it.
type CyclicDependencyError struct {
	Nodes []string
}

func (e *CyclicDependencyError) Error() string {
	return fmt.Sprintf("cyclic dependency between tasks: %s", strings.Join(e.Nodes, ", "))
}
