package graph

import (
	"fmt"
	"strings"
)

// CycleError reports a dependency cycle. Path lists the offending chain in
// traversal order with the starting task repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("cyclic dependency detected: %s", strings.Join(e.Path, " -> "))
}

// UndeclaredDepError reports an edge to a task that was never declared.
type UndeclaredDepError struct {
	From string
	To   string
}

func (e *UndeclaredDepError) Error() string {
	return fmt.Sprintf("task %q depends on undeclared task %q", e.From, e.To)
}

// UnknownTaskError reports a requested task name that is not in the graph.
type UnknownTaskError struct {
	Name string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.Name)
}
