// Package graph builds the task dependency DAG and derives the execution
// order the pipeline runs: a topological sort for listings and a wave
// decomposition ("phases") for parallel execution. Ordering is always
// stable with respect to the order tasks appear in the config, which keeps
// plans reproducible across runs and processes.
package graph

import (
	"sort"

	"github.com/pyr-sh/dag"
)

// Node is one task as the graph sees it: a name plus the names it
// depends on.
type Node struct {
	Name string
	Deps []string
}

// Graph is an immutable task DAG. Edges in the underlying dag library run
// dependent -> dependency: DownEdges(task) yields its dependencies.
type Graph struct {
	dag   *dag.AcyclicGraph
	order []string
	index map[string]int
	deps  map[string][]string
	rdeps map[string][]string
}

// Build constructs and validates a Graph. It fails with
// *UndeclaredDepError when an edge references an unknown task and with
// *CycleError when the graph is cyclic (self-loops included).
func Build(nodes []Node) (*Graph, error) {
	g := &Graph{
		dag:   &dag.AcyclicGraph{},
		index: make(map[string]int, len(nodes)),
		deps:  make(map[string][]string, len(nodes)),
		rdeps: map[string][]string{},
	}

	for _, node := range nodes {
		if _, ok := g.index[node.Name]; ok {
			continue
		}
		g.index[node.Name] = len(g.order)
		g.order = append(g.order, node.Name)
		g.dag.Add(node.Name)
	}

	for _, node := range nodes {
		seen := map[string]bool{}
		for _, dep := range node.Deps {
			if _, ok := g.index[dep]; !ok {
				return nil, &UndeclaredDepError{From: node.Name, To: dep}
			}
			// coalesce duplicate edges
			if seen[dep] {
				continue
			}
			seen[dep] = true
			g.deps[node.Name] = append(g.deps[node.Name], dep)
			g.rdeps[dep] = append(g.rdeps[dep], node.Name)
			if dep != node.Name {
				g.dag.Connect(dag.BasicEdge(node.Name, dep))
			}
		}
	}

	if cycle := g.DetectCycle(); cycle != nil {
		return nil, &CycleError{Path: cycle}
	}
	return g, nil
}

// Tasks returns every task name in insertion order.
func (g *Graph) Tasks() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Len is the number of tasks in the graph.
func (g *Graph) Len() int {
	return len(g.order)
}

// HasTask reports whether name is a vertex of the graph.
func (g *Graph) HasTask(name string) bool {
	_, ok := g.index[name]
	return ok
}

// Deps returns the direct dependencies of a task, declaration order.
func (g *Graph) Deps(name string) []string {
	out := make([]string, len(g.deps[name]))
	copy(out, g.deps[name])
	return out
}

// DetectCycle returns one offending dependency chain in traversal order,
// with the starting task repeated at the end ([x y x]), or nil when the
// graph is acyclic.
func (g *Graph) DetectCycle() []string {
	// The dag library does not consider self-edges cyclic, so check those
	// first, the same way ValidateGraph-style callers of this library do.
	for task, deps := range g.deps {
		for _, dep := range deps {
			if dep == task {
				return []string{task, task}
			}
		}
	}

	cycles := g.dag.Cycles()
	if len(cycles) == 0 {
		return nil
	}

	cycle := make([]string, 0, len(cycles[0])+1)
	for _, vertex := range cycles[0] {
		cycle = append(cycle, vertex.(string))
	}
	// rotate so the earliest-declared task leads, then repeat it at the
	// end to render the chain as x -> y -> x
	lead := 0
	for i, task := range cycle {
		if g.index[task] < g.index[cycle[lead]] {
			lead = i
		}
	}
	rotated := append(append([]string{}, cycle[lead:]...), cycle[:lead]...)
	return append(rotated, rotated[0])
}

// TopologicalSort returns a dependency-respecting total order. Ties are
// broken by insertion order, so equal inputs always produce equal output.
func (g *Graph) TopologicalSort() []string {
	out := make([]string, 0, len(g.order))
	for _, phase := range g.ExecutionPhases() {
		out = append(out, phase...)
	}
	return out
}

// ExecutionPhases decomposes the graph into waves: phase 0 is every task
// with no remaining dependencies; removing a phase unlocks the next.
// Within a phase, order is insertion order.
func (g *Graph) ExecutionPhases() [][]string {
	remaining := make(map[string]int, len(g.order))
	for task, deps := range g.deps {
		remaining[task] = len(deps)
	}
	done := make(map[string]bool, len(g.order))
	var phases [][]string

	for {
		var phase []string
		for _, task := range g.order {
			if !done[task] && remaining[task] == 0 {
				phase = append(phase, task)
			}
		}
		if len(phase) == 0 {
			break
		}
		for _, task := range phase {
			done[task] = true
			for _, dependent := range g.rdeps[task] {
				remaining[dependent]--
			}
		}
		phases = append(phases, phase)
	}
	return phases
}

// Dependencies returns the transitive closure of a task's predecessors as
// a sorted list.
func (g *Graph) Dependencies(name string) []string {
	return g.closure(name, g.deps)
}

// Dependents returns the transitive closure of tasks that depend on name,
// sorted. The pipeline uses this to mark tasks skipped when a dependency
// fails.
func (g *Graph) Dependents(name string) []string {
	return g.closure(name, g.rdeps)
}

func (g *Graph) closure(name string, edges map[string][]string) []string {
	seen := map[string]bool{}
	queue := append([]string{}, edges[name]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, edges[next]...)
	}
	out := make([]string, 0, len(seen))
	for task := range seen {
		out = append(out, task)
	}
	sort.Strings(out)
	return out
}

// SelectWithDeps returns the smallest sub-graph containing the requested
// tasks and all their transitive dependencies, preserving the original
// insertion order (and therefore the original phase structure).
func (g *Graph) SelectWithDeps(requested []string) (*Graph, error) {
	keep := map[string]bool{}
	for _, name := range requested {
		if !g.HasTask(name) {
			return nil, &UnknownTaskError{Name: name}
		}
		keep[name] = true
		for _, dep := range g.Dependencies(name) {
			keep[dep] = true
		}
	}

	nodes := make([]Node, 0, len(keep))
	for _, task := range g.order {
		if keep[task] {
			nodes = append(nodes, Node{Name: task, Deps: g.deps[task]})
		}
	}
	// Build cannot fail here: the subset is closed under dependencies and
	// the full graph already validated acyclic.
	return Build(nodes)
}
