package graph

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustBuild(t *testing.T, nodes []Node) *Graph {
	t.Helper()
	g, err := Build(nodes)
	require.NoError(t, err)
	return g
}

func TestLinearChainPhases(t *testing.T) {
	g := mustBuild(t, []Node{
		{Name: "build"},
		{Name: "test", Deps: []string{"build"}},
		{Name: "deploy", Deps: []string{"test"}},
	})

	assert.Equal(t, [][]string{{"build"}, {"test"}, {"deploy"}}, g.ExecutionPhases())
	assert.Equal(t, []string{"build", "test", "deploy"}, g.TopologicalSort())
}

func TestDiamondPhases(t *testing.T) {
	g := mustBuild(t, []Node{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
		{Name: "c", Deps: []string{"a"}},
		{Name: "d", Deps: []string{"b", "c"}},
	})

	assert.Equal(t, [][]string{{"a"}, {"b", "c"}, {"d"}}, g.ExecutionPhases())
}

func TestPhasesRespectEdges(t *testing.T) {
	g := mustBuild(t, []Node{
		{Name: "e", Deps: []string{"c", "d"}},
		{Name: "d", Deps: []string{"a"}},
		{Name: "c", Deps: []string{"a", "b"}},
		{Name: "b"},
		{Name: "a"},
	})

	phases := g.ExecutionPhases()
	phaseOf := map[string]int{}
	for i, phase := range phases {
		for _, task := range phase {
			phaseOf[task] = i
		}
	}
	for _, task := range g.Tasks() {
		for _, dep := range g.Deps(task) {
			assert.Less(t, phaseOf[dep], phaseOf[task], "%s -> %s", dep, task)
		}
	}
}

func TestStableInsertionOrderWithinPhase(t *testing.T) {
	nodes := []Node{
		{Name: "zeta"},
		{Name: "alpha"},
		{Name: "mid"},
	}
	g := mustBuild(t, nodes)
	assert.Equal(t, [][]string{{"zeta", "alpha", "mid"}}, g.ExecutionPhases())

	// determinism: same input, same output
	again := mustBuild(t, nodes)
	assert.Equal(t, g.TopologicalSort(), again.TopologicalSort())
}

func TestEmptyGraph(t *testing.T) {
	g := mustBuild(t, nil)
	assert.Equal(t, 0, g.Len())
	assert.Empty(t, g.ExecutionPhases())
	assert.Empty(t, g.TopologicalSort())
}

func TestSelfDependencyIsCycle(t *testing.T) {
	_, err := Build([]Node{{Name: "x", Deps: []string{"x"}}})
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	assert.Equal(t, []string{"x", "x"}, cycleErr.Path)
}

func TestTwoNodeCycle(t *testing.T) {
	_, err := Build([]Node{
		{Name: "x", Deps: []string{"y"}},
		{Name: "y", Deps: []string{"x"}},
	})
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)
	require.Len(t, cycleErr.Path, 3)
	assert.Equal(t, cycleErr.Path[0], cycleErr.Path[2])
	assert.ElementsMatch(t, []string{"x", "y"}, cycleErr.Path[:2])
}

func TestUndeclaredDep(t *testing.T) {
	_, err := Build([]Node{{Name: "a", Deps: []string{"ghost"}}})
	var depErr *UndeclaredDepError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, "a", depErr.From)
	assert.Equal(t, "ghost", depErr.To)
}

func TestDuplicateEdgesCoalesced(t *testing.T) {
	g := mustBuild(t, []Node{
		{Name: "a"},
		{Name: "b", Deps: []string{"a", "a", "a"}},
	})
	assert.Equal(t, []string{"a"}, g.Deps("b"))
}

func TestDependenciesTransitiveSorted(t *testing.T) {
	g := mustBuild(t, []Node{
		{Name: "base"},
		{Name: "lib", Deps: []string{"base"}},
		{Name: "app", Deps: []string{"lib"}},
		{Name: "other"},
	})
	assert.Equal(t, []string{"base", "lib"}, g.Dependencies("app"))
	assert.Empty(t, g.Dependencies("base"))
	assert.Equal(t, []string{"app", "lib"}, g.Dependents("base"))
}

func TestSelectWithDeps(t *testing.T) {
	g := mustBuild(t, []Node{
		{Name: "base"},
		{Name: "lib", Deps: []string{"base"}},
		{Name: "app", Deps: []string{"lib"}},
		{Name: "unrelated"},
	})

	sub, err := g.SelectWithDeps([]string{"app"})
	require.NoError(t, err)
	assert.Equal(t, []string{"base", "lib", "app"}, sub.Tasks())
	assert.Equal(t, [][]string{{"base"}, {"lib"}, {"app"}}, sub.ExecutionPhases())
	assert.False(t, sub.HasTask("unrelated"))

	// closed under predecessor-ship: every dep of a kept task is kept
	for _, task := range sub.Tasks() {
		for _, dep := range sub.Deps(task) {
			assert.True(t, sub.HasTask(dep))
		}
	}
}

func TestSelectWithDepsUnknownTask(t *testing.T) {
	g := mustBuild(t, []Node{{Name: "a"}})
	_, err := g.SelectWithDeps([]string{"nope"})
	var unknownErr *UnknownTaskError
	assert.ErrorAs(t, err, &unknownErr)
}

func TestRemoveNodeLaw(t *testing.T) {
	nodes := []Node{
		{Name: "a"},
		{Name: "b", Deps: []string{"a"}},
		{Name: "c", Deps: []string{"b"}},
	}
	g := mustBuild(t, nodes)

	// drop "b" and every edge touching it, rebuild: same node set minus b
	var trimmed []Node
	for _, node := range nodes {
		if node.Name == "b" {
			continue
		}
		var deps []string
		for _, dep := range node.Deps {
			if dep != "b" {
				deps = append(deps, dep)
			}
		}
		trimmed = append(trimmed, Node{Name: node.Name, Deps: deps})
	}
	rebuilt := mustBuild(t, trimmed)
	assert.Equal(t, []string{"a", "c"}, rebuilt.Tasks())
	assert.Equal(t, g.Len()-1, rebuilt.Len())
}
