package engine

import (
	"sort"

	"github.com/rendis/reqflow/pkg/schema"
)

// StepGraph is the dependency graph of a (filtered) workflow step list.
// Built once per run, used by the Runner to drive execution order.
type StepGraph struct {
	Steps        map[string]*schema.StepDefinition // name → definition
	Index        map[string]int                    // name → declaration index
	Dependencies map[string][]string               // name → depends_on (deduplicated)
	Dependents   map[string][]string               // name → who depends on me, declaration order
	Order        []string                          // stable topological order
	Levels       [][]string                        // steps grouped by dependency depth
}

// BuildGraph validates the depends_on declarations of steps and produces a
// topological order. Among steps whose dependencies are satisfied, the one
// declared first always goes next, so independent steps keep their
// relative declaration order.
func BuildGraph(steps []schema.StepDefinition) (*StepGraph, error) {
	g := &StepGraph{
		Steps:        make(map[string]*schema.StepDefinition, len(steps)),
		Index:        make(map[string]int, len(steps)),
		Dependencies: make(map[string][]string, len(steps)),
		Dependents:   make(map[string][]string, len(steps)),
	}

	for i := range steps {
		step := &steps[i]
		if step.Name == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "step at index %d has no name", i)
		}
		if _, exists := g.Steps[step.Name]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeDuplicateStep, "duplicate step name: %s", step.Name).
				WithStep(step.Name)
		}
		g.Steps[step.Name] = step
		g.Index[step.Name] = i
	}

	inDegree := make([]int, len(steps))
	for i := range steps {
		step := &steps[i]
		seen := make(map[string]bool, len(step.DependsOn))
		deps := make([]string, 0, len(step.DependsOn))
		for _, dep := range step.DependsOn {
			if _, exists := g.Steps[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeUnknownDependency,
					"step %s depends on unknown step %s", step.Name, dep).
					WithStep(step.Name).
					WithDetails(map[string]any{"step": step.Name, "missing": dep})
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true
			deps = append(deps, dep)
		}
		g.Dependencies[step.Name] = deps
		inDegree[i] = len(deps)
	}

	// Dependents are filled in declaration order of the dependent so the
	// release order below never depends on map iteration.
	for i := range steps {
		for _, dep := range g.Dependencies[steps[i].Name] {
			g.Dependents[dep] = append(g.Dependents[dep], steps[i].Name)
		}
	}

	// Kahn's algorithm with the ready set kept sorted by declaration index.
	ready := make([]int, 0, len(steps))
	for i, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(steps))
	done := make([]bool, len(steps))
	for len(ready) > 0 {
		idx := ready[0]
		ready = ready[1:]
		done[idx] = true
		name := steps[idx].Name
		order = append(order, name)

		for _, dependent := range g.Dependents[name] {
			di := g.Index[dependent]
			inDegree[di]--
			if inDegree[di] == 0 {
				ready = insertSorted(ready, di)
			}
		}
	}

	if len(order) != len(steps) {
		involved := cycleMembers(g, steps, done)
		return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
			"dependency cycle among steps: %v", involved).
			WithDetails(map[string]any{"steps": involved})
	}

	g.Order = order
	g.Levels = computeLevels(g)
	return g, nil
}

// cycleMembers narrows the steps Kahn's algorithm could not order to the
// ones on a cycle. Steps that only wait on a cycle have no unordered
// dependents and are pruned until none remain.
func cycleMembers(g *StepGraph, steps []schema.StepDefinition, done []bool) []string {
	remaining := make(map[string]bool)
	for i := range steps {
		if !done[i] {
			remaining[steps[i].Name] = true
		}
	}
	for pruned := true; pruned; {
		pruned = false
		for name := range remaining {
			blocking := false
			for _, dependent := range g.Dependents[name] {
				if remaining[dependent] {
					blocking = true
					break
				}
			}
			if !blocking {
				delete(remaining, name)
				pruned = true
			}
		}
	}
	involved := make([]string, 0, len(remaining))
	for i := range steps {
		if remaining[steps[i].Name] {
			involved = append(involved, steps[i].Name)
		}
	}
	return involved
}

// Step returns the definition for name.
func (g *StepGraph) Step(name string) *schema.StepDefinition {
	return g.Steps[name]
}

// Ancestors returns every transitive dependency of name in execution order.
func (g *StepGraph) Ancestors(name string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dep := range g.Dependencies[n] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(name)

	out := make([]string, 0, len(seen))
	for _, n := range g.Order {
		if seen[n] {
			out = append(out, n)
		}
	}
	return out
}

// computeLevels groups steps by dependency depth. Level 0 holds steps with
// no dependencies.
func computeLevels(g *StepGraph) [][]string {
	if len(g.Order) == 0 {
		return nil
	}
	depth := make(map[string]int, len(g.Order))
	maxLevel := 0
	for _, name := range g.Order {
		d := 0
		for _, dep := range g.Dependencies[name] {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[name] = d
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, name := range g.Order {
		levels[depth[name]] = append(levels[depth[name]], name)
	}
	return levels
}

func insertSorted(s []int, v int) []int {
	i := sort.SearchInts(s, v)
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}
