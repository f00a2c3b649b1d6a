package validation

import (
	"fmt"
	"strings"

	"github.com/rendis/reqflow/pkg/schema"
)

// validateDAG runs Kahn's algorithm over depends_on to report cycles and
// flags duplicated dependency entries. References to unknown steps are
// reported by the semantic stage and ignored here.
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	index := make(map[string]int, len(def.Steps))
	for i, s := range def.Steps {
		if _, dup := index[s.Name]; !dup {
			index[s.Name] = i
		}
	}

	inDegree := make([]int, len(def.Steps))
	dependents := make(map[int][]int, len(def.Steps))
	for i, s := range def.Steps {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			di, ok := index[dep]
			if !ok {
				continue
			}
			if seen[dep] {
				result.AddWarning(fmt.Sprintf("steps[%d].depends_on", i), schema.ErrCodeValidation,
					fmt.Sprintf("dependency %q listed more than once", dep))
				continue
			}
			seen[dep] = true
			inDegree[i]++
			dependents[di] = append(dependents[di], i)
		}
	}

	queue := make([]int, 0, len(def.Steps))
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	visited := make([]bool, len(def.Steps))
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited[n] = true
		for _, d := range dependents[n] {
			inDegree[d]--
			if inDegree[d] == 0 {
				queue = append(queue, d)
			}
		}
	}

	var cyclic []string
	for i, ok := range visited {
		if !ok {
			cyclic = append(cyclic, def.Steps[i].Name)
		}
	}
	if len(cyclic) > 0 {
		result.AddError("steps", schema.ErrCodeCycleDetected,
			"dependency cycle among steps: "+strings.Join(cyclic, ", "))
	}
	return result
}
