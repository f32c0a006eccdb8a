package workflow

import (
	"sort"

	"github.com/maxkimambo/chainbuild/internal/errors"
)

// Validate checks the graph invariants and returns a topological order of the
// task ids. Ties are broken by declaration order so identical input always
// yields the same order.
func Validate(tasks []Task) ([]string, error) {
	index := make(map[string]int, len(tasks))
	for i, t := range tasks {
		if t.ID == "" {
			return nil, errors.NewInvalidTaskError(i, "task id is empty")
		}
		if t.Handler == "" {
			return nil, errors.NewInvalidTaskError(i, "task "+t.ID+" has no handler")
		}
		if _, dup := index[t.ID]; dup {
			return nil, errors.NewDuplicateTaskError(t.ID)
		}
		index[t.ID] = i
	}

	inDegree := make([]int, len(tasks))
	dependents := make([][]int, len(tasks))
	for i, t := range tasks {
		for _, dep := range t.Dependencies {
			j, ok := index[dep]
			if !ok {
				return nil, errors.NewMissingDependencyError(t.ID, dep)
			}
			inDegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	// Kahn's algorithm over declaration indices.
	var ready []int
	for i := range tasks {
		if inDegree[i] == 0 {
			ready = append(ready, i)
		}
	}
	order := make([]string, 0, len(tasks))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, tasks[current].ID)
		var unlocked []int
		for _, d := range dependents[current] {
			inDegree[d]--
			if inDegree[d] == 0 {
				unlocked = append(unlocked, d)
			}
		}
		ready = append(ready, unlocked...)
		sort.Ints(ready)
	}

	if len(order) != len(tasks) {
		var cyclic []string
		for i, t := range tasks {
			if inDegree[i] > 0 {
				cyclic = append(cyclic, t.ID)
			}
		}
		return nil, errors.NewCyclicGraphError(cyclic)
	}
	return order, nil
}
