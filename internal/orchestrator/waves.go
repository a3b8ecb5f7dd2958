package orchestrator

import v1 "github.com/agentmux/agentmux/pkg/api/v1"

// ComputeWaves layers tasks by dependency depth: wave 0 holds tasks with no
// dependencies inside the set, wave n holds tasks whose dependencies all sit
// in earlier waves. Dependencies outside the set are ignored. Tasks caught in
// a dependency cycle are appended as a final wave in input order so a bad
// graph degrades to sequential scheduling instead of deadlock.
func ComputeWaves(tasks []*v1.Task) [][]*v1.Task {
	if len(tasks) == 0 {
		return nil
	}
	inSet := make(map[string]*v1.Task, len(tasks))
	for _, t := range tasks {
		inSet[t.ID] = t
	}

	// Remaining dependency counts, restricted to the set.
	pending := make(map[string]int, len(tasks))
	dependents := make(map[string][]string)
	for _, t := range tasks {
		count := 0
		for _, dep := range t.DependsOn {
			if _, ok := inSet[dep]; ok {
				count++
				dependents[dep] = append(dependents[dep], t.ID)
			}
		}
		pending[t.ID] = count
	}

	var waves [][]*v1.Task
	placed := make(map[string]bool, len(tasks))
	current := make([]*v1.Task, 0, len(tasks))
	for _, t := range tasks {
		if pending[t.ID] == 0 {
			current = append(current, t)
		}
	}
	for len(current) > 0 {
		waves = append(waves, current)
		var next []*v1.Task
		for _, t := range current {
			placed[t.ID] = true
			for _, depID := range dependents[t.ID] {
				pending[depID]--
				if pending[depID] == 0 {
					next = append(next, inSet[depID])
				}
			}
		}
		current = next
	}

	// Whatever is left sits on a cycle.
	var cyclic []*v1.Task
	for _, t := range tasks {
		if !placed[t.ID] {
			cyclic = append(cyclic, t)
		}
	}
	if len(cyclic) > 0 {
		waves = append(waves, cyclic)
	}
	return waves
}
