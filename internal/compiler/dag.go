package compiler

import (
	"fmt"
	"strings"

	"studio/internal/domain"
)

// topoOrder returns jobs with every dependency ahead of its dependents, using
// Kahn's algorithm. A cycle is reported with its path.
func topoOrder(jobs []*domain.Job) ([]*domain.Job, error) {
	byID := make(map[string]*domain.Job, len(jobs))
	for _, j := range jobs {
		byID[j.ID] = j
	}

	inDegree := make(map[string]int, len(jobs))
	forward := make(map[string][]string)
	for _, j := range jobs {
		for _, dep := range j.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, fmt.Errorf("job %s: %w %q", j.ID, domain.ErrUnknownDependency, dep)
			}
			inDegree[j.ID]++
			forward[dep] = append(forward[dep], j.ID)
		}
	}

	var queue []string
	for _, j := range jobs {
		if inDegree[j.ID] == 0 {
			queue = append(queue, j.ID)
		}
	}

	sorted := make([]*domain.Job, 0, len(jobs))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		sorted = append(sorted, byID[id])
		for _, next := range forward[id] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if len(sorted) == len(jobs) {
		return sorted, nil
	}
	path := cyclePath(jobs, inDegree)
	return nil, fmt.Errorf("%w: %s", domain.ErrCircularDependency, strings.Join(path, " -> "))
}

// cyclePath walks the jobs left over by Kahn's algorithm to name one cycle.
func cyclePath(jobs []*domain.Job, inDegree map[string]int) []string {
	const (
		white = iota
		gray
		black
	)
	edges := make(map[string][]string, len(jobs))
	for _, j := range jobs {
		edges[j.ID] = j.DependsOn
	}
	color := make(map[string]int)
	parent := make(map[string]string)
	var path []string

	var dfs func(node string) bool
	dfs = func(node string) bool {
		color[node] = gray
		for _, dep := range edges[node] {
			if color[dep] == gray {
				path = []string{dep}
				for cur := node; cur != dep; cur = parent[cur] {
					path = append(path, cur)
				}
				path = append(path, dep)
				for i, k := 0, len(path)-1; i < k; i, k = i+1, k-1 {
					path[i], path[k] = path[k], path[i]
				}
				return true
			}
			if color[dep] == white {
				parent[dep] = node
				if dfs(dep) {
					return true
				}
			}
		}
		color[node] = black
		return false
	}

	for _, j := range jobs {
		if inDegree[j.ID] > 0 && color[j.ID] == white && dfs(j.ID) {
			return path
		}
	}
	return []string{"(cycle detected)"}
}
