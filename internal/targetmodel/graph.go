package targetmodel

import "github.com/lithium-observatory/sequencer/internal/taskmodel"

// ValidateDAG checks that the dependency set across all targets forms
// a DAG, generalizing the teacher's buildDAG in-degree/root-detection
// from task-level dependencies to target-level ones (invariant 1:
// acyclic dependencies).
func ValidateDAG(targets map[string]*Target) error {
	inDegree := make(map[string]int, len(targets))
	children := make(map[string][]string, len(targets))

	for name, tg := range targets {
		if _, ok := inDegree[name]; !ok {
			inDegree[name] = 0
		}
		for _, dep := range tg.Dependencies() {
			if _, exists := targets[dep]; !exists {
				return taskmodel.NewError(taskmodel.ErrInvalidParameter, "target \""+name+"\" depends on unknown target \""+dep+"\"", nil)
			}
			children[dep] = append(children[dep], name)
			inDegree[name]++
		}
	}

	queue := make([]string, 0, len(targets))
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	if len(targets) > 0 && len(queue) == 0 {
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "target dependency graph has no root nodes (cycle)", nil)
	}

	visited := 0
	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		visited++
		for _, child := range children[n] {
			inDegree[child]--
			if inDegree[child] == 0 {
				queue = append(queue, child)
			}
		}
	}

	if visited != len(targets) {
		return taskmodel.NewError(taskmodel.ErrInvalidParameter, "target dependency graph contains a cycle", nil)
	}
	return nil
}

// WouldCreateCycle reports whether adding a dependency from targetName
// on dependsOn would introduce a cycle, without mutating anything.
// ExposureSequence does not call it: AddTarget and ModifyTarget accept
// dependency changes without a cycle check.
func WouldCreateCycle(targets map[string]*Target, targetName, dependsOn string) bool {
	if targetName == dependsOn {
		return true
	}
	// Reachability search from dependsOn through existing dependencies:
	// if dependsOn already depends (transitively) on targetName, adding
	// targetName -> dependsOn closes a loop.
	visited := make(map[string]bool)
	var dfs func(name string) bool
	dfs = func(name string) bool {
		if name == targetName {
			return true
		}
		if visited[name] {
			return false
		}
		visited[name] = true
		if tg, ok := targets[name]; ok {
			for _, dep := range tg.Dependencies() {
				if dfs(dep) {
					return true
				}
			}
		}
		return false
	}
	return dfs(dependsOn)
}
