package order

import "fmt"

// Graph is the DAG of an order's sibling dependencies within a single job,
// keyed by order_name. Used at admission time for cycle validation and by
// the orchestrator for dependency evaluation.
type Graph struct {
	orders map[string]*Order
}

// NewGraph builds a Graph over orders, keyed by DisplayName.
func NewGraph(orders []Order) *Graph {
	g := &Graph{orders: make(map[string]*Order, len(orders))}
	for i := range orders {
		g.orders[orders[i].DisplayName()] = &orders[i]
	}
	return g
}

// DetectCycles reports whether the dependency graph contains a cycle, using
// depth-first search with a recursion stack.
func (g *Graph) DetectCycles() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	for name := range g.orders {
		if !visited[name] {
			if g.hasCycleDFS(name, visited, recStack) {
				return fmt.Errorf("cycle detected in order dependencies at %q", name)
			}
		}
	}
	return nil
}

func (g *Graph) hasCycleDFS(node string, visited, recStack map[string]bool) bool {
	visited[node] = true
	recStack[node] = true

	o, exists := g.orders[node]
	if !exists {
		return false
	}

	for _, dep := range o.Dependencies {
		if !visited[dep] {
			if g.hasCycleDFS(dep, visited, recStack) {
				return true
			}
		} else if recStack[dep] {
			return true
		}
	}

	recStack[node] = false
	return false
}

// TopologicalSort returns order names in dependency order, via Kahn's
// algorithm. Admission uses this purely to validate the graph is acyclic
// (a failed sort implies a cycle); the orchestrator does not rely on the
// returned order since dispatch within a tick is unordered.
func (g *Graph) TopologicalSort() ([]string, error) {
	dependents := make(map[string][]string)
	inDegree := make(map[string]int)

	for name := range g.orders {
		inDegree[name] = 0
		dependents[name] = nil
	}

	for name, o := range g.orders {
		for _, dep := range o.Dependencies {
			dependents[dep] = append(dependents[dep], name)
			inDegree[name]++
		}
	}

	queue := make([]string, 0)
	for name, degree := range inDegree {
		if degree == 0 {
			queue = append(queue, name)
		}
	}

	sorted := make([]string, 0, len(g.orders))
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sorted = append(sorted, current)

		for _, dependent := range dependents[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sorted) != len(g.orders) {
		return nil, fmt.Errorf("failed to topologically sort orders: possible cycle")
	}
	return sorted, nil
}

// UnknownDependencies returns any dependency names that do not reference a
// sibling order in the job.
func (g *Graph) UnknownDependencies() map[string][]string {
	unknown := make(map[string][]string)
	for name, o := range g.orders {
		for _, dep := range o.Dependencies {
			if _, ok := g.orders[dep]; !ok {
				unknown[name] = append(unknown[name], dep)
			}
		}
	}
	return unknown
}

// Classification is the disjoint partition of queued orders the orchestrator
// evaluates every reconcile tick, per §4.4 step 3.
type Classification struct {
	Ready  []string // all deps terminal, and no must_succeed dep ended non-succeeded
	Doomed map[string]doomedReason
	Waiting []string // at least one dep still queued/running, or queue_id contention
}

type doomedReason struct {
	Dependency string
	Status     Status
}

// Classify partitions the currently-queued orders into ready/doomed/waiting
// sets given the current status of every order in the run. runningQueues
// holds the set of queue_id values with an order presently running, used for
// the queue_id serialisation tie-break (§4.4 step 3). claimed tracks queue_id
// values already spoken for within this single pass — seeded from
// runningQueues and updated as each order is assigned to Ready — so two
// queued, dependency-free orders sharing a queue_id never both land in Ready
// on the same tick (invariant 3: at most one order per (run_id, queue_id) is
// running at any wall-clock instant).
func Classify(orders []Order, runningQueues map[string]bool) Classification {
	byName := make(map[string]*Order, len(orders))
	for i := range orders {
		byName[orders[i].DisplayName()] = &orders[i]
	}

	c := Classification{Doomed: make(map[string]doomedReason)}

	claimed := make(map[string]bool, len(runningQueues))
	for q := range runningQueues {
		claimed[q] = true
	}

	for i := range orders {
		o := &orders[i]
		if o.Status != StatusQueued {
			continue
		}

		doomed, blockedWaiting := evaluateDeps(o, byName)
		switch {
		case doomed != nil:
			c.Doomed[o.DisplayName()] = *doomed
		case blockedWaiting:
			c.Waiting = append(c.Waiting, o.DisplayName())
		case o.QueueID != "" && claimed[o.QueueID]:
			c.Waiting = append(c.Waiting, o.DisplayName())
		default:
			if o.QueueID != "" {
				claimed[o.QueueID] = true
			}
			c.Ready = append(c.Ready, o.DisplayName())
		}
	}
	return c
}

// evaluateDeps inspects o's dependencies against sibling statuses. It
// returns a non-nil doomedReason if a must_succeed dependency ended
// non-succeeded (§9 Open Question 2: non-must_succeed dependencies never
// block), or blockedWaiting=true if any dependency is still non-terminal.
func evaluateDeps(o *Order, byName map[string]*Order) (*doomedReason, bool) {
	for _, depName := range o.Dependencies {
		dep, ok := byName[depName]
		if !ok {
			continue // admission already validated dependency names exist
		}
		if !dep.Status.Terminal() {
			return nil, true
		}
		if dep.Status != StatusSucceeded && dep.MustSucceed {
			return &doomedReason{Dependency: depName, Status: dep.Status}, false
		}
	}
	return nil, false
}
