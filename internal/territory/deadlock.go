package territory

import (
	v1 "github.com/liminal/liminal/pkg/api/v1"
)

// wouldDeadlock reports whether adding the edge requester→holder to the
// wait-for graph creates a cycle. The graph has an edge R→H for every
// deferred request by R on a resource currently held by H. Caller holds
// the manager lock.
func (m *Manager) wouldDeadlock(requester, holder v1.AgentID) bool {
	// Adding requester→holder closes a cycle iff holder already reaches
	// requester through existing wait edges.
	adj := m.waitEdges()
	return reaches(adj, holder, requester)
}

// waitEdges builds the adjacency of the current wait-for graph.
func (m *Manager) waitEdges() map[v1.AgentID][]v1.AgentID {
	adj := make(map[v1.AgentID][]v1.AgentID)
	for resource, q := range m.queues {
		lease, ok := m.leases[resource]
		if !ok {
			continue
		}
		for _, w := range q.live() {
			adj[w.requester] = append(adj[w.requester], lease.Holder)
		}
	}
	return adj
}

// reaches walks the graph depth-first from src looking for dst.
func reaches(adj map[v1.AgentID][]v1.AgentID, src, dst v1.AgentID) bool {
	if src == dst {
		return true
	}
	seen := map[v1.AgentID]bool{src: true}
	stack := []v1.AgentID{src}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range adj[cur] {
			if next == dst {
				return true
			}
			if !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return false
}
