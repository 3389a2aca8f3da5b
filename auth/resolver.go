package auth

import "sort"

// DeterministicResolver is the production Resolver: it requires a
// rebuild whenever an operation arrives concurrently with another head,
// and orders operations for a rebuild by a topological sort over their
// Previous backlinks with ties between concurrent operations broken by
// OperationID — lexicographically smaller ids sort first. Because every
// peer computes the same ids for the same content (HashOrderer) and
// breaks ties the same way, every honest peer that has seen the same
// set of operations reaches the same ordering and therefore the same
// membership state.
//
// It performs no filtering of its own (Ignored always reports none):
// conflicts the membership kernel itself can adjudicate (already-added,
// insufficient access, wrong-direction promote/demote) surface as Noop
// and are absorbed silently during rebuild. A resolver that also
// filters out, say, one of two concurrent Creates racing for the same
// group id would need additional tie-breaking rules; left as a
// follow-up until an application needs one.
type DeterministicResolver struct{}

// RebuildRequired reports whether op is concurrent with anything: a new
// operation whose backlinks are exactly the current tips extends the
// graph linearly and needs no rebuild.
func (DeterministicResolver) RebuildRequired(op Operation, concurrentWith []Operation) bool {
	return len(concurrentWith) > 0
}

// Process topologically sorts ops by their Previous backlinks, breaking
// ties among operations with no outstanding unprocessed predecessor by
// ascending OperationID.
func (DeterministicResolver) Process(ops []Operation) []Operation {
	byID := make(map[OperationID]Operation, len(ops))
	indegree := make(map[OperationID]int, len(ops))
	dependents := make(map[OperationID][]OperationID, len(ops))

	for _, op := range ops {
		byID[op.ID] = op
		if _, ok := indegree[op.ID]; !ok {
			indegree[op.ID] = 0
		}
	}
	for _, op := range ops {
		for _, prev := range op.Previous {
			if _, known := byID[prev]; !known {
				continue
			}
			indegree[op.ID]++
			dependents[prev] = append(dependents[prev], op.ID)
		}
	}

	var ready []OperationID
	for id, deg := range indegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	out := make([]Operation, 0, len(ops))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		out = append(out, byID[id])

		var freed []OperationID
		for _, dep := range dependents[id] {
			indegree[dep]--
			if indegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Slice(freed, func(i, j int) bool { return freed[i] < freed[j] })

		merged := make([]OperationID, 0, len(ready)+len(freed))
		merged = append(merged, ready...)
		merged = append(merged, freed...)
		sort.Slice(merged, func(i, j int) bool { return merged[i] < merged[j] })
		ready = merged
	}
	return out
}

// Ignored reports no filtered operations; see the type doc for why.
func (DeterministicResolver) Ignored() []OperationID { return nil }
