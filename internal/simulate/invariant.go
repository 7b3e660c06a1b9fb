// Package simulate provides the property-test harness named in spec.md
// §8: a recorder of safety invariants and a linearizability checker, used
// by the package-level tests that drive internal/transport.Local through
// partitions and leader churn.
package simulate

import (
	"fmt"
	"sync"

	"github.com/raftcore/raftd/internal/raftlog"
)

// CommittedEntry is one (index, term, kind) observation from one node's
// apply loop, grounded on the teacher's testing.CommittedEntry.
type CommittedEntry struct {
	Index  uint64
	Term   uint64
	Kind   raftlog.EntryKind
	NodeID string
}

// Violation describes a broken safety property.
type Violation struct {
	Type        string
	Description string
}

// InvariantChecker accumulates CommittedEntry observations across every
// node in a simulated cluster and checks state-machine safety (no two
// nodes ever commit different entries at the same index). Election safety
// and log matching are not checked here.
type InvariantChecker struct {
	mu              sync.Mutex
	committedByNode map[string][]CommittedEntry
}

func NewInvariantChecker() *InvariantChecker {
	return &InvariantChecker{committedByNode: make(map[string][]CommittedEntry)}
}

func (ic *InvariantChecker) RecordCommit(nodeID string, index, term uint64, kind raftlog.EntryKind) {
	ic.mu.Lock()
	defer ic.mu.Unlock()
	ic.committedByNode[nodeID] = append(ic.committedByNode[nodeID], CommittedEntry{
		Index: index, Term: term, Kind: kind, NodeID: nodeID,
	})
}

// CheckSafetyInvariants implements spec.md §8's "state-machine safety":
// if two nodes have applied the entry at a given index, it must be the
// same entry (same term, same kind).
func (ic *InvariantChecker) CheckSafetyInvariants() (bool, []Violation) {
	ic.mu.Lock()
	defer ic.mu.Unlock()

	byIndex := make(map[uint64]map[string]CommittedEntry)
	for node, entries := range ic.committedByNode {
		for _, e := range entries {
			if byIndex[e.Index] == nil {
				byIndex[e.Index] = make(map[string]CommittedEntry)
			}
			byIndex[e.Index][node] = e
		}
	}

	var violations []Violation
	for index, byNode := range byIndex {
		var ref *CommittedEntry
		var refNode string
		for node, e := range byNode {
			e := e
			if ref == nil {
				ref = &e
				refNode = node
				continue
			}
			if e.Term != ref.Term || e.Kind != ref.Kind {
				violations = append(violations, Violation{
					Type: "STATE_MACHINE_SAFETY",
					Description: fmt.Sprintf(
						"index %d: node %s committed term=%d kind=%v, node %s committed term=%d kind=%v",
						index, refNode, ref.Term, ref.Kind, node, e.Term, e.Kind),
				})
			}
		}
	}
	return len(violations) == 0, violations
}
