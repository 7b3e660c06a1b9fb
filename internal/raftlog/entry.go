// Package raftlog implements the replicated log: an append-only, segmented,
// ordered sequence of entries with random read by index, physical
// truncation from either end, and a durability boundary (spec.md §4.1).
package raftlog

import "github.com/raftcore/raftd/internal/cluster"

// EntryKind tags the payload carried by an Entry.
type EntryKind int

const (
	EntryCommand EntryKind = iota
	EntryQuery
	EntryOpenSession
	EntryCloseSession
	EntryKeepAlive
	EntryConfiguration
	EntryInitialize
)

func (k EntryKind) String() string {
	switch k {
	case EntryCommand:
		return "Command"
	case EntryQuery:
		return "Query"
	case EntryOpenSession:
		return "OpenSession"
	case EntryCloseSession:
		return "CloseSession"
	case EntryKeepAlive:
		return "KeepAlive"
	case EntryConfiguration:
		return "Configuration"
	case EntryInitialize:
		return "Initialize"
	default:
		return "Unknown"
	}
}

// Consistency is the read consistency level requested by a QueryEntry.
type Consistency int

const (
	ConsistencySequential Consistency = iota
	ConsistencyLinearizableLease
	ConsistencyLinearizable
)

// Entry is a single record in the replicated log. It carries the common
// header required by every kind (spec.md §3) plus the kind-specific
// payload fields; unused payload fields are zero for a given Kind. Go has
// no tagged unions, so this flat struct is the idiomatic rendering
// (grounded on the teacher's LogEntry{Index,Term,Command}, generalized
// from one payload type to the full kind set).
type Entry struct {
	Index     uint64
	Term      uint64
	Timestamp uint64
	Kind      EntryKind

	// CommandEntry / QueryEntry / OpenSessionEntry / CloseSessionEntry / KeepAliveEntry
	Session  uint64
	Sequence uint64

	// CommandEntry / QueryEntry
	Operation []byte

	// QueryEntry
	Consistency Consistency

	// OpenSessionEntry
	ClientID         string
	SessionTimeoutMs uint64

	// KeepAliveEntry
	CommandSequences []uint64
	EventIndexes     []uint64

	// ConfigurationEntry
	Members []cluster.Member
}

// IsSessionLifecycle reports whether the entry is one of the session
// lifecycle kinds (as opposed to command/query/configuration/initialize).
func (e Entry) IsSessionLifecycle() bool {
	switch e.Kind {
	case EntryOpenSession, EntryCloseSession, EntryKeepAlive:
		return true
	default:
		return false
	}
}
