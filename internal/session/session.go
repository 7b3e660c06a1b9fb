// Package session implements the client-session subsystem spec.md §1
// names as an external collaborator: session lifecycle, the
// (session, sequence) dedup table, and keep-alive/expiry bookkeeping.
package session

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// entry is grounded on the teacher's kv.ClientSession, extended with the
// fields spec.md §4.6 needs: per-sequence cached command results (not
// just the latest one, since KeepAlive acks a whole window) and an
// expiry deadline derived from the session's negotiated timeout.
type entry struct {
	clientID   string
	timeout    time.Duration
	lastActive time.Time
	closed     bool

	results map[uint64][]byte // sequence -> cached CommandResponse.Result
	maxSeq  uint64
}

// Table is an in-memory session manager satisfying raft.SessionManager.
type Table struct {
	mu       sync.Mutex
	sessions map[uint64]*entry
	now      func() time.Time
}

func New() *Table {
	return &Table{
		sessions: make(map[uint64]*entry),
		now:      time.Now,
	}
}

// AssignID reserves a fresh, currently-unused session id derived from a
// random UUID (collapsed to 64 bits) rather than a plain counter, so ids
// stay unguessable and collision-free across a leader failover with no
// shared counter state. It does not register a session: the id is meant
// to be carried in a replicated OpenSessionEntry and installed on every
// node via OpenWithID once that entry is applied.
func (t *Table) AssignID() (uint64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var id uint64
	for {
		id = randomSessionID()
		if id == 0 {
			continue
		}
		if _, exists := t.sessions[id]; !exists {
			break
		}
	}
	return id, nil
}

// OpenWithID registers a session under an id assigned elsewhere (AssignID
// on the leader, carried through the log to every node), per spec.md
// §4.6's OpenSessionEntry application.
func (t *Table) OpenWithID(id uint64, clientID string, timeoutMs uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sessions[id] = &entry{
		clientID:   clientID,
		timeout:    time.Duration(timeoutMs) * time.Millisecond,
		lastActive: t.now(),
		results:    make(map[uint64][]byte),
	}
	return nil
}

func randomSessionID() uint64 {
	id := uuid.New()
	return binary.BigEndian.Uint64(id[:8])
}

// Close removes a session, per spec.md §4.6 CloseSessionEntry handling.
func (t *Table) Close(sessionID uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session: unknown session %d", sessionID)
	}
	e.closed = true
	delete(t.sessions, sessionID)
	return nil
}

// KeepAlive refreshes liveness for sessionIDs and trims cached results for
// command sequences the client has already observed, per spec.md §6's
// KeepAliveRequest contract (sessionIDs/commandSequences/eventIndexes are
// parallel windows, one per acknowledged session).
func (t *Table) KeepAlive(sessionIDs []uint64, commandSequences []uint64, eventIndexes []uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	for i, id := range sessionIDs {
		e, ok := t.sessions[id]
		if !ok {
			return fmt.Errorf("session: unknown session %d", id)
		}
		e.lastActive = now

		if i < len(commandSequences) {
			ackedThrough := commandSequences[i]
			for seq := range e.results {
				if seq <= ackedThrough {
					delete(e.results, seq)
				}
			}
		}
	}
	return nil
}

// Dedup implements spec.md §4.5's "duplicates return the cached result".
func (t *Table) Dedup(sessionID, sequence uint64) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[sessionID]
	if !ok {
		return nil, false
	}
	result, ok := e.results[sequence]
	return result, ok
}

// Record caches a command's result for future Dedup calls and tracks the
// highest sequence seen in maxSeq. Dedup answers from the cached results
// only; out-of-order replays are not rejected.
func (t *Table) Record(sessionID, sequence uint64, result []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.sessions[sessionID]
	if !ok {
		return
	}
	e.results[sequence] = result
	if sequence > e.maxSeq {
		e.maxSeq = sequence
	}
}

// Expired reports sessions whose timeout has elapsed since lastActive, for
// the leader's periodic expiry sweep (spec.md glossary: "Session —
// bounded sequence numbers", implying a liveness bound).
func (t *Table) Expired() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var expired []uint64
	for id, e := range t.sessions {
		if e.timeout > 0 && now.Sub(e.lastActive) > e.timeout {
			expired = append(expired, id)
		}
	}
	return expired
}
