// Package statemachine provides a concrete executor for the boundary
// spec.md §1 names out of scope: a deterministic function from a
// committed CommandEntry/QueryEntry payload to a result.
package statemachine

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"sync"
)

// OpKind distinguishes the two operations the KV machine understands.
type OpKind int

const (
	OpSet OpKind = iota
	OpDelete
	OpGet
)

// Op is the gob-encoded payload carried by CommandEntry.Operation and
// QueryEntry.Operation, grounded on the teacher's kv.Command.
type Op struct {
	Kind  OpKind
	Key   string
	Value []byte
}

// EncodeOp is the client-side helper for building an Operation payload.
func EncodeOp(op Op) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(op); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeOp(b []byte) (Op, error) {
	var op Op
	if err := gob.NewDecoder(bytes.NewReader(b)).Decode(&op); err != nil {
		return Op{}, err
	}
	return op, nil
}

// KVMachine is an in-memory key-value executor satisfying
// raft.StateMachine, grounded on the teacher's pkg/kv.Store with its
// own per-client dedup table replaced by internal/session (spec.md §4.6
// "Command operations" dedup is now the session subsystem's job, not the
// state machine's).
type KVMachine struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func New() *KVMachine {
	return &KVMachine{data: make(map[string][]byte)}
}

// Apply executes a committed command. session/sequence are accepted to
// satisfy the StateMachine interface but the dedup decision itself lives
// in internal/session; by the time Apply is called the operation is known
// novel.
func (m *KVMachine) Apply(session, sequence uint64, operation []byte) ([]byte, error) {
	op, err := decodeOp(operation)
	if err != nil {
		return nil, fmt.Errorf("statemachine: decode operation: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch op.Kind {
	case OpSet:
		m.data[op.Key] = append([]byte(nil), op.Value...)
		return nil, nil
	case OpDelete:
		delete(m.data, op.Key)
		return nil, nil
	default:
		return nil, fmt.Errorf("statemachine: %d is not a command operation", op.Kind)
	}
}

// Query executes a read-only operation without mutating state or
// advancing the log.
func (m *KVMachine) Query(session uint64, operation []byte) ([]byte, error) {
	op, err := decodeOp(operation)
	if err != nil {
		return nil, fmt.Errorf("statemachine: decode operation: %w", err)
	}
	if op.Kind != OpGet {
		return nil, fmt.Errorf("statemachine: %d is not a query operation", op.Kind)
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	v, ok := m.data[op.Key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (m *KVMachine) Snapshot() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m.data); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (m *KVMachine) Restore(data []byte) error {
	var snapshot map[string][]byte
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&snapshot); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = snapshot
	return nil
}
