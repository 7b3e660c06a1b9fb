package raftlog

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/raftcore/raftd/internal/cluster"
)

// EntryCodec is the binary-serialization boundary named out of scope in
// spec.md §1: the Log depends only on this interface, never on a concrete
// wire format, so swapping encodings never touches segment or compaction
// logic.
type EntryCodec interface {
	Encode(e Entry) ([]byte, error)
	Decode(b []byte) (Entry, error)
}

// gobEntry is the gob-encodable projection of Entry's kind-specific
// payload; the fixed header (index, term, timestamp, kind) is encoded
// separately with protobuf varints. Decode always reads the header and
// gob-decodes the full payload.
type gobEntry struct {
	Session          uint64
	Sequence         uint64
	Operation        []byte
	Consistency      Consistency
	ClientID         string
	SessionTimeoutMs uint64
	CommandSequences []uint64
	EventIndexes     []uint64
	Members          []cluster.Member
}

// DefaultCodec encodes the fixed header with protobuf varints
// (google.golang.org/protobuf/encoding/protowire) and the payload with
// encoding/gob, mirroring the teacher's length-prefixed WAL record framing
// in wal.go while giving the header a self-describing, skippable shape.
type DefaultCodec struct{}

func (DefaultCodec) Encode(e Entry) ([]byte, error) {
	var payload bytes.Buffer
	enc := gob.NewEncoder(&payload)
	if err := enc.Encode(gobEntry{
		Session:          e.Session,
		Sequence:         e.Sequence,
		Operation:        e.Operation,
		Consistency:      e.Consistency,
		ClientID:         e.ClientID,
		SessionTimeoutMs: e.SessionTimeoutMs,
		CommandSequences: e.CommandSequences,
		EventIndexes:     e.EventIndexes,
		Members:          e.Members,
	}); err != nil {
		return nil, fmt.Errorf("raftlog: encode payload: %w", err)
	}

	var buf []byte
	buf = protowire.AppendVarint(buf, e.Index)
	buf = protowire.AppendVarint(buf, e.Term)
	buf = protowire.AppendVarint(buf, e.Timestamp)
	buf = protowire.AppendVarint(buf, uint64(e.Kind))
	buf = protowire.AppendBytes(buf, payload.Bytes())
	return buf, nil
}

func (DefaultCodec) Decode(b []byte) (Entry, error) {
	var e Entry

	index, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return e, fmt.Errorf("raftlog: decode index: %w", protowire.ParseError(n))
	}
	b = b[n:]

	term, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return e, fmt.Errorf("raftlog: decode term: %w", protowire.ParseError(n))
	}
	b = b[n:]

	ts, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return e, fmt.Errorf("raftlog: decode timestamp: %w", protowire.ParseError(n))
	}
	b = b[n:]

	kind, n := protowire.ConsumeVarint(b)
	if n < 0 {
		return e, fmt.Errorf("raftlog: decode kind: %w", protowire.ParseError(n))
	}
	b = b[n:]

	payload, n := protowire.ConsumeBytes(b)
	if n < 0 {
		return e, fmt.Errorf("raftlog: decode payload: %w", protowire.ParseError(n))
	}

	var g gobEntry
	dec := gob.NewDecoder(bytes.NewReader(payload))
	if err := dec.Decode(&g); err != nil {
		return e, fmt.Errorf("raftlog: decode payload body: %w", err)
	}

	e = Entry{
		Index:            index,
		Term:             term,
		Timestamp:        ts,
		Kind:             EntryKind(kind),
		Session:          g.Session,
		Sequence:         g.Sequence,
		Operation:        g.Operation,
		Consistency:      g.Consistency,
		ClientID:         g.ClientID,
		SessionTimeoutMs: g.SessionTimeoutMs,
		CommandSequences: g.CommandSequences,
		EventIndexes:     g.EventIndexes,
		Members:          g.Members,
	}
	return e, nil
}
