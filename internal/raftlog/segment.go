package raftlog

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"path/filepath"
)

// segmentFileName follows spec.md §6's persisted-state layout:
// {segmentBase:u64}.log
func segmentFileName(dir string, base uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%020d.log", base))
}

// segment covers a closed index range [baseIndex, baseIndex+count-1],
// backed by one SegmentFile. Entries are framed
// [entryLen:u32][entry-bytes][crc32:u32], with an in-memory offset index
// (offsets[i] = byte offset of the i-th entry, relative to baseIndex)
// accelerating random read, mirroring the teacher's wal.go record framing
// generalized to a bounded segment instead of one flat file.
type segment struct {
	path      string
	file      SegmentFile
	codec     EntryCodec
	baseIndex uint64
	baseTerm  uint64
	maxBytes  int64

	offsets []int64 // offsets[i] is the byte offset of entry baseIndex+i
	terms   []uint64
	size    int64 // current file size
	sealed  bool
}

const recordHeaderSize = 4 // u32 length prefix
const recordTrailerSize = 4 // u32 crc32

func createSegment(dir string, baseIndex, baseTerm uint64, maxBytes int64, codec EntryCodec) (*segment, error) {
	path := segmentFileName(dir, baseIndex)
	f, err := openOSSegmentFile(path)
	if err != nil {
		return nil, fmt.Errorf("raftlog: create segment %s: %w", path, err)
	}
	return &segment{
		path:      path,
		file:      f,
		codec:     codec,
		baseIndex: baseIndex,
		baseTerm:  baseTerm,
		maxBytes:  maxBytes,
	}, nil
}

// openSegment reopens an existing segment file and replays its records to
// rebuild the offset index, the way the teacher's WAL.recover/readEntries
// replays on open.
func openSegment(dir string, baseIndex uint64, codec EntryCodec) (*segment, error) {
	path := segmentFileName(dir, baseIndex)
	f, err := openOSSegmentFile(path)
	if err != nil {
		return nil, fmt.Errorf("raftlog: open segment %s: %w", path, err)
	}
	s := &segment{path: path, file: f, codec: codec, baseIndex: baseIndex}

	n, err := f.Len()
	if err != nil {
		return nil, err
	}

	var off int64
	for off < n {
		hdr := make([]byte, recordHeaderSize)
		if _, err := f.ReadAt(hdr, off); err != nil {
			break
		}
		length := binary.BigEndian.Uint32(hdr)
		recLen := int64(recordHeaderSize) + int64(length) + int64(recordTrailerSize)
		if off+recLen > n {
			break // trailing partial write, truncate it away
		}

		body := make([]byte, length)
		if _, err := f.ReadAt(body, off+recordHeaderSize); err != nil {
			break
		}
		trailer := make([]byte, recordTrailerSize)
		if _, err := f.ReadAt(trailer, off+recordHeaderSize+int64(length)); err != nil {
			break
		}
		if binary.BigEndian.Uint32(trailer) != crc32.ChecksumIEEE(body) {
			break // corrupt tail record
		}

		e, err := codec.Decode(body)
		if err != nil {
			break
		}
		if len(s.offsets) == 0 {
			s.baseTerm = e.Term
		}
		s.offsets = append(s.offsets, off)
		s.terms = append(s.terms, e.Term)
		off += recLen
	}

	s.size = off
	if off != n {
		if err := f.Truncate(off); err != nil {
			return nil, fmt.Errorf("raftlog: truncate partial tail of %s: %w", path, err)
		}
	}
	return s, nil
}

func (s *segment) lastIndex() uint64 {
	if len(s.offsets) == 0 {
		return s.baseIndex - 1 // empty segment covers no indices yet
	}
	return s.baseIndex + uint64(len(s.offsets)) - 1
}

func (s *segment) count() int { return len(s.offsets) }

func (s *segment) full(maxEntries int) bool {
	return s.sealed || s.count() >= maxEntries || s.size >= s.maxBytes
}

func (s *segment) append(e Entry) error {
	if s.sealed {
		return fmt.Errorf("raftlog: append to sealed segment %s", s.path)
	}
	body, err := s.codec.Encode(e)
	if err != nil {
		return err
	}

	hdr := make([]byte, recordHeaderSize)
	binary.BigEndian.PutUint32(hdr, uint32(len(body)))
	trailer := make([]byte, recordTrailerSize)
	binary.BigEndian.PutUint32(trailer, crc32.ChecksumIEEE(body))

	off := s.size
	if _, err := s.file.WriteAt(hdr, off); err != nil {
		return err
	}
	if _, err := s.file.WriteAt(body, off+recordHeaderSize); err != nil {
		return err
	}
	if _, err := s.file.WriteAt(trailer, off+recordHeaderSize+int64(len(body))); err != nil {
		return err
	}

	if len(s.offsets) == 0 {
		s.baseTerm = e.Term
	}
	s.offsets = append(s.offsets, off)
	s.terms = append(s.terms, e.Term)
	s.size = off + recordHeaderSize + int64(len(body)) + recordTrailerSize
	return nil
}

func (s *segment) get(index uint64) (Entry, bool, error) {
	if index < s.baseIndex {
		return Entry{}, false, nil
	}
	i := int(index - s.baseIndex)
	if i >= len(s.offsets) {
		return Entry{}, false, nil
	}

	off := s.offsets[i]
	hdr := make([]byte, recordHeaderSize)
	if _, err := s.file.ReadAt(hdr, off); err != nil {
		return Entry{}, false, err
	}
	length := binary.BigEndian.Uint32(hdr)
	body := make([]byte, length)
	if _, err := s.file.ReadAt(body, off+recordHeaderSize); err != nil {
		return Entry{}, false, err
	}

	e, err := s.codec.Decode(body)
	if err != nil {
		return Entry{}, false, err
	}
	return e, true, nil
}

// truncateAfter removes every entry with index > index from this segment.
func (s *segment) truncateAfter(index uint64) error {
	if index < s.baseIndex {
		s.offsets = nil
		s.terms = nil
		s.size = 0
		return s.file.Truncate(0)
	}
	keep := int(index-s.baseIndex) + 1
	if keep >= len(s.offsets) {
		return nil
	}
	s.size = s.offsets[keep]
	s.offsets = s.offsets[:keep]
	s.terms = s.terms[:keep]
	s.sealed = false
	return s.file.Truncate(s.size)
}

func (s *segment) seal() { s.sealed = true }

func (s *segment) flush() error { return s.file.Sync() }

func (s *segment) close() error { return s.file.Close() }
