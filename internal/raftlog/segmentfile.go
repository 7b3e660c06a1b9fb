package raftlog

import "os"

// SegmentFile is the byte-buffer / memory-mapped-file substrate boundary
// named out of scope in spec.md §1. The Log and Segment types never touch
// *os.File directly, only through this interface, so an mmap-backed
// implementation is a drop-in replacement.
type SegmentFile interface {
	ReadAt(b []byte, off int64) (int, error)
	WriteAt(b []byte, off int64) (int, error)
	Truncate(size int64) error
	Sync() error
	Len() (int64, error)
	Close() error
}

// osSegmentFile is the default SegmentFile backed by a plain *os.File.
type osSegmentFile struct {
	f *os.File
}

func openOSSegmentFile(path string) (*osSegmentFile, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	return &osSegmentFile{f: f}, nil
}

func (s *osSegmentFile) ReadAt(b []byte, off int64) (int, error)  { return s.f.ReadAt(b, off) }
func (s *osSegmentFile) WriteAt(b []byte, off int64) (int, error) { return s.f.WriteAt(b, off) }
func (s *osSegmentFile) Truncate(size int64) error                { return s.f.Truncate(size) }
func (s *osSegmentFile) Sync() error                              { return s.f.Sync() }
func (s *osSegmentFile) Close() error                             { return s.f.Close() }

func (s *osSegmentFile) Len() (int64, error) {
	fi, err := s.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}
