// Package vectorstore is the fixed-capacity, append-only, memory-mapped
// float vector store (spec §4.1). Layout: a 64-byte header followed by
// capacity*dim*4 bytes of little-endian float32s. Writes go straight to the
// mapped file; there is no temp-file or rename step.
package vectorstore

import (
	"encoding/binary"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"

	"github.com/gofrs/flock"
	"golang.org/x/sys/unix"

	"github.com/replikativ/proximum/internal/errs"
)

const headerSize = 64

// Store is a fixed-capacity append-only mmap vector store. Safe for
// concurrent Append (CAS on reserved assigns disjoint slots) and concurrent
// Get/RawSlice, which only ever see ids below count - advanced in id order,
// only after each slot's bytes are fully written.
type Store struct {
	file *os.File
	lock *flock.Flock
	data []byte // mmap'd region: header + vector bytes

	dim      uint32
	capacity uint32
	reserved atomic.Uint32 // next slot handed out by Append's CAS; may race ahead of count
	count    atomic.Uint32 // published count; mirrors the in-header count, bounds Get/RawSlice

	closed atomic.Bool
}

// Create creates a new vector store file at path with the given dimension
// and capacity, sized up front so writes never extend the mapping.
func Create(path string, dim, capacity int) (*Store, error) {
	if dim <= 0 {
		return nil, errs.InvalidState("dim must be positive")
	}
	if capacity < 0 {
		return nil, errs.InvalidState("capacity must not be negative")
	}

	size := int64(headerSize) + int64(capacity)*int64(dim)*4
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return nil, errs.IO(err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errs.IO(err)
	}

	lock := flock.New(path + ".lock")
	if ok, err := lock.TryLock(); err != nil || !ok {
		f.Close()
		return nil, errs.IO(fmt.Errorf("could not lock vector store at %s", path))
	}

	data, err := mmapFile(f, size)
	if err != nil {
		lock.Unlock()
		f.Close()
		return nil, errs.IO(err)
	}

	s := &Store{file: f, lock: lock, data: data, dim: uint32(dim), capacity: uint32(capacity)}
	s.putHeader()
	return s, nil
}

// Open opens an existing vector store file, reading dim/count/capacity from
// its header.
func Open(path string) (*Store, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		return nil, errs.IO(err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errs.IO(err)
	}

	lock := flock.New(path + ".lock")
	if ok, err := lock.TryLock(); err != nil || !ok {
		f.Close()
		return nil, errs.IO(fmt.Errorf("could not lock vector store at %s", path))
	}

	data, err := mmapFile(f, info.Size())
	if err != nil {
		lock.Unlock()
		f.Close()
		return nil, errs.IO(err)
	}
	if len(data) < headerSize {
		lock.Unlock()
		f.Close()
		return nil, errs.CorruptedStorage(path, "file shorter than header")
	}

	dim := binary.LittleEndian.Uint32(data[0:4])
	count := binary.LittleEndian.Uint32(data[4:8])
	capacity := binary.LittleEndian.Uint32(data[8:12])

	s := &Store{file: f, lock: lock, data: data, dim: dim, capacity: capacity}
	s.count.Store(count)
	s.reserved.Store(count)
	return s, nil
}

func (s *Store) putHeader() {
	binary.LittleEndian.PutUint32(s.data[0:4], s.dim)
	binary.LittleEndian.PutUint32(s.data[8:12], s.capacity)
	s.storeCount(0)
}

func (s *Store) storeCount(n uint32) {
	binary.LittleEndian.PutUint32(s.data[4:8], n)
	s.count.Store(n)
}

// Dim returns the configured vector dimensionality.
func (s *Store) Dim() int { return int(s.dim) }

// Capacity returns the fixed vector count cap.
func (s *Store) Capacity() int { return int(s.capacity) }

// Count returns the number of vectors appended so far.
func (s *Store) Count() int { return int(s.count.Load()) }

func (s *Store) offset(id uint32) int {
	return headerSize + int(id)*int(s.dim)*4
}

// Append writes vec and returns its assigned internal id. Slot assignment
// (reserved) and visibility (count) are tracked separately: a slot is
// reserved by CAS before its bytes are written, but count - the field
// Get/RawSlice bounds-check against - only advances once this id's bytes
// are fully copied in, and only after every lower id has already published
// (the second CAS loop below spins until it is this id's turn), so a
// concurrent reader never observes a reserved-but-unwritten or torn vector
// (spec §4.1).
func (s *Store) Append(vec []float32) (int, error) {
	if s.closed.Load() {
		return 0, errs.InvalidState("vector store is closed")
	}
	if len(vec) != int(s.dim) {
		return 0, errs.DimensionMismatch(int(s.dim), len(vec))
	}

	for {
		cur := s.reserved.Load()
		if cur >= s.capacity {
			return 0, errs.CapacityExceeded(int(s.capacity))
		}
		if s.reserved.CompareAndSwap(cur, cur+1) {
			off := s.offset(cur)
			buf := s.data[off : off+int(s.dim)*4]
			for i, f := range vec {
				binary.LittleEndian.PutUint32(buf[i*4:i*4+4], float32bits(f))
			}
			for !s.count.CompareAndSwap(cur, cur+1) {
				runtime.Gosched()
			}
			binary.LittleEndian.PutUint32(s.data[4:8], cur+1)
			return int(cur), nil
		}
	}
}

// Get copies out the vector stored at id.
func (s *Store) Get(id int) ([]float32, error) {
	raw, err := s.RawSlice(id)
	if err != nil {
		return nil, err
	}
	out := make([]float32, len(raw))
	copy(out, raw)
	return out, nil
}

// RawSlice returns a zero-copy view of the vector stored at id, for SIMD
// consumption. The returned slice aliases the mapped file; callers must not
// retain it past the store's lifetime.
func (s *Store) RawSlice(id int) ([]float32, error) {
	if s.closed.Load() {
		return nil, errs.InvalidState("vector store is closed")
	}
	if id < 0 || uint32(id) >= s.count.Load() {
		return nil, errs.InvalidState(fmt.Sprintf("vector id %d out of bounds (count=%d)", id, s.count.Load()))
	}
	off := s.offset(uint32(id))
	return bytesToFloat32Slice(s.data[off : off+int(s.dim)*4]), nil
}

// SyncToDisk flushes the mapped region to durable storage.
func (s *Store) SyncToDisk() error {
	if s.closed.Load() {
		return nil
	}
	if err := unix.Msync(s.data, unix.MS_SYNC); err != nil {
		return errs.IO(err)
	}
	return nil
}

// Close unmaps and releases the underlying file and lock.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var firstErr error
	if err := unix.Munmap(s.data); err != nil {
		firstErr = errs.IO(err)
	}
	if err := s.file.Close(); err != nil && firstErr == nil {
		firstErr = errs.IO(err)
	}
	_ = s.lock.Unlock()
	return firstErr
}
