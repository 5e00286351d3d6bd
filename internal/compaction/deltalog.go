package compaction

import (
	"context"
	"fmt"
	"sync"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/replikativ/proximum/internal/blobstore"
	"github.com/replikativ/proximum/internal/errs"
)

// Op identifies the kind of write a DeltaEntry records.
type Op int

const (
	OpAdd Op = iota
	OpDelete
)

// DeltaEntry is one (external_id, vector, op) write recorded against the
// source index while an online compaction's copy phase is in flight (spec
// §4.7 "writes during copy go to the delta log").
type DeltaEntry struct {
	ExternalID any
	Vector     []float32
	Op         Op
}

const deltaLogSpillPrefix = "deltalog:"

// DeltaLog buffers writes in memory, spilling batches to the blob store
// once the buffer reaches spillThreshold entries so a long copy phase
// cannot grow memory unboundedly (an edge case spec §4.7 does not bound
// explicitly but a complete implementation must not ignore).
type DeltaLog struct {
	mu             sync.Mutex
	blobs          blobstore.BlobStore
	spillThreshold int
	buffer         []DeltaEntry
	spilledKeys    []string
	nextSpill      int
}

// NewDeltaLog creates an empty log. spillThreshold <= 0 disables spilling
// (the whole log stays in memory; fine for short compactions or tests).
func NewDeltaLog(blobs blobstore.BlobStore, spillThreshold int) *DeltaLog {
	return &DeltaLog{blobs: blobs, spillThreshold: spillThreshold}
}

// Append records one write. It may synchronously spill the current buffer
// to the blob store once the buffer reaches the threshold.
func (d *DeltaLog) Append(ctx context.Context, entry DeltaEntry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.buffer = append(d.buffer, entry)
	if d.spillThreshold <= 0 || len(d.buffer) < d.spillThreshold {
		return nil
	}
	return d.spillLocked(ctx)
}

func (d *DeltaLog) spillLocked(ctx context.Context) error {
	data, err := msgpack.Marshal(d.buffer)
	if err != nil {
		return errs.InvalidState("failed to encode delta log batch: " + err.Error())
	}
	key := fmt.Sprintf("%s%d", deltaLogSpillPrefix, d.nextSpill)
	if err := d.blobs.Put(ctx, key, data); err != nil {
		return err
	}
	d.spilledKeys = append(d.spilledKeys, key)
	d.nextSpill++
	d.buffer = d.buffer[:0]
	return nil
}

// Len reports the number of buffered (not yet spilled) entries, for tests
// and metrics.
func (d *DeltaLog) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.buffer)
}

// Replay calls apply for every entry ever recorded, in append order:
// spilled batches first (oldest to newest), then whatever remains
// buffered. It does not clear the log; callers discard the DeltaLog once
// replay completes successfully.
func (d *DeltaLog) Replay(ctx context.Context, apply func(DeltaEntry) error) error {
	d.mu.Lock()
	keys := append([]string(nil), d.spilledKeys...)
	tail := append([]DeltaEntry(nil), d.buffer...)
	d.mu.Unlock()

	for _, key := range keys {
		raw, ok, err := d.blobs.Get(ctx, key)
		if err != nil {
			return err
		}
		if !ok {
			return errs.CorruptedStorage(key, "spilled delta log batch missing")
		}
		var batch []DeltaEntry
		if err := msgpack.Unmarshal(raw, &batch); err != nil {
			return errs.CorruptedStorage(key, "failed to decode delta log batch: "+err.Error())
		}
		for _, e := range batch {
			if err := apply(e); err != nil {
				return err
			}
		}
	}
	for _, e := range tail {
		if err := apply(e); err != nil {
			return err
		}
	}
	return nil
}
