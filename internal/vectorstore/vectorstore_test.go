package vectorstore_test

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replikativ/proximum/internal/errs"
	"github.com/replikativ/proximum/internal/vectorstore"
)

func TestAppendGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := vectorstore.Create(filepath.Join(dir, "vecs.bin"), 4, 10)
	require.NoError(t, err)
	defer s.Close()

	id, err := s.Append([]float32{1, 2, 3, 4})
	require.NoError(t, err)
	assert.Equal(t, 0, id)

	got, err := s.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, got)
	assert.Equal(t, 1, s.Count())
}

func TestAppendDimensionMismatch(t *testing.T) {
	dir := t.TempDir()
	s, err := vectorstore.Create(filepath.Join(dir, "vecs.bin"), 4, 10)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append([]float32{1, 2, 3})
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.KindDimensionMismatch))
}

func TestCapacityExceeded(t *testing.T) {
	dir := t.TempDir()
	s, err := vectorstore.Create(filepath.Join(dir, "vecs.bin"), 2, 1)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append([]float32{1, 2})
	require.NoError(t, err)

	_, err = s.Append([]float32{3, 4})
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.KindCapacityExceeded))
}

func TestZeroCapacityAlwaysFails(t *testing.T) {
	dir := t.TempDir()
	s, err := vectorstore.Create(filepath.Join(dir, "vecs.bin"), 2, 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Append([]float32{1, 2})
	require.Error(t, err)
	assert.True(t, errs.Of(err, errs.KindCapacityExceeded))
}

func TestOpenReadsHeader(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vecs.bin")
	s, err := vectorstore.Create(path, 3, 5)
	require.NoError(t, err)
	_, err = s.Append([]float32{1, 1, 1})
	require.NoError(t, err)
	require.NoError(t, s.SyncToDisk())
	require.NoError(t, s.Close())

	reopened, err := vectorstore.Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 3, reopened.Dim())
	assert.Equal(t, 5, reopened.Capacity())
	assert.Equal(t, 1, reopened.Count())

	v, err := reopened.Get(0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 1, 1}, v)
}

// TestConcurrentAppendNeverExposesUnwrittenSlot races Append against
// Get/RawSlice: every writer fills its whole vector with one repeated
// nonzero value, so a reader observing an id before its bytes are fully
// copied in would catch it as a zero or mixed-value slice.
func TestConcurrentAppendNeverExposesUnwrittenSlot(t *testing.T) {
	dir := t.TempDir()
	s, err := vectorstore.Create(filepath.Join(dir, "vecs.bin"), 8, 2000)
	require.NoError(t, err)
	defer s.Close()

	const writers = 16
	const perWriter = 100

	var wg sync.WaitGroup
	for w := 1; w <= writers; w++ {
		wg.Add(1)
		go func(fill float32) {
			defer wg.Done()
			vec := make([]float32, 8)
			for i := range vec {
				vec[i] = fill
			}
			for n := 0; n < perWriter; n++ {
				_, err := s.Append(vec)
				assert.NoError(t, err)
			}
		}(float32(w))
	}

	stop := make(chan struct{})
	var readErrs int
	var readerDone sync.WaitGroup
	readerDone.Add(1)
	go func() {
		defer readerDone.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			n := s.Count()
			for id := 0; id < n; id++ {
				raw, err := s.RawSlice(id)
				if err != nil {
					continue
				}
				first := raw[0]
				for _, v := range raw {
					if v != first {
						readErrs++
					}
				}
				if first == 0 {
					readErrs++
				}
			}
		}
	}()

	wg.Wait()
	close(stop)
	readerDone.Wait()

	assert.Equal(t, writers*perWriter, s.Count())
	assert.Zero(t, readErrs, "reader observed a torn or unpublished vector slot")
}

func TestRawSliceOutOfBounds(t *testing.T) {
	dir := t.TempDir()
	s, err := vectorstore.Create(filepath.Join(dir, "vecs.bin"), 2, 2)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.RawSlice(0)
	require.Error(t, err)
}
