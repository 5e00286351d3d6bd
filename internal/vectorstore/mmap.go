package vectorstore

import (
	"math"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

func mmapFile(f *os.File, size int64) ([]byte, error) {
	return unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

func float32bits(f float32) uint32 { return math.Float32bits(f) }

// bytesToFloat32Slice reinterprets a byte slice backed by the mmap region
// as a []float32 without copying. b's length must be a multiple of 4 and
// the store always writes little-endian floats, which matches the native
// byte order on every platform this module targets.
func bytesToFloat32Slice(b []byte) []float32 {
	if len(b) == 0 {
		return nil
	}
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}
