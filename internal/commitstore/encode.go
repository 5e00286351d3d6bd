package commitstore

import (
	"encoding/binary"
	"math"
)

// encodeInt32s serializes ids as little-endian int32s (spec §6 chunk blob
// layout: "CHUNK_SIZE x (Mlayer+1) x 4 bytes, little-endian ints").
func encodeInt32s(ids []int32) []byte {
	out := make([]byte, len(ids)*4)
	for i, v := range ids {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], uint32(v))
	}
	return out
}

func decodeInt32s(data []byte) []int32 {
	out := make([]int32, len(data)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return out
}

// encodeFloat32s serializes a vector chunk's floats as little-endian bits,
// matching the vector mmap's own on-disk representation (spec §4.1).
func encodeFloat32s(vecs []float32) []byte {
	out := make([]byte, len(vecs)*4)
	for i, f := range vecs {
		binary.LittleEndian.PutUint32(out[i*4:i*4+4], math.Float32bits(f))
	}
	return out
}

func decodeFloat32s(data []byte) []float32 {
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4 : i*4+4]))
	}
	return out
}
