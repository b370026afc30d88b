package robinhood

import (
	"hash/maphash"
	"unsafe"

	"github.com/cespare/xxhash/v2"
)

// HashFunc hashes a key with the table seed. The ideal bucket of a key is
// the hash masked by capacity-1, so the low bits must carry entropy.
type HashFunc[K comparable] func(key K, seed uint64) uint64

// hashPrime is the 64-bit Golden Ratio mixing constant.
const hashPrime = 0x9E3779B185EBCA87

// mix64 spreads the entropy of h over the low bits used for bucket
// selection. Multiplication only carries upward, so the high half is folded
// back down.
func mix64(h uint64) uint64 {
	h *= hashPrime
	return h ^ (h >> 32)
}

// defaultHasher picks a hash function for K. Integer keys are mixed
// directly, strings go through xxhash, everything else through maphash.
func defaultHasher[K comparable]() HashFunc[K] {
	switch any(*new(K)).(type) {
	case uint, int, uintptr:
		return func(key K, seed uint64) uint64 {
			return mix64(uint64(*(*uintptr)(unsafe.Pointer(&key))) ^ seed)
		}
	case uint64, int64:
		return func(key K, seed uint64) uint64 {
			return mix64(*(*uint64)(unsafe.Pointer(&key)) ^ seed)
		}
	case uint32, int32:
		return func(key K, seed uint64) uint64 {
			return mix64(uint64(*(*uint32)(unsafe.Pointer(&key))) ^ seed)
		}
	case uint16, int16:
		return func(key K, seed uint64) uint64 {
			return mix64(uint64(*(*uint16)(unsafe.Pointer(&key))) ^ seed)
		}
	case uint8, int8:
		return func(key K, seed uint64) uint64 {
			return mix64(uint64(*(*uint8)(unsafe.Pointer(&key))) ^ seed)
		}
	case string:
		return func(key K, seed uint64) uint64 {
			return mix64(xxhash.Sum64String(*(*string)(unsafe.Pointer(&key))) ^ seed)
		}
	default:
		ms := maphash.MakeSeed()
		return func(key K, seed uint64) uint64 {
			return mix64(maphash.Comparable(ms, key) ^ seed)
		}
	}
}
