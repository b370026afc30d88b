package robinhood

import (
	"math"
	"math/bits"
)

const (
	// defaultInitialCapacity is the slot count of a table built without
	// WithInitialCapacity.
	defaultInitialCapacity = 16
	// defaultMaxLoadFactor is the fraction of slots that may be occupied
	// before an insert of a new key doubles the table.
	defaultMaxLoadFactor = 0.75
	// minCapacity keeps at least one slot empty for any load factor below 1.
	minCapacity = 2
	// maxTableCapacity bounds doubling well inside the addressable range.
	maxTableCapacity uint64 = 1 << (bits.UintSize - 2)
)

// slot is one cell of the slot array. dist is the number of buckets the
// entry sits past its ideal bucket and is meaningful only when occupied.
type slot[K comparable, V any] struct {
	key      K
	value    V
	dist     uint32
	occupied bool
}

// nextPowOf2 calculates the smallest power of 2 that is greater than or equal to n.
func nextPowOf2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len64(n-1)
}

// loadLimit is the largest size a table of the given capacity may hold at
// rest. It always leaves one slot empty so probe walks terminate.
func loadLimit(capacity uint64, maxLoadFactor float64) uint64 {
	limit := uint64(float64(capacity) * maxLoadFactor)
	if limit >= capacity {
		limit = capacity - 1
	}
	return limit
}

// probeDistance is the displacement of slot i from ideal on a ring of
// mask+1 slots.
func probeDistance(ideal, i, mask uint64) uint64 {
	return (i - ideal) & mask
}

// incDist advances a carried displacement by one bucket.
func incDist(d uint32) uint32 {
	if d == math.MaxUint32 {
		invariantf("displacement overflow")
	}
	return d + 1
}

// insertSlot runs the Robin Hood insertion walk over a ring of slots,
// starting from the ideal bucket of hash. The carried entry is swapped with
// any occupant strictly richer than it; ties keep the incumbent. With unique
// set the key is known to be absent and no comparison is made. It returns
// false when an existing key had its value replaced.
func insertSlot[K comparable, V any](
	slots []slot[K, V],
	mask, hash uint64,
	key K, value V,
	unique bool,
) bool {
	i := hash & mask
	carry := slot[K, V]{key: key, value: value, occupied: true}
	for {
		s := &slots[i]
		switch {
		case !s.occupied:
			*s = carry
			return true
		case !unique && s.key == key:
			s.value = value
			return false
		case s.dist < carry.dist:
			carry, *s = *s, carry
			// everything carried from here on is an existing, distinct key
			unique = true
		}
		carry.dist = incDist(carry.dist)
		i = (i + 1) & mask
	}
}

// findSlot returns the index holding key. The walk stops early at the first
// slot whose occupant is richer than the probe, since Robin Hood ordering
// would have placed key before it.
func findSlot[K comparable, V any](slots []slot[K, V], mask, hash uint64, key K) (uint64, bool) {
	i := hash & mask
	for d := uint32(0); ; d++ {
		s := &slots[i]
		if !s.occupied {
			return 0, false
		}
		if s.key == key {
			return i, true
		}
		if s.dist < d {
			return 0, false
		}
		i = (i + 1) & mask
	}
}

// backwardShift empties the slot at hole and pulls each following entry of
// the probe run one bucket back, until an empty slot or an entry already in
// its ideal bucket.
func backwardShift[K comparable, V any](slots []slot[K, V], mask, hole uint64) {
	for {
		next := (hole + 1) & mask
		s := &slots[next]
		if !s.occupied || s.dist == 0 {
			slots[hole] = slot[K, V]{}
			return
		}
		slots[hole] = *s
		slots[hole].dist--
		hole = next
	}
}
