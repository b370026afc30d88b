package robinhood

import (
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

// SeqTable is a single-threaded Robin Hood hash table. Entries live inline
// in one power-of-two slot array probed linearly with wraparound; every
// entry records its displacement from its ideal bucket, and inserts let a
// poorer (more displaced) entry take the place of a richer one. Deletion
// shifts the rest of the probe run back instead of leaving tombstones.
//
// A SeqTable must not be used by more than one goroutine at a time; use
// ParTable for shared access. A SeqTable must not be copied after first use.
type SeqTable[K comparable, V any] struct {
	_             noCopy
	slots         []slot[K, V]
	mask          uint64
	size          uint64
	limit         uint64
	seed          uint64
	keyHash       HashFunc[K]
	maxLoadFactor float64
	minCapacity   uint64
	maxCapacity   uint64
	totalGrowths  uint32
	logger        *zap.Logger
}

// NewSeqTable creates an empty table.
func NewSeqTable[K comparable, V any](options ...Option) *SeqTable[K, V] {
	c := newConfig(options)
	t := &SeqTable[K, V]{
		seed:          c.seed,
		keyHash:       resolveKeyHash[K](c),
		maxLoadFactor: c.MaxLoadFactor,
		minCapacity:   c.InitialCapacity,
		maxCapacity:   c.MaxCapacity,
		logger:        c.logger,
	}
	t.reset(c.InitialCapacity)
	return t
}

func (t *SeqTable[K, V]) reset(capacity uint64) {
	t.slots = make([]slot[K, V], capacity)
	t.mask = capacity - 1
	t.limit = loadLimit(capacity, t.maxLoadFactor)
	t.size = 0
}

// Insert stores value under key. It reports true when the key was not
// present before, and false when an existing value was replaced. A new key
// that would push the table past its load factor doubles the table first;
// if that would exceed the maximum capacity, Insert returns
// ErrCapacityExceeded and the table is unchanged.
func (t *SeqTable[K, V]) Insert(key K, value V) (bool, error) {
	hash := t.keyHash(key, t.seed)
	if t.size+1 > t.limit {
		// updates never resize
		if i, ok := findSlot(t.slots, t.mask, hash, key); ok {
			t.slots[i].value = value
			return false, nil
		}
		if err := t.grow(t.size + 1); err != nil {
			return false, err
		}
	}
	inserted := insertSlot(t.slots, t.mask, hash, key, value, false)
	if inserted {
		t.size++
	}
	return inserted, nil
}

// Search returns the value stored under key.
func (t *SeqTable[K, V]) Search(key K) (value V, ok bool) {
	i, ok := findSlot(t.slots, t.mask, t.keyHash(key, t.seed), key)
	if !ok {
		return value, false
	}
	return t.slots[i].value, true
}

// Remove deletes key and reports whether it was present.
func (t *SeqTable[K, V]) Remove(key K) bool {
	i, ok := findSlot(t.slots, t.mask, t.keyHash(key, t.seed), key)
	if !ok {
		return false
	}
	backwardShift(t.slots, t.mask, i)
	t.size--
	return true
}

// grow doubles the capacity until need fits under the load factor and
// rehashes every entry in array order into the new slot array.
func (t *SeqTable[K, V]) grow(need uint64) error {
	oldCap := uint64(len(t.slots))
	newCap := oldCap
	for need > loadLimit(newCap, t.maxLoadFactor) {
		if newCap >= t.maxCapacity {
			t.logger.Warn("robinhood: table cannot grow",
				zap.Uint64("capacity", oldCap),
				zap.Uint64("maxCapacity", t.maxCapacity),
				zap.Uint64("size", t.size))
			return errors.Wrapf(ErrCapacityExceeded, "need %d entries, capacity %d, max %d",
				need, oldCap, t.maxCapacity)
		}
		newCap <<= 1
	}

	start := time.Now()
	slots := make([]slot[K, V], newCap)
	mask := newCap - 1
	for i := range t.slots {
		if s := &t.slots[i]; s.occupied {
			insertSlot(slots, mask, t.keyHash(s.key, t.seed), s.key, s.value, true)
		}
	}
	t.slots, t.mask = slots, mask
	t.limit = loadLimit(newCap, t.maxLoadFactor)
	t.totalGrowths++

	t.logger.Debug("robinhood: table grown",
		zap.Uint64("from", oldCap),
		zap.Uint64("to", newCap),
		zap.Uint64("size", t.size),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// Len returns the number of entries.
func (t *SeqTable[K, V]) Len() int {
	return int(t.size)
}

// Cap returns the current slot count.
func (t *SeqTable[K, V]) Cap() int {
	return len(t.slots)
}

// Clear removes every entry and shrinks the table back to its initial
// capacity.
func (t *SeqTable[K, V]) Clear() {
	t.reset(t.minCapacity)
}

// Range calls yield for every entry in slot order until it returns false.
// The table must not be modified during Range.
func (t *SeqTable[K, V]) Range(yield func(key K, value V) bool) {
	for i := range t.slots {
		if s := &t.slots[i]; s.occupied {
			if !yield(s.key, s.value) {
				return
			}
		}
	}
}

// All returns an iterator over the entries, see Range.
func (t *SeqTable[K, V]) All() iter.Seq2[K, V] {
	return t.Range
}

// ToMap collects all entries into a map[K]V.
func (t *SeqTable[K, V]) ToMap() map[K]V {
	a := make(map[K]V, t.size)
	t.Range(func(k K, v V) bool {
		a[k] = v
		return true
	})
	return a
}

// FromMap inserts every entry of source.
func (t *SeqTable[K, V]) FromMap(source map[K]V) error {
	for k, v := range source {
		if _, err := t.Insert(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns statistics for the table.
func (t *SeqTable[K, V]) Stats() *Stats {
	stats := &Stats{
		Capacity:      uint64(len(t.slots)),
		Slots:         uint64(len(t.slots)),
		Counter:       t.size,
		MaxLoadFactor: t.maxLoadFactor,
		TotalGrowths:  t.totalGrowths,
	}
	var total uint64
	for i := range t.slots {
		if s := &t.slots[i]; s.occupied {
			stats.addSlot(s.dist, &total)
		}
	}
	stats.finish(total)
	return stats
}

// String implement the formatting output interface fmt.Stringer
func (t *SeqTable[K, V]) String() string {
	return formatEntries("SeqTable", t.Range)
}

func formatEntries[K comparable, V any](name string, rangeFn func(func(K, V) bool)) string {
	var sb strings.Builder
	sb.WriteString(name)
	sb.WriteByte('[')
	first := true
	rangeFn(func(k K, v V) bool {
		if !first {
			sb.WriteByte(' ')
		}
		first = false
		fmt.Fprintf(&sb, "%v:%v", k, v)
		return true
	})
	sb.WriteByte(']')
	return sb.String()
}
