package robinhood

import (
	"iter"
	"math/bits"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sys/cpu"
)

// ParTable is a Robin Hood hash table that is safe for concurrent use by
// multiple goroutines. It performs the same Robin Hood insertion, early
// terminating search and backward-shift deletion as SeqTable over a shared
// slot array.
//
// Concurrency model:
//   - The slot index space is cut into contiguous stripes, each guarded by
//     its own cache-line padded mutex.
//   - An operation walks its probe run hand over hand: the stripe of the
//     next slot is locked before the stripe of the current slot is
//     released, so no more than two stripe locks are held at once and a
//     walk can never overtake another walk on the same run.
//   - Probe runs do not wrap around. A run that reaches the end of the
//     ideal buckets continues into an overflow tail owned by the last
//     stripe. Every walk therefore takes stripe locks in ascending order,
//     which rules out lock cycles between walkers.
//   - Key operations hold the resize lock shared. A resize takes it
//     exclusively, then every stripe lock in ascending order, rehashes into
//     a fresh slot array and installs it.
//
// Per-key outcomes match SeqTable; only the physical placement of runs near
// the end of the slot array differs.
//
// A ParTable must not be copied after first use.
type ParTable[K comparable, V any] struct {
	_ noCopy

	resizeMu sync.RWMutex
	slots    *parSlots[K, V] // replaced only under resizeMu held exclusively
	stripes  []stripeLock

	_ cpu.CacheLinePad
	// size counts entries plus inserts that reserved room but have not
	// finished; it is exact whenever no insert is in flight.
	size     atomic.Int64
	needGrow atomic.Bool
	_        cpu.CacheLinePad

	totalGrowths  atomic.Uint32
	seed          uint64
	keyHash       HashFunc[K]
	maxLoadFactor float64
	minCapacity   uint64
	maxCapacity   uint64
	logger        *zap.Logger
}

// stripeLock is a mutex padded to a cache line so neighbouring stripes do
// not false-share.
type stripeLock struct {
	sync.Mutex
	//lint:ignore U1000 prevents false sharing
	pad [(CacheLineSize - unsafe.Sizeof(sync.Mutex{})%CacheLineSize) % CacheLineSize]byte
}

// parSlots is one generation of the slot array. main holds the ideal
// buckets; tail holds entries displaced past the last ideal bucket and is
// only touched under the last stripe lock.
type parSlots[K comparable, V any] struct {
	main      []slot[K, V]
	tail      []slot[K, V]
	mask      uint64
	shift     uint
	last      int
	limit     uint64
	tailLimit int
}

func newParSlots[K comparable, V any](capacity uint64, stripes int, maxLoadFactor float64) *parSlots[K, V] {
	var shift uint
	if n := uint64(stripes); capacity > n {
		shift = uint(bits.TrailingZeros64(capacity / n))
	}
	return &parSlots[K, V]{
		main:      make([]slot[K, V], capacity),
		mask:      capacity - 1,
		shift:     shift,
		last:      stripes - 1,
		limit:     loadLimit(capacity, maxLoadFactor),
		tailLimit: max(bits.Len64(capacity), 4),
	}
}

// stripeOf maps a slot index to its stripe. The mapping is monotone in i.
func (p *parSlots[K, V]) stripeOf(i uint64) int {
	if i > p.mask {
		return p.last
	}
	return min(int(i>>p.shift), p.last)
}

// at returns slot i, or nil past the end of the tail. The caller must hold
// the stripe of i.
func (p *parSlots[K, V]) at(i uint64) *slot[K, V] {
	if i <= p.mask {
		return &p.main[i]
	}
	j := i - p.mask - 1
	if j >= uint64(len(p.tail)) {
		return nil
	}
	return &p.tail[j]
}

// grab returns slot i, extending the tail by one empty slot when i is just
// past its end. It reports whether the tail outgrew its limit. The caller
// must hold the stripe of i.
func (p *parSlots[K, V]) grab(i uint64) (*slot[K, V], bool) {
	if s := p.at(i); s != nil {
		return s, false
	}
	if i-p.mask-1 != uint64(len(p.tail)) {
		invariantf("tail slot %d skipped, tail length %d", i, len(p.tail))
	}
	p.tail = append(p.tail, slot[K, V]{})
	return &p.tail[len(p.tail)-1], len(p.tail) > p.tailLimit
}

// walker tracks the stripe locks held by one probe walk. held is the stripe
// of the current slot; trail is the stripe of the previous slot while both
// are held.
type walker struct {
	stripes []stripeLock
	held    int
	trail   int
}

func newWalker(stripes []stripeLock) walker {
	return walker{stripes: stripes, held: -1, trail: -1}
}

// lock acquires stripe s while keeping the current one.
func (w *walker) lock(s int) {
	if s == w.held {
		return
	}
	if s < w.held || w.trail >= 0 {
		invariantf("stripe %d locked out of order (held %d, trail %d)", s, w.held, w.trail)
	}
	w.stripes[s].Lock()
	w.trail, w.held = w.held, s
}

// releaseTrail drops the stripe of the previous slot.
func (w *walker) releaseTrail() {
	if w.trail >= 0 {
		w.stripes[w.trail].Unlock()
		w.trail = -1
	}
}

// advance moves the walk to stripe s hand over hand.
func (w *walker) advance(s int) {
	w.lock(s)
	w.releaseTrail()
}

func (w *walker) releaseAll() {
	w.releaseTrail()
	if w.held >= 0 {
		w.stripes[w.held].Unlock()
		w.held = -1
	}
}

// NewParTable creates an empty concurrent table.
func NewParTable[K comparable, V any](options ...Option) *ParTable[K, V] {
	c := newConfig(options)
	t := &ParTable[K, V]{
		stripes:       make([]stripeLock, c.Stripes),
		seed:          c.seed,
		keyHash:       resolveKeyHash[K](c),
		maxLoadFactor: c.MaxLoadFactor,
		minCapacity:   c.InitialCapacity,
		maxCapacity:   c.MaxCapacity,
		logger:        c.logger,
	}
	t.slots = newParSlots[K, V](c.InitialCapacity, c.Stripes, c.MaxLoadFactor)
	return t
}

// Insert stores value under key. It reports true when the key was not
// present before, and false when an existing value was replaced. A new key
// that would push the table past its load factor doubles the table first;
// if that would exceed the maximum capacity, Insert returns
// ErrCapacityExceeded and the table is unchanged.
func (t *ParTable[K, V]) Insert(key K, value V) (bool, error) {
	hash := t.keyHash(key, t.seed)
	for {
		t.resizeMu.RLock()
		p := t.slots

		if t.needGrow.Load() {
			t.resizeMu.RUnlock()
			if err := t.grow(p, false); err != nil {
				return false, err
			}
			continue
		}

		if n := t.size.Add(1); uint64(n) > p.limit {
			t.size.Add(-1)
			// updates never resize
			updated := t.update(p, hash, key, value)
			t.resizeMu.RUnlock()
			if updated {
				return false, nil
			}
			if err := t.grow(p, true); err != nil {
				return false, err
			}
			continue
		}

		inserted, overflow := t.insert(p, hash, key, value)
		if !inserted {
			t.size.Add(-1)
		}
		if overflow && p.mask+1 < t.maxCapacity {
			t.needGrow.Store(true)
		}
		t.resizeMu.RUnlock()
		return inserted, nil
	}
}

// insert runs the Robin Hood insertion walk under stripe locks. The caller
// holds resizeMu shared and has reserved room for a new entry.
func (t *ParTable[K, V]) insert(p *parSlots[K, V], hash uint64, key K, value V) (inserted, overflow bool) {
	w := newWalker(t.stripes)
	i := hash & p.mask
	w.advance(p.stripeOf(i))
	carry := slot[K, V]{key: key, value: value, occupied: true}
	unique := false
	for {
		s, over := p.grab(i)
		overflow = overflow || over
		switch {
		case !s.occupied:
			*s = carry
			w.releaseAll()
			return true, overflow
		case !unique && s.key == key:
			s.value = value
			w.releaseAll()
			return false, overflow
		case s.dist < carry.dist:
			carry, *s = *s, carry
			unique = true
		}
		carry.dist = incDist(carry.dist)
		i++
		w.advance(p.stripeOf(i))
	}
}

// locate walks the probe run of key. When found, the walker is left
// holding the stripe of the returned index.
func (t *ParTable[K, V]) locate(p *parSlots[K, V], w *walker, hash uint64, key K) (uint64, bool) {
	i := hash & p.mask
	w.advance(p.stripeOf(i))
	for d := uint32(0); ; d++ {
		s := p.at(i)
		if s == nil || !s.occupied {
			return 0, false
		}
		if s.key == key {
			return i, true
		}
		if s.dist < d {
			return 0, false
		}
		i++
		w.advance(p.stripeOf(i))
	}
}

// update replaces the value of an existing key. The caller holds resizeMu
// shared.
func (t *ParTable[K, V]) update(p *parSlots[K, V], hash uint64, key K, value V) bool {
	w := newWalker(t.stripes)
	i, ok := t.locate(p, &w, hash, key)
	if ok {
		p.at(i).value = value
	}
	w.releaseAll()
	return ok
}

// Search returns the value stored under key.
func (t *ParTable[K, V]) Search(key K) (value V, ok bool) {
	hash := t.keyHash(key, t.seed)
	t.resizeMu.RLock()
	p := t.slots
	w := newWalker(t.stripes)
	i, ok := t.locate(p, &w, hash, key)
	if ok {
		value = p.at(i).value
	}
	w.releaseAll()
	t.resizeMu.RUnlock()
	return value, ok
}

// Remove deletes key and reports whether it was present. The rest of the
// probe run is shifted back one slot at a time, each step holding the
// stripes of both the hole and the entry moved into it.
func (t *ParTable[K, V]) Remove(key K) bool {
	hash := t.keyHash(key, t.seed)
	t.resizeMu.RLock()
	p := t.slots
	w := newWalker(t.stripes)
	hole, ok := t.locate(p, &w, hash, key)
	if !ok {
		w.releaseAll()
		t.resizeMu.RUnlock()
		return false
	}
	for {
		next := hole + 1
		w.lock(p.stripeOf(next))
		s := p.at(next)
		if s == nil || !s.occupied || s.dist == 0 {
			*p.at(hole) = slot[K, V]{}
			break
		}
		h := p.at(hole)
		*h = *s
		h.dist--
		w.releaseTrail()
		hole = next
	}
	w.releaseAll()
	t.size.Add(-1)
	t.resizeMu.RUnlock()
	return true
}

// grow doubles the table seen by the caller. Concurrent callers serialize
// on the resize lock; a caller that finds the table already replaced, or
// the trigger no longer crossed, returns without resizing. forLoad is set
// when the caller needs room for one more entry, in which case running
// into the maximum capacity is an error; a resize requested only by tail
// overflow gives up with a warning.
func (t *ParTable[K, V]) grow(seen *parSlots[K, V], forLoad bool) error {
	t.resizeMu.Lock()
	defer t.resizeMu.Unlock()

	p := t.slots
	if p != seen {
		return nil
	}
	for i := range t.stripes {
		t.stripes[i].Lock()
	}
	defer func() {
		for i := len(t.stripes) - 1; i >= 0; i-- {
			t.stripes[i].Unlock()
		}
	}()

	size := uint64(t.size.Load())
	need := size
	if forLoad {
		need++
	}
	tailFull := t.needGrow.Load()
	if need <= p.limit && !tailFull {
		return nil
	}

	oldCap := p.mask + 1
	newCap := oldCap
	for newCap == oldCap || need > loadLimit(newCap, t.maxLoadFactor) {
		if newCap >= t.maxCapacity {
			t.logger.Warn("robinhood: table cannot grow",
				zap.Uint64("capacity", oldCap),
				zap.Uint64("maxCapacity", t.maxCapacity),
				zap.Uint64("size", size),
				zap.Int("tail", len(p.tail)))
			if need > p.limit {
				return errors.Wrapf(ErrCapacityExceeded, "need %d entries, capacity %d, max %d",
					need, oldCap, t.maxCapacity)
			}
			t.needGrow.Store(false)
			return nil
		}
		newCap <<= 1
	}

	start := time.Now()
	np := newParSlots[K, V](newCap, len(t.stripes), t.maxLoadFactor)
	overflow := false
	rehash := func(slots []slot[K, V]) {
		for i := range slots {
			if s := &slots[i]; s.occupied {
				overflow = np.rehash(t.keyHash(s.key, t.seed), s.key, s.value) || overflow
			}
		}
	}
	rehash(p.main)
	rehash(p.tail)
	t.slots = np
	t.needGrow.Store(overflow && newCap < t.maxCapacity)
	t.totalGrowths.Add(1)

	t.logger.Debug("robinhood: table grown",
		zap.Uint64("from", oldCap),
		zap.Uint64("to", newCap),
		zap.Uint64("size", size),
		zap.Int("tail", len(np.tail)),
		zap.Duration("elapsed", time.Since(start)))
	return nil
}

// rehash inserts a known-absent entry without locking. It is only used on
// a slot array that is not yet visible to other goroutines.
func (p *parSlots[K, V]) rehash(hash uint64, key K, value V) (overflow bool) {
	i := hash & p.mask
	carry := slot[K, V]{key: key, value: value, occupied: true}
	for {
		s, over := p.grab(i)
		overflow = overflow || over
		if !s.occupied {
			*s = carry
			return overflow
		}
		if s.dist < carry.dist {
			carry, *s = *s, carry
		}
		carry.dist = incDist(carry.dist)
		i++
	}
}

// lockAll takes the resize lock shared and every stripe in ascending order,
// freezing the slot array for a consistent snapshot.
func (t *ParTable[K, V]) lockAll() *parSlots[K, V] {
	t.resizeMu.RLock()
	for i := range t.stripes {
		t.stripes[i].Lock()
	}
	return t.slots
}

func (t *ParTable[K, V]) unlockAll() {
	for i := len(t.stripes) - 1; i >= 0; i-- {
		t.stripes[i].Unlock()
	}
	t.resizeMu.RUnlock()
}

// entry is a key/value pair copied out of the table.
type entry[K comparable, V any] struct {
	key   K
	value V
}

// snapshot copies every entry under all stripe locks.
func (t *ParTable[K, V]) snapshot() []entry[K, V] {
	p := t.lockAll()
	defer t.unlockAll()
	entries := make([]entry[K, V], 0, t.size.Load())
	for _, slots := range [][]slot[K, V]{p.main, p.tail} {
		for i := range slots {
			if s := &slots[i]; s.occupied {
				entries = append(entries, entry[K, V]{s.key, s.value})
			}
		}
	}
	return entries
}

// Len returns the number of entries. While inserts are in flight the
// result may include entries that are still being placed.
func (t *ParTable[K, V]) Len() int {
	return int(t.size.Load())
}

// Cap returns the current number of ideal buckets.
func (t *ParTable[K, V]) Cap() int {
	t.resizeMu.RLock()
	defer t.resizeMu.RUnlock()
	return len(t.slots.main)
}

// Clear removes every entry and shrinks the table back to its initial
// capacity.
func (t *ParTable[K, V]) Clear() {
	t.resizeMu.Lock()
	defer t.resizeMu.Unlock()
	t.slots = newParSlots[K, V](t.minCapacity, len(t.stripes), t.maxLoadFactor)
	t.size.Store(0)
	t.needGrow.Store(false)
}

// Range calls yield for every entry of a snapshot taken under all stripe
// locks. yield runs without any lock held and may modify the table; such
// changes are not reflected in the ongoing Range.
func (t *ParTable[K, V]) Range(yield func(key K, value V) bool) {
	for _, e := range t.snapshot() {
		if !yield(e.key, e.value) {
			return
		}
	}
}

// All returns an iterator over the entries, see Range.
func (t *ParTable[K, V]) All() iter.Seq2[K, V] {
	return t.Range
}

// ToMap collects all entries into a map[K]V.
func (t *ParTable[K, V]) ToMap() map[K]V {
	entries := t.snapshot()
	a := make(map[K]V, len(entries))
	for _, e := range entries {
		a[e.key] = e.value
	}
	return a
}

// FromMap inserts every entry of source.
func (t *ParTable[K, V]) FromMap(source map[K]V) error {
	for k, v := range source {
		if _, err := t.Insert(k, v); err != nil {
			return err
		}
	}
	return nil
}

// Stats returns statistics for the table, computed under all stripe locks.
//
// Note: this method locks the whole table and is meant for diagnostics.
func (t *ParTable[K, V]) Stats() *Stats {
	p := t.lockAll()
	defer t.unlockAll()
	stats := &Stats{
		Capacity:      p.mask + 1,
		Slots:         p.mask + 1 + uint64(len(p.tail)),
		Counter:       uint64(t.size.Load()),
		MaxLoadFactor: t.maxLoadFactor,
		TotalGrowths:  t.totalGrowths.Load(),
		Stripes:       len(t.stripes),
	}
	var total uint64
	for _, slots := range [][]slot[K, V]{p.main, p.tail} {
		for i := range slots {
			if s := &slots[i]; s.occupied {
				stats.addSlot(s.dist, &total)
			}
		}
	}
	stats.finish(total)
	return stats
}

// String implement the formatting output interface fmt.Stringer
func (t *ParTable[K, V]) String() string {
	return formatEntries("ParTable", t.Range)
}
