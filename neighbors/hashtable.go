package neighbors

// Hash primes from Teschner et al., "Optimized Spatial Hashing for
// Collision Detection of Deformable Objects".
const (
	hashPrimeX = 73856093
	hashPrimeY = 19349663
)

const noSection = -1

// cell is an integer grid coordinate.
type cell struct {
	x, y int32
}

// slot is one entry of the open-addressed cell table.
type slot struct {
	key     cell
	section int32 // first storage section of the cell
	used    bool
	// collision marks that some key hashing here or earlier was pushed
	// past this slot, so lookups must keep probing.
	collision bool
}

// hashTable maps occupied cells to storage sections using linear probing.
type hashTable struct {
	slots []slot
}

func newHashTable(size int) *hashTable {
	size = max(size, 1)
	return &hashTable{slots: make([]slot, size)}
}

func (t *hashTable) hash(c cell) int {
	h := uint32(c.x)*hashPrimeX ^ uint32(c.y)*hashPrimeY
	return int(h % uint32(len(t.slots)))
}

// lookup returns the slot index holding c, or -1.
func (t *hashTable) lookup(c cell) int {
	size := len(t.slots)
	idx := t.hash(c)
	for probes := 0; probes < size; probes++ {
		s := &t.slots[idx]
		if s.used && s.key == c {
			return idx
		}
		if !s.collision {
			return -1
		}
		idx++
		if idx == size {
			idx = 0
		}
	}
	return -1
}

// insert returns the slot index for c, claiming a free slot if c is not
// present yet. created reports whether the slot was newly claimed.
func (t *hashTable) insert(c cell) (idx int, created bool, err error) {
	if idx := t.lookup(c); idx >= 0 {
		return idx, false, nil
	}
	size := len(t.slots)
	idx = t.hash(c)
	for probes := 0; probes < size; probes++ {
		s := &t.slots[idx]
		if !s.used {
			s.key = c
			s.used = true
			s.section = noSection
			return idx, true, nil
		}
		s.collision = true
		idx++
		if idx == size {
			idx = 0
		}
	}
	return -1, false, ErrHashTableFull
}

// remove frees slot idx. The collision flag is kept so keys stored past
// it stay reachable.
func (t *hashTable) remove(idx int) {
	t.slots[idx].used = false
	t.slots[idx].section = noSection
}

// sectionStorage holds the particle handles of each cell in fixed-size
// sections. Layout of one section:
//
//	[count, handle_1 .. handle_{size-1}, next]
//
// next links to an overflow section or is noSection.
type sectionStorage struct {
	stride   int
	capacity int32
	data     []int32
	free     []int32
}

func newSectionStorage(sectionSize int) *sectionStorage {
	sectionSize = max(sectionSize, 2)
	return &sectionStorage{
		stride:   sectionSize + 1,
		capacity: int32(sectionSize - 1),
	}
}

func (s *sectionStorage) reset() {
	s.data = s.data[:0]
	s.free = s.free[:0]
}

func (s *sectionStorage) alloc() int32 {
	var sec int32
	if n := len(s.free); n > 0 {
		sec = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		sec = int32(len(s.data))
		for i := 0; i < s.stride; i++ {
			s.data = append(s.data, 0)
		}
	}
	s.data[sec] = 0
	s.data[s.link(sec)] = noSection
	return sec
}

func (s *sectionStorage) link(sec int32) int32 {
	return sec + int32(s.stride) - 1
}

// add appends h to the chain starting at first.
func (s *sectionStorage) add(first, h int32) {
	sec := first
	for s.data[sec] == s.capacity {
		next := s.data[s.link(sec)]
		if next == noSection {
			next = s.alloc()
			s.data[s.link(sec)] = next
		}
		sec = next
	}
	s.data[sec+1+s.data[sec]] = h
	s.data[sec]++
}

// remove deletes h from the chain starting at first by moving the chain's
// last handle into its place. Trailing empty overflow sections are freed.
// It reports whether the chain is now empty.
func (s *sectionStorage) remove(first, h int32) bool {
	// Locate h and the last non-empty section.
	foundSec, foundPos := int32(noSection), int32(-1)
	prev, last := int32(noSection), first
	for sec := first; sec != noSection; sec = s.data[s.link(sec)] {
		count := s.data[sec]
		if count > 0 {
			last = sec
		}
		if foundSec == noSection {
			for k := int32(0); k < count; k++ {
				if s.data[sec+1+k] == h {
					foundSec, foundPos = sec, k
					break
				}
			}
		}
	}
	if foundSec == noSection {
		return s.data[first] == 0
	}

	lastCount := s.data[last]
	s.data[foundSec+1+foundPos] = s.data[last+1+lastCount-1]
	s.data[last]--

	if s.data[last] == 0 && last != first {
		// Unlink every section from last onward.
		for sec := first; sec != noSection; sec = s.data[s.link(sec)] {
			if s.data[s.link(sec)] == last {
				prev = sec
				break
			}
		}
		s.data[s.link(prev)] = noSection
		s.releaseFrom(last)
	}
	return s.data[first] == 0
}

// releaseFrom returns sec and all sections chained after it to the free list.
func (s *sectionStorage) releaseFrom(sec int32) {
	for sec != noSection {
		next := s.data[s.link(sec)]
		s.free = append(s.free, sec)
		sec = next
	}
}

// each calls fn for every handle in the chain starting at first.
func (s *sectionStorage) each(first int32, fn func(h int32) bool) {
	for sec := first; sec != noSection; sec = s.data[s.link(sec)] {
		count := s.data[sec]
		for k := int32(0); k < count; k++ {
			if !fn(s.data[sec+1+k]) {
				return
			}
		}
	}
}

// count returns the number of handles in the chain starting at first.
func (s *sectionStorage) count(first int32) int {
	n := 0
	for sec := first; sec != noSection; sec = s.data[s.link(sec)] {
		n += int(s.data[sec])
	}
	return n
}
