package particles

import (
	"math"
	"sync"
)

// Less reports whether particle a should be ordered before particle b.
type Less func(a, b int) bool

// Sorter reorders a store in place using only Store.Swap.
type Sorter interface {
	Sort(s *Store, less Less)
}

// InsertionSort is efficient for nearly sorted stores, which is the usual
// case when re-sorting after a small timestep.
type InsertionSort struct{}

func (InsertionSort) Sort(s *Store, less Less) {
	insertionSort(s, less, 0, s.Len())
}

func insertionSort(s *Store, less Less, lo, hi int) {
	for i := lo + 1; i < hi; i++ {
		for j := i; j > lo && less(j, j-1); j-- {
			s.Swap(j, j-1)
		}
	}
}

// MergeSort is a stable in-place merge sort. Merging rotates each element
// from the right run into place with adjacent swaps.
type MergeSort struct{}

func (MergeSort) Sort(s *Store, less Less) {
	mergeSort(s, less, 0, s.Len())
}

func mergeSort(s *Store, less Less, lo, hi int) {
	if hi-lo < 2 {
		return
	}
	mid := lo + (hi-lo)/2
	mergeSort(s, less, lo, mid)
	mergeSort(s, less, mid, hi)

	i, j := lo, mid
	for i < j && j < hi {
		if !less(j, i) {
			i++
			continue
		}
		for k := j; k > i; k-- {
			s.Swap(k, k-1)
		}
		i++
		j++
	}
}

// QuickSort uses Lomuto partitioning with the last element as pivot.
type QuickSort struct{}

func (QuickSort) Sort(s *Store, less Less) {
	quickSort(s, less, 0, s.Len())
}

func quickSort(s *Store, less Less, lo, hi int) {
	for hi-lo > 1 {
		p := partition(s, less, lo, hi)
		// Recurse into the smaller side to bound stack depth.
		if p-lo < hi-p-1 {
			quickSort(s, less, lo, p)
			lo = p + 1
		} else {
			quickSort(s, less, p+1, hi)
			hi = p
		}
	}
}

// partition places the pivot (hi-1) at its final index and returns it.
func partition(s *Store, less Less, lo, hi int) int {
	pivot := hi - 1
	i := lo
	for j := lo; j < pivot; j++ {
		if less(j, pivot) {
			s.Swap(i, j)
			i++
		}
	}
	s.Swap(i, pivot)
	return i
}

// DefaultMinPartition is the partition size below which ParallelQuickSort
// stops forking.
const DefaultMinPartition = 2048

// ParallelQuickSort forks a goroutine per partition until partitions shrink
// below MinPartition. Partitions are disjoint, so concurrent swaps never
// touch the same index.
type ParallelQuickSort struct {
	MinPartition int
}

func (q ParallelQuickSort) Sort(s *Store, less Less) {
	minPartition := q.MinPartition
	if minPartition <= 0 {
		minPartition = DefaultMinPartition
	}
	var wg sync.WaitGroup
	parallelQuickSort(s, less, 0, s.Len(), minPartition, &wg)
	wg.Wait()
}

func parallelQuickSort(s *Store, less Less, lo, hi, minPartition int, wg *sync.WaitGroup) {
	if hi-lo < minPartition {
		quickSort(s, less, lo, hi)
		return
	}
	p := partition(s, less, lo, hi)
	wg.Add(1)
	go func() {
		defer wg.Done()
		parallelQuickSort(s, less, lo, p, minPartition, wg)
	}()
	parallelQuickSort(s, less, p+1, hi, minPartition, wg)
}

// NewSorter returns the sorter registered under name, or nil.
func NewSorter(name string, minPartition int) Sorter {
	switch name {
	case "insertion":
		return InsertionSort{}
	case "merge":
		return MergeSort{}
	case "quick":
		return QuickSort{}
	case "parallel_quick":
		return ParallelQuickSort{MinPartition: minPartition}
	}
	return nil
}

// SortByKey orders the store by ascending SortInfo.Key.
func SortByKey(s *Store, sorter Sorter) error {
	keys, err := Column[SortInfo](s)
	if err != nil {
		return err
	}
	sorter.Sort(s, func(a, b int) bool { return keys[a].Key < keys[b].Key })
	return nil
}

// ZOrderKeys stores the Morton code of each particle's grid cell in
// SortInfo.Key. Dead particles get the largest key so they end up last.
func ZOrderKeys(s *Store, cellSize float64) error {
	if err := s.Require(KindMovement, KindInfo); err != nil {
		return err
	}
	s.AddKind(KindSortInfo)
	mv := MustColumn[Movement](s)
	info := MustColumn[Info](s)
	keys := MustColumn[SortInfo](s)
	for i := range keys {
		if info[i].Type == Dead {
			keys[i].Key = math.MaxUint64
			continue
		}
		x := gridCoord(mv[i].Position.X, cellSize)
		y := gridCoord(mv[i].Position.Y, cellSize)
		keys[i].Key = Morton2D(x, y)
	}
	return nil
}

// SortZOrder computes Z-order keys and sorts the store by them.
func SortZOrder(s *Store, cellSize float64, sorter Sorter) error {
	if err := ZOrderKeys(s, cellSize); err != nil {
		return err
	}
	return SortByKey(s, sorter)
}

// gridCoord maps a coordinate to an unsigned cell index, offset so that
// negative cells order before positive ones.
func gridCoord(v, cellSize float64) uint32 {
	c := math.Floor(v/cellSize) + math.MaxInt32
	switch {
	case c < 0:
		return 0
	case c > math.MaxUint32:
		return math.MaxUint32
	}
	return uint32(c)
}

// Morton2D interleaves the bits of x and y, x in the even positions.
func Morton2D(x, y uint32) uint64 {
	return spread(x) | spread(y)<<1
}

func spread(v uint32) uint64 {
	x := uint64(v)
	x = (x | x<<16) & 0x0000FFFF0000FFFF
	x = (x | x<<8) & 0x00FF00FF00FF00FF
	x = (x | x<<4) & 0x0F0F0F0F0F0F0F0F
	x = (x | x<<2) & 0x3333333333333333
	x = (x | x<<1) & 0x5555555555555555
	return x
}
