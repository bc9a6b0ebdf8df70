package batch

import (
	"sort"

	"voxelview.ai/internal/voxel"
)

// Table owns the batches of one store, keyed by visual key.
type Table struct {
	capacity int
	batches  map[voxel.BatchKey]*Batch
}

func NewTable(capacity int) *Table {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Table{
		capacity: capacity,
		batches:  map[voxel.BatchKey]*Batch{},
	}
}

func (t *Table) Capacity() int { return t.capacity }
func (t *Table) Len() int      { return len(t.batches) }

func (t *Table) Get(k voxel.BatchKey) *Batch { return t.batches[k] }

// GetOrCreate lazily allocates the batch for k.
func (t *Table) GetOrCreate(k voxel.BatchKey) (b *Batch, created bool) {
	if b := t.batches[k]; b != nil {
		return b, false
	}
	b = New(k, t.capacity)
	t.batches[k] = b
	return b, true
}

// Keys returns every batch key in Less order.
func (t *Table) Keys() []voxel.BatchKey {
	keys := make([]voxel.BatchKey, 0, len(t.batches))
	for k := range t.batches {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].Less(keys[j]) })
	return keys
}

// Each visits batches in key order. Returning false stops the walk.
func (t *Table) Each(fn func(*Batch) bool) {
	for _, k := range t.Keys() {
		if !fn(t.batches[k]) {
			return
		}
	}
}

// Drop removes every batch and returns their keys in order.
func (t *Table) Drop() []voxel.BatchKey {
	keys := t.Keys()
	clear(t.batches)
	return keys
}
