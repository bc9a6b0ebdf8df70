package batch

import (
	"fmt"

	"github.com/go-gl/mathgl/mgl32"

	"voxelview.ai/internal/voxel"
)

// DefaultCapacity matches the 16-bit instance addressing of a single draw call.
const DefaultCapacity = 65536

// Batch is a fixed-capacity dense set of positions sharing one visual key.
// Occupied slots are exactly [0, Len()). Not safe for concurrent use.
type Batch struct {
	key      voxel.BatchKey
	capacity int

	slots []voxel.Pos
	index map[voxel.Pos]int

	version uint64
}

func New(key voxel.BatchKey, capacity int) *Batch {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Batch{
		key:      key,
		capacity: capacity,
		index:    map[voxel.Pos]int{},
	}
}

func (b *Batch) Key() voxel.BatchKey { return b.key }
func (b *Batch) Len() int            { return len(b.slots) }
func (b *Batch) Cap() int            { return b.capacity }
func (b *Batch) Full() bool          { return len(b.slots) >= b.capacity }

// Version increases on every slot mutation.
func (b *Batch) Version() uint64 { return b.version }

func (b *Batch) Contains(p voxel.Pos) bool {
	_, ok := b.index[p]
	return ok
}

// Slot returns the dense slot holding p.
func (b *Batch) Slot(p voxel.Pos) (int, bool) {
	i, ok := b.index[p]
	return i, ok
}

// At returns the position in slot i. i must be < Len().
func (b *Batch) At(i int) voxel.Pos { return b.slots[i] }

// Positions is the dense slot array. The slice aliases batch storage and is
// only valid until the next mutation.
func (b *Batch) Positions() []voxel.Pos { return b.slots }

// Insert appends p at slot Len(). It reports false when the batch is full or
// already holds p.
func (b *Batch) Insert(p voxel.Pos) (int, bool) {
	if b.Full() {
		return -1, false
	}
	if _, ok := b.index[p]; ok {
		return -1, false
	}
	i := len(b.slots)
	b.slots = append(b.slots, p)
	b.index[p] = i
	b.version++
	return i, true
}

// Remove deletes p by moving the last slot into its place.
func (b *Batch) Remove(p voxel.Pos) bool {
	i, ok := b.index[p]
	if !ok {
		return false
	}
	last := len(b.slots) - 1
	if i != last {
		moved := b.slots[last]
		b.slots[i] = moved
		b.index[moved] = i
	}
	delete(b.index, p)
	b.slots = b.slots[:last]
	b.version++
	return true
}

// Reset empties the batch, keeping its allocation.
func (b *Batch) Reset() {
	if len(b.slots) == 0 {
		return
	}
	b.slots = b.slots[:0]
	clear(b.index)
	b.version++
}

// Transform is the instance matrix of a unit cube centered on p.
func Transform(p voxel.Pos) mgl32.Mat4 {
	return mgl32.Translate3D(float32(p.X), float32(p.Y), float32(p.Z))
}

// AppendTransforms appends one instance matrix per occupied slot, in slot order.
func (b *Batch) AppendTransforms(dst []mgl32.Mat4) []mgl32.Mat4 {
	for _, p := range b.slots {
		dst = append(dst, Transform(p))
	}
	return dst
}

// Check verifies the slot/index bijection.
func (b *Batch) Check() error {
	if len(b.slots) > b.capacity {
		return fmt.Errorf("batch %s: count %d exceeds capacity %d", b.key, len(b.slots), b.capacity)
	}
	if len(b.index) != len(b.slots) {
		return fmt.Errorf("batch %s: index size %d != count %d", b.key, len(b.index), len(b.slots))
	}
	for p, i := range b.index {
		if i < 0 || i >= len(b.slots) {
			return fmt.Errorf("batch %s: %s indexed at %d outside [0,%d)", b.key, p, i, len(b.slots))
		}
		if b.slots[i] != p {
			return fmt.Errorf("batch %s: slot %d holds %s, index says %s", b.key, i, b.slots[i], p)
		}
	}
	return nil
}
